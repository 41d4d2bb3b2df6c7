// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/hook"
	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
)

// pollInterval paces ReturnValue's terminal-state polling.
const pollInterval = time.Second

// RunStatus is the lifecycle state of a run as seen by clients.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run can make no further progress.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StartOptions configures Client.Start.
type StartOptions struct {
	DeploymentID     string
	SpecVersion      int
	ExecutionContext map[string]string
}

// RunInfo is a point-in-time view of a run.
type RunInfo struct {
	ID           string
	WorkflowName string
	Status       RunStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ListFilter narrows Client.ListRuns.
type ListFilter struct {
	Status       RunStatus
	WorkflowName string
	Limit        int
}

// Client starts and controls workflow runs against a world.
type Client struct {
	world    world.World
	registry *Registry
	logger   *slog.Logger
}

// NewClient creates a run-control client.
func NewClient(w world.World, registry *Registry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{world: w, registry: registry, logger: log.WithComponent(logger, "client")}
}

// Start dehydrates args, records run_created, and enqueues the first
// workflow continuation.
func (c *Client) Start(ctx context.Context, workflowName string, args []any, opts *StartOptions) (*Run, error) {
	if _, err := c.registry.Workflow(workflowName); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &StartOptions{}
	}
	specVersion := opts.SpecVersion
	if specVersion == 0 {
		specVersion = storage.CurrentSpecVersion
	}

	runID := ident.NewRunID()
	input, ops, err := codec.Dehydrate(args, &codec.Options{
		Boundary: codec.WorkflowArguments,
		Classes:  c.registry.Classes(),
		Streams:  c.world.Streams(),
		RunID:    runID,
	})
	if err != nil {
		return nil, err
	}
	if err := ops.Run(ctx); err != nil {
		return nil, err
	}

	_, err = c.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: runID,
		Type:  event.RunCreated,
		Data: event.RunCreatedData{
			WorkflowName:     workflowName,
			DeploymentID:     opts.DeploymentID,
			Input:            input,
			ExecutionContext: opts.ExecutionContext,
			SpecVersion:      specVersion,
		},
		SpecVersion: specVersion,
	})
	if err != nil {
		return nil, err
	}

	err = c.world.Queue(ctx, world.WorkflowQueue(workflowName), world.WorkflowMessage{RunID: runID},
		&world.QueueOptions{IdempotencyKey: runID + ":boot", DeploymentID: opts.DeploymentID})
	if err != nil {
		return nil, err
	}

	c.logger.Info("run started",
		slog.String(log.RunIDKey, runID), slog.String(log.WorkflowKey, workflowName))
	return &Run{client: c, id: runID}, nil
}

// Run returns a handle for an existing run id.
func (c *Client) Run(runID string) *Run {
	return &Run{client: c, id: runID}
}

// ListRuns lists runs with optional filters, newest first.
func (c *Client) ListRuns(ctx context.Context, filter ListFilter) ([]*RunInfo, error) {
	runs, err := c.world.Storage().Runs().List(ctx, storage.RunFilter{
		Status:       storage.RunStatus(filter.Status),
		WorkflowName: filter.WorkflowName,
		Limit:        filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	infos := make([]*RunInfo, len(runs))
	for i, r := range runs {
		infos[i] = runInfo(r)
	}
	return infos, nil
}

// Recreate starts a fresh run with the original run's workflow and
// input.
func (c *Client) Recreate(ctx context.Context, runID string, opts *StartOptions) (*Run, error) {
	orig, err := c.world.Storage().Runs().Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &StartOptions{}
	}
	specVersion := opts.SpecVersion
	if specVersion == 0 {
		specVersion = orig.SpecVersion
	}
	deploymentID := opts.DeploymentID
	if deploymentID == "" {
		deploymentID = orig.DeploymentID
	}

	newID := ident.NewRunID()
	_, err = c.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: newID,
		Type:  event.RunCreated,
		Data: event.RunCreatedData{
			WorkflowName:     orig.WorkflowName,
			DeploymentID:     deploymentID,
			Input:            orig.Input,
			ExecutionContext: orig.ExecutionContext,
			SpecVersion:      specVersion,
		},
		SpecVersion: specVersion,
	})
	if err != nil {
		return nil, err
	}
	err = c.world.Queue(ctx, world.WorkflowQueue(orig.WorkflowName), world.WorkflowMessage{RunID: newID},
		&world.QueueOptions{IdempotencyKey: newID + ":boot", DeploymentID: deploymentID})
	if err != nil {
		return nil, err
	}
	return &Run{client: c, id: newID}, nil
}

// runInfo converts a storage run row.
func runInfo(r *storage.Run) *RunInfo {
	return &RunInfo{
		ID:           r.ID,
		WorkflowName: r.WorkflowName,
		Status:       RunStatus(r.Status),
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// Run is a handle over one workflow run.
type Run struct {
	client *Client
	id     string
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Info returns the run's current state.
func (r *Run) Info(ctx context.Context) (*RunInfo, error) {
	row, err := r.client.world.Storage().Runs().Get(ctx, r.id)
	if err != nil {
		return nil, err
	}
	return runInfo(row), nil
}

// Status returns the run's current lifecycle state.
func (r *Run) Status(ctx context.Context) (RunStatus, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

// ReturnValue polls the run until terminal and returns the hydrated
// return value. Failed and cancelled runs surface as typed terminal
// errors.
func (r *Run) ReturnValue(ctx context.Context) (any, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		row, err := r.client.world.Storage().Runs().Get(ctx, r.id)
		if err != nil {
			return nil, err
		}
		switch row.Status {
		case storage.RunCompleted:
			value, ops, err := codec.Hydrate(row.Output, &codec.Options{
				Boundary: codec.StepReturnValue,
				Classes:  r.client.registry.Classes(),
				Streams:  r.client.world.Streams(),
				RunID:    r.id,
			})
			if err != nil {
				return nil, err
			}
			if err := ops.Run(ctx); err != nil {
				return nil, err
			}
			return value, nil
		case storage.RunFailed:
			failure := &derrors.WorkflowRunFailedError{RunID: r.id, Message: "workflow run failed"}
			if row.Error != nil {
				failure.Message = row.Error.Message
				failure.Stack = row.Error.Stack
			}
			return nil, failure
		case storage.RunCancelled:
			return nil, &derrors.WorkflowRunCancelledError{RunID: r.id}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel terminates the run. Cancelling an already-terminal run is a
// no-op.
func (r *Run) Cancel(ctx context.Context) error {
	_, err := r.client.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: r.id,
		Type:  event.RunCancelled,
	})
	if derrors.IsConflict(err) || derrors.IsGone(err) {
		return nil
	}
	return err
}

// WakeUp completes the run's pending waits (all of them, or the given
// correlation ids) and re-enqueues the workflow.
func (r *Run) WakeUp(ctx context.Context, correlationIDs ...string) error {
	return hook.WakeUpRun(ctx, r.client.world, r.id, correlationIDs...)
}

// ReadStream drains a named stream of the run to closure.
func (r *Run) ReadStream(ctx context.Context, name string) ([]byte, error) {
	return r.client.world.Streams().Reader(name, r.id, 0).ReadAll(ctx)
}

// ListStreams returns the stream names written for the run.
func (r *Run) ListStreams(ctx context.Context) ([]string, error) {
	return r.client.world.Streams().List(ctx, r.id)
}
