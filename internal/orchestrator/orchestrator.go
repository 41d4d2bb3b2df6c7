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

// Package orchestrator drives workflow replay. Each queue delivery runs
// one turn: load the run's event log, re-execute the workflow function
// in its deterministic sandbox, and materialize whatever the turn
// produced — creation events, queue messages, or a terminal event.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// eventPageSize bounds one page of the replay log read.
const eventPageSize = 500

// Orchestrator replays workflow runs against their event logs.
type Orchestrator struct {
	world    world.World
	registry *workflow.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates an orchestrator.
func New(w world.World, registry *workflow.Registry, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		world:    w,
		registry: registry,
		logger:   log.WithComponent(logger, "orchestrator"),
		tracer:   otel.Tracer("durable/orchestrator"),
	}
}

// HandleQueue consumes one workflow continuation message.
func (o *Orchestrator) HandleQueue(ctx context.Context, queue string, payload []byte) (*world.HandlerResult, error) {
	var msg world.WorkflowMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed workflow message on %s: %w", queue, err)
	}
	return o.Turn(ctx, msg.RunID, msg.TraceCarrier)
}

// Turn replays a run once. It acks by returning nil; infrastructure
// errors bubble for queue redelivery.
func (o *Orchestrator) Turn(ctx context.Context, runID string, carrier map[string]string) (*world.HandlerResult, error) {
	if carrier != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
	}
	ctx, span := o.tracer.Start(ctx, "workflow.turn")
	defer span.End()

	started := time.Now()
	run, err := o.world.Storage().Runs().Get(ctx, runID)
	if err != nil {
		if derrors.IsNotFound(err) {
			o.logger.Warn("continuation for unknown run dropped", slog.String(log.RunIDKey, runID))
			return nil, nil
		}
		return nil, err
	}
	logger := log.WithRunContext(o.logger, runID, run.WorkflowName)

	if run.Status.Terminal() {
		logger.Debug("run already terminal, halting")
		return nil, nil
	}

	if err := o.completeDueWaits(ctx, runID); err != nil {
		return nil, err
	}

	run, err = o.ensureStarted(ctx, run)
	if err != nil {
		return nil, err
	}
	startedAt := run.CreatedAt
	if run.StartedAt != nil {
		startedAt = *run.StartedAt
	}

	events, err := o.loadEvents(ctx, runID)
	if err != nil {
		return nil, err
	}

	desc, err := o.registry.Workflow(run.WorkflowName)
	if err != nil {
		// The deployment no longer carries this workflow; the run can
		// never make progress.
		return nil, o.failRun(ctx, run, event.ErrorValue{Message: err.Error()})
	}

	wctx := workflow.NewContext(workflow.Params{
		RunID:        runID,
		WorkflowName: run.WorkflowName,
		StartedAt:    startedAt,
		Events:       events,
		Registry:     o.registry,
		Logger:       logger,
	})

	args, err := wctx.HydrateInput(run.Input)
	if err != nil {
		return nil, o.failRun(ctx, run, event.ErrorValue{Message: err.Error()})
	}

	outcome := wctx.Execute(desc.Fn, args)
	defer func() {
		metrics.RecordTurn(run.WorkflowName, outcomeLabel(outcome.Kind), time.Since(started))
	}()

	switch outcome.Kind {
	case workflow.OutcomeCompleted:
		return nil, o.completeRun(ctx, run, outcome.Value)
	case workflow.OutcomeFailed:
		ev := event.ErrorValue{Message: outcome.Err.Error(), Stack: outcome.Stack}
		if outcome.Runtime {
			logger.Error("replay aborted on corrupt event log", log.Error(outcome.Err))
		}
		return nil, o.failRun(ctx, run, ev)
	default:
		return nil, o.suspend(ctx, run, startedAt, outcome.Invocations, carrier)
	}
}

// outcomeLabel maps an outcome kind to its metric label.
func outcomeLabel(k workflow.OutcomeKind) string {
	switch k {
	case workflow.OutcomeCompleted:
		return "completed"
	case workflow.OutcomeFailed:
		return "failed"
	default:
		return "suspended"
	}
}

// completeDueWaits writes wait_completed for pending waits whose resume
// time has passed, so the subsequent replay observes them resolved.
func (o *Orchestrator) completeDueWaits(ctx context.Context, runID string) error {
	pending, err := o.world.Storage().Waits().ListPending(ctx, runID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, wt := range pending {
		if wt.ResumeAt == nil || wt.ResumeAt.After(now) {
			continue
		}
		_, err := o.world.Storage().Events().Create(ctx, storage.CreateEvent{
			RunID:         runID,
			Type:          event.WaitCompleted,
			CorrelationID: wt.CorrelationID,
		})
		if err != nil && !derrors.IsConflict(err) && !derrors.IsGone(err) {
			return err
		}
	}
	return nil
}

// ensureStarted writes run_started on the first turn. A concurrent turn
// may win the race; the run row is re-read in that case.
func (o *Orchestrator) ensureStarted(ctx context.Context, run *storage.Run) (*storage.Run, error) {
	if run.StartedAt != nil {
		return run, nil
	}
	res, err := o.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: run.ID,
		Type:  event.RunStarted,
	})
	if err == nil {
		metrics.RecordRunStarted(run.WorkflowName)
		return res.Run, nil
	}
	if derrors.IsConflict(err) {
		return o.world.Storage().Runs().Get(ctx, run.ID)
	}
	return nil, err
}

// loadEvents reads the run's full log in ascending event-id order.
func (o *Orchestrator) loadEvents(ctx context.Context, runID string) ([]*event.Event, error) {
	var all []*event.Event
	after := ""
	for {
		page, err := o.world.Storage().Events().List(ctx, runID, storage.EventFilter{
			AfterID: after,
			Limit:   eventPageSize,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < eventPageSize {
			return all, nil
		}
		after = page[len(page)-1].ID
	}
}

// completeRun dehydrates the return value and records run_completed.
func (o *Orchestrator) completeRun(ctx context.Context, run *storage.Run, value any) error {
	output, ops, err := codec.Dehydrate(value, &codec.Options{
		Boundary: codec.WorkflowReturnValue,
		Classes:  o.registry.Classes(),
		Streams:  o.world.Streams(),
		RunID:    run.ID,
	})
	if err != nil {
		return o.failRun(ctx, run, event.ErrorValue{Message: err.Error()})
	}
	if err := ops.Run(ctx); err != nil {
		return err
	}

	_, err = o.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: run.ID,
		Type:  event.RunCompleted,
		Data:  event.RunCompletedData{Output: output},
	})
	if derrors.IsConflict(err) || derrors.IsGone(err) {
		// A concurrent continuation finished first, or the run was
		// cancelled. Either way the log already holds the truth.
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RecordRunFinished(run.WorkflowName, "completed")
	return nil
}

// failRun records run_failed.
func (o *Orchestrator) failRun(ctx context.Context, run *storage.Run, ev event.ErrorValue) error {
	_, err := o.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: run.ID,
		Type:  event.RunFailed,
		Data:  event.RunFailedData{Error: ev},
	})
	if derrors.IsConflict(err) || derrors.IsGone(err) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RecordRunFinished(run.WorkflowName, "failed")
	return nil
}

// suspend materializes the turn's pending invocations: missing
// *_created events first, then the queue messages that move them.
func (o *Orchestrator) suspend(ctx context.Context, run *storage.Run, startedAt time.Time, invocations []*workflow.Invocation, carrier map[string]string) error {
	if carrier == nil {
		carrier = propagateCarrier(ctx)
	}
	for _, inv := range invocations {
		if !inv.HasCreatedEvent {
			halted, err := o.createInvocation(ctx, run, inv)
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
		}
		if err := o.enqueueInvocation(ctx, run, startedAt, inv, carrier); err != nil {
			return err
		}
	}
	return nil
}

// propagateCarrier captures the current trace context for queue hops.
func propagateCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}

// createInvocation writes one *_created event. Conflicts mean a
// concurrent replay won the append and are fine; gone means the run
// turned terminal and the turn halts.
func (o *Orchestrator) createInvocation(ctx context.Context, run *storage.Run, inv *workflow.Invocation) (halted bool, err error) {
	req := storage.CreateEvent{RunID: run.ID, CorrelationID: inv.CorrelationID}
	switch inv.Kind {
	case workflow.InvocationStep:
		input, ops, derr := codec.Dehydrate(inv.Args, &codec.Options{
			Boundary: codec.StepArguments,
			Classes:  o.registry.Classes(),
			Streams:  o.world.Streams(),
			RunID:    run.ID,
		})
		if derr != nil {
			return true, o.failRun(ctx, run, event.ErrorValue{Message: derr.Error()})
		}
		if err := ops.Run(ctx); err != nil {
			return false, err
		}
		req.Type = event.StepCreated
		req.Data = event.StepCreatedData{StepName: inv.StepName, Input: input, MaxRetries: inv.MaxRetries}
	case workflow.InvocationHook:
		req.Type = event.HookCreated
		req.Data = event.HookCreatedData{Token: inv.Token, Metadata: inv.Metadata}
	case workflow.InvocationWait:
		resumeAt := inv.ResumeAt
		req.Type = event.WaitCreated
		req.Data = event.WaitCreatedData{ResumeAt: &resumeAt}
	}

	_, err = o.world.Storage().Events().Create(ctx, req)
	switch {
	case err == nil, derrors.IsConflict(err):
		return false, nil
	case derrors.IsGone(err):
		return true, nil
	default:
		return false, err
	}
}

// enqueueInvocation publishes the queue message that advances one
// invocation. Idempotency keys make concurrent replays converge.
func (o *Orchestrator) enqueueInvocation(ctx context.Context, run *storage.Run, startedAt time.Time, inv *workflow.Invocation, carrier map[string]string) error {
	switch inv.Kind {
	case workflow.InvocationStep:
		return o.world.Queue(ctx, world.StepQueue(inv.StepName), world.StepMessage{
			WorkflowName:      run.WorkflowName,
			WorkflowRunID:     run.ID,
			WorkflowStartedAt: startedAt,
			StepID:            inv.CorrelationID,
			TraceCarrier:      carrier,
			RequestedAt:       time.Now(),
		}, &world.QueueOptions{IdempotencyKey: inv.CorrelationID + ":dispatch", DeploymentID: run.DeploymentID})
	case workflow.InvocationWait:
		delay := int(time.Until(inv.ResumeAt).Seconds() + 1)
		if delay < 0 {
			delay = 0
		}
		return o.world.Queue(ctx, world.WorkflowQueue(run.WorkflowName), world.WorkflowMessage{
			RunID:        run.ID,
			TraceCarrier: carrier,
		}, &world.QueueOptions{DelaySeconds: delay, IdempotencyKey: inv.CorrelationID + ":due", DeploymentID: run.DeploymentID})
	default:
		// Hooks wait for an external caller; nothing to schedule.
		return nil
	}
}
