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

// Package storage defines the event log and entity store contract. The
// event log owns truth; entity rows are derived state mutated in the same
// transaction as the event append.
package storage

import (
	"context"
	"time"

	"github.com/tombee/durable/internal/event"
)

// Spec version gates. Runs persisted below MinSpecVersion are legacy and
// unsupported; runs above CurrentSpecVersion were written by a newer
// engine and route to a compatibility error.
const (
	MinSpecVersion     = 2
	CurrentSpecVersion = 2
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further mutation.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Terminal reports whether the step can no longer change state.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// WaitStatus is the lifecycle state of a wait.
type WaitStatus string

const (
	WaitWaiting   WaitStatus = "waiting"
	WaitCompleted WaitStatus = "completed"
)

// Run is the materialized state of a workflow run.
type Run struct {
	ID               string
	WorkflowName     string
	DeploymentID     string
	SpecVersion      int
	Status           RunStatus
	Input            []byte
	Output           []byte
	Error            *event.ErrorValue
	ExecutionContext map[string]string
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Step is the materialized state of a step, folded from its events.
type Step struct {
	RunID       string
	ID          string
	Name        string
	Status      StepStatus
	Attempt     int
	MaxRetries  int
	Input       []byte
	Output      []byte
	Error       *event.ErrorValue
	StartedAt   *time.Time
	RetryAfter  *time.Time
	CompletedAt *time.Time
}

// Hook is a live external-signal correlation token.
type Hook struct {
	RunID       string
	ID          string
	Token       string
	Metadata    []byte
	SpecVersion int
	CreatedAt   time.Time
}

// Wait is a timed or externally-completable pause. Its id is the run id
// concatenated with the correlation id.
type Wait struct {
	ID            string
	RunID         string
	CorrelationID string
	Status        WaitStatus
	ResumeAt      *time.Time
	CreatedAt     time.Time
}

// WaitID builds the composite wait identifier.
func WaitID(runID, correlationID string) string {
	return runID + correlationID
}

// RunFilter narrows Runs.List.
type RunFilter struct {
	Status       RunStatus
	WorkflowName string
	Limit        int
}

// EventFilter controls event pagination. Ascending order is required for
// replay; descending serves observability.
type EventFilter struct {
	// AfterID returns events strictly after (ascending) or before
	// (descending) this event id.
	AfterID string

	// Limit caps the page size. Zero means backend default.
	Limit int

	// Descending reverses the ordering.
	Descending bool
}

// CreateEvent is the only mutation the store accepts.
type CreateEvent struct {
	// RunID identifies the run. Empty on run_created lets the store
	// generate one.
	RunID string

	// Type is the event type; it selects the entity effect.
	Type event.Type

	// CorrelationID matches the step, hook, or wait the event belongs to.
	CorrelationID string

	// Data is the type-specific payload struct (see package event).
	Data any

	// SpecVersion is stamped on the event; zero means current.
	SpecVersion int
}

// CreateResult reflects the entity state after the event was applied, so
// callers avoid a second read.
type CreateResult struct {
	Event *event.Event
	Run   *Run
	Step  *Step
	Hook  *Hook
	Wait  *Wait
}

// RunStore reads materialized runs.
type RunStore interface {
	Get(ctx context.Context, runID string) (*Run, error)
	List(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// StepStore reads materialized steps.
type StepStore interface {
	Get(ctx context.Context, runID, stepID string) (*Step, error)
	List(ctx context.Context, runID string) ([]*Step, error)
}

// HookStore reads live hooks.
type HookStore interface {
	Get(ctx context.Context, runID, hookID string) (*Hook, error)
	GetByToken(ctx context.Context, token string) (*Hook, error)
	List(ctx context.Context, runID string) ([]*Hook, error)
}

// WaitStore reads waits.
type WaitStore interface {
	Get(ctx context.Context, waitID string) (*Wait, error)
	ListPending(ctx context.Context, runID string) ([]*Wait, error)
}

// EventStore appends and reads the per-run event log.
type EventStore interface {
	// Create atomically validates invariants, applies the derived entity
	// mutation, and appends the event. Ordering conditions are reported
	// as pkg/errors StatusError values (409/410/425), never as plain
	// errors.
	Create(ctx context.Context, req CreateEvent) (*CreateResult, error)

	List(ctx context.Context, runID string, filter EventFilter) ([]*event.Event, error)
	ListByCorrelationID(ctx context.Context, runID, correlationID string) ([]*event.Event, error)
}

// Storage is the full persistence contract the engine depends on.
type Storage interface {
	Runs() RunStore
	Steps() StepStore
	Hooks() HookStore
	Waits() WaitStore
	Events() EventStore

	// Stream chunk persistence for the stream store (see internal/stream).
	AppendChunks(ctx context.Context, streamName, runID string, chunks [][]byte, closed bool) error
	ReadChunks(ctx context.Context, streamName, runID string, fromIndex int) (chunks [][]byte, closed bool, err error)
	ListStreams(ctx context.Context, runID string) ([]string, error)

	Close() error
}
