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
	"fmt"
	"log/slog"
	mrand "math/rand"
	"runtime/debug"
	"time"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
)

// fatalAbort unwinds the sandbox on event-log corruption. Unlike user
// errors it is not catchable by workflow code.
type fatalAbort struct {
	err error
}

// InvocationKind distinguishes the pending work an invocation creates.
type InvocationKind int

const (
	InvocationStep InvocationKind = iota
	InvocationHook
	InvocationWait
)

// Invocation is one sandbox call awaiting its first event. The
// orchestrator materializes it as a *_created event plus the
// corresponding queue message.
type Invocation struct {
	CorrelationID string
	Kind          InvocationKind

	// Step fields.
	StepName   string
	Args       []any
	MaxRetries int

	// Hook fields.
	Token    string
	Metadata []byte

	// Wait fields.
	ResumeAt time.Time

	// HasCreatedEvent is set when the replay log already holds the
	// *_created event, so it must not be re-emitted.
	HasCreatedEvent bool

	resolved bool
	result   settled
}

// Params configures one sandbox turn.
type Params struct {
	RunID        string
	WorkflowName string

	// StartedAt seeds the deterministic id generator, RNG, and logical
	// clock. It is the run's recorded start time, identical on every
	// replay.
	StartedAt time.Time

	// Events is the run's full log in ascending event-id order.
	Events []*event.Event

	Registry *Registry
	Logger   *slog.Logger
}

// Context is the deterministic sandbox a workflow function runs in. All
// primitives with effects outside the sandbox are methods here; the
// function must not reach for ambient time, randomness, or I/O.
type Context struct {
	runID        string
	workflowName string
	startedAt    time.Time

	ids   *ident.Deterministic
	rng   *mrand.Rand
	clock time.Time

	registry *Registry
	logger   *slog.Logger

	// events per correlation id, ascending.
	events map[string][]*event.Event

	invocations []*Invocation
}

// NewContext builds a sandbox for one replay turn.
func NewContext(p Params) *Context {
	byCorrelation := make(map[string][]*event.Event)
	for _, ev := range p.Events {
		if ev.CorrelationID == "" {
			continue
		}
		byCorrelation[ev.CorrelationID] = append(byCorrelation[ev.CorrelationID], ev)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seed := ident.Seed(p.RunID)
	return &Context{
		runID:        p.RunID,
		workflowName: p.WorkflowName,
		startedAt:    p.StartedAt,
		ids:          ident.NewDeterministic(seed, p.StartedAt),
		rng:          mrand.New(mrand.NewSource(seed)),
		clock:        p.StartedAt,
		registry:     p.Registry,
		logger:       logger,
		events:       byCorrelation,
	}
}

// RunID returns the run identifier.
func (c *Context) RunID() string { return c.runID }

// WorkflowName returns the workflow's registered name.
func (c *Context) WorkflowName() string { return c.workflowName }

// Now returns the sandbox's logical time: the run's start time advanced
// by the events consumed so far. Replays observe identical values.
func (c *Context) Now() time.Time { return c.clock }

// Random returns the run-seeded RNG. Replays observe identical draws.
func (c *Context) Random() *mrand.Rand { return c.rng }

// Logger returns a logger carrying the run context. Logging is
// observable output, not state; it is safe in workflow code.
func (c *Context) Logger() *slog.Logger { return c.logger }

// advance moves the logical clock forward to t.
func (c *Context) advance(t time.Time) {
	if t.After(c.clock) {
		c.clock = t
	}
}

// abort unwinds the sandbox with a non-catchable runtime error.
func (c *Context) abort(err error) {
	panic(fatalAbort{err: err})
}

// corruption raises a WorkflowRuntimeError for an event that cannot
// belong to its correlation.
func (c *Context) corruption(ev *event.Event, want string) {
	c.abort(&derrors.WorkflowRuntimeError{
		RunID:   c.runID,
		Message: fmt.Sprintf("unexpected %s event %s on %s correlation %s", ev.Type, ev.ID, want, ev.CorrelationID),
	})
}

// hydrateOpts are the workflow-side codec options: streams stay opaque
// references and step references become callable proxies.
func (c *Context) hydrateOpts() *codec.Options {
	return &codec.Options{
		Boundary: codec.WorkflowArguments,
		Classes:  c.registry.Classes(),
		RunID:    c.runID,
		UseStep: func(stepID string, closure map[string]any) (any, error) {
			if _, err := c.registry.Step(stepID); err != nil {
				return nil, err
			}
			return &StepProxy{ctx: c, name: stepID, closure: closure}, nil
		},
	}
}

// hydrate decodes a persisted payload into sandbox values.
func (c *Context) hydrate(payload []byte) (any, error) {
	v, ops, err := codec.Hydrate(payload, c.hydrateOpts())
	if err != nil {
		return nil, err
	}
	// Workflow-side revivers produce no side effects; an op here means a
	// reviver leaked across the boundary.
	if ops.Len() > 0 {
		return nil, &derrors.DeserializationError{Message: "payload requires side effects inside the sandbox"}
	}
	return v, nil
}

// HydrateInput decodes the run's dehydrated argument list.
func (c *Context) HydrateInput(payload []byte) ([]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	v, err := c.hydrate(payload)
	if err != nil {
		return nil, err
	}
	switch args := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return args, nil
	default:
		return []any{args}, nil
	}
}

// StepProxy is a callable step reference revived inside the sandbox.
type StepProxy struct {
	ctx     *Context
	name    string
	closure map[string]any
}

// Call invokes the referenced step.
func (p *StepProxy) Call(args ...any) *Future {
	return p.ctx.Step(p.name, args...)
}

// StepID implements codec.StepReference so proxies re-encode losslessly.
func (p *StepProxy) StepID() string { return p.name }

// ClosureVars implements codec.StepReference.
func (p *StepProxy) ClosureVars() map[string]any { return p.closure }

// Step invokes a registered step. The returned future settles with the
// step's recorded result; awaiting an unrecorded step suspends the
// replay.
func (c *Context) Step(name string, args ...any) *Future {
	desc, err := c.registry.Step(name)
	if err != nil {
		c.abort(&derrors.WorkflowRuntimeError{RunID: c.runID, Message: err.Error()})
	}
	correlationID := c.ids.Next(ident.StepPrefix)
	inv := &Invocation{
		CorrelationID: correlationID,
		Kind:          InvocationStep,
		StepName:      name,
		Args:          args,
		MaxRetries:    desc.MaxRetries,
	}

	for _, ev := range c.events[correlationID] {
		switch ev.Type {
		case event.StepCreated, event.StepStarted, event.StepRetrying:
			inv.HasCreatedEvent = true
		case event.StepCompleted:
			var data event.StepCompletedData
			if err := ev.DecodeData(&data); err != nil {
				c.abort(err)
			}
			value, err := c.hydrate(data.Output)
			if err != nil {
				c.abort(err)
			}
			c.advance(ev.CreatedAt)
			inv.resolved = true
			inv.result = settled{value: value, eventID: ev.ID}
		case event.StepFailed:
			var data event.StepFailedData
			if err := ev.DecodeData(&data); err != nil {
				c.abort(err)
			}
			c.advance(ev.CreatedAt)
			inv.resolved = true
			// The step exhausted its own retry budget; from the
			// workflow's perspective the failure is final.
			inv.result = settled{err: &derrors.FatalError{Message: data.Error.Message}, eventID: ev.ID}
		default:
			c.corruption(ev, "step")
		}
	}

	if !inv.resolved {
		c.invocations = append(c.invocations, inv)
	}
	return &Future{poll: func() (settled, bool) { return inv.result, inv.resolved }}
}

// Sleep pauses the workflow for at least d. The pause is durable: the
// run is re-enqueued after the wait elapses and consumes no resources
// meanwhile.
func (c *Context) Sleep(d time.Duration) {
	correlationID := c.ids.Next(ident.WaitPrefix)
	resumeAt := c.clock.Add(d)
	inv := &Invocation{
		CorrelationID: correlationID,
		Kind:          InvocationWait,
		ResumeAt:      resumeAt,
	}

	for _, ev := range c.events[correlationID] {
		switch ev.Type {
		case event.WaitCreated:
			inv.HasCreatedEvent = true
		case event.WaitCompleted:
			c.advance(ev.CreatedAt)
			c.advance(resumeAt)
			inv.resolved = true
			inv.result = settled{eventID: ev.ID}
		default:
			c.corruption(ev, "wait")
		}
	}

	if inv.resolved {
		return
	}
	c.invocations = append(c.invocations, inv)
	panic(suspendSignal{})
}

// Execute runs the workflow function for one turn and reports how it
// ended: returned, failed, or suspended awaiting events.
func (c *Context) Execute(fn Func, args []any) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case suspendSignal:
				out = Outcome{Kind: OutcomeSuspended, Invocations: c.invocations}
			case fatalAbort:
				out = Outcome{Kind: OutcomeFailed, Err: v.err, Runtime: true}
			default:
				out = Outcome{
					Kind:  OutcomeFailed,
					Err:   fmt.Errorf("workflow panic: %v", v),
					Stack: string(debug.Stack()),
				}
			}
		}
	}()

	value, err := fn(c, args)
	if err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	return Outcome{Kind: OutcomeCompleted, Value: value}
}

// OutcomeKind tags how a sandbox turn ended.
type OutcomeKind int

const (
	// OutcomeCompleted means the workflow function returned a value.
	OutcomeCompleted OutcomeKind = iota
	// OutcomeFailed means the workflow function returned an error,
	// panicked, or the log is corrupt.
	OutcomeFailed
	// OutcomeSuspended means the function awaited unrecorded events.
	OutcomeSuspended
)

// Outcome is the result of one sandbox turn.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error

	// Stack is the captured stack trace when the turn ended in a panic.
	Stack string

	// Runtime marks Err as log corruption rather than a user failure.
	Runtime bool

	// Invocations are the registered unresolved calls, in first-awaited
	// order.
	Invocations []*Invocation
}
