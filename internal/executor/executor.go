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

// Package executor runs step attempts. A step queue delivery claims one
// attempt with step_started, runs the registered step function, and
// records the terminal or retrying event before waking the workflow.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
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

const (
	// defaultRetryDelay reschedules generic step failures.
	defaultRetryDelay = time.Second

	// inlineThrottleWait bounds how long a throttled terminal-event write
	// is absorbed in-process before deferring to the queue.
	inlineThrottleWait = 10 * time.Second

	// terminalWriteAttempts caps the retry loop around terminal-event
	// writes hitting transient storage failures.
	terminalWriteAttempts = 3
)

// Executor consumes step queue messages.
type Executor struct {
	world    world.World
	registry *workflow.Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a step executor.
func New(w world.World, registry *workflow.Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		world:    w,
		registry: registry,
		logger:   log.WithComponent(logger, "executor"),
		tracer:   otel.Tracer("durable/executor"),
	}
}

// HandleQueue consumes one step dispatch message.
func (e *Executor) HandleQueue(ctx context.Context, queue string, payload []byte) (*world.HandlerResult, error) {
	var msg world.StepMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("malformed step message on %s: %w", queue, err)
	}
	if msg.TraceCarrier != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.TraceCarrier))
	}
	ctx, span := e.tracer.Start(ctx, "step.attempt")
	defer span.End()
	return e.Attempt(ctx, msg)
}

// Attempt claims and runs one step attempt. Returning nil acks the
// delivery; a HandlerResult defers it; an error requeues it.
func (e *Executor) Attempt(ctx context.Context, msg world.StepMessage) (*world.HandlerResult, error) {
	logger := log.WithStepContext(e.logger, msg.WorkflowRunID, msg.StepID)

	res, err := e.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID:         msg.WorkflowRunID,
		Type:          event.StepStarted,
		CorrelationID: msg.StepID,
	})
	if err != nil {
		switch {
		case derrors.IsTooEarly(err):
			// The retry window has not opened. Put the message back to
			// sleep for the remainder.
			remaining := 1
			if se := derrors.StatusOf(err); se != nil && !se.RetryAfter.IsZero() {
				if secs := int(time.Until(se.RetryAfter).Seconds()) + 1; secs > remaining {
					remaining = secs
				}
			}
			return &world.HandlerResult{TimeoutSeconds: remaining}, nil
		case derrors.IsConflict(err):
			// The step is already terminal, usually a duplicate delivery
			// after the attempt finished. Make sure the workflow wakes.
			logger.Debug("step already terminal, waking workflow")
			return nil, e.wakeWorkflow(ctx, msg, msg.StepID+":settled")
		case derrors.IsGone(err):
			logger.Debug("run is terminal, dropping step dispatch")
			return nil, nil
		default:
			return nil, err
		}
	}
	step := res.Step

	logger.Info("step attempt started",
		slog.String("step", step.Name), slog.Int(log.AttemptKey, step.Attempt))

	if step.Attempt > step.MaxRetries+1 {
		// The attempt counter overran the budget, which only happens if a
		// previous exhausted attempt failed to record its failure.
		ev := event.ErrorValue{Message: "retry budget exhausted"}
		if err := e.recordTerminal(ctx, msg, event.StepFailed, event.StepFailedData{Error: ev}); err != nil {
			return e.deferOrFail(err)
		}
		metrics.RecordStepAttempt(step.Name, "failed")
		return nil, e.wakeWorkflow(ctx, msg, msg.StepID+":overrun")
	}

	value, runErr := e.run(ctx, msg, step)

	if runErr == nil {
		output, err := e.dehydrateOutput(ctx, msg, value)
		if err != nil {
			// The step succeeded but its result cannot be persisted.
			// Serialization will not improve on retry.
			runErr = derrors.FatalWrap(err)
		} else {
			if err := e.recordTerminal(ctx, msg, event.StepCompleted, event.StepCompletedData{Output: output}); err != nil {
				return e.deferOrFail(err)
			}
			metrics.RecordStepAttempt(step.Name, "completed")
			logger.Info("step attempt completed", slog.String("step", step.Name))
			return nil, e.wakeWorkflow(ctx, msg, msg.StepID+":completed")
		}
	}

	return e.settleFailure(ctx, msg, step, runErr, logger)
}

// run hydrates the step's input and executes the registered function,
// converting panics into errors.
func (e *Executor) run(ctx context.Context, msg world.StepMessage, step *storage.Step) (value any, err error) {
	desc, derr := e.registry.Step(step.Name)
	if derr != nil {
		return nil, derrors.FatalWrap(derr)
	}

	input, ops, herr := codec.Hydrate(step.Input, &codec.Options{
		Boundary: codec.StepArguments,
		Classes:  e.registry.Classes(),
		Streams:  e.world.Streams(),
		RunID:    msg.WorkflowRunID,
		LookupStep: func(stepID string) (any, error) {
			return e.registry.Step(stepID)
		},
	})
	if herr != nil {
		return nil, derrors.FatalWrap(herr)
	}
	if err := ops.Run(ctx); err != nil {
		return nil, err
	}
	args, _ := input.([]any)
	if args == nil && input != nil {
		args = []any{input}
	}

	info := workflow.StepInfo{
		StepID:       step.ID,
		Attempt:      step.Attempt,
		StartedAt:    time.Now(),
		RunID:        msg.WorkflowRunID,
		RunStartedAt: msg.WorkflowStartedAt,
		WorkflowName: msg.WorkflowName,
	}

	defer func() {
		metrics.RecordStepDuration(step.Name, time.Since(info.StartedAt))
		if v := recover(); v != nil {
			err = fmt.Errorf("step panic: %v\n%s", v, debug.Stack())
		}
	}()
	return desc.Fn(ctx, info, args)
}

// dehydrateOutput persists the step's return value, pumping any streams
// it produced before the completion event becomes visible.
func (e *Executor) dehydrateOutput(ctx context.Context, msg world.StepMessage, value any) ([]byte, error) {
	output, ops, err := codec.Dehydrate(value, &codec.Options{
		Boundary: codec.StepReturnValue,
		Classes:  e.registry.Classes(),
		Streams:  e.world.Streams(),
		RunID:    msg.WorkflowRunID,
	})
	if err != nil {
		return nil, err
	}
	if err := ops.Run(ctx); err != nil {
		return nil, err
	}
	return output, nil
}

// settleFailure applies the retry policy to a failed attempt.
func (e *Executor) settleFailure(ctx context.Context, msg world.StepMessage, step *storage.Step, runErr error, logger *slog.Logger) (*world.HandlerResult, error) {
	ev := event.ErrorValue{Message: runErr.Error()}
	attemptsLeft := step.Attempt <= step.MaxRetries

	switch {
	case derrors.IsFatal(runErr) || !attemptsLeft:
		if err := e.recordTerminal(ctx, msg, event.StepFailed, event.StepFailedData{Error: ev}); err != nil {
			return e.deferOrFail(err)
		}
		metrics.RecordStepAttempt(step.Name, "failed")
		logger.Warn("step failed", slog.String("step", step.Name), log.Error(runErr))
		return nil, e.wakeWorkflow(ctx, msg, msg.StepID+":failed")

	case derrors.AsRetryable(runErr) != nil:
		re := derrors.AsRetryable(runErr)
		retryAt := re.RetryAfter
		if retryAt.IsZero() {
			retryAt = time.Now().Add(defaultRetryDelay)
		}
		if err := e.recordTerminal(ctx, msg, event.StepRetrying, event.StepRetryingData{Error: ev, RetryAfter: &retryAt}); err != nil {
			return e.deferOrFail(err)
		}
		metrics.RecordStepAttempt(step.Name, "retrying")
		delay := int(time.Until(retryAt).Seconds()) + 1
		if delay < 1 {
			delay = 1
		}
		logger.Info("step retry scheduled",
			slog.String("step", step.Name), slog.Int(log.AttemptKey, step.Attempt), slog.Time("retry_at", retryAt))
		return &world.HandlerResult{TimeoutSeconds: delay}, nil

	default:
		retryAt := time.Now().Add(defaultRetryDelay)
		if err := e.recordTerminal(ctx, msg, event.StepRetrying, event.StepRetryingData{Error: ev, RetryAfter: &retryAt}); err != nil {
			return e.deferOrFail(err)
		}
		metrics.RecordStepAttempt(step.Name, "retrying")
		logger.Info("step retry scheduled",
			slog.String("step", step.Name), slog.Int(log.AttemptKey, step.Attempt), log.Error(runErr))
		return &world.HandlerResult{TimeoutSeconds: 1}, nil
	}
}

// recordTerminal writes a step settlement event, absorbing transient
// storage failures with a short in-process retry. Conflict and gone are
// ordering signals and count as recorded.
func (e *Executor) recordTerminal(ctx context.Context, msg world.StepMessage, typ event.Type, data any) error {
	delay := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < terminalWriteAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		_, err := e.world.Storage().Events().Create(ctx, storage.CreateEvent{
			RunID:         msg.WorkflowRunID,
			Type:          typ,
			CorrelationID: msg.StepID,
			Data:          data,
		})
		switch {
		case err == nil, derrors.IsConflict(err), derrors.IsGone(err):
			return nil
		case derrors.IsThrottled(err):
			se := derrors.StatusOf(err)
			wait := time.Until(se.RetryAfter)
			if wait > inlineThrottleWait {
				return err
			}
			if wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
			lastErr = err
		case derrors.IsServerError(err):
			lastErr = err
		default:
			return err
		}
	}
	return lastErr
}

// deferOrFail converts a persistent settlement failure into the queue
// action that recovers it: throttles defer, the rest redeliver.
func (e *Executor) deferOrFail(err error) (*world.HandlerResult, error) {
	if derrors.IsThrottled(err) {
		se := derrors.StatusOf(err)
		secs := int(time.Until(se.RetryAfter).Seconds()) + 1
		if secs < 1 {
			secs = 1
		}
		return &world.HandlerResult{TimeoutSeconds: secs}, nil
	}
	return nil, err
}

// wakeWorkflow re-enqueues the owning workflow so the next replay turn
// observes the step's new state.
func (e *Executor) wakeWorkflow(ctx context.Context, msg world.StepMessage, idempotencyKey string) error {
	return e.world.Queue(ctx, world.WorkflowQueue(msg.WorkflowName), world.WorkflowMessage{
		RunID:        msg.WorkflowRunID,
		TraceCarrier: msg.TraceCarrier,
	}, &world.QueueOptions{IdempotencyKey: idempotencyKey})
}
