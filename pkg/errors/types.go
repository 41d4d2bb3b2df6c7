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

// Package errors defines the typed errors shared by the workflow engine:
// serialization failures, step retry classes, storage status errors, and
// the terminal errors surfaced to run-control callers.
package errors

import (
	"fmt"
	"time"
)

// SerializationError indicates a value could not be encoded at a
// workflow/step boundary. It is non-retryable: retrying will encounter
// the same unsupported value.
type SerializationError struct {
	// TypeName is the Go type of the offending value.
	TypeName string

	// Message is the human-readable error description.
	Message string
}

// Error implements the error interface.
func (e *SerializationError) Error() string {
	if e.TypeName != "" {
		return fmt.Sprintf("cannot serialize value of type %s: %s", e.TypeName, e.Message)
	}
	return fmt.Sprintf("serialization failed: %s", e.Message)
}

// DeserializationError indicates a persisted payload could not be decoded:
// malformed bytes, an unknown format tag, or a corrupt node graph.
type DeserializationError struct {
	// Message is the human-readable error description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	return fmt.Sprintf("deserialization failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DeserializationError) Unwrap() error {
	return e.Cause
}

// FatalError marks a step error as non-retryable. The executor writes
// step_failed immediately instead of scheduling another attempt, and the
// workflow sees the failure on its next replay.
type FatalError struct {
	// Message is the error description shown to the workflow.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// RetryableError carries a user-controlled backoff. The executor writes
// step_retrying and re-schedules the attempt at RetryAfter.
type RetryableError struct {
	// Message is the error description recorded on the retry event.
	Message string

	// RetryAfter is the absolute time before which the step must not be
	// re-attempted. Zero means "retry with the default delay".
	RetryAfter time.Time

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// Storage status codes. The event store reports ordering conditions with
// HTTP-shaped codes so queue consumers can interpret them uniformly.
const (
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeGone        = 410
	CodeTooEarly    = 425
	CodeThrottled   = 429
	CodeServerError = 500
)

// StatusError is a storage-layer condition with an HTTP-shaped code.
// 409/410/425 are ordering signals rather than faults; 429 and 5xx are
// transient and subject to retry policy.
type StatusError struct {
	// Code is one of the Code* constants above.
	Code int

	// Message is the human-readable error description.
	Message string

	// RetryAfter is the absolute time the caller should wait for before
	// retrying. Set for 425 (step retry window) and 429 (throttle).
	RetryAfter time.Time

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("storage error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("storage error %d", e.Code)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StatusError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StatusError) ErrorType() string {
	switch e.Code {
	case CodeNotFound:
		return "not_found"
	case CodeConflict:
		return "conflict"
	case CodeGone:
		return "gone"
	case CodeTooEarly:
		return "too_early"
	case CodeThrottled:
		return "throttled"
	default:
		return "server_error"
	}
}

// IsRetryable implements ErrorClassifier. Only throttle and server errors
// are worth retrying; the ordering signals never change on retry.
func (e *StatusError) IsRetryable() bool {
	return e.Code == CodeThrottled || e.Code >= 500
}

// WorkflowRunFailedError is returned by run-control polling when the run
// reached the failed terminal state.
type WorkflowRunFailedError struct {
	// RunID identifies the failed run.
	RunID string

	// Message is the failure recorded on the run_failed event.
	Message string

	// Stack is the recorded stack trace, if any.
	Stack string
}

// Error implements the error interface.
func (e *WorkflowRunFailedError) Error() string {
	return fmt.Sprintf("workflow run %s failed: %s", e.RunID, e.Message)
}

// WorkflowRunCancelledError is returned by run-control polling when the
// run was cancelled before producing a return value.
type WorkflowRunCancelledError struct {
	// RunID identifies the cancelled run.
	RunID string
}

// Error implements the error interface.
func (e *WorkflowRunCancelledError) Error() string {
	return fmt.Sprintf("workflow run %s was cancelled", e.RunID)
}

// WorkflowRuntimeError indicates event-log corruption observed during
// replay, such as an event type that cannot belong to its correlation.
// It is not catchable by workflow code; the run fails.
type WorkflowRuntimeError struct {
	// RunID identifies the corrupt run.
	RunID string

	// Message describes the corruption.
	Message string
}

// Error implements the error interface.
func (e *WorkflowRuntimeError) Error() string {
	return fmt.Sprintf("workflow runtime error in run %s: %s", e.RunID, e.Message)
}

// HookConflictError is surfaced to workflow code when a hook token
// collided with a live hook elsewhere.
type HookConflictError struct {
	// Token is the colliding token.
	Token string
}

// Error implements the error interface.
func (e *HookConflictError) Error() string {
	return fmt.Sprintf("hook token already in use: %s", e.Token)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "step", "hook")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}
