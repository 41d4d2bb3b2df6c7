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

// Package event defines the append-only event model that is the source of
// truth for every workflow run. Entity rows (runs, steps, hooks, waits)
// are materialized caches folded from these events by the storage layer.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an event in a run's log.
type Type string

const (
	RunCreated   Type = "run_created"
	RunStarted   Type = "run_started"
	RunCompleted Type = "run_completed"
	RunFailed    Type = "run_failed"
	RunCancelled Type = "run_cancelled"

	StepCreated   Type = "step_created"
	StepStarted   Type = "step_started"
	StepCompleted Type = "step_completed"
	StepFailed    Type = "step_failed"
	StepRetrying  Type = "step_retrying"

	HookCreated  Type = "hook_created"
	HookReceived Type = "hook_received"
	HookConflict Type = "hook_conflict"
	HookDisposed Type = "hook_disposed"

	WaitCreated   Type = "wait_created"
	WaitCompleted Type = "wait_completed"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case RunCreated, RunStarted, RunCompleted, RunFailed, RunCancelled,
		StepCreated, StepStarted, StepCompleted, StepFailed, StepRetrying,
		HookCreated, HookReceived, HookConflict, HookDisposed,
		WaitCreated, WaitCompleted:
		return true
	}
	return false
}

// Terminal reports whether t ends the lifecycle of its correlation:
// a run, a step, or a wait.
func (t Type) Terminal() bool {
	switch t {
	case RunCompleted, RunFailed, RunCancelled, StepCompleted, StepFailed, WaitCompleted:
		return true
	}
	return false
}

// Event is one record in a run's ordered log. Ordering is by ID, which is
// a time-ordered ULID with the wevt_ prefix.
type Event struct {
	ID            string          `json:"event_id"`
	RunID         string          `json:"run_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Type          Type            `json:"event_type"`
	Data          json.RawMessage `json:"event_data,omitempty"`
	SpecVersion   int             `json:"spec_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DecodeData unmarshals the event's payload into dst, tolerating unknown
// extra fields for forward compatibility.
func (e *Event) DecodeData(dst any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, dst); err != nil {
		return fmt.Errorf("decode %s event %s: %w", e.Type, e.ID, err)
	}
	return nil
}

// EncodeData marshals a payload struct for storage on an event.
func EncodeData(src any) (json.RawMessage, error) {
	if src == nil {
		return nil, nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return b, nil
}
