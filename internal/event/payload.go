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

package event

import "time"

// ErrorValue is the structured error representation stored on failure
// events and run rows.
type ErrorValue struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RunCreatedData is the payload of run_created.
type RunCreatedData struct {
	WorkflowName     string            `json:"workflow_name"`
	DeploymentID     string            `json:"deployment_id,omitempty"`
	Input            []byte            `json:"input,omitempty"`
	ExecutionContext map[string]string `json:"execution_context,omitempty"`
	SpecVersion      int               `json:"spec_version"`
}

// RunCompletedData is the payload of run_completed.
type RunCompletedData struct {
	Output []byte `json:"output,omitempty"`
}

// RunFailedData is the payload of run_failed.
type RunFailedData struct {
	Error ErrorValue `json:"error"`
}

// StepCreatedData is the payload of step_created.
type StepCreatedData struct {
	StepName   string `json:"step_name"`
	Input      []byte `json:"input,omitempty"`
	MaxRetries int    `json:"max_retries"`
}

// StepCompletedData is the payload of step_completed.
type StepCompletedData struct {
	Output []byte `json:"output,omitempty"`
}

// StepFailedData is the payload of step_failed.
type StepFailedData struct {
	Error ErrorValue `json:"error"`
}

// StepRetryingData is the payload of step_retrying.
type StepRetryingData struct {
	Error      ErrorValue `json:"error"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// HookCreatedData is the payload of hook_created.
type HookCreatedData struct {
	Token    string `json:"token"`
	Metadata []byte `json:"metadata,omitempty"`
}

// HookReceivedData is the payload of hook_received. The payload bytes are
// stored on the event itself; the hook row is untouched.
type HookReceivedData struct {
	Payload []byte `json:"payload,omitempty"`
}

// HookConflictData is the payload of hook_conflict, emitted instead of a
// hook row when the token collides with a live hook.
type HookConflictData struct {
	Token string `json:"token"`
}

// Webhook response modes stored in hook metadata.
const (
	WebhookModeStatic = "static"
	WebhookModeManual = "manual"
	WebhookModeNone   = "none"
)

// WebhookMetadata is the hook metadata shape for webhook hooks. The
// webhook HTTP handler reads it to pick the response mode; Response is a
// dehydrated static response payload.
type WebhookMetadata struct {
	Webhook  bool   `json:"webhook"`
	Mode     string `json:"mode"`
	Response []byte `json:"response,omitempty"`
}

// WaitCreatedData is the payload of wait_created.
type WaitCreatedData struct {
	ResumeAt *time.Time `json:"resume_at,omitempty"`
}
