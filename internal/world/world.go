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

// Package world defines the infrastructure adapter the engine runs
// against: durable queues, storage, streams, and the encryption key
// provider. One reference in-process implementation is provided; other
// backends shim behind the same interface.
package world

import (
	"context"
	"time"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/stream"
)

// Queue name conventions.
const (
	WorkflowQueuePrefix = "__wkf_workflow_"
	StepQueuePrefix     = "__wkf_step_"

	WorkflowHealthQueue = "__wkf_workflow_health_check"
	StepHealthQueue     = "__wkf_step_health_check"

	// HealthStreamPrefix names the one-shot streams health-check
	// handlers respond into.
	HealthStreamPrefix = "__health_check__"
)

// DefaultMaxDelaySeconds caps a single redelivery defer. Backends with a
// lower ceiling clamp further.
const DefaultMaxDelaySeconds = 82800 // 23h

// WorkflowQueue returns the continuation queue for a workflow name.
func WorkflowQueue(workflowName string) string {
	return WorkflowQueuePrefix + workflowName
}

// StepQueue returns the invocation queue for a step name.
func StepQueue(stepName string) string {
	return StepQueuePrefix + stepName
}

// HealthStream returns the response stream for a health-check probe.
func HealthStream(correlationID string) string {
	return HealthStreamPrefix + correlationID
}

// QueueOptions carries the optional publish attributes.
type QueueOptions struct {
	DeploymentID   string
	IdempotencyKey string
	DelaySeconds   int
	Headers        map[string]string
}

// HandlerResult defers redelivery of the in-flight message. A nil result
// from a handler acks it.
type HandlerResult struct {
	TimeoutSeconds int
}

// Handler consumes one queue message. The queue name is the full name,
// including the matched prefix.
type Handler func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error)

// World is the infrastructure surface the engine components depend on.
type World interface {
	// Queue publishes a durable message. payload is JSON-marshaled.
	Queue(ctx context.Context, queue string, payload any, opts *QueueOptions) error

	// CreateQueueHandler mounts a consumer for every queue whose name
	// starts with prefix. Longest registered prefix wins.
	CreateQueueHandler(prefix string, h Handler)

	Storage() storage.Storage
	Streams() *stream.Store
	EncryptionKey() *storage.EncryptionKey
}

// WorkflowMessage is the body of a workflow continuation.
type WorkflowMessage struct {
	RunID        string            `json:"runId"`
	TraceCarrier map[string]string `json:"traceCarrier,omitempty"`
	RequestedAt  *time.Time        `json:"requestedAt,omitempty"`
}

// StepMessage is the body of a step invocation.
type StepMessage struct {
	WorkflowName      string            `json:"workflowName"`
	WorkflowRunID     string            `json:"workflowRunId"`
	WorkflowStartedAt time.Time         `json:"workflowStartedAt"`
	StepID            string            `json:"stepId"`
	TraceCarrier      map[string]string `json:"traceCarrier,omitempty"`
	RequestedAt       time.Time         `json:"requestedAt"`
}

// HealthMessage is the body of a health-check probe. The handler writes
// "ok" into the correlated one-shot stream.
type HealthMessage struct {
	CorrelationID string `json:"correlationId"`
}
