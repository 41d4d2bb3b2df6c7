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

package world

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegisterHealthHandlers mounts the health-check queue consumers. Each
// probe message names a correlation id; the handler answers by writing
// "ok" into the matching one-shot stream and closing it.
func RegisterHealthHandlers(w World) {
	handler := func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		var msg HealthMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("malformed health probe: %w", err)
		}
		name := HealthStream(msg.CorrelationID)
		if err := w.Streams().Write(ctx, name, "", []byte("ok")); err != nil {
			return nil, err
		}
		return nil, w.Streams().CloseStream(ctx, name, "")
	}
	w.CreateQueueHandler(WorkflowHealthQueue, handler)
	w.CreateQueueHandler(StepHealthQueue, handler)
}

// CheckHealth round-trips a probe through a health queue: it enqueues a
// message and waits for the handler's "ok" on the correlated stream.
func CheckHealth(ctx context.Context, w World, queue string, timeout time.Duration) error {
	correlationID := uuid.NewString()
	if err := w.Queue(ctx, queue, HealthMessage{CorrelationID: correlationID}, nil); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reader := w.Streams().Reader(HealthStream(correlationID), "", 0)
	body, err := reader.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("health check on %s: %w", queue, err)
	}
	if string(body) != "ok" {
		return fmt.Errorf("health check on %s: unexpected response %q", queue, body)
	}
	return nil
}
