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

// Package hook implements the external side of hooks and waits: resuming
// a hook by token, waking a sleeping run, and the webhook HTTP surface.
// The workflow-side primitives live in pkg/workflow.
package hook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
)

// ResumeHook delivers a payload to a hook identified by token or hook
// id, then re-enqueues the owning workflow. Each delivery yields one
// payload on the workflow's hook iterator.
func ResumeHook(ctx context.Context, w world.World, tokenOrID string, payload any) error {
	h, err := resolve(ctx, w, tokenOrID)
	if err != nil {
		return err
	}
	run, err := w.Storage().Runs().Get(ctx, h.RunID)
	if err != nil {
		return err
	}

	encoded, ops, err := codec.Dehydrate(payload, &codec.Options{
		Boundary: codec.WorkflowArguments,
		Streams:  w.Streams(),
		RunID:    h.RunID,
	})
	if err != nil {
		return err
	}
	if err := ops.Run(ctx); err != nil {
		return err
	}

	res, err := w.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID:         h.RunID,
		Type:          event.HookReceived,
		CorrelationID: h.ID,
		Data:          event.HookReceivedData{Payload: encoded},
	})
	if err != nil {
		return err
	}

	return w.Queue(ctx, world.WorkflowQueue(run.WorkflowName), world.WorkflowMessage{RunID: h.RunID},
		&world.QueueOptions{IdempotencyKey: res.Event.ID + ":continue"})
}

// WakeUpRun completes pending waits of a run and re-enqueues the
// workflow. With no correlation ids every pending wait completes. A wait
// that already completed counts as success.
func WakeUpRun(ctx context.Context, w world.World, runID string, correlationIDs ...string) error {
	run, err := w.Storage().Runs().Get(ctx, runID)
	if err != nil {
		return err
	}

	if len(correlationIDs) == 0 {
		pending, err := w.Storage().Waits().ListPending(ctx, runID)
		if err != nil {
			return err
		}
		for _, wt := range pending {
			correlationIDs = append(correlationIDs, wt.CorrelationID)
		}
	}

	woke := false
	for _, correlationID := range correlationIDs {
		_, err := w.Storage().Events().Create(ctx, storage.CreateEvent{
			RunID:         runID,
			Type:          event.WaitCompleted,
			CorrelationID: correlationID,
		})
		switch {
		case err == nil:
			woke = true
		case derrors.IsConflict(err) || derrors.IsGone(err):
			// Already completed, or the run finished meanwhile. Both
			// count as stopped.
		default:
			return err
		}
	}
	if !woke && len(correlationIDs) == 0 {
		return nil
	}

	return w.Queue(ctx, world.WorkflowQueue(run.WorkflowName), world.WorkflowMessage{RunID: runID},
		&world.QueueOptions{IdempotencyKey: fmt.Sprintf("%s:wakeup:%d", runID, time.Now().UnixNano())})
}

// resolve finds a hook by token, falling back to hook id lookup for
// hook_-prefixed inputs.
func resolve(ctx context.Context, w world.World, tokenOrID string) (*storage.Hook, error) {
	h, err := w.Storage().Hooks().GetByToken(ctx, tokenOrID)
	if err == nil {
		return h, nil
	}
	if !derrors.IsNotFound(err) {
		return nil, err
	}
	if strings.HasPrefix(tokenOrID, ident.HookPrefix) {
		return findByID(ctx, w, tokenOrID)
	}
	return nil, err
}

// findByID scans runs' hooks for the given hook id. Token lookup is the
// fast path; id lookup serves diagnostics.
func findByID(ctx context.Context, w world.World, hookID string) (*storage.Hook, error) {
	runs, err := w.Storage().Runs().List(ctx, storage.RunFilter{Status: storage.RunRunning})
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		h, err := w.Storage().Hooks().Get(ctx, run.ID, hookID)
		if err == nil {
			return h, nil
		}
		if !derrors.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, &derrors.NotFoundError{Resource: "hook", ID: hookID}
}
