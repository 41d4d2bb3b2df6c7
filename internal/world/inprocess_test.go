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
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/storage"
)

func newTestWorld(t *testing.T) *InProcess {
	t.Helper()
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	w := NewInProcess(Config{Workers: 2}, store)
	t.Cleanup(func() {
		w.Close()
		store.Close()
	})
	return w
}

func drain(t *testing.T, w *InProcess) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, w.Drain(ctx))
}

func TestQueueDeliversToPrefixHandler(t *testing.T) {
	w := newTestWorld(t)

	got := make(chan string, 1)
	w.CreateQueueHandler(WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		got <- queue
		return nil, nil
	})

	ctx := context.Background()
	w.Start(ctx)
	require.NoError(t, w.Queue(ctx, WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_a"}, nil))

	select {
	case queue := <-got:
		assert.Equal(t, "__wkf_workflow_orders", queue)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered")
	}
	drain(t, w)
}

func TestIdempotencyKeyDeduplicates(t *testing.T) {
	w := newTestWorld(t)

	var count atomic.Int32
	w.CreateQueueHandler(StepQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		count.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	opts := &QueueOptions{IdempotencyKey: "step_a:dispatch"}
	require.NoError(t, w.Queue(ctx, StepQueue("charge"), StepMessage{StepID: "step_a"}, opts))
	require.NoError(t, w.Queue(ctx, StepQueue("charge"), StepMessage{StepID: "step_a"}, opts))

	w.Start(ctx)
	drain(t, w)
	assert.Equal(t, int32(1), count.Load())
}

func TestHandlerDeferRedelivers(t *testing.T) {
	w := newTestWorld(t)

	var deliveries atomic.Int32
	w.CreateQueueHandler(WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		if deliveries.Add(1) == 1 {
			return &HandlerResult{TimeoutSeconds: 1}, nil
		}
		return nil, nil
	})

	ctx := context.Background()
	start := time.Now()
	w.Start(ctx)
	require.NoError(t, w.Queue(ctx, WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_b"}, nil))

	drain(t, w)
	assert.Equal(t, int32(2), deliveries.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestHandlerErrorRedelivers(t *testing.T) {
	w := newTestWorld(t)

	var deliveries atomic.Int32
	w.CreateQueueHandler(WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		if deliveries.Add(1) == 1 {
			return nil, fmt.Errorf("transient handler failure")
		}
		return nil, nil
	})

	ctx := context.Background()
	w.Start(ctx)
	require.NoError(t, w.Queue(ctx, WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_c"}, nil))

	drain(t, w)
	assert.Equal(t, int32(2), deliveries.Load())
}

func TestDelayedMessageWaitsForDueTime(t *testing.T) {
	w := newTestWorld(t)

	delivered := make(chan time.Time, 1)
	w.CreateQueueHandler(WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		delivered <- time.Now()
		return nil, nil
	})

	ctx := context.Background()
	w.Start(ctx)
	enqueued := time.Now()
	require.NoError(t, w.Queue(ctx, WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_d"}, &QueueOptions{DelaySeconds: 1}))

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(enqueued), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed message was not delivered")
	}
}

func TestLongestPrefixWins(t *testing.T) {
	w := newTestWorld(t)

	var generic, health atomic.Int32
	w.CreateQueueHandler(WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		generic.Add(1)
		return nil, nil
	})
	w.CreateQueueHandler(WorkflowHealthQueue, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		health.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	w.Start(ctx)
	require.NoError(t, w.Queue(ctx, WorkflowHealthQueue, HealthMessage{CorrelationID: "probe"}, nil))
	require.NoError(t, w.Queue(ctx, WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_e"}, nil))

	drain(t, w)
	assert.Equal(t, int32(1), health.Load())
	assert.Equal(t, int32(1), generic.Load())
}

func TestHealthRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	RegisterHealthHandlers(w)

	ctx := context.Background()
	w.Start(ctx)
	require.NoError(t, CheckHealth(ctx, w, WorkflowHealthQueue, 5*time.Second))
	require.NoError(t, CheckHealth(ctx, w, StepHealthQueue, 5*time.Second))
}

func TestQueueAfterCloseRejected(t *testing.T) {
	w := newTestWorld(t)
	w.Close()
	err := w.Queue(context.Background(), WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_f"}, nil)
	assert.Error(t, err)
}

func TestMaxDelayClamped(t *testing.T) {
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	defer store.Close()

	w := NewInProcess(Config{Workers: 1, MaxDelaySeconds: 1}, store)
	defer w.Close()

	delivered := make(chan struct{}, 1)
	w.CreateQueueHandler(WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		delivered <- struct{}{}
		return nil, nil
	})

	ctx := context.Background()
	w.Start(ctx)
	// A week-long delay clamps to the one second ceiling.
	require.NoError(t, w.Queue(ctx, WorkflowQueue("orders"), WorkflowMessage{RunID: "wrun_g"}, &QueueOptions{DelaySeconds: 604800}))

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("clamped delay message was not delivered")
	}
}

func TestIdempotencyWindowEvictsOldestKeys(t *testing.T) {
	w := newTestWorld(t)
	w.seenLimit = 2

	var count atomic.Int32
	w.CreateQueueHandler(StepQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*HandlerResult, error) {
		count.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	for _, key := range []string{"step_a:dispatch", "step_b:dispatch", "step_c:dispatch"} {
		require.NoError(t, w.Queue(ctx, StepQueue("charge"), StepMessage{StepID: "step_x"}, &QueueOptions{IdempotencyKey: key}))
	}

	// The oldest key fell out of the window, so its retry is accepted; a
	// key still inside the window stays deduplicated.
	require.NoError(t, w.Queue(ctx, StepQueue("charge"), StepMessage{StepID: "step_x"}, &QueueOptions{IdempotencyKey: "step_a:dispatch"}))
	require.NoError(t, w.Queue(ctx, StepQueue("charge"), StepMessage{StepID: "step_x"}, &QueueOptions{IdempotencyKey: "step_c:dispatch"}))

	w.Start(ctx)
	drain(t, w)
	assert.Equal(t, int32(4), count.Load())
}
