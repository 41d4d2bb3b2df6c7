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

package daemon

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/hook"
	"github.com/tombee/durable/internal/storage"
	derrors "github.com/tombee/durable/pkg/errors"
	"github.com/tombee/durable/pkg/workflow"
)

// newEngine boots a full daemon over an in-memory database.
func newEngine(t *testing.T, register func(r *workflow.Registry)) *Daemon {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.DrainTimeout = time.Second
	cfg.Storage.Path = ":memory:"
	cfg.Log.Level = "error"
	cfg.Metrics.Enabled = false

	registry := workflow.NewRegistry()
	register(registry)

	d, err := New(cfg, registry, Options{Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = d.Shutdown(context.Background())
	})
	return d
}

func eventCounts(t *testing.T, d *Daemon, runID string) map[event.Type]int {
	t.Helper()
	events, err := d.World().Storage().Events().List(context.Background(), runID, storage.EventFilter{Limit: 1000})
	require.NoError(t, err)
	counts := make(map[event.Type]int)
	for _, ev := range events {
		counts[ev.Type]++
	}
	return counts
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWorkflowRoundTrip(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterStep("add", func(ctx context.Context, info workflow.StepInfo, args []any) (any, error) {
			return args[0].(int64) + args[1].(int64), nil
		}))
		require.NoError(t, r.RegisterWorkflow("add-ten", func(ctx *workflow.Context, args []any) (any, error) {
			v := args[0].(int64)
			for _, inc := range []int64{4, 4, 2} {
				out, err := ctx.Step("add", v, inc).Get()
				if err != nil {
					return nil, err
				}
				v = out.(int64)
			}
			return v, nil
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "add-ten", []any{int64(2)}, nil)
	require.NoError(t, err)

	value, err := run.ReturnValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(12), value)

	// Three steps awaited in series: each completion feeds the next turn.
	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 1, counts[event.RunCreated])
	assert.Equal(t, 1, counts[event.RunStarted])
	assert.Equal(t, 3, counts[event.StepCreated])
	assert.Equal(t, 3, counts[event.StepStarted])
	assert.Equal(t, 3, counts[event.StepCompleted])
	assert.Equal(t, 1, counts[event.RunCompleted])

	steps, err := d.World().Storage().Steps().List(ctx, run.ID())
	require.NoError(t, err)
	assert.Len(t, steps, 3)
}

func TestStepRetriesUntilSuccess(t *testing.T) {
	var attempts atomic.Int32
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterStep("flaky", func(ctx context.Context, info workflow.StepInfo, args []any) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, fmt.Errorf("transient outage")
			}
			return "ok", nil
		}))
		require.NoError(t, r.RegisterWorkflow("retrying", func(ctx *workflow.Context, args []any) (any, error) {
			return ctx.Step("flaky").Get()
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "retrying", nil, nil)
	require.NoError(t, err)

	value, err := run.ReturnValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", value)

	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 3, counts[event.StepStarted])
	assert.Equal(t, 2, counts[event.StepRetrying])
	assert.Equal(t, 1, counts[event.StepCompleted])

	steps, err := d.World().Storage().Steps().List(ctx, run.ID())
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, 3, steps[0].Attempt)
	assert.Equal(t, storage.StepCompleted, steps[0].Status)
}

func TestFatalStepFailsRun(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterStep("boom", func(ctx context.Context, info workflow.StepInfo, args []any) (any, error) {
			return nil, derrors.Fatal("boom")
		}))
		require.NoError(t, r.RegisterWorkflow("doomed", func(ctx *workflow.Context, args []any) (any, error) {
			return ctx.Step("boom").Get()
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "doomed", nil, nil)
	require.NoError(t, err)

	_, err = run.ReturnValue(ctx)
	var failed *derrors.WorkflowRunFailedError
	require.ErrorAs(t, err, &failed)
	assert.Contains(t, failed.Message, "boom")

	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 1, counts[event.StepStarted])
	assert.Equal(t, 1, counts[event.StepFailed])
	assert.Equal(t, 0, counts[event.StepRetrying])
	assert.Equal(t, 1, counts[event.RunFailed])
}

func TestZeroRetryBudgetRunsOnce(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterStep("once", func(ctx context.Context, info workflow.StepInfo, args []any) (any, error) {
			return nil, fmt.Errorf("no luck")
		}, workflow.WithMaxRetries(0)))
		require.NoError(t, r.RegisterWorkflow("single-shot", func(ctx *workflow.Context, args []any) (any, error) {
			return ctx.Step("once").Get()
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "single-shot", nil, nil)
	require.NoError(t, err)

	_, err = run.ReturnValue(ctx)
	var failed *derrors.WorkflowRunFailedError
	require.ErrorAs(t, err, &failed)

	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 1, counts[event.StepStarted])
	assert.Equal(t, 1, counts[event.StepFailed])
	assert.Equal(t, 0, counts[event.StepRetrying])
}

func TestDurableSleep(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterWorkflow("napper", func(ctx *workflow.Context, args []any) (any, error) {
			ctx.Sleep(time.Second)
			return "woke", nil
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "napper", nil, nil)
	require.NoError(t, err)

	value, err := run.ReturnValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "woke", value)

	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 1, counts[event.WaitCreated])
	assert.Equal(t, 1, counts[event.WaitCompleted])
}

func TestCancelDuringSleep(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterStep("after_nap", func(ctx context.Context, info workflow.StepInfo, args []any) (any, error) {
			return "never", nil
		}))
		require.NoError(t, r.RegisterWorkflow("long-nap", func(ctx *workflow.Context, args []any) (any, error) {
			ctx.Sleep(time.Hour)
			return ctx.Step("after_nap").Get()
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "long-nap", nil, nil)
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		pending, err := d.World().Storage().Waits().ListPending(ctx, run.ID())
		return err == nil && len(pending) == 1
	})
	require.NoError(t, run.Cancel(ctx))

	_, err = run.ReturnValue(ctx)
	var cancelled *derrors.WorkflowRunCancelledError
	require.ErrorAs(t, err, &cancelled)

	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 0, counts[event.StepCreated])
	assert.Equal(t, 1, counts[event.RunCancelled])
}

func TestWakeUpCompletesSleepEarly(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterWorkflow("light-sleeper", func(ctx *workflow.Context, args []any) (any, error) {
			ctx.Sleep(time.Hour)
			return "early", nil
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "light-sleeper", nil, nil)
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		pending, err := d.World().Storage().Waits().ListPending(ctx, run.ID())
		return err == nil && len(pending) == 1
	})
	require.NoError(t, run.WakeUp(ctx))

	value, err := run.ReturnValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", value)
}

func TestHookResumeDeliversPayload(t *testing.T) {
	d := newEngine(t, func(r *workflow.Registry) {
		require.NoError(t, r.RegisterWorkflow("approval", func(ctx *workflow.Context, args []any) (any, error) {
			h := ctx.CreateHook(workflow.HookOptions{Token: "approve-42"})
			return h.Next()
		}))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := d.Client().Start(ctx, "approval", nil, nil)
	require.NoError(t, err)

	waitFor(t, 10*time.Second, func() bool {
		_, err := d.World().Storage().Hooks().GetByToken(ctx, "approve-42")
		return err == nil
	})
	require.NoError(t, hook.ResumeHook(ctx, d.World(), "approve-42", map[string]any{"approved": true}))

	value, err := run.ReturnValue(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"approved": true}, value)

	counts := eventCounts(t, d, run.ID())
	assert.Equal(t, 1, counts[event.HookCreated])
	assert.Equal(t, 1, counts[event.HookReceived])
}
