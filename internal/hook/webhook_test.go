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

package hook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
)

func newWebhookWorld(t *testing.T) (*world.InProcess, *httptest.Server) {
	t.Helper()
	store, err := storage.New(storage.Config{Path: ":memory:"})
	require.NoError(t, err)
	w := world.NewInProcess(world.Config{Workers: 2}, store)
	w.Start(context.Background())
	srv := httptest.NewServer(w.Router(world.RouterConfig{Webhook: NewWebhook(w, nil)}))
	t.Cleanup(func() {
		srv.Close()
		w.Close()
		store.Close()
	})
	return w, srv
}

// createHookedRun starts a run and registers a live hook with the given
// token and webhook metadata.
func createHookedRun(t *testing.T, w *world.InProcess, hookID, token string, meta *event.WebhookMetadata) string {
	t.Helper()
	ctx := context.Background()
	res, err := w.Storage().Events().Create(ctx, storage.CreateEvent{
		Type: event.RunCreated,
		Data: event.RunCreatedData{WorkflowName: "orders"},
	})
	require.NoError(t, err)
	_, err = w.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID: res.Run.ID,
		Type:  event.RunStarted,
	})
	require.NoError(t, err)

	var metaJSON []byte
	if meta != nil {
		metaJSON, err = json.Marshal(meta)
		require.NoError(t, err)
	}
	_, err = w.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID:         res.Run.ID,
		Type:          event.HookCreated,
		CorrelationID: hookID,
		Data:          event.HookCreatedData{Token: token, Metadata: metaJSON},
	})
	require.NoError(t, err)
	return res.Run.ID
}

func webhookURL(srv *httptest.Server, token string) string {
	return srv.URL + "/.well-known/workflow/v1/webhook/" + token
}

func hookReceivedPayload(t *testing.T, w *world.InProcess, runID, hookID string) []byte {
	t.Helper()
	events, err := w.Storage().Events().ListByCorrelationID(context.Background(), runID, hookID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Type != event.HookReceived {
			continue
		}
		var data event.HookReceivedData
		require.NoError(t, ev.DecodeData(&data))
		return data.Payload
	}
	return nil
}

func TestWebhookUnknownToken(t *testing.T) {
	_, srv := newWebhookWorld(t)

	resp, err := http.Post(webhookURL(srv, "no-such-token"), "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebhookDefaultAccepted(t *testing.T) {
	w, srv := newWebhookWorld(t)
	runID := createHookedRun(t, w, "hk_plain", "tok-plain", nil)

	resp, err := http.Post(webhookURL(srv, "tok-plain"), "text/plain", strings.NewReader("ping"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The delivered payload is the serialized request, opaque in the
	// sandbox.
	payload := hookReceivedPayload(t, w, runID, "hk_plain")
	require.NotNil(t, payload)
	v, _, err := codec.Hydrate(payload, &codec.Options{Boundary: codec.WorkflowArguments, RunID: runID})
	require.NoError(t, err)
	req, ok := v.(*codec.HTTPRequest)
	require.True(t, ok)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, []byte("ping"), req.Body)
	assert.False(t, req.CanRespond())
}

func TestWebhookStaticResponse(t *testing.T) {
	w, srv := newWebhookWorld(t)

	hdr := http.Header{}
	hdr.Set("Content-Type", "text/plain")
	stored, _, err := codec.Dehydrate(codec.NewHTTPResponse(200, hdr, []byte("accepted")), &codec.Options{Boundary: codec.StepReturnValue})
	require.NoError(t, err)
	runID := createHookedRun(t, w, "hk_static", "tok-static", &event.WebhookMetadata{
		Webhook:  true,
		Mode:     event.WebhookModeStatic,
		Response: stored,
	})

	// The workflow is re-enqueued after delivery.
	continued := make(chan string, 1)
	w.CreateQueueHandler(world.WorkflowQueuePrefix, func(ctx context.Context, queue string, payload []byte) (*world.HandlerResult, error) {
		var msg world.WorkflowMessage
		if err := json.Unmarshal(payload, &msg); err == nil {
			continued <- msg.RunID
		}
		return nil, nil
	})

	resp, err := http.Post(webhookURL(srv, "tok-static"), "text/plain", strings.NewReader("go"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "accepted", string(body))

	require.NotNil(t, hookReceivedPayload(t, w, runID, "hk_static"))
	select {
	case got := <-continued:
		assert.Equal(t, runID, got)
	case <-time.After(5 * time.Second):
		t.Fatal("workflow was not re-enqueued")
	}
}

func TestWebhookManualResponse(t *testing.T) {
	w, srv := newWebhookWorld(t)
	runID := createHookedRun(t, w, "hk_manual", "tok-manual", &event.WebhookMetadata{
		Webhook: true,
		Mode:    event.WebhookModeManual,
	})

	// Stand in for the step: pick up the delivered request and answer
	// through its respond-with channel.
	go func() {
		ctx := context.Background()
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			payload := func() []byte {
				events, err := w.Storage().Events().ListByCorrelationID(ctx, runID, "hk_manual")
				if err != nil {
					return nil
				}
				for _, ev := range events {
					if ev.Type != event.HookReceived {
						continue
					}
					var data event.HookReceivedData
					if ev.DecodeData(&data) != nil {
						return nil
					}
					return data.Payload
				}
				return nil
			}()
			if payload != nil {
				v, _, err := codec.Hydrate(payload, &codec.Options{Boundary: codec.StepArguments, Streams: w.Streams(), RunID: runID})
				if err != nil {
					return
				}
				req, ok := v.(*codec.HTTPRequest)
				if !ok || !req.CanRespond() {
					return
				}
				_ = req.RespondWith(ctx, codec.NewHTTPResponse(200, nil, []byte("Hello from webhook!")))
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	resp, err := http.Post(webhookURL(srv, "tok-manual"), "text/plain", strings.NewReader("anyone there?"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "Hello from webhook!", string(body))
}

func TestResumeHookUnknownToken(t *testing.T) {
	w, _ := newWebhookWorld(t)
	err := ResumeHook(context.Background(), w, "absent-token", "payload")
	assert.True(t, derrors.IsNotFound(err))
}
