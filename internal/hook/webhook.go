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
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
)

// manualResponseTimeout bounds how long the HTTP wrapper waits for the
// workflow to supply a manual response.
const manualResponseTimeout = 30 * time.Second

// Webhook serves the well-known webhook route: it resolves the token to
// a hook, delivers the serialized request as the hook payload, and
// answers per the hook's webhook metadata.
type Webhook struct {
	world  world.World
	logger *slog.Logger
}

// NewWebhook creates the webhook HTTP handler.
func NewWebhook(w world.World, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Webhook{world: w, logger: log.WithComponent(logger, "webhook")}
}

// ServeHTTP implements http.Handler.
func (wh *Webhook) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	token := chi.URLParam(req, "token")
	if token == "" {
		http.Error(rw, "missing token", http.StatusBadRequest)
		return
	}
	ctx := req.Context()

	h, err := wh.world.Storage().Hooks().GetByToken(ctx, token)
	if err != nil {
		if derrors.IsNotFound(err) {
			http.NotFound(rw, req)
			return
		}
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	var meta event.WebhookMetadata
	if len(h.Metadata) > 0 {
		if err := json.Unmarshal(h.Metadata, &meta); err != nil {
			http.Error(rw, "malformed hook metadata", http.StatusInternalServerError)
			return
		}
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(rw, "unreadable body", http.StatusBadRequest)
		return
	}
	serialized := codec.NewHTTPRequest(req.Method, req.URL.String(), req.Header.Clone(), body)

	// Manual mode tunnels a writable stream through the request; the
	// receiving step answers by writing a serialized response into it.
	responseStream := ""
	if meta.Mode == event.WebhookModeManual {
		responseStream = ident.NewStreamID()
		serialized.SetRespondWith(codec.NewWritableStream(responseStream))
	}

	payload, ops, err := codec.Dehydrate(serialized, &codec.Options{
		Boundary: codec.WorkflowArguments,
		Streams:  wh.world.Streams(),
		RunID:    h.RunID,
	})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := ops.Run(ctx); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	wh.deliver(rw, req, h, payload, meta, responseStream)
}

// deliver writes the hook_received event, re-enqueues the workflow, and
// answers per the response mode.
func (wh *Webhook) deliver(rw http.ResponseWriter, req *http.Request, h *storage.Hook, payload []byte, meta event.WebhookMetadata, responseStream string) {
	ctx := req.Context()
	run, err := wh.world.Storage().Runs().Get(ctx, h.RunID)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	res, err := wh.world.Storage().Events().Create(ctx, storage.CreateEvent{
		RunID:         h.RunID,
		Type:          event.HookReceived,
		CorrelationID: h.ID,
		Data:          event.HookReceivedData{Payload: payload},
	})
	if err != nil {
		if derrors.IsGone(err) || derrors.IsConflict(err) {
			http.Error(rw, "run is no longer accepting webhooks", http.StatusGone)
			return
		}
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	err = wh.world.Queue(ctx, world.WorkflowQueue(run.WorkflowName), world.WorkflowMessage{RunID: h.RunID},
		&world.QueueOptions{IdempotencyKey: res.Event.ID + ":continue"})
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	switch meta.Mode {
	case event.WebhookModeStatic:
		wh.writeStatic(rw, meta.Response)
	case event.WebhookModeManual:
		wh.writeManual(rw, req, h.RunID, responseStream)
	default:
		rw.WriteHeader(http.StatusAccepted)
	}
}

// writeStatic answers with the hook's stored response.
func (wh *Webhook) writeStatic(rw http.ResponseWriter, stored []byte) {
	resp, err := hydrateResponse(stored, nil, "")
	if err != nil {
		wh.logger.Error("static webhook response is malformed", log.Error(err))
		http.Error(rw, "malformed stored response", http.StatusInternalServerError)
		return
	}
	writeResponse(rw, resp)
}

// writeManual blocks until the workflow supplies a response through the
// tunneled stream.
func (wh *Webhook) writeManual(rw http.ResponseWriter, req *http.Request, runID, streamName string) {
	ctx, cancel := context.WithTimeout(req.Context(), manualResponseTimeout)
	defer cancel()

	body, err := wh.world.Streams().Reader(streamName, runID, 0).ReadAll(ctx)
	if err != nil {
		wh.logger.Warn("manual webhook response timed out", slog.String(log.RunIDKey, runID), log.Error(err))
		http.Error(rw, "no response from workflow", http.StatusGatewayTimeout)
		return
	}
	resp, err := hydrateResponse(body, wh.world, runID)
	if err != nil {
		http.Error(rw, "malformed workflow response", http.StatusInternalServerError)
		return
	}
	writeResponse(rw, resp)
}

// hydrateResponse decodes a dehydrated HTTP response payload.
func hydrateResponse(payload []byte, w world.World, runID string) (*codec.HTTPResponse, error) {
	opts := &codec.Options{Boundary: codec.StepReturnValue, RunID: runID}
	if w != nil {
		opts.Streams = w.Streams()
	}
	v, _, err := codec.Hydrate(payload, opts)
	if err != nil {
		return nil, err
	}
	resp, ok := v.(*codec.HTTPResponse)
	if !ok {
		return nil, &derrors.DeserializationError{Message: "payload is not an HTTP response"}
	}
	return resp, nil
}

// writeResponse copies a serialized response onto the wire.
func writeResponse(rw http.ResponseWriter, resp *codec.HTTPResponse) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	_, _ = rw.Write(resp.Body)
}
