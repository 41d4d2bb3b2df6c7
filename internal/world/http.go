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
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// WebhookPath is the well-known webhook route.
const WebhookPath = "/.well-known/workflow/v1/webhook/{token}"

// RouterConfig wires the optional mounts of the HTTP surface.
type RouterConfig struct {
	// Webhook handles /.well-known/workflow/v1/webhook/{token}. Optional.
	Webhook http.Handler

	// Metrics serves /metrics. Optional.
	Metrics http.Handler
}

// Router builds the HTTP surface over the in-process world: queue
// consumer endpoints with ?__health probes, the well-known webhook
// route, and metrics.
func (w *InProcess) Router(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/queues/{queue}", w.serveQueue)
	r.Get("/queues/{queue}", w.serveQueueProbe)

	if cfg.Webhook != nil {
		r.Handle(WebhookPath, cfg.Webhook)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	return r
}

// serveQueue consumes one message delivered over HTTP: 200 on ack, a
// JSON {timeoutSeconds} body on defer.
func (w *InProcess) serveQueue(rw http.ResponseWriter, req *http.Request) {
	if req.URL.Query().Has("__health") {
		w.serveQueueProbe(rw, req)
		return
	}
	queue := chi.URLParam(req, "queue")
	h := w.handlerFor(queue)
	if h == nil {
		http.Error(rw, "unknown queue", http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(rw, "unreadable body", http.StatusBadRequest)
		return
	}
	res, err := h(req.Context(), queue, body)
	if err != nil {
		// Surface the failure so the calling queue backend redelivers.
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if res != nil {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]int{"timeoutSeconds": res.TimeoutSeconds})
		return
	}
	rw.WriteHeader(http.StatusOK)
}

// serveQueueProbe answers the unauthenticated ?__health probe.
func (w *InProcess) serveQueueProbe(rw http.ResponseWriter, req *http.Request) {
	rw.Header().Set("Content-Type", "text/plain")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte("ok"))
}
