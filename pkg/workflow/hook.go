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

package workflow

import (
	"encoding/json"

	"github.com/tombee/durable/internal/event"
	"github.com/tombee/durable/internal/ident"
	"github.com/tombee/durable/pkg/codec"
	derrors "github.com/tombee/durable/pkg/errors"
)

// HookOptions configures CreateHook.
type HookOptions struct {
	// Token is the external resume token. Empty defaults to the hook's
	// correlation id. Tokens are unique across live hooks; a collision
	// surfaces as a HookConflictError on the next receive.
	Token string

	// Metadata is stored on the hook row for external inspection. It is
	// JSON-marshaled.
	Metadata any
}

// WebhookOptions configures CreateWebhook.
type WebhookOptions struct {
	// Token names the webhook endpoint path segment. Empty defaults to
	// the hook's correlation id.
	Token string

	// Manual selects the manual response mode: the HTTP wrapper waits
	// for the workflow to answer through request.RespondWith.
	Manual bool

	// Response is returned immediately by the HTTP wrapper. Nil with
	// Manual unset answers 202.
	Response *codec.HTTPResponse
}

// Hook is an external-signal source. Each delivery to its token yields
// one payload from Next; awaiting an undelivered payload suspends the
// replay.
type Hook struct {
	ctx      *Context
	inv      *Invocation
	received []*event.Event
	consumed int
	conflict bool
}

// Token returns the hook's resume token.
func (h *Hook) Token() string { return h.inv.Token }

// CorrelationID returns the hook's correlation id.
func (h *Hook) CorrelationID() string { return h.inv.CorrelationID }

// Get returns the first payload delivered to the hook.
func (h *Hook) Get() (any, error) {
	return h.Next()
}

// Next returns the next delivered payload, suspending the replay until
// one arrives. A token conflict is returned as a HookConflictError.
func (h *Hook) Next() (any, error) {
	if h.conflict {
		return nil, &derrors.HookConflictError{Token: h.inv.Token}
	}
	if h.consumed < len(h.received) {
		ev := h.received[h.consumed]
		h.consumed++
		var data event.HookReceivedData
		if err := ev.DecodeData(&data); err != nil {
			h.ctx.abort(err)
		}
		value, err := h.ctx.hydrate(data.Payload)
		if err != nil {
			h.ctx.abort(err)
		}
		h.ctx.advance(ev.CreatedAt)
		return value, nil
	}
	panic(suspendSignal{})
}

// CreateHook registers an external-signal hook. The token becomes
// resumable by outside callers once the suspension that created it is
// committed.
func (c *Context) CreateHook(opts HookOptions) *Hook {
	metadata, err := json.Marshal(opts.Metadata)
	if err != nil {
		c.abort(&derrors.SerializationError{Message: "hook metadata: " + err.Error()})
	}
	if opts.Metadata == nil {
		metadata = nil
	}
	return c.newHook(opts.Token, metadata)
}

// CreateWebhook registers a hook with webhook response semantics. The
// HTTP wrapper answers with the static response, waits for a manual
// response via the request's respond-with stream, or returns 202.
func (c *Context) CreateWebhook(opts WebhookOptions) *Hook {
	meta := event.WebhookMetadata{Webhook: true, Mode: event.WebhookModeNone}
	switch {
	case opts.Manual:
		meta.Mode = event.WebhookModeManual
	case opts.Response != nil:
		meta.Mode = event.WebhookModeStatic
		payload, _, err := codec.Dehydrate(opts.Response, &codec.Options{
			Boundary: codec.WorkflowReturnValue,
			Classes:  c.registry.Classes(),
		})
		if err != nil {
			c.abort(err)
		}
		meta.Response = payload
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		c.abort(&derrors.SerializationError{Message: "webhook metadata: " + err.Error()})
	}
	return c.newHook(opts.Token, metadata)
}

// newHook allocates the hook correlation and matches it against the
// replay log.
func (c *Context) newHook(token string, metadata []byte) *Hook {
	correlationID := c.ids.Next(ident.HookPrefix)
	if token == "" {
		token = correlationID
	}
	inv := &Invocation{
		CorrelationID: correlationID,
		Kind:          InvocationHook,
		Token:         token,
		Metadata:      metadata,
	}
	h := &Hook{ctx: c, inv: inv}

	for _, ev := range c.events[correlationID] {
		switch ev.Type {
		case event.HookCreated:
			inv.HasCreatedEvent = true
		case event.HookConflict:
			inv.HasCreatedEvent = true
			h.conflict = true
		case event.HookReceived:
			h.received = append(h.received, ev)
		case event.HookDisposed:
			// Informational; no sandbox effect.
		default:
			c.corruption(ev, "hook")
		}
	}

	if !inv.HasCreatedEvent {
		c.invocations = append(c.invocations, inv)
	}
	return h
}
