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

// Package codec implements the versioned binary format for values
// crossing workflow/step boundaries. A payload is a 4-byte ASCII format
// tag followed by a JSON-encoded node graph; the graph is topological, so
// shared references and cycles survive the round trip. Reducers turn Go
// values into tagged nodes and revivers turn nodes back into values; the
// stream, step-reference, and class-instance revivers differ per
// boundary.
package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	derrors "github.com/tombee/durable/pkg/errors"
)

// FormatTag is the only defined format. Readers must reject unknown tags.
const FormatTag = "devl"

// Boundary selects the reducer/reviver set for one of the four
// serialization boundaries.
type Boundary int

const (
	WorkflowArguments Boundary = iota
	WorkflowReturnValue
	StepArguments
	StepReturnValue
)

// workflowSide reports whether hydrated values land inside the
// deterministic sandbox.
func (b Boundary) workflowSide() bool {
	return b == WorkflowArguments || b == WorkflowReturnValue
}

// Options configures a dehydrate/hydrate call.
type Options struct {
	// Boundary selects the reviver set.
	Boundary Boundary

	// Classes resolves registered class codecs. Optional.
	Classes *ClassRegistry

	// Streams grants access to the stream store for pumping dehydrated
	// streams and materializing hydrated ones. Optional; without it
	// stream values reduce to bare references.
	Streams StreamStore

	// RunID keys stream access.
	RunID string

	// NewStreamName generates names for unnamed streams. Defaults to a
	// strm_-prefixed ULID.
	NewStreamName func() string

	// UseStep revives a step reference inside the workflow sandbox,
	// returning a callable step proxy. Set by the orchestrator.
	UseStep func(stepID string, closureVars map[string]any) (any, error)

	// LookupStep revives a step reference in a step process, returning
	// the registered step value.
	LookupStep func(stepID string) (any, error)
}

// Ops collects the async side effects produced while dehydrating or
// hydrating (stream pumping, decryption). The caller runs them before
// acknowledging durability.
type Ops struct {
	fns []func(context.Context) error
}

// Add appends one side-effect operation.
func (o *Ops) Add(fn func(context.Context) error) {
	o.fns = append(o.fns, fn)
}

// Len returns the number of pending operations.
func (o *Ops) Len() int { return len(o.fns) }

// Run executes the collected operations in order.
func (o *Ops) Run(ctx context.Context) error {
	for _, fn := range o.fns {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

// node is one entry of the serialized graph.
type node struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// graph is the wire payload following the format tag.
type graph struct {
	Version int    `json:"v"`
	Root    int    `json:"root"`
	Nodes   []node `json:"nodes"`
}

const graphVersion = 1

// supportedBuiltins is enumerated in serialization error messages to
// guide the user towards encodable types.
const supportedBuiltins = "nil, bool, string, integers, floats, time.Time, *big.Int, " +
	"[]byte and typed numeric slices, []any, map[string]any, generic maps, *codec.Set, " +
	"*regexp.Regexp, *url.URL, url.Values, http.Header, *codec.HTTPRequest, *codec.HTTPResponse, " +
	"errors, streams, step references, and registered class instances"

// Dehydrate encodes a value for one boundary. Side effects required to
// make the payload durable are returned in Ops.
func Dehydrate(value any, opts *Options) ([]byte, *Ops, error) {
	if opts == nil {
		opts = &Options{}
	}
	enc := &encoder{opts: opts, seen: make(map[refKey]int), ops: &Ops{}}
	root, err := enc.encode(reflect.ValueOf(value))
	if err != nil {
		return nil, nil, err
	}
	payload, err := json.Marshal(graph{Version: graphVersion, Root: root, Nodes: enc.nodes})
	if err != nil {
		return nil, nil, &derrors.SerializationError{Message: err.Error()}
	}
	out := make([]byte, 0, len(FormatTag)+len(payload))
	out = append(out, FormatTag...)
	out = append(out, payload...)
	return out, enc.ops, nil
}

// Hydrate decodes a payload for one boundary.
func Hydrate(data []byte, opts *Options) (any, *Ops, error) {
	if opts == nil {
		opts = &Options{}
	}
	if len(data) == 0 {
		return nil, &Ops{}, nil
	}
	if !bytes.HasPrefix(data, []byte(FormatTag)) {
		// Not the current prefixed format: fall back to the legacy JSON
		// array shape.
		return hydrateLegacy(data)
	}
	var g graph
	if err := json.Unmarshal(data[len(FormatTag):], &g); err != nil {
		return nil, nil, &derrors.DeserializationError{Message: "malformed payload", Cause: err}
	}
	if g.Version != graphVersion {
		return nil, nil, &derrors.DeserializationError{Message: fmt.Sprintf("unknown graph version %d", g.Version)}
	}
	dec := &decoder{opts: opts, nodes: g.Nodes, memo: make(map[int]any), ops: &Ops{}}
	v, err := dec.decode(g.Root)
	if err != nil {
		return nil, nil, err
	}
	return v, dec.ops, nil
}

// hydrateLegacy parses the pre-tag JSON array shape: a one-element array
// wrapping the plain JSON value.
func hydrateLegacy(data []byte) (any, *Ops, error) {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, nil, &derrors.DeserializationError{Message: "unknown format tag"}
	}
	if len(arr) == 0 {
		return nil, &Ops{}, nil
	}
	return arr[0], &Ops{}, nil
}

// refKey identifies a pointer-like value for shared-reference tracking.
type refKey struct {
	ptr  uintptr
	kind reflect.Kind
}
