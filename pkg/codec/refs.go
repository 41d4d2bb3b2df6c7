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

package codec

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// StreamStore is the slice of the stream store the codec needs: pumping
// dehydrated streams in and reading hydrated ones back.
type StreamStore interface {
	WriteMulti(ctx context.Context, name, runID string, chunks [][]byte) error
	CloseStream(ctx context.Context, name, runID string) error
	ReadChunks(ctx context.Context, name, runID string, fromIndex int) (chunks [][]byte, closed bool, err error)
}

// Stream type markers.
const (
	StreamReadable = "readable"
	StreamWritable = "writable"
)

// StreamValue is implemented by custom stream-like values that reduce to
// a named stream reference.
type StreamValue interface {
	StreamName() string
	StreamType() string
}

// StreamRef is the opaque stream placeholder produced by workflow-side
// revivers. It must not be read inside the deterministic sandbox; pass
// it to a step, where it hydrates into a readable ByteStream.
type StreamRef struct {
	Name string
	Type string
}

// StreamName implements StreamValue.
func (r *StreamRef) StreamName() string { return r.Name }

// StreamType implements StreamValue.
func (r *StreamRef) StreamType() string { return r.Type }

// ByteStream is a named byte stream crossing a boundary. Dehydrating a
// local ByteStream pumps its contents into the stream store as a tracked
// side-effect op; hydrating one in a step context yields a stream that
// reads from the store.
type ByteStream struct {
	name       string
	streamType string

	// src is set on locally-produced streams awaiting their pump.
	src io.Reader

	// store/runID are set on hydrated streams.
	store StreamStore
	runID string
	index int
	done  bool
}

// NewByteStream wraps a local reader into a stream value. The stream is
// assigned a name and pumped into the stream store when it crosses a
// boundary.
func NewByteStream(r io.Reader) *ByteStream {
	return &ByteStream{src: r, streamType: StreamReadable}
}

// NewWritableStream declares a writable stream reference with the given
// name. The receiving side writes into it through the stream store.
func NewWritableStream(name string) *ByteStream {
	return &ByteStream{name: name, streamType: StreamWritable}
}

// Name returns the stream's assigned name, empty until dehydrated.
func (b *ByteStream) Name() string { return b.name }

// StreamName implements StreamValue.
func (b *ByteStream) StreamName() string { return b.name }

// StreamType implements StreamValue.
func (b *ByteStream) StreamType() string { return b.streamType }

// Next returns the next chunk of a hydrated stream, blocking until data
// arrives, and io.EOF after the close sentinel.
func (b *ByteStream) Next(ctx context.Context) ([]byte, error) {
	if b.store == nil {
		return nil, fmt.Errorf("stream %s is not readable in this context", b.name)
	}
	for {
		if b.done {
			return nil, io.EOF
		}
		chunks, closed, err := b.store.ReadChunks(ctx, b.name, b.runID, b.index)
		if err != nil {
			return nil, err
		}
		if len(chunks) > 0 {
			b.index++
			if len(chunks) == 1 && closed {
				b.done = true
			}
			return chunks[0], nil
		}
		if closed {
			b.done = true
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ReadAll drains a hydrated stream to closure.
func (b *ByteStream) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := b.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}

// Write appends a chunk to a writable stream through the store.
func (b *ByteStream) Write(ctx context.Context, chunk []byte) error {
	if b.store == nil {
		return fmt.Errorf("stream %s is not writable in this context", b.name)
	}
	return b.store.WriteMulti(ctx, b.name, b.runID, [][]byte{chunk})
}

// Close appends the close sentinel to a writable stream.
func (b *ByteStream) Close(ctx context.Context) error {
	if b.store == nil {
		return fmt.Errorf("stream %s is not writable in this context", b.name)
	}
	return b.store.CloseStream(ctx, b.name, b.runID)
}

// pumpStream copies a local reader into the stream store and closes the
// stream.
func pumpStream(ctx context.Context, store StreamStore, name, runID string, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := store.WriteMulti(ctx, name, runID, [][]byte{chunk}); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return store.CloseStream(ctx, name, runID)
		}
		if err != nil {
			return err
		}
	}
}

// StepReference is implemented by values that reduce to a step-function
// reference {stepId, closureVars}.
type StepReference interface {
	StepID() string
	ClosureVars() map[string]any
}

// StepRef is the inert step reference produced when no reviver hook is
// configured.
type StepRef struct {
	ID      string
	Closure map[string]any
}

// StepID implements StepReference.
func (r *StepRef) StepID() string { return r.ID }

// ClosureVars implements StepReference.
func (r *StepRef) ClosureVars() map[string]any { return r.Closure }

// Set is an ordered collection with set semantics.
type Set struct {
	Elems []any
}

// NewSet builds a Set from elements.
func NewSet(elems ...any) *Set { return &Set{Elems: elems} }

// ErrorValue is the structured error shape that crosses boundaries.
type ErrorValue struct {
	Message string
	Stack   string
	Code    string
}

// Error implements the error interface.
func (e *ErrorValue) Error() string { return e.Message }

// HTTPRequest is the serializable request shape. A webhook request
// created with manual response mode carries a writable respond-with
// stream the receiving step answers through. The stream stays an opaque
// reference inside the workflow sandbox and hydrates into a writable
// ByteStream only in a step context.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte

	respondWith StreamValue
}

// NewHTTPRequest builds a serializable request.
func NewHTTPRequest(method, rawURL string, headers http.Header, body []byte) *HTTPRequest {
	if headers == nil {
		headers = http.Header{}
	}
	return &HTTPRequest{Method: method, URL: rawURL, Headers: headers, Body: body}
}

// SetRespondWith attaches the manual-response stream to the request.
func (r *HTTPRequest) SetRespondWith(bs *ByteStream) { r.respondWith = bs }

// CanRespond reports whether the request carries a manual-response
// stream.
func (r *HTTPRequest) CanRespond() bool { return r.respondWith != nil }

// RespondWith serializes the response into the tunneled respond-with
// stream. Valid only in a step context, where the stream hydrates with
// store access.
func (r *HTTPRequest) RespondWith(ctx context.Context, resp *HTTPResponse) error {
	if r.respondWith == nil {
		return fmt.Errorf("request has no manual response channel")
	}
	bs, ok := r.respondWith.(*ByteStream)
	if !ok || bs.store == nil {
		return fmt.Errorf("manual response channel is not writable in this context")
	}
	payload, _, err := Dehydrate(resp, &Options{Boundary: StepReturnValue})
	if err != nil {
		return err
	}
	if err := bs.Write(ctx, payload); err != nil {
		return err
	}
	return bs.Close(ctx)
}

// HTTPResponse is the serializable response shape.
type HTTPResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// NewHTTPResponse builds a serializable response.
func NewHTTPResponse(status int, headers http.Header, body []byte) *HTTPResponse {
	if headers == nil {
		headers = http.Header{}
	}
	return &HTTPResponse{Status: status, Headers: headers, Body: body}
}
