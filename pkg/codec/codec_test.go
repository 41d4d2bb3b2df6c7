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
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	derrors "github.com/tombee/durable/pkg/errors"
)

func roundTrip(t *testing.T, v any, opts *Options) any {
	t.Helper()
	data, ops, err := Dehydrate(v, opts)
	require.NoError(t, err)
	require.Equal(t, 0, ops.Len())
	out, ops, err := Hydrate(data, opts)
	require.NoError(t, err)
	require.Equal(t, 0, ops.Len())
	return out
}

func TestRoundTripPrimitives(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"true", true, true},
		{"false", false, false},
		{"string", "hello", "hello"},
		{"empty string", "", ""},
		{"int", 42, int64(42)},
		{"negative int", -7, int64(-7)},
		{"int64 min", int64(-9223372036854775808), int64(-9223372036854775808)},
		{"uint64 max", uint64(18446744073709551615), uint64(18446744073709551615)},
		{"float", 3.5, 3.5},
		{"float32", float32(1.5), 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, roundTrip(t, tt.in, nil))
		})
	}
}

func TestRoundTripTime(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 30, 45, 123456789, time.UTC)
	out := roundTrip(t, now, nil)
	require.IsType(t, time.Time{}, out)
	assert.True(t, now.Equal(out.(time.Time)))

	zero := roundTrip(t, time.Time{}, nil)
	require.IsType(t, time.Time{}, zero)
	assert.True(t, zero.(time.Time).IsZero())
}

func TestRoundTripBigInt(t *testing.T) {
	pos, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	neg := new(big.Int).Neg(pos)

	out := roundTrip(t, pos, nil)
	require.IsType(t, &big.Int{}, out)
	assert.Zero(t, pos.Cmp(out.(*big.Int)))

	out = roundTrip(t, neg, nil)
	assert.Zero(t, neg.Cmp(out.(*big.Int)))
}

func TestRoundTripRegexpAndURL(t *testing.T) {
	re := regexp.MustCompile(`^wrun_[0-9A-Z]{26}$`)
	out := roundTrip(t, re, nil)
	require.IsType(t, &regexp.Regexp{}, out)
	assert.Equal(t, re.String(), out.(*regexp.Regexp).String())

	u, err := url.Parse("https://example.com/path?a=1#frag")
	require.NoError(t, err)
	got := roundTrip(t, u, nil)
	require.IsType(t, &url.URL{}, got)
	assert.Equal(t, u.String(), got.(*url.URL).String())
}

func TestRoundTripURLValues(t *testing.T) {
	vals := url.Values{"a": {"1"}, "b": {"2", "3"}}
	out := roundTrip(t, vals, nil)
	require.IsType(t, url.Values{}, out)
	assert.Equal(t, vals.Encode(), out.(url.Values).Encode())

	empty := roundTrip(t, url.Values{}, nil)
	require.IsType(t, url.Values{}, empty)
	assert.Empty(t, empty.(url.Values))
}

func TestRoundTripHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("Accept", "application/json")
	h.Add("X-Multi", "one")
	h.Add("X-Multi", "two")

	out := roundTrip(t, h, nil)
	require.IsType(t, http.Header{}, out)
	got := out.(http.Header)
	assert.Equal(t, []string{"one", "two"}, got.Values("X-Multi"))
	assert.Equal(t, "application/json", got.Get("Accept"))
}

func TestRoundTripBytes(t *testing.T) {
	out := roundTrip(t, []byte("binary\x00data"), nil)
	assert.Equal(t, []byte("binary\x00data"), out)

	empty := roundTrip(t, []byte{}, nil)
	require.IsType(t, []byte{}, empty)
	assert.Empty(t, empty)
}

func TestRoundTripTypedArrays(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"int16", []int16{-1, 0, 32767}},
		{"int32", []int32{-2147483648, 42}},
		{"int64", []int64{-9000000000, 9000000000}},
		{"uint16", []uint16{0, 65535}},
		{"uint32", []uint32{0, 4294967295}},
		{"uint64", []uint64{0, 18446744073709551615}},
		{"float32", []float32{-1.5, 0, 2.25}},
		{"float64", []float64{-1.5, 0, 2.25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.in, roundTrip(t, tt.in, nil))
		})
	}
}

func TestRoundTripContainers(t *testing.T) {
	in := map[string]any{
		"list":   []any{int64(1), "two", 3.5},
		"nested": map[string]any{"deep": []any{true}},
		"none":   nil,
	}
	out := roundTrip(t, in, nil)
	assert.Equal(t, in, out)
}

func TestRoundTripGenericMap(t *testing.T) {
	in := map[int]string{1: "one", 2: "two"}
	out := roundTrip(t, in, nil)
	require.IsType(t, map[any]any{}, out)
	got := out.(map[any]any)
	assert.Equal(t, "one", got[int64(1)])
	assert.Equal(t, "two", got[int64(2)])
}

func TestRoundTripSet(t *testing.T) {
	in := NewSet("a", int64(1), true)
	out := roundTrip(t, in, nil)
	require.IsType(t, &Set{}, out)
	assert.Equal(t, in.Elems, out.(*Set).Elems)
}

func TestRoundTripError(t *testing.T) {
	in := &ErrorValue{Message: "boom", Stack: "stack", Code: "E_BOOM"}
	out := roundTrip(t, in, nil)
	require.IsType(t, &ErrorValue{}, out)
	assert.Equal(t, in, out)
}

func TestRoundTripHTTPMessages(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("Content-Type", "text/plain")
	req := NewHTTPRequest("POST", "https://example.com/hook", hdr, []byte("payload"))

	out := roundTrip(t, req, nil)
	require.IsType(t, &HTTPRequest{}, out)
	got := out.(*HTTPRequest)
	assert.Equal(t, "POST", got.Method)
	assert.Equal(t, "https://example.com/hook", got.URL)
	assert.Equal(t, []byte("payload"), got.Body)
	assert.Equal(t, "text/plain", got.Headers.Get("Content-Type"))
	assert.False(t, got.CanRespond())

	resp := NewHTTPResponse(201, hdr, []byte("created"))
	rout := roundTrip(t, resp, nil)
	require.IsType(t, &HTTPResponse{}, rout)
	assert.Equal(t, 201, rout.(*HTTPResponse).Status)
	assert.Equal(t, []byte("created"), rout.(*HTTPResponse).Body)
	assert.Equal(t, "text/plain", rout.(*HTTPResponse).Headers.Get("Content-Type"))
}

// memStreams is an in-memory StreamStore for exercising stream-carrying
// payloads.
type memStreams struct {
	mu     sync.Mutex
	chunks map[string][][]byte
	closed map[string]bool
}

func newMemStreams() *memStreams {
	return &memStreams{chunks: map[string][][]byte{}, closed: map[string]bool{}}
}

func (s *memStreams) WriteMulti(ctx context.Context, name, runID string, chunks [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[name] = append(s.chunks[name], chunks...)
	return nil
}

func (s *memStreams) CloseStream(ctx context.Context, name, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[name] = true
	return nil
}

func (s *memStreams) ReadChunks(ctx context.Context, name, runID string, fromIndex int) ([][]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.chunks[name]
	if fromIndex >= len(all) {
		return nil, s.closed[name], nil
	}
	return all[fromIndex:], s.closed[name], nil
}

func TestManualResponseSurvivesWorkflowBoundary(t *testing.T) {
	ctx := context.Background()
	store := newMemStreams()

	// The webhook side attaches the writable respond-with stream and
	// dehydrates the request toward the workflow.
	req := NewHTTPRequest("POST", "https://example.com/hook", nil, []byte("hi"))
	req.SetRespondWith(NewWritableStream("strm_manual"))
	data, ops, err := Dehydrate(req, &Options{Boundary: WorkflowArguments, Streams: store, RunID: "wrun_1"})
	require.NoError(t, err)
	require.NoError(t, ops.Run(ctx))

	// Inside the sandbox the channel is an opaque reference, still
	// attached.
	v, _, err := Hydrate(data, &Options{Boundary: WorkflowArguments, RunID: "wrun_1"})
	require.NoError(t, err)
	sandboxReq, ok := v.(*HTTPRequest)
	require.True(t, ok)
	assert.True(t, sandboxReq.CanRespond())
	assert.Error(t, sandboxReq.RespondWith(ctx, NewHTTPResponse(200, nil, nil)))

	// Passing the request to a step crosses another boundary; the step
	// hydrates a writable stream backed by the store.
	data, _, err = Dehydrate(sandboxReq, &Options{Boundary: StepArguments, Streams: store, RunID: "wrun_1"})
	require.NoError(t, err)
	v, _, err = Hydrate(data, &Options{Boundary: StepArguments, Streams: store, RunID: "wrun_1"})
	require.NoError(t, err)
	stepReq, ok := v.(*HTTPRequest)
	require.True(t, ok)
	require.True(t, stepReq.CanRespond())
	require.NoError(t, stepReq.RespondWith(ctx, NewHTTPResponse(200, nil, []byte("Hello from webhook!"))))

	// The webhook side reads the serialized response back off the stream.
	reader := &ByteStream{name: "strm_manual", store: store, runID: "wrun_1"}
	payload, err := reader.ReadAll(ctx)
	require.NoError(t, err)
	out, _, err := Hydrate(payload, &Options{Boundary: StepReturnValue})
	require.NoError(t, err)
	resp, ok := out.(*HTTPResponse)
	require.True(t, ok)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("Hello from webhook!"), resp.Body)
}

func TestSharedReferences(t *testing.T) {
	shared := map[string]any{"k": "v"}
	in := []any{shared, shared}

	out := roundTrip(t, in, nil)
	got := out.([]any)
	first := got[0].(map[string]any)
	second := got[1].(map[string]any)

	// Mutating through one alias must be visible through the other.
	first["probe"] = int64(1)
	assert.Equal(t, int64(1), second["probe"])
}

func TestCyclicValue(t *testing.T) {
	m := map[string]any{}
	m["self"] = m

	out := roundTrip(t, m, nil)
	got := out.(map[string]any)
	inner, ok := got["self"].(map[string]any)
	require.True(t, ok)
	got["probe"] = "x"
	assert.Equal(t, "x", inner["probe"])
}

func TestStreamReferenceOpaqueInSandbox(t *testing.T) {
	opts := &Options{Boundary: WorkflowArguments}
	data, _, err := Dehydrate(&StreamRef{Name: "strm_x", Type: StreamReadable}, opts)
	require.NoError(t, err)

	out, _, err := Hydrate(data, opts)
	require.NoError(t, err)
	ref, ok := out.(*StreamRef)
	require.True(t, ok)
	assert.Equal(t, "strm_x", ref.Name)
	assert.Equal(t, StreamReadable, ref.Type)
}

func TestStepReferenceDefaultsToRef(t *testing.T) {
	in := &StepRef{ID: "step_01ABC", Closure: map[string]any{"n": int64(3)}}
	out := roundTrip(t, in, nil)
	require.IsType(t, &StepRef{}, out)
	assert.Equal(t, in.ID, out.(*StepRef).ID)
	assert.Equal(t, in.Closure, out.(*StepRef).Closure)
}

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func TestClassCodecRoundTrip(t *testing.T) {
	classes := NewClassRegistry()
	cc := NewClassCodec("point",
		func(p *point) (any, error) {
			return map[string]any{"x": p.X, "y": p.Y}, nil
		},
		func(data any) (*point, error) {
			m := data.(map[string]any)
			return &point{X: int(m["x"].(int64)), Y: int(m["y"].(int64))}, nil
		})
	require.NoError(t, classes.Register(cc))

	opts := &Options{Classes: classes}
	out := roundTrip(t, &point{X: 3, Y: 4}, opts)
	require.IsType(t, &point{}, out)
	assert.Equal(t, &point{X: 3, Y: 4}, out)
}

func TestClassUnknownStaysOpaque(t *testing.T) {
	classes := NewClassRegistry()
	cc := NewClassCodec("point",
		func(p *point) (any, error) { return map[string]any{"x": p.X, "y": p.Y}, nil },
		func(data any) (*point, error) { return &point{}, nil })
	require.NoError(t, classes.Register(cc))

	data, _, err := Dehydrate(&point{X: 1, Y: 2}, &Options{Classes: classes})
	require.NoError(t, err)

	// Hydrating without the class keeps the payload lossless.
	out, _, err := Hydrate(data, nil)
	require.NoError(t, err)
	ref, ok := out.(*ClassInstanceRef)
	require.True(t, ok)
	assert.Equal(t, "point", ref.ClassID)

	// And re-dehydrating the opaque ref preserves it for a holder of the
	// class.
	data2, _, err := Dehydrate(ref, nil)
	require.NoError(t, err)
	out2, _, err := Hydrate(data2, &Options{Classes: classes})
	require.NoError(t, err)
	assert.IsType(t, &point{}, out2)
}

func TestUnsupportedValueRejected(t *testing.T) {
	type opaque struct{ C chan int }
	_, _, err := Dehydrate(opaque{}, nil)
	require.Error(t, err)
	var serr *derrors.SerializationError
	assert.ErrorAs(t, err, &serr)
}

func TestLegacyPayloadFallback(t *testing.T) {
	out, _, err := Hydrate([]byte(`["hello"]`), nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	out, _, err = Hydrate([]byte(`[]`), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestUnknownFormatRejected(t *testing.T) {
	_, _, err := Hydrate([]byte(`zzzz{"v":1}`), nil)
	require.Error(t, err)
	var derr *derrors.DeserializationError
	assert.ErrorAs(t, err, &derr)
}

func TestEmptyPayloadHydratesToNil(t *testing.T) {
	out, ops, err := Hydrate(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Zero(t, ops.Len())
}

func TestPayloadCarriesFormatTag(t *testing.T) {
	data, _, err := Dehydrate("x", nil)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)
	assert.Equal(t, FormatTag, string(data[:4]))
}
