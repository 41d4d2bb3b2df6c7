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
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/tombee/durable/internal/ident"
	derrors "github.com/tombee/durable/pkg/errors"
)

type encoder struct {
	opts  *Options
	nodes []node
	seen  map[refKey]int
	ops   *Ops
}

// add appends a node and returns its index.
func (e *encoder) add(t string, v any) (int, error) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return 0, &derrors.SerializationError{Message: err.Error()}
		}
		raw = b
	}
	e.nodes = append(e.nodes, node{T: t, V: raw})
	return len(e.nodes) - 1, nil
}

// reserve appends a placeholder node so children can reference their
// parent, closing cycles.
func (e *encoder) reserve(t string) int {
	e.nodes = append(e.nodes, node{T: t})
	return len(e.nodes) - 1
}

// fill completes a reserved node.
func (e *encoder) fill(idx int, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &derrors.SerializationError{Message: err.Error()}
	}
	e.nodes[idx].V = b
	return nil
}

// objPayload is the V of an "obj" node: parallel key and child lists.
type objPayload struct {
	K []string `json:"k"`
	C []int    `json:"c"`
}

// pairPayload is one entry of a "map" node.
type pairPayload struct {
	K int `json:"k"`
	V int `json:"v"`
}

// encode reduces one value to a node index.
func (e *encoder) encode(rv reflect.Value) (int, error) {
	if !rv.IsValid() {
		return e.add("null", nil)
	}
	// Unwrap interfaces.
	for rv.Kind() == reflect.Interface && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Interface {
		return e.add("null", nil)
	}

	// Concrete built-ins first.
	switch v := rv.Interface().(type) {
	case nil:
		return e.add("null", nil)
	case bool:
		return e.add("bool", v)
	case string:
		return e.add("str", v)
	case time.Time:
		if v.IsZero() {
			return e.add("time", "invalid")
		}
		return e.add("time", v.UTC().Format(time.RFC3339Nano))
	case *big.Int:
		return e.add("bigint", v.String())
	case *regexp.Regexp:
		return e.add("regexp", v.String())
	case *url.URL:
		return e.add("url", v.String())
	case url.Values:
		return e.add("urlvalues", v.Encode())
	case http.Header:
		return e.encodeHeaders(v)
	case []byte:
		return e.add("bytes", base64.StdEncoding.EncodeToString(v))
	case []int16:
		return e.encodeTyped("i16", v, func(b []byte, i int) { binary.LittleEndian.PutUint16(b[i*2:], uint16(v[i])) }, 2, len(v))
	case []int32:
		return e.encodeTyped("i32", v, func(b []byte, i int) { binary.LittleEndian.PutUint32(b[i*4:], uint32(v[i])) }, 4, len(v))
	case []int64:
		return e.encodeTyped("i64", v, func(b []byte, i int) { binary.LittleEndian.PutUint64(b[i*8:], uint64(v[i])) }, 8, len(v))
	case []uint16:
		return e.encodeTyped("u16", v, func(b []byte, i int) { binary.LittleEndian.PutUint16(b[i*2:], v[i]) }, 2, len(v))
	case []uint32:
		return e.encodeTyped("u32", v, func(b []byte, i int) { binary.LittleEndian.PutUint32(b[i*4:], v[i]) }, 4, len(v))
	case []uint64:
		return e.encodeTyped("u64", v, func(b []byte, i int) { binary.LittleEndian.PutUint64(b[i*8:], v[i]) }, 8, len(v))
	case []float32:
		return e.encodeTyped("f32", v, func(b []byte, i int) {
			binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v[i]))
		}, 4, len(v))
	case []float64:
		return e.encodeTyped("f64", v, func(b []byte, i int) {
			binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v[i]))
		}, 8, len(v))
	case *Set:
		return e.encodeSet(v)
	case *HTTPRequest:
		return e.encodeRequest(v)
	case *HTTPResponse:
		return e.encodeResponse(v)
	case *ClassInstanceRef:
		// Unknown on our side but lossless: re-encode as received.
		return e.encodeClassRef(v)
	case *ByteStream:
		return e.encodeStream(v)
	case StreamValue:
		return e.encodeStreamValue(v)
	case StepReference:
		return e.encodeStepRef(v)
	case error:
		return e.encodeError(v)
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.add("int", strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return e.add("int", strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32, reflect.Float64:
		return e.add("num", rv.Float())
	case reflect.Slice, reflect.Array:
		return e.encodeSlice(rv)
	case reflect.Map:
		return e.encodeMap(rv)
	case reflect.Pointer:
		if rv.IsNil() {
			return e.add("null", nil)
		}
		if idx, ok := e.seen[refKey{rv.Pointer(), reflect.Pointer}]; ok {
			return idx, nil
		}
		if cc := e.classFor(rv.Type()); cc != nil {
			return e.encodeClass(rv, cc)
		}
		// Track the pointer so self-referential values terminate, then
		// encode the pointee in place.
		idx := e.reserve("")
		e.seen[refKey{rv.Pointer(), reflect.Pointer}] = idx
		child, err := e.encode(rv.Elem())
		if err != nil {
			return 0, err
		}
		// Alias the reserved slot to the pointee node.
		e.nodes[idx] = node{T: "ref", V: mustJSON(child)}
		return idx, nil
	case reflect.Struct:
		if cc := e.classFor(rv.Type()); cc != nil {
			return e.encodeClass(rv, cc)
		}
	}

	return 0, &derrors.SerializationError{
		TypeName: rv.Type().String(),
		Message:  "no registered reducer; supported values are " + supportedBuiltins,
	}
}

func (e *encoder) classFor(t reflect.Type) ClassCodec {
	if e.opts.Classes == nil {
		return nil
	}
	return e.opts.Classes.ForType(t)
}

func (e *encoder) encodeTyped(tag string, _ any, put func([]byte, int), width, n int) (int, error) {
	buf := make([]byte, n*width)
	for i := 0; i < n; i++ {
		put(buf, i)
	}
	return e.add(tag, base64.StdEncoding.EncodeToString(buf))
}

func (e *encoder) encodeSlice(rv reflect.Value) (int, error) {
	key := refKey{}
	if rv.Kind() == reflect.Slice && !rv.IsNil() {
		key = refKey{rv.Pointer(), reflect.Slice}
		if idx, ok := e.seen[key]; ok {
			return idx, nil
		}
	}
	idx := e.reserve("arr")
	if key != (refKey{}) {
		e.seen[key] = idx
	}
	children := make([]int, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		c, err := e.encode(rv.Index(i))
		if err != nil {
			return 0, err
		}
		children[i] = c
	}
	if err := e.fill(idx, children); err != nil {
		return 0, err
	}
	return idx, nil
}

func (e *encoder) encodeMap(rv reflect.Value) (int, error) {
	key := refKey{rv.Pointer(), reflect.Map}
	if idx, ok := e.seen[key]; ok {
		return idx, nil
	}

	if rv.Type().Key().Kind() == reflect.String {
		// String-keyed maps are plain objects. Keys are sorted for a
		// deterministic encoding.
		idx := e.reserve("obj")
		e.seen[key] = idx
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		payload := objPayload{K: make([]string, 0, len(keys)), C: make([]int, 0, len(keys))}
		for _, k := range keys {
			c, err := e.encode(rv.MapIndex(k))
			if err != nil {
				return 0, err
			}
			payload.K = append(payload.K, k.String())
			payload.C = append(payload.C, c)
		}
		if err := e.fill(idx, payload); err != nil {
			return 0, err
		}
		return idx, nil
	}

	// Generic maps keep typed keys through the "map" node.
	idx := e.reserve("map")
	e.seen[key] = idx
	pairs := make([]pairPayload, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := e.encode(iter.Key())
		if err != nil {
			return 0, err
		}
		v, err := e.encode(iter.Value())
		if err != nil {
			return 0, err
		}
		pairs = append(pairs, pairPayload{K: k, V: v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].K < pairs[j].K })
	if err := e.fill(idx, pairs); err != nil {
		return 0, err
	}
	return idx, nil
}

func (e *encoder) encodeSet(s *Set) (int, error) {
	idx := e.reserve("set")
	children := make([]int, len(s.Elems))
	for i, el := range s.Elems {
		c, err := e.encode(reflect.ValueOf(el))
		if err != nil {
			return 0, err
		}
		children[i] = c
	}
	if err := e.fill(idx, children); err != nil {
		return 0, err
	}
	return idx, nil
}

// headerPayload preserves multi-valued headers in order.
type headerPayload [][2]string

func (e *encoder) encodeHeaders(h http.Header) (int, error) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var payload headerPayload
	for _, k := range keys {
		for _, v := range h[k] {
			payload = append(payload, [2]string{k, v})
		}
	}
	return e.add("headers", payload)
}

type errorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (e *encoder) encodeError(err error) (int, error) {
	p := errorPayload{Message: err.Error()}
	if ev, ok := err.(*ErrorValue); ok {
		p.Stack = ev.Stack
		p.Code = ev.Code
	}
	return e.add("error", p)
}

type requestPayload struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	Headers     int    `json:"headers"`
	Body        int    `json:"body"`
	RespondWith int    `json:"respond_with"`
}

func (e *encoder) encodeRequest(r *HTTPRequest) (int, error) {
	idx := e.reserve("httpreq")
	hdr, err := e.encodeHeaders(r.Headers)
	if err != nil {
		return 0, err
	}
	body, err := e.add("bytes", base64.StdEncoding.EncodeToString(r.Body))
	if err != nil {
		return 0, err
	}
	respondWith := -1
	if r.respondWith != nil {
		// Local streams pump through encodeStream; opaque references
		// picked up on the workflow side re-encode by name so the tunnel
		// survives the sandbox.
		switch s := r.respondWith.(type) {
		case *ByteStream:
			respondWith, err = e.encodeStream(s)
		default:
			respondWith, err = e.encodeStreamValue(s)
		}
		if err != nil {
			return 0, err
		}
	}
	if err := e.fill(idx, requestPayload{Method: r.Method, URL: r.URL, Headers: hdr, Body: body, RespondWith: respondWith}); err != nil {
		return 0, err
	}
	return idx, nil
}

type responsePayload struct {
	Status  int `json:"status"`
	Headers int `json:"headers"`
	Body    int `json:"body"`
}

func (e *encoder) encodeResponse(r *HTTPResponse) (int, error) {
	idx := e.reserve("httpresp")
	hdr, err := e.encodeHeaders(r.Headers)
	if err != nil {
		return 0, err
	}
	body, err := e.add("bytes", base64.StdEncoding.EncodeToString(r.Body))
	if err != nil {
		return 0, err
	}
	if err := e.fill(idx, responsePayload{Status: r.Status, Headers: hdr, Body: body}); err != nil {
		return 0, err
	}
	return idx, nil
}

type streamPayload struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// encodeStream reduces a stream to {name, type}, assigning a name to
// unnamed streams and scheduling the pump of local contents into the
// stream store.
func (e *encoder) encodeStream(b *ByteStream) (int, error) {
	if b.name == "" {
		b.name = e.newStreamName()
	}
	if b.src != nil && e.opts.Streams != nil {
		src, store, runID, name := b.src, e.opts.Streams, e.opts.RunID, b.name
		b.src = nil
		e.ops.Add(func(ctx context.Context) error {
			return pumpStream(ctx, store, name, runID, src)
		})
	}
	return e.add("stream", streamPayload{Name: b.name, Type: b.streamType})
}

func (e *encoder) encodeStreamValue(v StreamValue) (int, error) {
	name := v.StreamName()
	if name == "" {
		name = e.newStreamName()
	}
	return e.add("stream", streamPayload{Name: name, Type: v.StreamType()})
}

func (e *encoder) newStreamName() string {
	if e.opts.NewStreamName != nil {
		return e.opts.NewStreamName()
	}
	return ident.NewStreamID()
}

type stepRefPayload struct {
	StepID  string `json:"step_id"`
	Closure int    `json:"closure"`
}

func (e *encoder) encodeStepRef(ref StepReference) (int, error) {
	idx := e.reserve("stepref")
	closure := -1
	if vars := ref.ClosureVars(); len(vars) > 0 {
		var err error
		closure, err = e.encode(reflect.ValueOf(vars))
		if err != nil {
			return 0, err
		}
	}
	if err := e.fill(idx, stepRefPayload{StepID: ref.StepID(), Closure: closure}); err != nil {
		return 0, err
	}
	return idx, nil
}

type classPayload struct {
	ClassID string `json:"class_id"`
	Data    int    `json:"data"`
}

func (e *encoder) encodeClass(rv reflect.Value, cc ClassCodec) (int, error) {
	idx := e.reserve("class")
	if rv.Kind() == reflect.Pointer {
		e.seen[refKey{rv.Pointer(), reflect.Pointer}] = idx
	}
	data, err := cc.Encode(rv.Interface())
	if err != nil {
		return 0, &derrors.SerializationError{TypeName: rv.Type().String(), Message: err.Error()}
	}
	child, err := e.encode(reflect.ValueOf(data))
	if err != nil {
		return 0, err
	}
	if err := e.fill(idx, classPayload{ClassID: cc.ClassID(), Data: child}); err != nil {
		return 0, err
	}
	return idx, nil
}

func (e *encoder) encodeClassRef(ref *ClassInstanceRef) (int, error) {
	idx := e.reserve("class")
	child, err := e.encode(reflect.ValueOf(ref.Data))
	if err != nil {
		return 0, err
	}
	if err := e.fill(idx, classPayload{ClassID: ref.ClassID, Data: child}); err != nil {
		return 0, err
	}
	return idx, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("codec: marshal of %T cannot fail: %v", v, err))
	}
	return b
}
