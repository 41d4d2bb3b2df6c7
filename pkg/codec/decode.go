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
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	derrors "github.com/tombee/durable/pkg/errors"
)

type decoder struct {
	opts  *Options
	nodes []node
	memo  map[int]any
	ops   *Ops
}

// decode revives the node at idx. Containers are memoized before their
// children are decoded so cycles terminate.
func (d *decoder) decode(idx int) (any, error) {
	if idx < 0 || idx >= len(d.nodes) {
		return nil, &derrors.DeserializationError{Message: fmt.Sprintf("node index %d out of range", idx)}
	}
	if v, ok := d.memo[idx]; ok {
		return v, nil
	}
	n := d.nodes[idx]

	switch n.T {
	case "null":
		return nil, nil

	case "bool":
		var v bool
		if err := d.unmarshal(n, &v); err != nil {
			return nil, err
		}
		return v, nil

	case "str":
		var v string
		if err := d.unmarshal(n, &v); err != nil {
			return nil, err
		}
		return v, nil

	case "num":
		var v float64
		if err := d.unmarshal(n, &v); err != nil {
			return nil, err
		}
		return v, nil

	case "int":
		var s string
		if err := d.unmarshal(n, &s); err != nil {
			return nil, err
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			u, uerr := strconv.ParseUint(s, 10, 64)
			if uerr != nil {
				return nil, &derrors.DeserializationError{Message: "malformed integer " + s}
			}
			return u, nil
		}
		return v, nil

	case "ref":
		var target int
		if err := d.unmarshal(n, &target); err != nil {
			return nil, err
		}
		v, err := d.decode(target)
		if err != nil {
			return nil, err
		}
		d.memo[idx] = v
		return v, nil

	case "time":
		var s string
		if err := d.unmarshal(n, &s); err != nil {
			return nil, err
		}
		if s == "invalid" {
			return time.Time{}, nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, &derrors.DeserializationError{Message: "malformed time " + s, Cause: err}
		}
		return t, nil

	case "bigint":
		var s string
		if err := d.unmarshal(n, &s); err != nil {
			return nil, err
		}
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, &derrors.DeserializationError{Message: "malformed bigint " + s}
		}
		return v, nil

	case "regexp":
		var s string
		if err := d.unmarshal(n, &s); err != nil {
			return nil, err
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, &derrors.DeserializationError{Message: "malformed regexp", Cause: err}
		}
		return re, nil

	case "url":
		var s string
		if err := d.unmarshal(n, &s); err != nil {
			return nil, err
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, &derrors.DeserializationError{Message: "malformed url", Cause: err}
		}
		return u, nil

	case "urlvalues":
		var s string
		if err := d.unmarshal(n, &s); err != nil {
			return nil, err
		}
		v, err := url.ParseQuery(s)
		if err != nil {
			return nil, &derrors.DeserializationError{Message: "malformed query string", Cause: err}
		}
		return v, nil

	case "bytes":
		return d.decodeBytes(n)

	case "i16", "i32", "i64", "u16", "u32", "u64", "f32", "f64":
		return d.decodeTyped(n)

	case "headers":
		var payload headerPayload
		if err := d.unmarshal(n, &payload); err != nil {
			return nil, err
		}
		h := make(http.Header, len(payload))
		for _, kv := range payload {
			h.Add(kv[0], kv[1])
		}
		return h, nil

	case "error":
		var p errorPayload
		if err := d.unmarshal(n, &p); err != nil {
			return nil, err
		}
		return &ErrorValue{Message: p.Message, Stack: p.Stack, Code: p.Code}, nil

	case "arr":
		var children []int
		if err := d.unmarshal(n, &children); err != nil {
			return nil, err
		}
		out := make([]any, len(children))
		d.memo[idx] = out
		for i, c := range children {
			v, err := d.decode(c)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case "obj":
		var payload objPayload
		if err := d.unmarshal(n, &payload); err != nil {
			return nil, err
		}
		if len(payload.K) != len(payload.C) {
			return nil, &derrors.DeserializationError{Message: "object node has mismatched keys and children"}
		}
		out := make(map[string]any, len(payload.K))
		d.memo[idx] = out
		for i, k := range payload.K {
			v, err := d.decode(payload.C[i])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case "map":
		var pairs []pairPayload
		if err := d.unmarshal(n, &pairs); err != nil {
			return nil, err
		}
		out := make(map[any]any, len(pairs))
		d.memo[idx] = out
		for _, p := range pairs {
			k, err := d.decode(p.K)
			if err != nil {
				return nil, err
			}
			v, err := d.decode(p.V)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	case "set":
		var children []int
		if err := d.unmarshal(n, &children); err != nil {
			return nil, err
		}
		out := &Set{Elems: make([]any, len(children))}
		d.memo[idx] = out
		for i, c := range children {
			v, err := d.decode(c)
			if err != nil {
				return nil, err
			}
			out.Elems[i] = v
		}
		return out, nil

	case "httpreq":
		return d.decodeRequest(idx, n)

	case "httpresp":
		return d.decodeResponse(idx, n)

	case "stream":
		return d.decodeStream(idx, n)

	case "stepref":
		return d.decodeStepRef(idx, n)

	case "class":
		return d.decodeClass(idx, n)
	}

	return nil, &derrors.DeserializationError{Message: "unknown node tag " + n.T}
}

func (d *decoder) unmarshal(n node, dst any) error {
	if err := json.Unmarshal(n.V, dst); err != nil {
		return &derrors.DeserializationError{Message: "malformed " + n.T + " node", Cause: err}
	}
	return nil
}

func (d *decoder) decodeBytes(n node) ([]byte, error) {
	var s string
	if err := d.unmarshal(n, &s); err != nil {
		return nil, err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &derrors.DeserializationError{Message: "malformed bytes node", Cause: err}
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func (d *decoder) decodeTyped(n node) (any, error) {
	var s string
	if err := d.unmarshal(n, &s); err != nil {
		return nil, err
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &derrors.DeserializationError{Message: "malformed typed array node", Cause: err}
	}
	switch n.T {
	case "i16":
		out := make([]int16, len(buf)/2)
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
		}
		return out, nil
	case "i32":
		out := make([]int32, len(buf)/4)
		for i := range out {
			out[i] = int32(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	case "i64":
		out := make([]int64, len(buf)/8)
		for i := range out {
			out[i] = int64(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return out, nil
	case "u16":
		out := make([]uint16, len(buf)/2)
		for i := range out {
			out[i] = binary.LittleEndian.Uint16(buf[i*2:])
		}
		return out, nil
	case "u32":
		out := make([]uint32, len(buf)/4)
		for i := range out {
			out[i] = binary.LittleEndian.Uint32(buf[i*4:])
		}
		return out, nil
	case "u64":
		out := make([]uint64, len(buf)/8)
		for i := range out {
			out[i] = binary.LittleEndian.Uint64(buf[i*8:])
		}
		return out, nil
	case "f32":
		out := make([]float32, len(buf)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
		}
		return out, nil
	default:
		out := make([]float64, len(buf)/8)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
		}
		return out, nil
	}
}

func (d *decoder) decodeRequest(idx int, n node) (any, error) {
	var p requestPayload
	if err := d.unmarshal(n, &p); err != nil {
		return nil, err
	}
	req := &HTTPRequest{Method: p.Method, URL: p.URL}
	d.memo[idx] = req
	hdr, err := d.decode(p.Headers)
	if err != nil {
		return nil, err
	}
	if h, ok := hdr.(http.Header); ok {
		req.Headers = h
	}
	body, err := d.decode(p.Body)
	if err != nil {
		return nil, err
	}
	if b, ok := body.([]byte); ok {
		req.Body = b
	}
	if p.RespondWith >= 0 {
		rw, err := d.decode(p.RespondWith)
		if err != nil {
			return nil, err
		}
		// Workflow-side revivers yield a *StreamRef, step-side a
		// *ByteStream; both keep the respond-with channel attached.
		if sv, ok := rw.(StreamValue); ok {
			req.respondWith = sv
		}
	}
	return req, nil
}

func (d *decoder) decodeResponse(idx int, n node) (any, error) {
	var p responsePayload
	if err := d.unmarshal(n, &p); err != nil {
		return nil, err
	}
	resp := &HTTPResponse{Status: p.Status}
	d.memo[idx] = resp
	hdr, err := d.decode(p.Headers)
	if err != nil {
		return nil, err
	}
	if h, ok := hdr.(http.Header); ok {
		resp.Headers = h
	}
	body, err := d.decode(p.Body)
	if err != nil {
		return nil, err
	}
	if b, ok := body.([]byte); ok {
		resp.Body = b
	}
	return resp, nil
}

// decodeStream materializes a stream reference. Step-side revivers yield
// a readable backed by the stream store; workflow-side revivers yield an
// opaque reference that must not be read inside the sandbox.
func (d *decoder) decodeStream(idx int, n node) (any, error) {
	var p streamPayload
	if err := d.unmarshal(n, &p); err != nil {
		return nil, err
	}
	if d.opts.Boundary.workflowSide() || d.opts.Streams == nil {
		ref := &StreamRef{Name: p.Name, Type: p.Type}
		d.memo[idx] = ref
		return ref, nil
	}
	bs := &ByteStream{name: p.Name, streamType: p.Type, store: d.opts.Streams, runID: d.opts.RunID}
	d.memo[idx] = bs
	return bs, nil
}

// decodeStepRef looks a step reference up through the boundary's hook:
// the workflow sandbox turns it into a callable step proxy, a step
// process resolves it against the local step registry.
func (d *decoder) decodeStepRef(idx int, n node) (any, error) {
	var p stepRefPayload
	if err := d.unmarshal(n, &p); err != nil {
		return nil, err
	}
	var closure map[string]any
	if p.Closure >= 0 {
		c, err := d.decode(p.Closure)
		if err != nil {
			return nil, err
		}
		if m, ok := c.(map[string]any); ok {
			closure = m
		}
	}
	switch {
	case d.opts.UseStep != nil:
		v, err := d.opts.UseStep(p.StepID, closure)
		if err != nil {
			return nil, &derrors.DeserializationError{Message: "unresolvable step reference " + p.StepID, Cause: err}
		}
		d.memo[idx] = v
		return v, nil
	case d.opts.LookupStep != nil:
		v, err := d.opts.LookupStep(p.StepID)
		if err != nil {
			return nil, &derrors.DeserializationError{Message: "unresolvable step reference " + p.StepID, Cause: err}
		}
		d.memo[idx] = v
		return v, nil
	}
	ref := &StepRef{ID: p.StepID, Closure: closure}
	d.memo[idx] = ref
	return ref, nil
}

// decodeClass revives a registered class instance, or surfaces an opaque
// ClassInstanceRef when the class is unknown on this side. Data is never
// silently lost.
func (d *decoder) decodeClass(idx int, n node) (any, error) {
	var p classPayload
	if err := d.unmarshal(n, &p); err != nil {
		return nil, err
	}
	data, err := d.decode(p.Data)
	if err != nil {
		return nil, err
	}
	if d.opts.Classes != nil {
		if cc := d.opts.Classes.ForID(p.ClassID); cc != nil {
			v, err := cc.Decode(data)
			if err != nil {
				return nil, &derrors.DeserializationError{Message: "class " + p.ClassID + " decode failed", Cause: err}
			}
			d.memo[idx] = v
			return v, nil
		}
	}
	ref := &ClassInstanceRef{ClassID: p.ClassID, Data: data}
	d.memo[idx] = ref
	return ref, nil
}
