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
	"fmt"
	"reflect"
	"sync"
)

// ClassCodec encodes and decodes one registered class. Encode reduces an
// instance to plain encodable data; Decode rebuilds the instance from
// that data.
type ClassCodec interface {
	ClassID() string
	Type() reflect.Type
	Encode(instance any) (any, error)
	Decode(data any) (any, error)
}

// ClassInstanceRef is the opaque stand-in for a class instance whose
// codec is not registered on this side. Re-encoding it is lossless.
type ClassInstanceRef struct {
	ClassID string
	Data    any
}

// ClassRegistry maps class IDs and Go types to their codecs. Class IDs
// are symbolic (prefix//module//name) so both sides of a boundary agree
// on them.
type ClassRegistry struct {
	mu     sync.RWMutex
	byID   map[string]ClassCodec
	byType map[reflect.Type]ClassCodec
}

// NewClassRegistry creates an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{
		byID:   make(map[string]ClassCodec),
		byType: make(map[reflect.Type]ClassCodec),
	}
}

// Register adds a class codec. Registering a duplicate class ID or type
// is an error.
func (r *ClassRegistry) Register(cc ClassCodec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[cc.ClassID()]; ok {
		return fmt.Errorf("class %s already registered", cc.ClassID())
	}
	if t := cc.Type(); t != nil {
		if _, ok := r.byType[t]; ok {
			return fmt.Errorf("type %s already registered", t)
		}
		r.byType[t] = cc
	}
	r.byID[cc.ClassID()] = cc
	return nil
}

// ForID returns the codec registered for a class ID, or nil.
func (r *ClassRegistry) ForID(id string) ClassCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// ForType returns the codec registered for a Go type, or nil.
func (r *ClassRegistry) ForType(t reflect.Type) ClassCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[t]
}

// funcClass implements ClassCodec with plain functions.
type funcClass struct {
	id     string
	typ    reflect.Type
	encode func(any) (any, error)
	decode func(any) (any, error)
}

func (c *funcClass) ClassID() string               { return c.id }
func (c *funcClass) Type() reflect.Type            { return c.typ }
func (c *funcClass) Encode(v any) (any, error)     { return c.encode(v) }
func (c *funcClass) Decode(data any) (any, error)  { return c.decode(data) }

// NewClassCodec builds a ClassCodec for *T from encode/decode functions.
func NewClassCodec[T any](id string, encode func(*T) (any, error), decode func(any) (*T, error)) ClassCodec {
	return &funcClass{
		id:  id,
		typ: reflect.TypeOf((*T)(nil)),
		encode: func(v any) (any, error) {
			inst, ok := v.(*T)
			if !ok {
				return nil, fmt.Errorf("class %s: unexpected instance type %T", id, v)
			}
			return encode(inst)
		},
		decode: func(data any) (any, error) {
			return decode(data)
		},
	}
}
