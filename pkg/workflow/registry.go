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

// Package workflow is the public API of the engine: workflow and step
// registration, the deterministic workflow Context, futures over step
// invocations, and the run-control client.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tombee/durable/pkg/codec"
)

// DefaultMaxRetries is the retry budget applied to steps that do not set
// one. maxRetries = 3 means up to four total attempts; 0 means run once.
const DefaultMaxRetries = 3

// Func is a workflow function: a deterministic orchestration re-executed
// from scratch on every replay. All side effects must go through ctx.
type Func func(ctx *Context, args []any) (any, error)

// StepFunc is a step function: non-deterministic, side-effecting,
// executed at-least-once outside the sandbox.
type StepFunc func(ctx context.Context, info StepInfo, args []any) (any, error)

// StepInfo carries the metadata a step attempt executes under.
type StepInfo struct {
	StepID       string
	Attempt      int
	StartedAt    time.Time
	RunID        string
	RunStartedAt time.Time
	WorkflowName string
}

// Descriptor declares one registered workflow.
type Descriptor struct {
	Name string
	Fn   Func
}

// StepDescriptor declares one registered step.
type StepDescriptor struct {
	Name       string
	Fn         StepFunc
	MaxRetries int
}

// StepOption configures a step registration.
type StepOption func(*StepDescriptor)

// WithMaxRetries overrides the step's retry budget. 0 means run once.
func WithMaxRetries(n int) StepOption {
	return func(d *StepDescriptor) { d.MaxRetries = n }
}

// Registry holds the process-local workflow, step, and class
// declarations. It is populated at boot and read-only thereafter.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Descriptor
	steps     map[string]*StepDescriptor
	classes   *codec.ClassRegistry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows: make(map[string]*Descriptor),
		steps:     make(map[string]*StepDescriptor),
		classes:   codec.NewClassRegistry(),
	}
}

// RegisterWorkflow adds a workflow under its name.
func (r *Registry) RegisterWorkflow(name string, fn Func) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("workflow %s already registered", name)
	}
	r.workflows[name] = &Descriptor{Name: name, Fn: fn}
	return nil
}

// RegisterStep adds a step under its name.
func (r *Registry) RegisterStep(name string, fn StepFunc, opts ...StepOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.steps[name]; ok {
		return fmt.Errorf("step %s already registered", name)
	}
	d := &StepDescriptor{Name: name, Fn: fn, MaxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(d)
	}
	r.steps[name] = d
	return nil
}

// RegisterClass adds a serialization class codec.
func (r *Registry) RegisterClass(cc codec.ClassCodec) error {
	return r.classes.Register(cc)
}

// Workflow resolves a registered workflow by name.
func (r *Registry) Workflow(name string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %s is not registered", name)
	}
	return d, nil
}

// Step resolves a registered step by name.
func (r *Registry) Step(name string) (*StepDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.steps[name]
	if !ok {
		return nil, fmt.Errorf("step %s is not registered", name)
	}
	return d, nil
}

// StepNames returns the registered step names.
func (r *Registry) StepNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	return names
}

// WorkflowNames returns the registered workflow names.
func (r *Registry) WorkflowNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	return names
}

// Classes returns the class codec registry.
func (r *Registry) Classes() *codec.ClassRegistry {
	return r.classes
}
