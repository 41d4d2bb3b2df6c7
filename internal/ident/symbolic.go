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

package ident

import (
	"fmt"
	"strings"
)

// Kind is the first segment of a symbolic identifier.
type Kind string

const (
	KindWorkflow Kind = "workflow"
	KindStep     Kind = "step"
	KindClass    Kind = "class"
)

// Symbolic is a parsed symbolic identifier of the shape
// prefix//moduleSpecifier//functionName.
//
// The module specifier is either a package identifier ("mypkg@1.0.0",
// "@scope/pkg@2.0.0") or a relative path ("./src/jobs/order"). The
// function name may contain "/" for nested functions, "." for static
// methods, and "#" for instance methods; "default" marks a default
// export.
type Symbolic struct {
	Kind     Kind
	Module   string
	Function string
}

// ParseSymbolic parses a symbolic identifier string.
func ParseSymbolic(s string) (Symbolic, error) {
	parts := strings.SplitN(s, "//", 3)
	if len(parts) != 3 {
		return Symbolic{}, fmt.Errorf("symbolic identifier %q must have three //-separated segments", s)
	}
	kind := Kind(parts[0])
	switch kind {
	case KindWorkflow, KindStep, KindClass:
	default:
		return Symbolic{}, fmt.Errorf("symbolic identifier %q has unknown prefix %q", s, parts[0])
	}
	if err := validateModule(parts[1]); err != nil {
		return Symbolic{}, fmt.Errorf("symbolic identifier %q: %w", s, err)
	}
	if parts[2] == "" {
		return Symbolic{}, fmt.Errorf("symbolic identifier %q has an empty function name", s)
	}
	return Symbolic{Kind: kind, Module: parts[1], Function: parts[2]}, nil
}

// validateModule checks a module specifier: a relative path or a
// package identifier with a version.
func validateModule(m string) error {
	if m == "" {
		return fmt.Errorf("empty module specifier")
	}
	if strings.HasPrefix(m, "./") || strings.HasPrefix(m, "../") {
		return nil
	}
	// Package specifier: name@version, with an optional @scope/ prefix.
	name := m
	if strings.HasPrefix(m, "@") {
		slash := strings.Index(m, "/")
		if slash < 0 {
			return fmt.Errorf("scoped package %q missing name segment", m)
		}
		name = m[slash+1:]
	}
	at := strings.LastIndex(name, "@")
	if at <= 0 || at == len(name)-1 {
		return fmt.Errorf("package specifier %q missing @version", m)
	}
	return nil
}

// String formats the identifier back to its wire form.
func (s Symbolic) String() string {
	return string(s.Kind) + "//" + s.Module + "//" + s.Function
}

// ShortName returns the identifier's display name. Default exports
// resolve to the module's short name; otherwise the last function path
// segment is used.
func (s Symbolic) ShortName() string {
	fn := s.Function
	if fn == "default" {
		base := s.Module
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if i := strings.LastIndex(base, "@"); i > 0 {
			base = base[:i]
		}
		return base
	}
	if i := strings.LastIndexAny(fn, "/.#"); i >= 0 {
		return fn[i+1:]
	}
	return fn
}

// QueueSuffix returns a queue-name-safe encoding of the identifier.
func (s Symbolic) QueueSuffix() string {
	r := strings.NewReplacer("//", "__", "/", "_", "@", "", ".", "_", "#", "_")
	return r.Replace(s.Module + "__" + s.Function)
}
