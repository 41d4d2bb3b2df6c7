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

// Package ident generates the engine's prefixed ULID identifiers and
// parses the symbolic workflow/step/class identifiers.
package ident

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Identifier prefixes. Event ids are the pagination key, so their ULIDs
// must sort by creation time; the shared monotonic entropy source below
// guarantees that within a process.
const (
	RunPrefix    = "wrun_"
	StepPrefix   = "step_"
	EventPrefix  = "wevt_"
	StreamPrefix = "strm_"
	HookPrefix   = "hook_"
	WaitPrefix   = "wait_"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newULID returns a time-ordered ULID for now.
func newULID() ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return RunPrefix + newULID().String() }

// NewStepID returns a fresh step identifier.
func NewStepID() string { return StepPrefix + newULID().String() }

// NewEventID returns a fresh event identifier. Event ids allocated by the
// same process are strictly increasing.
func NewEventID() string { return EventPrefix + newULID().String() }

// NewStreamID returns a fresh stream name.
func NewStreamID() string { return StreamPrefix + newULID().String() }

// NewHookID returns a fresh hook identifier.
func NewHookID() string { return HookPrefix + newULID().String() }

// Deterministic produces a replay-stable ULID sequence. The orchestrator
// seeds one per run from the run id and start time; every replay of the
// same run observes identical correlation ids.
type Deterministic struct {
	ms      uint64
	entropy *mrand.Rand
}

// NewDeterministic creates a generator seeded from the given values.
func NewDeterministic(seed int64, at time.Time) *Deterministic {
	return &Deterministic{
		ms:      ulid.Timestamp(at),
		entropy: mrand.New(mrand.NewSource(seed)),
	}
}

// Next returns the next ULID in the deterministic sequence with the given
// prefix.
func (d *Deterministic) Next(prefix string) string {
	id := ulid.MustNew(d.ms, d.entropy)
	return prefix + id.String()
}

// Seed derives a stable int64 seed from a string (FNV-1a).
func Seed(s string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return int64(h)
}

// Validate checks that id carries the expected prefix followed by a
// 26-character ULID.
func Validate(id, prefix string) error {
	if !strings.HasPrefix(id, prefix) {
		return fmt.Errorf("identifier %q must start with %q", id, prefix)
	}
	raw := strings.TrimPrefix(id, prefix)
	if _, err := ulid.ParseStrict(raw); err != nil {
		return fmt.Errorf("identifier %q is not a valid ULID: %w", id, err)
	}
	return nil
}
