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

import "errors"

// suspendSignal is the panic value that unwinds the workflow goroutine
// when an awaited invocation has no terminal event yet. Execute recovers
// it and reports a Suspended outcome; it never escapes this package.
type suspendSignal struct{}

// settled is one resolved future observation. EventID is the resolving
// event's id, giving combinators a replay-stable settlement order.
type settled struct {
	value   any
	err     error
	eventID string
}

// Future is the handle returned by step, hook, and combinator calls
// inside the sandbox. Get either yields the recorded result or suspends
// the replay.
type Future struct {
	poll func() (settled, bool)
}

// Get returns the invocation's result, suspending the workflow when it
// is not yet recorded. A step failure is returned as the error; the
// workflow may handle or propagate it.
func (f *Future) Get() (any, error) {
	s, ok := f.poll()
	if !ok {
		panic(suspendSignal{})
	}
	return s.value, s.err
}

// resolved builds an already-settled future.
func resolvedFuture(s settled) *Future {
	return &Future{poll: func() (settled, bool) { return s, true }}
}

// Race settles with the first future to settle, fulfilled or rejected.
// Settlement order is the order of the resolving events in the log, so
// replays agree on the winner.
func Race(futures ...*Future) *Future {
	return &Future{poll: func() (settled, bool) {
		var best settled
		found := false
		for _, f := range futures {
			s, ok := f.poll()
			if !ok {
				continue
			}
			if !found || s.eventID < best.eventID {
				best = s
				found = true
			}
		}
		return best, found
	}}
}

// All settles with every value in argument order once all futures
// fulfill, or rejects with the earliest rejection.
func All(futures ...*Future) *Future {
	return &Future{poll: func() (settled, bool) {
		values := make([]any, len(futures))
		var firstErr settled
		failed := false
		pending := false
		last := ""
		for i, f := range futures {
			s, ok := f.poll()
			if !ok {
				pending = true
				continue
			}
			if s.err != nil {
				if !failed || s.eventID < firstErr.eventID {
					firstErr = s
					failed = true
				}
				continue
			}
			values[i] = s.value
			if s.eventID > last {
				last = s.eventID
			}
		}
		// A recorded rejection settles the combinator even while other
		// children are pending: later events always sort after it.
		if failed {
			return settled{err: firstErr.err, eventID: firstErr.eventID}, true
		}
		if pending {
			return settled{}, false
		}
		return settled{value: values, eventID: last}, true
	}}
}

// Any settles with the first fulfillment, or rejects once every future
// has rejected.
func Any(futures ...*Future) *Future {
	return &Future{poll: func() (settled, bool) {
		var best settled
		fulfilled := false
		rejections := 0
		for _, f := range futures {
			s, ok := f.poll()
			if !ok {
				continue
			}
			if s.err != nil {
				rejections++
				continue
			}
			if !fulfilled || s.eventID < best.eventID {
				best = s
				fulfilled = true
			}
		}
		if fulfilled {
			return best, true
		}
		if rejections == len(futures) && len(futures) > 0 {
			return settled{err: errors.New("all futures rejected")}, true
		}
		return settled{}, false
	}}
}
