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

package stream

import (
	"context"
	"sync"
	"time"
)

// flushInterval is how long rapid writes are coalesced before a batch is
// flushed as one WriteMulti.
const flushInterval = 10 * time.Millisecond

// Writer buffers writes to a stream and flushes them in batches. A
// pending batch is flushed on timer tick or Close; while a flush is in
// flight further writes accumulate in a fresh buffer that flushes after
// the prior one resolves. Abort discards the pending buffer without
// emitting the close sentinel.
type Writer struct {
	store *Store
	name  string
	runID string

	mu       sync.Mutex
	pending  [][]byte
	flushing bool
	timer    *time.Timer
	aborted  bool
	closed   bool
	flushErr error
	idle     *sync.Cond
}

// NewWriter creates a coalescing writer for one stream instance. A single
// task owns the writer; Write is not safe for concurrent use.
func (s *Store) NewWriter(name, runID string) *Writer {
	w := &Writer{store: s, name: name, runID: runID}
	w.idle = sync.NewCond(&w.mu)
	return w
}

// Name returns the stream name the writer appends to.
func (w *Writer) Name() string { return w.name }

// Write buffers one chunk.
func (w *Writer) Write(chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted || w.closed {
		return nil
	}
	if w.flushErr != nil {
		return w.flushErr
	}
	w.pending = append(w.pending, chunk)
	if w.timer == nil {
		w.timer = time.AfterFunc(flushInterval, w.flushTick)
	}
	return nil
}

// flushTick runs on the coalescing timer.
func (w *Writer) flushTick() {
	w.mu.Lock()
	w.timer = nil
	if w.flushing || len(w.pending) == 0 || w.aborted {
		w.mu.Unlock()
		return
	}
	w.startFlushLocked()
	w.mu.Unlock()
}

// startFlushLocked hands the pending buffer to a background flush.
// Callers hold w.mu.
func (w *Writer) startFlushLocked() {
	batch := w.pending
	w.pending = nil
	w.flushing = true
	go func() {
		err := w.store.WriteMulti(context.Background(), w.name, w.runID, batch)
		w.mu.Lock()
		w.flushing = false
		if err != nil && w.flushErr == nil {
			w.flushErr = err
		}
		// Writes that arrived during the flush form the next batch.
		if len(w.pending) > 0 && !w.aborted && w.flushErr == nil {
			w.startFlushLocked()
		}
		w.idle.Broadcast()
		w.mu.Unlock()
	}()
}

// Close flushes any remaining chunks and appends the close sentinel.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.aborted || w.closed {
		w.mu.Unlock()
		return w.flushErr
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if len(w.pending) > 0 && !w.flushing {
		w.startFlushLocked()
	}
	for w.flushing {
		w.idle.Wait()
	}
	err := w.flushErr
	w.mu.Unlock()

	if err != nil {
		return err
	}
	return w.store.CloseStream(ctx, w.name, w.runID)
}

// Abort discards the pending buffer. No close sentinel is issued, and
// closing an aborted writer is a no-op.
func (w *Writer) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.aborted = true
	w.pending = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
