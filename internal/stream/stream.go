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

// Package stream provides append-only named byte streams keyed by
// (streamName, runId). Streams may be read mid-write; readers block
// cooperatively until more data arrives or the stream closes.
package stream

import (
	"context"
	"io"
	"sync"
	"time"
)

// ChunkStore is the persistence surface the stream store writes through.
// The storage backends implement it.
type ChunkStore interface {
	AppendChunks(ctx context.Context, streamName, runID string, chunks [][]byte, closed bool) error
	ReadChunks(ctx context.Context, streamName, runID string, fromIndex int) (chunks [][]byte, closed bool, err error)
	ListStreams(ctx context.Context, runID string) ([]string, error)
}

// Store is the stream store.
type Store struct {
	chunks ChunkStore

	// Same-process readers are woken on write; cross-process readers
	// fall back to the poll interval.
	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// NewStore creates a stream store over the given chunk persistence.
func NewStore(cs ChunkStore) *Store {
	return &Store{chunks: cs, waiters: make(map[string]chan struct{})}
}

func streamKey(name, runID string) string { return name + "\x00" + runID }

// notify wakes in-process readers of a stream.
func (s *Store) notify(name, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(name, runID)
	if ch, ok := s.waiters[key]; ok {
		close(ch)
		delete(s.waiters, key)
	}
}

// wait returns a channel closed on the next write to the stream.
func (s *Store) wait(name, runID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := streamKey(name, runID)
	ch, ok := s.waiters[key]
	if !ok {
		ch = make(chan struct{})
		s.waiters[key] = ch
	}
	return ch
}

// Write appends one chunk to a stream.
func (s *Store) Write(ctx context.Context, name, runID string, chunk []byte) error {
	return s.WriteMulti(ctx, name, runID, [][]byte{chunk})
}

// WriteMulti appends a batch of chunks to a stream.
func (s *Store) WriteMulti(ctx context.Context, name, runID string, chunks [][]byte) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.chunks.AppendChunks(ctx, name, runID, chunks, false); err != nil {
		return err
	}
	s.notify(name, runID)
	return nil
}

// CloseStream appends the close sentinel.
func (s *Store) CloseStream(ctx context.Context, name, runID string) error {
	if err := s.chunks.AppendChunks(ctx, name, runID, nil, true); err != nil {
		return err
	}
	s.notify(name, runID)
	return nil
}

// ReadChunks reads chunks at and after fromIndex without blocking.
func (s *Store) ReadChunks(ctx context.Context, name, runID string, fromIndex int) ([][]byte, bool, error) {
	return s.chunks.ReadChunks(ctx, name, runID, fromIndex)
}

// List returns the stream names written for a run.
func (s *Store) List(ctx context.Context, runID string) ([]string, error) {
	return s.chunks.ListStreams(ctx, runID)
}

// Reader returns a reader positioned at startIndex.
func (s *Store) Reader(name, runID string, startIndex int) *Reader {
	return &Reader{
		store:    s,
		name:     name,
		runID:    runID,
		index:    startIndex,
		pollWait: 100 * time.Millisecond,
	}
}

// Reader yields chunks of a stream in order, blocking until more data or
// the close sentinel.
type Reader struct {
	store    *Store
	name     string
	runID    string
	index    int
	buffered [][]byte
	closed   bool
	pollWait time.Duration
}

// Next returns the next chunk. It blocks until a chunk is available and
// returns io.EOF once the stream is closed and drained.
func (r *Reader) Next(ctx context.Context) ([]byte, error) {
	for {
		if len(r.buffered) > 0 {
			chunk := r.buffered[0]
			r.buffered = r.buffered[1:]
			return chunk, nil
		}
		if r.closed {
			return nil, io.EOF
		}

		wake := r.store.wait(r.name, r.runID)
		chunks, closed, err := r.store.chunks.ReadChunks(ctx, r.name, r.runID, r.index)
		if err != nil {
			return nil, err
		}
		r.index += len(chunks)
		r.buffered = chunks
		r.closed = closed
		if len(chunks) > 0 || closed {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-time.After(r.pollWait):
		}
	}
}

// ReadAll drains the stream to closure and concatenates the chunks.
func (r *Reader) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
}
