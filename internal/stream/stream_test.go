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
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memChunks is an in-memory ChunkStore that counts append batches.
type memChunks struct {
	mu          sync.Mutex
	chunks      map[string][][]byte
	closed      map[string]bool
	dataBatches int
}

func newMemChunks() *memChunks {
	return &memChunks{chunks: make(map[string][][]byte), closed: make(map[string]bool)}
}

func (m *memChunks) AppendChunks(_ context.Context, name, runID string, chunks [][]byte, closed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name + "/" + runID
	if len(chunks) > 0 {
		m.dataBatches++
		m.chunks[key] = append(m.chunks[key], chunks...)
	}
	if closed {
		m.closed[key] = true
	}
	return nil
}

func (m *memChunks) ReadChunks(_ context.Context, name, runID string, fromIndex int) ([][]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := name + "/" + runID
	all := m.chunks[key]
	if fromIndex >= len(all) {
		return nil, m.closed[key], nil
	}
	out := make([][]byte, len(all)-fromIndex)
	copy(out, all[fromIndex:])
	return out, m.closed[key], nil
}

func (m *memChunks) ListStreams(_ context.Context, runID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for key := range m.chunks {
		if key[len(key)-len(runID):] == runID {
			names = append(names, key[:len(key)-len(runID)-1])
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memChunks) batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dataBatches
}

func TestWriteAndReadChunks(t *testing.T) {
	store := NewStore(newMemChunks())
	ctx := context.Background()

	require.NoError(t, store.Write(ctx, "logs", "wrun_a", []byte("one")))
	require.NoError(t, store.Write(ctx, "logs", "wrun_a", []byte("two")))

	chunks, closed, err := store.ReadChunks(ctx, "logs", "wrun_a", 0)
	require.NoError(t, err)
	assert.False(t, closed)
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte("one"), chunks[0])

	require.NoError(t, store.CloseStream(ctx, "logs", "wrun_a"))
	_, closed, err = store.ReadChunks(ctx, "logs", "wrun_a", 2)
	require.NoError(t, err)
	assert.True(t, closed)

	names, err := store.List(ctx, "wrun_a")
	require.NoError(t, err)
	assert.Equal(t, []string{"logs"}, names)
}

func TestWriterCoalescesRapidWrites(t *testing.T) {
	chunks := newMemChunks()
	store := NewStore(chunks)
	ctx := context.Background()

	w := store.NewWriter("out", "wrun_b")
	require.NoError(t, w.Write([]byte("a")))
	require.NoError(t, w.Write([]byte("b")))
	require.NoError(t, w.Write([]byte("c")))
	require.NoError(t, w.Close(ctx))

	// Writes inside one flush window land as a single batch.
	assert.Equal(t, 1, chunks.batches())

	data, err := store.Reader("out", "wrun_b", 0).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
}

func TestWriterFlushesOnTimer(t *testing.T) {
	chunks := newMemChunks()
	store := NewStore(chunks)
	ctx := context.Background()

	w := store.NewWriter("out", "wrun_c")
	require.NoError(t, w.Write([]byte("early")))

	deadline := time.Now().Add(2 * time.Second)
	for chunks.batches() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1, chunks.batches())

	got, closed, err := store.ReadChunks(ctx, "out", "wrun_c", 0)
	require.NoError(t, err)
	assert.False(t, closed)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("early"), got[0])

	require.NoError(t, w.Close(ctx))
}

func TestWriterAbortDiscardsPending(t *testing.T) {
	chunks := newMemChunks()
	store := NewStore(chunks)
	ctx := context.Background()

	w := store.NewWriter("out", "wrun_d")
	require.NoError(t, w.Write([]byte("doomed")))
	w.Abort()
	require.NoError(t, w.Close(ctx))

	got, closed, err := store.ReadChunks(ctx, "out", "wrun_d", 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.False(t, closed)
}

func TestReaderBlocksUntilWrite(t *testing.T) {
	store := NewStore(newMemChunks())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Write(ctx, "live", "wrun_e", []byte("late"))
		_ = store.CloseStream(ctx, "live", "wrun_e")
	}()

	r := store.Reader("live", "wrun_e", 0)
	chunk, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), chunk)

	_, err = r.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestReaderContextCancelled(t *testing.T) {
	store := NewStore(newMemChunks())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := store.Reader("empty", "wrun_f", 0).Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadAllAcrossBatches(t *testing.T) {
	store := NewStore(newMemChunks())
	ctx := context.Background()

	require.NoError(t, store.WriteMulti(ctx, "doc", "wrun_g", [][]byte{[]byte("hel"), []byte("lo ")}))
	require.NoError(t, store.Write(ctx, "doc", "wrun_g", []byte("world")))
	require.NoError(t, store.CloseStream(ctx, "doc", "wrun_g"))

	data, err := store.Reader("doc", "wrun_g", 0).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), data)
}
