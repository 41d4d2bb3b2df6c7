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

package world

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/stream"
)

// redeliveryDelay spaces out retries after a handler error.
const redeliveryDelay = time.Second

// defaultIdempotencyWindow bounds how many idempotency keys are retained
// for deduplication. Keys evict oldest-first once the window is full.
const defaultIdempotencyWindow = 8192

// Metrics is the observability hook the in-process world reports queue
// activity through. Optional.
type Metrics interface {
	QueueEnqueued(queue string)
	QueueDelivered(queue string, outcome string)
	QueueDepth(delta int)
}

// Config tunes the in-process world.
type Config struct {
	// Workers bounds concurrent handler invocations. Default 8.
	Workers int

	// MaxDelaySeconds caps a single defer. Default DefaultMaxDelaySeconds.
	MaxDelaySeconds int

	// RateLimit caps handler dispatch throughput. Zero means unlimited.
	RateLimit rate.Limit
}

// message is one queued delivery.
type message struct {
	queue          string
	payload        []byte
	idempotencyKey string
	dueAt          time.Time
	seq            uint64
	attempt        int
}

// messageHeap orders messages by due time, then arrival order.
type messageHeap []*message

func (h messageHeap) Len() int { return len(h) }
func (h messageHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}
func (h messageHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *messageHeap) Push(x any)        { *h = append(*h, x.(*message)) }
func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return m
}

// prefixHandler binds a queue-name prefix to its consumer.
type prefixHandler struct {
	prefix  string
	handler Handler
}

// InProcess is the reference World: a delay-aware in-memory queue with a
// dispatcher pool, idempotency-key deduplication, and redelivery on
// handler error.
type InProcess struct {
	cfg     Config
	store   storage.Storage
	streams *stream.Store
	key     *storage.EncryptionKey
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics Metrics

	mu        sync.Mutex
	pending   messageHeap
	handlers  []prefixHandler
	seen      map[string]struct{}
	seenOrder []string
	seenLimit int
	seq       uint64
	busy      int
	wake      chan struct{}
	closed    bool

	inflight sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures the in-process world.
type Option func(*InProcess)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *InProcess) { w.logger = l }
}

// WithMetrics sets the metrics hook.
func WithMetrics(m Metrics) Option {
	return func(w *InProcess) { w.metrics = m }
}

// WithEncryptionKey sets the at-rest payload encryption key.
func WithEncryptionKey(k *storage.EncryptionKey) Option {
	return func(w *InProcess) { w.key = k }
}

// NewInProcess creates an in-process world over the given storage
// backend. Call Start to begin dispatching.
func NewInProcess(cfg Config, store storage.Storage, opts ...Option) *InProcess {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxDelaySeconds <= 0 {
		cfg.MaxDelaySeconds = DefaultMaxDelaySeconds
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	w := &InProcess{
		cfg:       cfg,
		store:     store,
		streams:   stream.NewStore(store),
		limiter:   rate.NewLimiter(limit, 1),
		logger:    slog.Default(),
		seen:      make(map[string]struct{}),
		seenLimit: defaultIdempotencyWindow,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = log.WithComponent(w.logger, "world")
	return w
}

// Storage returns the backing event and entity store.
func (w *InProcess) Storage() storage.Storage { return w.store }

// Streams returns the stream store.
func (w *InProcess) Streams() *stream.Store { return w.streams }

// EncryptionKey returns the at-rest key, or nil when encryption is off.
func (w *InProcess) EncryptionKey() *storage.EncryptionKey { return w.key }

// MaxDelaySeconds returns the defer ceiling.
func (w *InProcess) MaxDelaySeconds() int { return w.cfg.MaxDelaySeconds }

// CreateQueueHandler mounts a consumer for queues matching prefix.
func (w *InProcess) CreateQueueHandler(prefix string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, prefixHandler{prefix: prefix, handler: h})
	// Longest prefix first so the most specific consumer wins.
	sort.SliceStable(w.handlers, func(i, j int) bool {
		return len(w.handlers[i].prefix) > len(w.handlers[j].prefix)
	})
}

// Queue publishes a message. Duplicate idempotency keys are treated as
// success: the prior delivery persists the intended effect.
func (w *InProcess) Queue(ctx context.Context, queue string, payload any, opts *QueueOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}
	if opts == nil {
		opts = &QueueOptions{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("world is closed")
	}
	if opts.IdempotencyKey != "" {
		if _, dup := w.seen[opts.IdempotencyKey]; dup {
			w.logger.Debug("duplicate enqueue suppressed",
				log.QueueKey, queue, "idempotency_key", opts.IdempotencyKey)
			return nil
		}
		w.seen[opts.IdempotencyKey] = struct{}{}
		w.seenOrder = append(w.seenOrder, opts.IdempotencyKey)
		for len(w.seenOrder) > w.seenLimit {
			delete(w.seen, w.seenOrder[0])
			w.seenOrder = w.seenOrder[1:]
		}
	}

	delay := opts.DelaySeconds
	if delay > w.cfg.MaxDelaySeconds {
		delay = w.cfg.MaxDelaySeconds
	}
	w.seq++
	heap.Push(&w.pending, &message{
		queue:          queue,
		payload:        body,
		idempotencyKey: opts.IdempotencyKey,
		dueAt:          time.Now().Add(time.Duration(delay) * time.Second),
		seq:            w.seq,
		attempt:        1,
	})
	if w.metrics != nil {
		w.metrics.QueueEnqueued(queue)
		w.metrics.QueueDepth(1)
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the dispatcher pool. It returns immediately; Close
// stops dispatching and waits for in-flight handlers.
func (w *InProcess) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Workers; i++ {
		w.inflight.Add(1)
		go func() {
			defer w.inflight.Done()
			w.dispatch(ctx)
		}()
	}
}

// dispatch is one worker loop: pop the next due message, honor the rate
// limit, deliver, and interpret the result.
func (w *InProcess) dispatch(ctx context.Context) {
	for {
		msg, wait := w.next()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-w.wake:
				continue
			case <-time.After(wait):
				continue
			}
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		w.deliver(ctx, msg)
	}
}

// next pops the frontmost due message, or returns how long until the
// front becomes due (a poll ceiling when the heap is empty).
func (w *InProcess) next() (*message, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) == 0 {
		return nil, time.Second
	}
	front := w.pending[0]
	now := time.Now()
	if front.dueAt.After(now) {
		return nil, front.dueAt.Sub(now)
	}
	return heap.Pop(&w.pending).(*message), 0
}

// deliver routes one message to its handler and applies the ack, defer,
// or redeliver outcome.
func (w *InProcess) deliver(ctx context.Context, msg *message) {
	h := w.handlerFor(msg.queue)
	if h == nil {
		w.logger.Warn("no handler for queue, dropping message", log.QueueKey, msg.queue)
		if w.metrics != nil {
			w.metrics.QueueDelivered(msg.queue, "dropped")
			w.metrics.QueueDepth(-1)
		}
		return
	}

	w.mu.Lock()
	w.busy++
	w.mu.Unlock()
	res, err := h(ctx, msg.queue, msg.payload)
	w.mu.Lock()
	w.busy--
	w.mu.Unlock()
	switch {
	case err != nil:
		w.logger.Error("queue handler failed, scheduling redelivery",
			slog.String(log.QueueKey, msg.queue), slog.Int(log.AttemptKey, msg.attempt), log.Error(err))
		if w.metrics != nil {
			w.metrics.QueueDelivered(msg.queue, "error")
		}
		w.requeue(msg, redeliveryDelay)
	case res != nil:
		timeout := res.TimeoutSeconds
		if timeout < 1 {
			timeout = 1
		}
		if timeout > w.cfg.MaxDelaySeconds {
			timeout = w.cfg.MaxDelaySeconds
		}
		if w.metrics != nil {
			w.metrics.QueueDelivered(msg.queue, "deferred")
		}
		w.requeue(msg, time.Duration(timeout)*time.Second)
	default:
		if w.metrics != nil {
			w.metrics.QueueDelivered(msg.queue, "ack")
			w.metrics.QueueDepth(-1)
		}
	}
}

// requeue puts a delivered message back with a new due time.
func (w *InProcess) requeue(msg *message, after time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	msg.attempt++
	msg.dueAt = time.Now().Add(after)
	w.seq++
	msg.seq = w.seq
	heap.Push(&w.pending, msg)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// handlerFor resolves the longest-prefix consumer for a queue name.
func (w *InProcess) handlerFor(queue string) Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ph := range w.handlers {
		if strings.HasPrefix(queue, ph.prefix) {
			return ph.handler
		}
	}
	return nil
}

// Depth returns the number of pending messages.
func (w *InProcess) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Drain blocks until the queue is empty and no handler is in flight, or
// the context expires. Used by tests and graceful shutdown.
func (w *InProcess) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain: %d message(s) still pending: %w", w.Depth(), ctx.Err())
		case <-ticker.C:
			if w.Depth() == 0 && w.idle() {
				return nil
			}
		}
	}
}

// idle reports whether no delivery is executing. Best-effort: the
// dispatcher marks itself busy only while a handler runs.
func (w *InProcess) idle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.busy == 0
}

// Close stops dispatching and waits for in-flight handlers to return.
func (w *InProcess) Close() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stop)
	})
	w.inflight.Wait()
}
