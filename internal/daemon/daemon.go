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

// Package daemon assembles the engine: sqlite storage, the in-process
// world, the orchestrator and executor queue consumers, and the HTTP
// surface with webhooks and metrics.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/time/rate"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/executor"
	"github.com/tombee/durable/internal/hook"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/internal/metrics"
	"github.com/tombee/durable/internal/orchestrator"
	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/internal/world"
	"github.com/tombee/durable/pkg/workflow"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the durabled process: one world, one storage backend, and
// the queue consumers that drive workflow runs.
type Daemon struct {
	cfg      *config.Config
	opts     Options
	logger   *slog.Logger
	registry *workflow.Registry

	store  *storage.SQLiteStore
	world  *world.InProcess
	client *workflow.Client

	server *http.Server
	ln     net.Listener
	tp     *sdktrace.TracerProvider

	mu      sync.Mutex
	started bool
}

// New assembles a daemon around the given registry. Workflows and steps
// must be registered before Start.
func New(cfg *config.Config, registry *workflow.Registry, opts Options) (*Daemon, error) {
	logger := log.WithComponent(log.New(&log.Config{
		Level:  cfg.Log.Level,
		Format: log.Format(cfg.Log.Format),
		Output: os.Stderr,
	}), "daemon")

	store, err := storage.New(storage.Config{
		Path:             cfg.Storage.Path,
		EnableEncryption: cfg.Storage.EncryptPayloads,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var key *storage.EncryptionKey
	if cfg.Storage.EncryptPayloads {
		key, err = storage.LoadEncryptionKey()
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("load encryption key: %w", err)
		}
	}

	limit := rate.Inf
	if cfg.Queue.RateLimit > 0 {
		limit = rate.Limit(cfg.Queue.RateLimit)
	}
	w := world.NewInProcess(world.Config{
		Workers:         cfg.Queue.Workers,
		MaxDelaySeconds: cfg.Queue.MaxDelaySeconds,
		RateLimit:       limit,
	}, store,
		world.WithLogger(logger),
		world.WithMetrics(metrics.QueueCollector{}),
		world.WithEncryptionKey(key),
	)

	orch := orchestrator.New(w, registry, logger)
	exec := executor.New(w, registry, logger)
	w.CreateQueueHandler(world.WorkflowQueuePrefix, orch.HandleQueue)
	w.CreateQueueHandler(world.StepQueuePrefix, exec.HandleQueue)
	world.RegisterHealthHandlers(w)

	return &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		registry: registry,
		store:    store,
		world:    w,
		client:   workflow.NewClient(w, registry, logger),
	}, nil
}

// Client returns the run-control client bound to this daemon's world.
func (d *Daemon) Client() *workflow.Client { return d.client }

// World returns the daemon's world for embedding and tests.
func (d *Daemon) World() *world.InProcess { return d.world }

// Addr returns the bound listen address, valid after Start.
func (d *Daemon) Addr() string {
	if d.ln == nil {
		return ""
	}
	return d.ln.Addr().String()
}

// Start begins queue dispatch and serves HTTP until the context is
// cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.tp = sdktrace.NewTracerProvider()
	otel.SetTracerProvider(d.tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	d.world.Start(ctx)

	ln, err := net.Listen("tcp", d.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.Server.Addr, err)
	}
	d.ln = ln

	routerCfg := world.RouterConfig{
		Webhook: hook.NewWebhook(d.world, d.logger),
	}
	if d.cfg.Metrics.Enabled {
		routerCfg.Metrics = metrics.Handler()
	}

	d.server = &http.Server{
		Handler:      d.world.Router(routerCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("durabled starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()),
		slog.Int("queue_workers", d.cfg.Queue.Workers))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the queue and stops the daemon.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	depth := d.world.Depth()
	d.logger.Info("graceful shutdown initiated", slog.Int("pending_messages", depth))

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, d.cfg.Server.DrainTimeout)
	defer drainCancel()
	if err := d.world.Drain(drainCtx); err != nil {
		d.logger.Warn("drain timeout exceeded",
			slog.Int("remaining_messages", d.world.Depth()),
			slog.Duration("drain_timeout", d.cfg.Server.DrainTimeout))
	} else {
		d.logger.Info("queue drained")
	}

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http shutdown error", log.Error(err))
		}
	}

	d.world.Close()
	if d.tp != nil {
		if err := d.tp.Shutdown(ctx); err != nil {
			d.logger.Warn("tracer shutdown error", log.Error(err))
		}
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("close storage: %w", err)
	}

	d.logger.Info("durabled stopped")
	return nil
}
