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

// durabled runs the durable workflow engine daemon: the event store,
// the queue dispatcher, and the HTTP surface for queues and webhooks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tombee/durable/internal/config"
	"github.com/tombee/durable/internal/daemon"
	"github.com/tombee/durable/internal/log"
	"github.com/tombee/durable/pkg/workflow"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the durabled command tree.
func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		dbPath     string
		workers    int
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   "durabled",
		Short: "Durable workflow engine daemon",
		Long: `durabled runs the durable workflow engine: an event-sourced store,
an in-process durable queue, and the HTTP surface for queue delivery,
webhooks, and metrics.

Workflows and steps are registered by embedding the daemon package; the
bare binary serves health checks, run storage, and webhooks.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cfg, cmd.Flags(), addr, dbPath, workers, logLevel, logFormat)
			return serve(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	flags.StringVar(&addr, "addr", "", "TCP address to listen on")
	flags.StringVar(&dbPath, "db-path", "", "SQLite database path (\":memory:\" for ephemeral)")
	flags.IntVar(&workers, "workers", 0, "Queue worker pool size")
	flags.StringVar(&logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "Log format (text, json)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// applyFlagOverrides layers explicitly-set flags over the loaded config.
func applyFlagOverrides(cfg *config.Config, flags *pflag.FlagSet, addr, dbPath string, workers int, logLevel, logFormat string) {
	if flags.Changed("addr") {
		cfg.Server.Addr = addr
	}
	if flags.Changed("db-path") {
		cfg.Storage.Path = dbPath
	}
	if flags.Changed("workers") {
		cfg.Queue.Workers = workers
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = logFormat
	}
}

// newVersionCmd prints build information.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("durabled %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// serve runs the daemon until SIGINT or SIGTERM.
func serve(cfg *config.Config) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	registry := workflow.NewRegistry()
	d, err := daemon.New(cfg, registry, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		return d.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
