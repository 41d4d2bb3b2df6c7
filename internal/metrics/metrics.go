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

// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// runsStarted tracks run_created events by workflow name
	runsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_runs_started_total",
			Help: "Total workflow runs started by workflow name",
		},
		[]string{"workflow"},
	)

	// runsFinished tracks terminal run transitions
	runsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_runs_finished_total",
			Help: "Total workflow runs reaching a terminal state by workflow name and status",
		},
		[]string{"workflow", "status"},
	)

	// turnDuration tracks one replay turn of the orchestrator
	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_orchestrator_turn_seconds",
			Help:    "Duration of one orchestrator replay turn by workflow name and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"workflow", "outcome"},
	)

	// stepAttempts tracks step executions by outcome
	stepAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_step_attempts_total",
			Help: "Total step attempts by step name and outcome",
		},
		[]string{"step", "outcome"},
	)

	// stepDuration tracks step execution time
	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "durable_step_duration_seconds",
			Help:    "Step execution duration by step name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	// queueMessages tracks queue publishes
	queueMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_queue_messages_total",
			Help: "Total messages published by queue name",
		},
		[]string{"queue"},
	)

	// queueDeliveries tracks delivery outcomes
	queueDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "durable_queue_deliveries_total",
			Help: "Total queue deliveries by queue name and outcome",
		},
		[]string{"queue", "outcome"},
	)

	// queueDepth tracks pending messages across all queues
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "durable_queue_depth",
			Help: "Number of pending queue messages",
		},
	)
)

// RecordRunStarted increments the started-runs counter.
func RecordRunStarted(workflow string) {
	runsStarted.WithLabelValues(workflow).Inc()
}

// RecordRunFinished increments the terminal-runs counter.
func RecordRunFinished(workflow, status string) {
	runsFinished.WithLabelValues(workflow, status).Inc()
}

// RecordTurn observes one orchestrator replay turn.
func RecordTurn(workflow, outcome string, d time.Duration) {
	turnDuration.WithLabelValues(workflow, outcome).Observe(d.Seconds())
}

// RecordStepAttempt increments the step-attempt counter.
func RecordStepAttempt(step, outcome string) {
	stepAttempts.WithLabelValues(step, outcome).Inc()
}

// RecordStepDuration observes a step execution.
func RecordStepDuration(step string, d time.Duration) {
	stepDuration.WithLabelValues(step).Observe(d.Seconds())
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// QueueCollector adapts the package collectors to the world's metrics
// hook.
type QueueCollector struct{}

// QueueEnqueued implements world.Metrics.
func (QueueCollector) QueueEnqueued(queue string) {
	queueMessages.WithLabelValues(queue).Inc()
}

// QueueDelivered implements world.Metrics.
func (QueueCollector) QueueDelivered(queue, outcome string) {
	queueDeliveries.WithLabelValues(queue, outcome).Inc()
}

// QueueDepth implements world.Metrics.
func (QueueCollector) QueueDepth(delta int) {
	queueDepth.Add(float64(delta))
}
