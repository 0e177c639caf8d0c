// SPDX-License-Identifier: MPL-2.0

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "vworker"

// Direction labels for message counters.
const (
	// DirectionUp counts messages a worker posts to its parent.
	DirectionUp = "up"
	// DirectionDown counts messages a parent posts to a child.
	DirectionDown = "down"
)

// Metrics holds the Prometheus collectors for one runtime. Each Metrics owns
// its registry so that independent runtimes (and tests) never collide.
type Metrics struct {
	registry *prometheus.Registry

	WorkersStarted  *prometheus.CounterVec
	WorkersFinished *prometheus.CounterVec
	WorkersActive   prometheus.Gauge
	Steps           prometheus.Counter
	StepDuration    prometheus.Histogram
	Messages        *prometheus.CounterVec
	SendFailures    *prometheus.CounterVec
	SpawnRejected   prometheus.Counter
}

// NewMetrics creates and registers the runtime collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		WorkersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_started_total",
			Help:      "Workers constructed, by variant.",
		}, []string{"variant"}),
		WorkersFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_finished_total",
			Help:      "Workers that reached a terminal state, by outcome.",
		}, []string{"outcome"}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Workers constructed and not yet terminal.",
		}),
		Steps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drive_steps_total",
			Help:      "Drive steps executed across all workers.",
		}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drive_step_duration_seconds",
			Help:      "Time spent holding an environment guard per drive step.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages posted between workers, by direction.",
		}, []string{"direction"}),
		SendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Failed channel sends, by reason.",
		}, []string{"reason"}),
		SpawnRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_rejected_total",
			Help:      "Nested worker creations refused by the scheduler limit.",
		}),
	}
}

// Registry returns the registry the collectors are registered in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SpawnRejectedTotal returns how many spawns the scheduler has refused.
func (m *Metrics) SpawnRejectedTotal() float64 {
	var pb dto.Metric
	if err := m.SpawnRejected.Write(&pb); err != nil {
		return 0
	}
	return pb.GetCounter().GetValue()
}

// Handler serves the metrics in the Prometheus exposition format, together
// with Go runtime and process collectors.
func (m *Metrics) Handler() http.Handler {
	gatherers := prometheus.Gatherers{m.registry, runtimeGatherer()}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
}

func runtimeGatherer() prometheus.Gatherer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
