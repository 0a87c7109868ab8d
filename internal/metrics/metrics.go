// Package metrics records run and step timings in a Prometheus registry that
// is flushed to a node_exporter textfile at the end of each run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hostprov"

// Metrics collects counters and histograms for one hostprov invocation.
type Metrics struct {
	registry            *prometheus.Registry
	stepTotal           *prometheus.CounterVec
	stepDurationSeconds *prometheus.HistogramVec
	runTotal            *prometheus.CounterVec
	runDurationSeconds  *prometheus.HistogramVec
	lastRunTimestamp    *prometheus.GaugeVec
	commandRetriesTotal prometheus.Counter
}

// New constructs a registry with every collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	stepTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "total",
			Help:      "Pipeline steps by outcome.",
		},
		[]string{"step", "status"},
	)
	stepDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Wall time spent in each pipeline step.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"step"},
	)
	runTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "hostprov runs by command and result.",
		},
		[]string{"command", "result"},
	)
	runDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "Wall time of a whole run.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"command"},
	)
	lastRunTimestamp := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "run",
			Name:      "last_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		},
		[]string{"command", "result"},
	)
	commandRetriesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "retries_total",
			Help:      "Idempotent remote commands retried after a channel failure.",
		},
	)

	registry.MustRegister(
		stepTotal,
		stepDurationSeconds,
		runTotal,
		runDurationSeconds,
		lastRunTimestamp,
		commandRetriesTotal,
	)

	return &Metrics{
		registry:            registry,
		stepTotal:           stepTotal,
		stepDurationSeconds: stepDurationSeconds,
		runTotal:            runTotal,
		runDurationSeconds:  runDurationSeconds,
		lastRunTimestamp:    lastRunTimestamp,
		commandRetriesTotal: commandRetriesTotal,
	}
}

// ObserveStep records one finished step.
func (m *Metrics) ObserveStep(step, status string, duration time.Duration) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.stepTotal.WithLabelValues(step, status).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.stepDurationSeconds.WithLabelValues(step).Observe(seconds)
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(command, result string, duration time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.runTotal.WithLabelValues(command, result).Inc()
	if seconds := duration.Seconds(); seconds >= 0 {
		m.runDurationSeconds.WithLabelValues(command).Observe(seconds)
	}
	m.lastRunTimestamp.WithLabelValues(command, result).Set(float64(finishedAt.Unix()))
}

// IncRetry counts one retried command.
func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}
	m.commandRetriesTotal.Inc()
}

// WriteTextfile writes the registry in text exposition format, atomically,
// for node_exporter's textfile collector. An empty path is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
