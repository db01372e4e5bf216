// Package metrics collects Prometheus metrics for deployment runs and
// writes them for the node exporter textfile collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crownsmarket/deployer/internal/plan"
	deperrors "github.com/crownsmarket/deployer/internal/pkg/errors"
)

const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics holds the run metrics in a private registry, so a process can
// export exactly one run's worth of series.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal        *prometheus.CounterVec
	stepFailuresTotal *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	runsTotal         *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	lastRun           *prometheus.GaugeVec
}

// New creates the metrics and registers them.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployer_steps_total",
				Help: "Total number of executed plan steps",
			},
			[]string{"kind", "result"},
		),
		stepFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployer_step_failures_total",
				Help: "Total number of failed plan steps by error kind",
			},
			[]string{"kind", "error_kind"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deployer_step_duration_seconds",
				Help:    "Plan step duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deployer_runs_total",
				Help: "Total number of deployment runs",
			},
			[]string{"network", "result"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "deployer_run_duration_seconds",
				Help:    "Deployment run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"network"},
		),
		lastRun: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "deployer_last_run_timestamp_seconds",
				Help: "Unix time the last run on a network finished",
			},
			[]string{"network", "result"},
		),
	}
}

func result(err error) string {
	if err != nil {
		return resultFailure
	}
	return resultSuccess
}

// ObserveStep records one executed step.
func (m *Metrics) ObserveStep(kind plan.StepKind, d time.Duration, err error) {
	m.stepsTotal.WithLabelValues(string(kind), result(err)).Inc()
	m.stepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
	if err != nil {
		errKind, ok := deperrors.KindOf(err)
		if !ok {
			errKind = "unknown"
		}
		m.stepFailuresTotal.WithLabelValues(string(kind), errKind.String()).Inc()
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(network string, d time.Duration, err error) {
	m.runsTotal.WithLabelValues(network, result(err)).Inc()
	m.runDuration.WithLabelValues(network).Observe(d.Seconds())
	m.lastRun.WithLabelValues(network, result(err)).SetToCurrentTime()
}

// Gatherer returns the registry holding the metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the metrics in the text exposition format. The file
// is written atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
