// Package metrics collects per-run Prometheus metrics and writes them to a
// node-exporter textfile next to the run outputs.
package metrics

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TextfileName is the file written into the run output directory.
const TextfileName = "metrics.prom"

// Stage outcomes used as the status label.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusWarned  = "warned"
)

// Run holds the metrics of one pipeline invocation.
//
// Metrics:
//   - modelzoo_stage_duration_seconds{stage,status} - stage wall time
//   - modelzoo_stage_total{stage,status} - stages executed
//   - modelzoo_footprint_bytes{kind} - last reported model footprint
//   - modelzoo_remote_requests_total{op,outcome} - remote service calls
//
// A nil *Run is valid and records nothing.
type Run struct {
	registry *prometheus.Registry

	StageDuration  *prometheus.HistogramVec
	StagesTotal    *prometheus.CounterVec
	Footprint      *prometheus.GaugeVec
	RemoteRequests *prometheus.CounterVec
}

// New creates a run registry with all collectors registered.
func New(useCase, mode string) *Run {
	labels := prometheus.Labels{"use_case": useCase, "mode": mode}
	r := &Run{
		registry: prometheus.NewRegistry(),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "modelzoo_stage_duration_seconds",
				Help:        "Duration of pipeline stages in seconds",
				ConstLabels: labels,
				Buckets:     []float64{1, 10, 60, 300, 900, 1800, 3600, 14400},
			},
			[]string{"stage", "status"},
		),
		StagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "modelzoo_stage_total",
				Help:        "Total number of pipeline stages executed",
				ConstLabels: labels,
			},
			[]string{"stage", "status"},
		),
		Footprint: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "modelzoo_footprint_bytes",
				Help:        "Model memory footprint reported by the compiler",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		RemoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "modelzoo_remote_requests_total",
				Help:        "Total number of requests sent to the remote compile service",
				ConstLabels: labels,
			},
			[]string{"op", "outcome"},
		),
	}
	r.registry.MustRegister(r.StageDuration, r.StagesTotal, r.Footprint, r.RemoteRequests)
	return r
}

// ObserveStage records one finished stage.
func (r *Run) ObserveStage(stage, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.StageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
	r.StagesTotal.WithLabelValues(stage, status).Inc()
}

// ObserveRemote counts one remote call.
func (r *Run) ObserveRemote(op string, err error) {
	if r == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.RemoteRequests.WithLabelValues(op, outcome).Inc()
}

// SetFootprint records footprint values keyed by kind (weights_rom,
// activations_ram, ...).
func (r *Run) SetFootprint(values map[string]int64) {
	if r == nil {
		return
	}
	for kind, v := range values {
		r.Footprint.WithLabelValues(kind).Set(float64(v))
	}
}

// Gatherer exposes the underlying registry.
func (r *Run) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes all metrics to <dir>/metrics.prom.
func (r *Run) WriteTextfile(dir string) (string, error) {
	if r == nil {
		return "", nil
	}
	path := filepath.Join(dir, TextfileName)
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return "", fmt.Errorf("writing metrics textfile: %w", err)
	}
	return path, nil
}
