// Package metrics provides Prometheus metrics for stage invocations and
// dispatches.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JeevaByte/MedExtract-Pipeline/internal/pipeline"
)

const namespace = "medextract"

// Outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// Metrics owns its registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// StageInvocations counts stage invocations by stage and outcome.
	StageInvocations *prometheus.CounterVec

	// StageDuration tracks stage invocation duration in seconds.
	StageDuration *prometheus.HistogramVec

	// Dispatches counts dispatches by target stage and backend.
	Dispatches *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StageInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "invocations_total",
				Help:      "Total number of stage invocations by outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "stage",
				Name:      "duration_seconds",
				Help:      "Duration of stage invocations in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		Dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of stage dispatches by backend",
			},
			[]string{"stage", "backend"},
		),
	}
	m.registry.MustRegister(
		m.StageInvocations,
		m.StageDuration,
		m.Dispatches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome classifies a handler error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, pipeline.ErrInvalidPayload):
		return OutcomeInvalid
	default:
		return OutcomeError
	}
}

// ObserveStage records one invocation. Its signature matches the dispatch
// observer so it can be handed to transports directly.
func (m *Metrics) ObserveStage(stage pipeline.Stage, _ *pipeline.Status, err error, elapsed time.Duration) {
	m.StageInvocations.WithLabelValues(string(stage), Outcome(err)).Inc()
	m.StageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

// Instrument wraps h so every invocation is observed.
func (m *Metrics) Instrument(stage pipeline.Stage, h pipeline.Handler) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (*pipeline.Status, error) {
		start := time.Now()
		status, err := h.Handle(ctx, payload)
		m.ObserveStage(stage, status, err, time.Since(start))
		return status, err
	})
}

// CountingDispatcher counts successful dispatches per stage for one backend.
type CountingDispatcher struct {
	next    pipeline.Dispatcher
	backend string
	m       *Metrics
}

func (m *Metrics) CountDispatches(next pipeline.Dispatcher, backend string) *CountingDispatcher {
	return &CountingDispatcher{next: next, backend: backend, m: m}
}

func (d *CountingDispatcher) Dispatch(ctx context.Context, stage pipeline.Stage, payload interface{}) error {
	if err := d.next.Dispatch(ctx, stage, payload); err != nil {
		return err
	}
	d.m.Dispatches.WithLabelValues(string(stage), d.backend).Inc()
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
