package observability

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/lattice/pkg/domain"
)

// Metrics holds the collectors fed by lifecycle hooks.
type Metrics struct {
	FlushedChanges   prometheus.Counter
	Batches          *prometheus.CounterVec
	Resyncs          *prometheus.CounterVec
	Invocations      *prometheus.CounterVec
	InvocationErrors *prometheus.CounterVec
	ApplyDuration    prometheus.Histogram
	Desyncs          *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FlushedChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lattice_flushed_changes_total",
			Help: "Change records flushed by the authority, full dumps included.",
		}),
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_batches_total",
			Help: "Batches produced by the authority.",
		}, []string{"kind"}),
		Resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_resyncs_total",
			Help: "Full-state dumps produced by the authority.",
		}, []string{"reason"}),
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_invocations_total",
			Help: "Invocations applied by the authority.",
		}, []string{"kind"}),
		InvocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_invocation_errors_total",
			Help: "Invocations that failed on the authority.",
		}, []string{"kind"}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lattice_apply_duration_seconds",
			Help:    "Time a renderer spent applying one batch.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		Desyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lattice_desyncs_total",
			Help: "Protocol errors that forced a renderer to resynchronize.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{
		m.FlushedChanges, m.Batches, m.Resyncs, m.Invocations, m.InvocationErrors, m.ApplyDuration, m.Desyncs,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register lattice metrics: %w", err)
		}
	}
	return m, nil
}

// Hooks returns lifecycle hooks that record into m.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnFlush: func(_ context.Context, e *domain.FlushEvent) {
			m.Batches.WithLabelValues("delta").Inc()
			m.FlushedChanges.Add(float64(e.Changes))
		},
		OnResync: func(_ context.Context, e *domain.ResyncEvent) {
			m.Batches.WithLabelValues("full").Inc()
			m.FlushedChanges.Add(float64(e.Changes))
			m.Resyncs.WithLabelValues(reasonLabel(e.Reason)).Inc()
		},
		OnInvocation: func(_ context.Context, e *domain.InvocationEvent) {
			m.Invocations.WithLabelValues(string(e.Kind)).Inc()
			if e.IsError {
				m.InvocationErrors.WithLabelValues(string(e.Kind)).Inc()
			}
		},
		OnApply: func(_ context.Context, e *domain.ApplyEvent) {
			m.ApplyDuration.Observe(e.Duration.Seconds())
		},
		OnDesync: func(_ context.Context, e *domain.DesyncEvent) {
			m.Desyncs.WithLabelValues(reasonLabel(e.Reason)).Inc()
		},
	}
}

func reasonLabel(reason string) string {
	if reason == "" {
		return "unspecified"
	}
	return reason
}
