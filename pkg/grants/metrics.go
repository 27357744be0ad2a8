package grants

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A zero Metrics (or one
// never registered) records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	externalCall *prometheus.HistogramVec

	registerOnce sync.Once
}

// Register registers the collectors with the given registry.
// If registry is nil, this is a no-op. Subsequent calls are no-ops.
func (m *Metrics) Register(registry prometheus.Registerer) {
	if registry == nil {
		return
	}

	m.registerOnce.Do(func() {
		factory := promauto.With(registry)

		m.transitions = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "grants_transitions_total",
			Help: "Milestone transition attempts by transition and outcome",
		}, []string{"transition", "outcome"})

		m.externalCall = factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grants_external_call_seconds",
			Help:    "Latency of chain, scheduling and key lookups made during transitions",
			Buckets: prometheus.DefBuckets,
		}, []string{"collaborator"})
	})
}

func (m *Metrics) observeTransition(event Event, err error) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(string(event), outcomeLabel(err)).Inc()
}

func (m *Metrics) observeCall(collaborator string, start time.Time) {
	if m == nil || m.externalCall == nil {
		return
	}
	m.externalCall.WithLabelValues(collaborator).Observe(time.Since(start).Seconds())
}

// outcomeLabel is "success" or the rejection kind.
func outcomeLabel(err error) string {
	if err == nil {
		return OutcomeSuccess
	}
	return string(KindOf(err))
}
