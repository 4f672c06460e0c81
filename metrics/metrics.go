// Package metrics exposes prometheus counters and histograms for the
// transaction and dialog layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups all collectors this library registers, so an embedding
// application can register them on its own prometheus.Registerer instead
// of the global default.
type Registry struct {
	TransactionsStarted  *prometheus.CounterVec
	TransactionsEnded    *prometheus.CounterVec
	TransactionRetransmits *prometheus.CounterVec
	TransactionDuration  *prometheus.HistogramVec

	DialogsActive   prometheus.Gauge
	DialogsEnded    *prometheus.CounterVec
	AuthChallenges  prometheus.Counter
	AuthRetries     prometheus.Counter
}

// New builds a Registry. Collectors are created but not yet registered;
// call Register to attach them to a prometheus.Registerer.
func New() *Registry {
	return &Registry{
		TransactionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gosip",
			Subsystem: "transaction",
			Name:      "started_total",
			Help:      "Transactions started, labeled by method and side (client/server).",
		}, []string{"method", "side"}),
		TransactionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gosip",
			Subsystem: "transaction",
			Name:      "ended_total",
			Help:      "Transactions terminated, labeled by method, side and terminal state.",
		}, []string{"method", "side", "state"}),
		TransactionRetransmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gosip",
			Subsystem: "transaction",
			Name:      "retransmits_total",
			Help:      "Retransmissions sent or received, labeled by method and direction.",
		}, []string{"method", "direction"}),
		TransactionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gosip",
			Subsystem: "transaction",
			Name:      "duration_seconds",
			Help:      "Time from transaction creation to termination.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"method", "side"}),
		DialogsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gosip",
			Subsystem: "dialog",
			Name:      "active",
			Help:      "Dialogs currently established.",
		}),
		DialogsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gosip",
			Subsystem: "dialog",
			Name:      "ended_total",
			Help:      "Dialogs ended, labeled by cause.",
		}, []string{"cause"}),
		AuthChallenges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gosip",
			Subsystem: "auth",
			Name:      "challenges_total",
			Help:      "401/407 challenges issued or received.",
		}),
		AuthRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gosip",
			Subsystem: "auth",
			Name:      "retries_total",
			Help:      "Requests resent with credentials after a challenge.",
		}),
	}
}

// Register attaches every collector to reg.
func (r *Registry) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		r.TransactionsStarted,
		r.TransactionsEnded,
		r.TransactionRetransmits,
		r.TransactionDuration,
		r.DialogsActive,
		r.DialogsEnded,
		r.AuthChallenges,
		r.AuthRetries,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// TransactionStarted records a new transaction and returns a func to call
// on termination, closing over the start time to record duration.
func (r *Registry) TransactionStarted(method, side string) func(state string) {
	r.TransactionsStarted.WithLabelValues(method, side).Inc()
	start := time.Now()
	return func(state string) {
		r.TransactionsEnded.WithLabelValues(method, side, state).Inc()
		r.TransactionDuration.WithLabelValues(method, side).Observe(time.Since(start).Seconds())
	}
}
