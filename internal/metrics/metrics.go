// Package metrics exposes Prometheus metrics for audit and lot operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors used by the audit and inventory services.
//
// Metrics:
//   - popis_audit_sessions_total{outcome} - sessions opened, closed and deleted
//   - popis_audit_items_submitted_total - item submissions (including resubmits)
//   - popis_merge_lots_total - canonical lots written by finalize
//   - popis_merge_failures_total{stage} - items or product groups finalize skipped
//   - popis_merge_duration_seconds - time spent merging one session
//   - popis_lot_reselections_total{source} - active-lot re-derivations
type Metrics struct {
	Sessions        *prometheus.CounterVec
	ItemsSubmitted  prometheus.Counter
	MergedLots      prometheus.Counter
	MergeFailures   *prometheus.CounterVec
	MergeDuration   prometheus.Histogram
	LotReselections *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests and the CLI want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popis_audit_sessions_total",
				Help: "Audit session lifecycle transitions",
			},
			[]string{"outcome"}, // "opened", "closed", "deleted"
		),
		ItemsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popis_audit_items_submitted_total",
			Help: "Reconciled item submissions",
		}),
		MergedLots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "popis_merge_lots_total",
			Help: "Canonical lots written while closing sessions",
		}),
		MergeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popis_merge_failures_total",
				Help: "Items or product groups skipped while closing sessions",
			},
			[]string{"stage"}, // "item", "product"
		),
		MergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "popis_merge_duration_seconds",
			Help:    "Time spent merging a session into the canonical lot store",
			Buckets: prometheus.DefBuckets,
		}),
		LotReselections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popis_lot_reselections_total",
				Help: "Active lot re-derivations",
			},
			[]string{"source"}, // "merge", "edit", "sweep"
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sessions,
			m.ItemsSubmitted,
			m.MergedLots,
			m.MergeFailures,
			m.MergeDuration,
			m.LotReselections,
		)
	}
	return m
}

// ObserveMerge records the outcome of one finalize run.
func (m *Metrics) ObserveMerge(started time.Time, lots, failedItems, failedProducts int) {
	m.MergeDuration.Observe(time.Since(started).Seconds())
	m.MergedLots.Add(float64(lots))
	m.MergeFailures.WithLabelValues("item").Add(float64(failedItems))
	m.MergeFailures.WithLabelValues("product").Add(float64(failedProducts))
}
