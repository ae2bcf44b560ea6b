// Package metrics provides Prometheus metrics for feed updates.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedUpdatesTotal counts finished feed updates by final state and error kind.
	FeedUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reader",
			Name:      "feed_updates_total",
			Help:      "Total number of feed updates",
		},
		[]string{"state", "kind"},
	)

	// FeedUpdateDuration measures one feed update from claim to release.
	FeedUpdateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reader",
			Name:      "feed_update_duration_seconds",
			Help:      "Duration of feed updates in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"state"},
	)

	// EntriesWrittenTotal counts entries written by updates.
	EntriesWrittenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reader",
			Name:      "entries_written_total",
			Help:      "Total number of entries inserted or overwritten by feed updates",
		},
		[]string{"change"},
	)

	// UpdateCycleFeeds observes how many feeds an update cycle ran.
	UpdateCycleFeeds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "reader",
			Name:      "update_cycle_feeds",
			Help:      "Distribution of feeds per update cycle",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)
)

// RecordFeedUpdate records a finished feed update.
func RecordFeedUpdate(state, kind string, duration float64) {
	FeedUpdatesTotal.WithLabelValues(state, kind).Inc()
	FeedUpdateDuration.WithLabelValues(state).Observe(duration)
}

// RecordEntriesWritten records the entries persisted by one update.
func RecordEntriesWritten(newCount, updatedCount int) {
	EntriesWrittenTotal.WithLabelValues("new").Add(float64(newCount))
	EntriesWrittenTotal.WithLabelValues("updated").Add(float64(updatedCount))
}

// RecordUpdateCycle records the size of an update cycle.
func RecordUpdateCycle(feeds int) {
	UpdateCycleFeeds.Observe(float64(feeds))
}
