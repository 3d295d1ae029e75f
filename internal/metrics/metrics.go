// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_runs_total",
			Help: "Integration sync runs by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	MessagesUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_upserted_total",
			Help: "Normalized messages written by sync, split into inserted and updated",
		},
		[]string{"provider", "result"},
	)

	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_skipped_total",
			Help: "Provider messages skipped because they could not be normalized",
		},
		[]string{"provider"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_provider_call_duration_seconds",
			Help:    "Provider API call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"provider", "operation", "status"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_token_refreshes_total",
			Help: "OAuth token refreshes by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_sent_total",
			Help: "Outgoing messages by provider and whether they were threaded",
		},
		[]string{"provider", "threaded"},
	)
)

// RecordProviderCall observes one provider API call.
func RecordProviderCall(provider, operation string, err error, duration time.Duration) {
	ProviderCallDuration.WithLabelValues(provider, operation, status(err)).Observe(duration.Seconds())
}

// RecordSync counts a finished sync run and its per-message outcome.
func RecordSync(provider string, inserted, updated, skipped int, err error) {
	SyncRuns.WithLabelValues(provider, status(err)).Inc()
	MessagesUpserted.WithLabelValues(provider, "inserted").Add(float64(inserted))
	MessagesUpserted.WithLabelValues(provider, "updated").Add(float64(updated))
	MessagesSkipped.WithLabelValues(provider).Add(float64(skipped))
}

// RecordTokenRefresh counts a refresh attempt.
func RecordTokenRefresh(provider string, err error) {
	TokenRefreshes.WithLabelValues(provider, status(err)).Inc()
}

// RecordSend counts a sent message.
func RecordSend(provider string, threaded bool) {
	label := "false"
	if threaded {
		label = "true"
	}
	MessagesSent.WithLabelValues(provider, label).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
