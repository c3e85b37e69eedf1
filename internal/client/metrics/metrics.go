// Package metrics declares the Prometheus collectors of the sync client.
// Collectors register with the default registry on first import.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

var (
	// SyncOperations counts pull, merge, push and combined runs.
	SyncOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_sync_operations_total",
			Help: "Sync engine operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// SyncRetries counts retries of the pull-merge-push loop.
	SyncRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "briefsync_sync_retries_total",
		Help: "Retries performed by the pull-merge-push loop.",
	})

	// SyncDuration observes sync engine operations.
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "briefsync_sync_duration_seconds",
			Help:    "Duration of sync engine operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// TransferBytes counts revision and seed file bytes moved.
	TransferBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_transfer_bytes_total",
			Help: "Bytes uploaded or downloaded, by channel.",
		},
		[]string{"direction", "channel"},
	)

	// ReservationRequests counts lock and code requests.
	ReservationRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_reservation_requests_total",
			Help: "Lock and code requests by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// RevisionCache counts revision metadata cache lookups.
	RevisionCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_revision_cache_lookups_total",
			Help: "Revision metadata cache lookups by result.",
		},
		[]string{"result"},
	)

	// PrefetchClaims counts TryClaim results.
	PrefetchClaims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_prefetch_claims_total",
			Help: "Prefetch cache claims by result.",
		},
		[]string{"result"},
	)

	// PrefetchDownloads counts speculative downloads.
	PrefetchDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_prefetch_downloads_total",
			Help: "Speculative revision downloads by outcome.",
		},
		[]string{"outcome"},
	)

	// PrefetchEvictions counts files removed by eviction.
	PrefetchEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "briefsync_prefetch_evictions_total",
		Help: "Files evicted from the prefetch cache.",
	})

	// EventPolls counts long-poll receives by outcome.
	EventPolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_event_polls_total",
			Help: "Long-poll receives by outcome.",
		},
		[]string{"outcome"},
	)

	// EventsDelivered counts events handed to callbacks.
	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "briefsync_events_delivered_total",
			Help: "Events delivered to callbacks by type.",
		},
		[]string{"type"},
	)
)

// Outcome maps an error to an outcome label.
func Outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
