// Package metrics holds the Prometheus collectors shared by the ingestion
// and enrichment paths. All collectors register with the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatcomb"

var (
	FeedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "fetches_total",
		Help:      "Feed fetch attempts by source and result.",
	}, []string{"source", "result"})

	ItemsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "items_inserted_total",
		Help:      "New items admitted by the dedup gate.",
	}, []string{"source"})

	ItemsDuplicate = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "items_duplicate_total",
		Help:      "Entries rejected by the dedup gate as already stored.",
	}, []string{"source"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ingest",
		Name:      "fetch_duration_seconds",
		Help:      "Time spent fetching and processing a feed.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	JobsEnriched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "jobs_total",
		Help:      "Enrichment jobs written back to the store.",
	})

	JobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "jobs_failed_total",
		Help:      "Enrichment jobs that failed and were left for redelivery.",
	})

	KEVCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "kev_cache_total",
		Help:      "KEV catalog cache lookups by result.",
	}, []string{"result"})

	EPSSRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "epss_requests_total",
		Help:      "EPSS API requests by outcome.",
	}, []string{"success"})
)
