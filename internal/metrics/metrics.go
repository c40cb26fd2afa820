// Package metrics provides Prometheus metrics for indexfs.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote HTTP round trips
	remoteRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_remote_requests_total",
			Help: "Total HTTP requests issued against the index server",
		},
		[]string{"method", "status"},
	)

	remoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "indexfs_remote_request_duration_seconds",
			Help:    "Index server request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Namespace
	listingFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_listing_fetches_total",
			Help: "Directory listing pages fetched and parsed",
		},
		[]string{"result"},
	)

	listingCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_listing_cache_total",
			Help: "Namespace cache lookups by result",
		},
		[]string{"result"},
	)

	// Metadata
	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_probes_total",
			Help: "Metadata probes (HEAD) by result",
		},
		[]string{"result"},
	)

	mtimeSourceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_mtime_source_total",
			Help: "Where resolved modification times came from",
		},
		[]string{"source"},
	)

	// Reads
	blockCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_block_cache_total",
			Help: "Block cache lookups by result",
		},
		[]string{"result"},
	)

	rangeFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "indexfs_range_fetches_total",
			Help: "Range GET requests by kind (block, span) and result",
		},
		[]string{"kind", "result"},
	)

	bytesFetched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "indexfs_bytes_fetched_total",
			Help: "Content bytes received from range fetches",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteRequest records one round trip against the index server.
func RecordRemoteRequest(method string, status int, duration time.Duration) {
	remoteRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	remoteRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordListingFetch records a listing page fetch.
func RecordListingFetch(success bool) {
	listingFetchesTotal.WithLabelValues(result(success)).Inc()
}

// RecordListingCache records a namespace cache hit or miss.
func RecordListingCache(hit bool) {
	listingCacheTotal.WithLabelValues(hitMiss(hit)).Inc()
}

// RecordProbe records a metadata probe.
func RecordProbe(success bool) {
	probesTotal.WithLabelValues(result(success)).Inc()
}

// RecordMTimeSource records where a modification time came from:
// "header", "listing", "now" or "unset".
func RecordMTimeSource(source string) {
	mtimeSourceTotal.WithLabelValues(source).Inc()
}

// RecordBlockCache records a block cache hit or miss.
func RecordBlockCache(hit bool) {
	blockCacheTotal.WithLabelValues(hitMiss(hit)).Inc()
}

// RecordRangeFetch records a range GET and the bytes it returned.
func RecordRangeFetch(kind string, bytes int64, success bool) {
	rangeFetchesTotal.WithLabelValues(kind, result(success)).Inc()
	if success {
		bytesFetched.Add(float64(bytes))
	}
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func hitMiss(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
