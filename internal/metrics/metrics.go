// Package metrics provides Prometheus metrics for the remote downloader.
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
	// Transfer metrics
	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_downloader_transfers_total",
			Help: "Total number of file transfers by outcome",
		},
		[]string{"outcome"},
	)

	transferredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_downloader_transferred_bytes_total",
			Help: "Total bytes copied from the remote host",
		},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remote_downloader_batch_duration_seconds",
			Help:    "Duration of transfer batches in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Directory cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_downloader_cache_lookups_total",
			Help: "Directory cache lookups by result",
		},
		[]string{"result"},
	)

	// Store metrics
	storeRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_downloader_store_retries_total",
			Help: "Store operations retried because the database was busy",
		},
	)

	storeUnavailableTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remote_downloader_store_unavailable_total",
			Help: "Store operations that gave up after exhausting retries",
		},
	)

	catalogEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remote_downloader_catalog_entries",
			Help: "Number of remote entries in the catalog",
		},
	)

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remote_downloader_http_requests_total",
			Help: "Total number of dashboard API requests",
		},
		[]string{"method", "path", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTransfer records the outcome of one file transfer.
func RecordTransfer(bytes int64, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	transfersTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		transferredBytes.Add(float64(bytes))
	}
}

// RecordBatch records the duration of a transfer batch.
func RecordBatch(duration time.Duration) {
	batchDuration.Observe(duration.Seconds())
}

// RecordCacheLookup records a directory cache lookup. result is one of
// hit, miss, stale or error.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordStoreRetry records a busy-database retry.
func RecordStoreRetry() {
	storeRetriesTotal.Inc()
}

// RecordStoreUnavailable records a store operation that gave up.
func RecordStoreUnavailable() {
	storeUnavailableTotal.Inc()
}

// SetCatalogEntries sets the current catalog size.
func SetCatalogEntries(count int64) {
	catalogEntries.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		// Label by route pattern; ServeMux sets it on the request.
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
