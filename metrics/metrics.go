// Package metrics provides Prometheus metrics for builds, the watcher, publishing and the daemon API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

var (
	buildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirindex_builds_total",
			Help: "Total number of builds by outcome",
		},
		[]string{"trigger", "status"},
	)

	buildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dirindex_build_duration_seconds",
			Help:    "Time to scan the public directory and write the build output",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	lastBuildTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirindex_last_build_timestamp_seconds",
			Help: "Unix time of the last successful build",
		},
	)

	lastBuildListings = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirindex_last_build_listings",
			Help: "Directory listings emitted by the last successful build",
		},
	)

	lastBuildDirs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirindex_last_build_dirs",
			Help: "Directories traversed by the last successful build",
		},
	)

	lastBuildFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirindex_last_build_files",
			Help: "Regular files seen by the last successful build",
		},
	)

	lastBuildBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dirindex_last_build_bytes",
			Help: "Bytes retained under the public directory in the last successful build",
		},
	)

	watcherEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirindex_watcher_events_total",
			Help: "Filesystem events seen by the watcher",
		},
		[]string{"op"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirindex_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dirindex_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dirindex_s3_uploads_total",
			Help: "Objects uploaded to S3 by outcome",
		},
		[]string{"status"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dirindex_s3_upload_bytes_total",
			Help: "Bytes uploaded to S3",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BuildStats is what a finished build reports.
type BuildStats struct {
	Listings int64
	Dirs     int64
	Files    int64
	Bytes    int64
	Duration time.Duration
	Finished time.Time
}

// RecordBuild records a successful build and updates the last-build gauges.
func RecordBuild(trigger string, s BuildStats) {
	buildsTotal.WithLabelValues(trigger, StatusSuccess).Inc()
	buildDuration.Observe(s.Duration.Seconds())
	lastBuildTimestamp.Set(float64(s.Finished.Unix()))
	lastBuildListings.Set(float64(s.Listings))
	lastBuildDirs.Set(float64(s.Dirs))
	lastBuildFiles.Set(float64(s.Files))
	lastBuildBytes.Set(float64(s.Bytes))
}

// RecordBuildFailure records a build that did not complete.
func RecordBuildFailure(trigger string) {
	buildsTotal.WithLabelValues(trigger, StatusError).Inc()
}

// RecordWatcherEvent counts a filesystem event by operation.
func RecordWatcherEvent(op string) {
	watcherEventsTotal.WithLabelValues(op).Inc()
}

// RecordUpload records one S3 object upload.
func RecordUpload(bytes int64, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	uploadsTotal.WithLabelValues(status).Inc()
	if success {
		uploadBytes.Add(float64(bytes))
	}
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	wrote      bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.statusCode = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled with the matched mux pattern to keep label cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
