package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Signing metrics
	signingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signing_requests_total",
			Help: "Total number of sign requests by outcome",
		},
		[]string{"document_type", "outcome"},
	)

	signingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signing_duration_seconds",
			Help:    "End-to-end duration of successful sign operations",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
	)

	credentialUnlockDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "credential_unlock_duration_seconds",
			Help:    "Duration of private key unlock",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	alreadySigned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signing_already_signed_total",
			Help: "Sign requests rejected because the document already has a signature",
		},
	)

	pdfTimestampRevisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pdf_timestamp_revisions_total",
			Help: "Timestamp revisions appended to PDFs",
		},
		[]string{"outcome"},
	)

	integrityStamps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "integrity_stamps_total",
			Help: "Integrity-only stamps applied",
		},
	)

	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verifications_total",
			Help: "Signature verifications by result",
		},
		[]string{"result"},
	)

	credentialEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_lifecycle_total",
			Help: "Credential lifecycle transitions",
		},
		[]string{"event"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// routePattern labels requests by their chi route template to bound cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

// --- Signing metric helpers ---

// RecordSignOutcome records a sign request outcome: signed, already_signed, forbidden,
// credential_state, invalid_passphrase, crypto_error, timeout, error.
func RecordSignOutcome(documentType, outcome string) {
	signingRequests.WithLabelValues(documentType, outcome).Inc()
	if outcome == "already_signed" {
		alreadySigned.Inc()
	}
}

// RecordSignDuration records the duration of a successful sign operation
func RecordSignDuration(d time.Duration) {
	signingDuration.Observe(d.Seconds())
}

// RecordUnlock records how long a key unlock took
func RecordUnlock(d time.Duration) {
	credentialUnlockDuration.Observe(d.Seconds())
}

// RecordTimestampRevision records an appended PDF timestamp revision: ok, degraded, failed.
func RecordTimestampRevision(outcome string) {
	pdfTimestampRevisions.WithLabelValues(outcome).Inc()
}

// RecordIntegrityStamp records an integrity-only stamp
func RecordIntegrityStamp() {
	integrityStamps.Inc()
}

// RecordVerification records a verification verdict: valid, invalid, unsigned.
func RecordVerification(result string) {
	verifications.WithLabelValues(result).Inc()
}

// RecordCredentialEvent records a credential lifecycle transition: registered, revoked, superseded, purged.
func RecordCredentialEvent(event string) {
	credentialEvents.WithLabelValues(event).Inc()
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveDBQuery records the time elapsed since start. Meant for defer.
func ObserveDBQuery(operation string, start time.Time) {
	RecordDBQuery(operation, time.Since(start))
}
