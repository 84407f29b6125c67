package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbudget_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbudget_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmbudget_http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "endpoint"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmbudget_active_connections",
			Help: "Number of active connections",
		},
	)

	// Budget metrics
	budgetChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbudget_checks_total",
			Help: "Total number of budget admission checks",
		},
		[]string{"result"}, // allowed, denied, fail_open
	)

	budgetSpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbudget_spend_dollars_total",
			Help: "Total tracked spend in dollars",
		},
		[]string{"model"},
	)

	budgetTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbudget_tokens_total",
			Help: "Total number of tracked tokens",
		},
		[]string{"model", "type"}, // type: input, output
	)

	providerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbudget_provider_requests_total",
			Help: "Completed provider requests reported to the post-call hook",
		},
		[]string{"model", "status"},
	)

	storeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmbudget_store_errors_total",
			Help: "Total number of budget store errors",
		},
		[]string{"operation"},
	)
)

// Hook calls sit on the request path of every LLM call.
const slowRequestThreshold = time.Second

// Check results
const (
	CheckAllowed  = "allowed"
	CheckDenied   = "denied"
	CheckFailOpen = "fail_open"
)

// MetricsMiddleware collects Prometheus metrics
func MetricsMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			activeConnections.Inc()
			defer activeConnections.Dec()

			wrapped := NewResponseRecorder(w)
			next.ServeHTTP(wrapped, r)

			// The chi route pattern is only complete after routing.
			routePattern := getRoutePattern(r)
			duration := time.Since(start)

			status := strconv.Itoa(wrapped.StatusCode())
			httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration.Seconds())
			httpResponseSize.WithLabelValues(r.Method, routePattern).Observe(float64(wrapped.BytesWritten()))

			if duration > slowRequestThreshold {
				logger.Warn("Slow request detected",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Duration("duration", duration),
					zap.Int("status", wrapped.StatusCode()),
				)
			}
		})
	}
}

// RecordBudgetCheck records the outcome of an admission check
func RecordBudgetCheck(result string) {
	budgetChecksTotal.WithLabelValues(result).Inc()
}

// RecordUsage records tracked spend and tokens for a model
func RecordUsage(model string, cost float64, inputTokens, outputTokens int) {
	budgetSpendTotal.WithLabelValues(model).Add(cost)
	budgetTokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	budgetTokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
}

// RecordProviderRequest records a provider call reported by the post-call hook
func RecordProviderRequest(model string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	providerRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordStoreError records a failed budget store operation
func RecordStoreError(operation string) {
	storeErrorsTotal.WithLabelValues(operation).Inc()
}

// Helper functions

func getRoutePattern(r *http.Request) string {
	// Try to get the route pattern from chi context
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	// Fallback to normalizing the path
	return normalizePath(r.URL.Path)
}

func normalizePath(path string) string {
	for _, prefix := range []string{"/hooks/pre-call", "/hooks/post-call", "/health", "/metrics"} {
		if strings.HasPrefix(path, prefix) {
			return prefix
		}
	}

	// For other paths, remove IDs and parameters
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// Replace UUIDs, numbers, and common ID patterns with placeholders
		if len(part) > 0 && (isUUID(part) || isNumeric(part) || isID(part)) {
			parts[i] = "{id}"
		}
	}

	return strings.Join(parts, "/")
}

func isUUID(s string) bool {
	// Simple UUID check (32 hex chars with optional hyphens)
	if len(s) < 32 || len(s) > 36 {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
			return false
		}
	}
	return true
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func isID(s string) bool {
	// Common ID patterns
	return strings.HasPrefix(s, "sk-") || strings.HasPrefix(s, "key_") ||
		strings.HasPrefix(s, "usr-")
}
