package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpo_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpo_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ServersRunning tracks MCP server child processes in the running state
	ServersRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mcpo_servers_running",
			Help: "Number of MCP server child processes currently running",
		},
	)

	// ToolCalls tracks tool invocations proxied to MCP servers
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcpo_tool_calls_total",
			Help: "Total number of proxied MCP tool calls",
		},
		[]string{"server", "status"},
	)

	// ToolCallDuration tracks how long proxied tool calls take
	ToolCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcpo_tool_call_duration_seconds",
			Help:    "Proxied tool call duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"server"},
	)

	// HandshakeFailures counts failed MCP initialization handshakes
	HandshakeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpo_handshake_failures_total",
			Help: "Total number of failed MCP server handshakes",
		},
	)

	// ChildExits counts unexpected child process exits
	ChildExits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mcpo_child_exits_total",
			Help: "Total number of unexpected MCP server child exits",
		},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher for streaming support
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware creates an HTTP middleware that records metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := normalizePath(r.URL.Path)

		RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// normalizePath collapses dynamic segments to avoid high cardinality
func normalizePath(path string) string {
	switch path {
	case "/health", "/ready", "/ping", "/metrics", "/mcp", "/api/v1/mcpservers", "/api/v1/mcpservers/config", "/api/v1/auth/login", "/api/v1/user/env", "/api/v1/tools/call":
		return path
	}
	switch {
	case strings.HasPrefix(path, "/api/v1/user/tool/"):
		return "/api/v1/user/tool"
	case strings.HasPrefix(path, "/api/v1/mcpservers/"):
		return "/api/v1/mcpservers/{name}"
	case strings.HasPrefix(path, "/api/v1/user/env/"):
		return "/api/v1/user/env/{key}"
	case strings.HasPrefix(path, "/api/v1/user/apikeys"):
		return "/api/v1/user/apikeys"
	case strings.HasPrefix(path, "/mcp/"):
		return "/mcp"
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordToolCall records a proxied tool invocation
func RecordToolCall(server, status string, duration time.Duration) {
	ToolCalls.WithLabelValues(server, status).Inc()
	ToolCallDuration.WithLabelValues(server).Observe(duration.Seconds())
}

// SetServersRunning sets the running child process count
func SetServersRunning(count float64) {
	ServersRunning.Set(count)
}

// RecordHandshakeFailure records a failed MCP handshake
func RecordHandshakeFailure() {
	HandshakeFailures.Inc()
}

// RecordChildExit records an unexpected child exit
func RecordChildExit() {
	ChildExits.Inc()
}
