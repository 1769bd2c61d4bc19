package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mcp_calculator_tool_duration_seconds",
		Help:    "Duration of tool invocations grouped by tool and outcome",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
	}, []string{"tool", "outcome"})

	toolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_calculator_tool_calls_total",
		Help: "Total tool invocations grouped by tool and outcome",
	}, []string{"tool", "outcome"})

	rpcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_calculator_rpc_requests_total",
		Help: "JSON-RPC requests handled grouped by transport, method and result code",
	}, []string{"transport", "method", "code"})

	eventAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_calculator_eventstore_appends_total",
		Help: "Events appended to the event store grouped by backend and status",
	}, []string{"backend", "status"})

	eventReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_calculator_eventstore_replayed_events_total",
		Help: "Events replayed to resuming clients grouped by backend",
	}, []string{"backend"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mcp_calculator_active_sessions",
		Help: "Streamable HTTP sessions currently open",
	})

	resumptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcp_calculator_stream_resumptions_total",
		Help: "Standalone stream resumptions grouped by outcome",
	}, []string{"outcome"})
)

// ObserveToolCall records the duration and outcome of a tool invocation.
func ObserveToolCall(tool, outcome string, d time.Duration) {
	if tool == "" {
		tool = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	toolDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
	toolCalls.WithLabelValues(tool, outcome).Inc()
}

// ObserveRPC counts a handled JSON-RPC request. code is "ok" for successes.
func ObserveRPC(transport, method, code string) {
	rpcRequests.WithLabelValues(transport, method, code).Inc()
}

// ObserveAppend counts an event store append.
func ObserveAppend(backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	eventAppends.WithLabelValues(backend, status).Inc()
}

// ObserveReplay counts events delivered during a replay.
func ObserveReplay(backend string, n int) {
	if n <= 0 {
		return
	}
	eventReplays.WithLabelValues(backend).Add(float64(n))
}

// SessionOpened increments the active session gauge.
func SessionOpened() { activeSessions.Inc() }

// SessionClosed decrements the active session gauge.
func SessionClosed() { activeSessions.Dec() }

// ObserveResumption counts a Last-Event-ID reconnect. outcome is "replayed"
// or "unknown_stream".
func ObserveResumption(outcome string) {
	resumptions.WithLabelValues(outcome).Inc()
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
