package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobpipe_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Pipeline
	itemsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_items_claimed_total",
			Help: "Work items claimed by workers",
		},
		[]string{"item_type"},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_steps_total",
			Help: "Sub-task executions by outcome",
		},
		[]string{"item_type", "sub_task", "outcome"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobpipe_step_duration_seconds",
			Help:    "Sub-task execution duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"item_type", "sub_task"},
	)

	itemsTerminalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_items_terminal_total",
			Help: "Work items reaching a terminal status",
		},
		[]string{"item_type", "status"},
	)

	itemsRequeuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_items_requeued_total",
			Help: "Work items returned to pending for retry",
		},
		[]string{"item_type", "sub_task"},
	)

	// Agents
	agentCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_agent_calls_total",
			Help: "Agent invocations by outcome",
		},
		[]string{"agent_id", "task_type", "outcome"},
	)

	agentCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobpipe_agent_call_duration_seconds",
			Help:    "Agent invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"agent_id"},
	)

	agentSpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_agent_spend_total",
			Help: "Settled agent spend in budget units",
		},
		[]string{"agent_id"},
	)

	agentSkipsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_agent_skips_total",
			Help: "Agents skipped during fallback",
		},
		[]string{"agent_id", "reason"},
	)

	agentDisablesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_agent_disables_total",
			Help: "Agents disabled by kind",
		},
		[]string{"agent_id", "kind"},
	)

	noAgentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobpipe_no_agents_available_total",
			Help: "Fallback chains exhausted",
		},
		[]string{"task_type"},
	)

	usageResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobpipe_usage_resets_total",
			Help: "Daily agent usage resets",
		},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	statusClass := "unknown"
	switch {
	case status >= 200 && status < 300:
		statusClass = "2xx"
	case status >= 300 && status < 400:
		statusClass = "3xx"
	case status >= 400 && status < 500:
		statusClass = "4xx"
	case status >= 500:
		statusClass = "5xx"
	}
	httpRequestsTotal.WithLabelValues(method, route, statusClass).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordClaim(itemType string) {
	itemsClaimedTotal.WithLabelValues(itemType).Inc()
}

// RecordStep records one sub-task execution. outcome is "advanced",
// "terminal", "retry" or "failed".
func RecordStep(itemType, subTask, outcome string, duration time.Duration) {
	stepsTotal.WithLabelValues(itemType, subTask, outcome).Inc()
	stepDuration.WithLabelValues(itemType, subTask).Observe(duration.Seconds())
}

func RecordTerminal(itemType, status string) {
	itemsTerminalTotal.WithLabelValues(itemType, status).Inc()
}

func RecordRequeue(itemType, subTask string) {
	itemsRequeuedTotal.WithLabelValues(itemType, subTask).Inc()
}

// RecordAgentCall records an invocation attempt and, on success, its cost.
func RecordAgentCall(agentID, taskType, outcome string, duration time.Duration, cost float64) {
	agentCallsTotal.WithLabelValues(agentID, taskType, outcome).Inc()
	agentCallDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	if cost > 0 {
		agentSpendTotal.WithLabelValues(agentID).Add(cost)
	}
}

func RecordAgentSkip(agentID, reason string) {
	agentSkipsTotal.WithLabelValues(agentID, reason).Inc()
}

func RecordAgentDisable(agentID, kind string) {
	agentDisablesTotal.WithLabelValues(agentID, kind).Inc()
}

func RecordNoAgents(taskType string) {
	noAgentsTotal.WithLabelValues(taskType).Inc()
}

func RecordUsageReset() {
	usageResetsTotal.Inc()
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}
