package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	guardWaitDuration *prometheus.HistogramVec
	guardWaiters      *prometheus.GaugeVec

	llmCallTotal    *prometheus.CounterVec
	llmCallDuration *prometheus.HistogramVec
	llmTokensTotal  *prometheus.CounterVec
	retryTotal      *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal      *prometheus.CounterVec
	agentRunDuration   *prometheus.HistogramVec
	agentIterations    *prometheus.HistogramVec
	historyTrimTotal   *prometheus.CounterVec
	decisionTotal      *prometheus.CounterVec
	planStepTotal      *prometheus.CounterVec
	checkpointTotal    *prometheus.CounterVec
	checkpointFailures *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			guardWaitDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "guard_wait_duration_seconds",
					Help:    "Time spent waiting for an agent execution guard.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			guardWaiters: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "guard_waiters",
					Help: "Callers currently queued on an agent execution guard.",
				},
				[]string{"agent"},
			),
			llmCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_call_total",
					Help: "Total LLM calls by agent and status.",
				},
				[]string{"agent", "status"},
			),
			llmCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_call_duration_seconds",
					Help:    "LLM call duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			llmTokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_tokens_total",
					Help: "Total LLM tokens by agent and direction.",
				},
				[]string{"agent", "direction"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "retry_total",
					Help: "Total retries scheduled by strategy.",
				},
				[]string{"strategy"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by agent and outcome code.",
				},
				[]string{"agent", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			agentIterations: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_iterations",
					Help:    "Loop iterations used per agent run.",
					Buckets: []float64{1, 2, 3, 4, 6, 8, 10, 15, 20, 30},
				},
				[]string{"agent"},
			),
			historyTrimTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "history_trim_total",
					Help: "Total message history trims by agent.",
				},
				[]string{"agent"},
			),
			decisionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "decision_total",
					Help: "Routing decisions by type and source (cache, llm, fallback).",
				},
				[]string{"type", "source"},
			),
			planStepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "plan_step_total",
					Help: "Plan steps finished by agent and status.",
				},
				[]string{"agent", "status"},
			),
			checkpointTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkpoint_total",
					Help: "Checkpoints saved by trigger.",
				},
				[]string{"trigger"},
			),
			checkpointFailures: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkpoint_failures_total",
					Help: "Checkpoints that could not be produced or saved, by trigger.",
				},
				[]string{"trigger"},
			),
		}

		prometheus.MustRegister(
			m.guardWaitDuration,
			m.guardWaiters,
			m.llmCallTotal,
			m.llmCallDuration,
			m.llmTokensTotal,
			m.retryTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentIterations,
			m.historyTrimTotal,
			m.decisionTotal,
			m.planStepTotal,
			m.checkpointTotal,
			m.checkpointFailures,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordGuardWait(agent string, wait time.Duration) {
	m := getMetrics()
	m.guardWaitDuration.WithLabelValues(agent).Observe(wait.Seconds())
}

func SetGuardWaiters(agent string, n int) {
	m := getMetrics()
	m.guardWaiters.WithLabelValues(agent).Set(float64(n))
}

func RecordLLMCall(agent string, duration time.Duration, success bool, inputTokens, outputTokens int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.llmCallTotal.WithLabelValues(agent, status).Inc()
	m.llmCallDuration.WithLabelValues(agent).Observe(duration.Seconds())
	if inputTokens > 0 {
		m.llmTokensTotal.WithLabelValues(agent, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.llmTokensTotal.WithLabelValues(agent, "output").Add(float64(outputTokens))
	}
}

func RecordRetry(strategy string) {
	m := getMetrics()
	m.retryTotal.WithLabelValues(strategy).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

// RecordAgentRun records a finished run. status is "success" or the error code.
func RecordAgentRun(agent string, duration time.Duration, status string, iterations int) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(agent, status).Inc()
	m.agentRunDuration.WithLabelValues(agent).Observe(duration.Seconds())
	m.agentIterations.WithLabelValues(agent).Observe(float64(iterations))
}

func RecordHistoryTrim(agent string) {
	m := getMetrics()
	m.historyTrimTotal.WithLabelValues(agent).Inc()
}

func RecordDecision(decisionType, source string) {
	m := getMetrics()
	m.decisionTotal.WithLabelValues(decisionType, source).Inc()
}

func RecordPlanStep(agent, status string) {
	m := getMetrics()
	m.planStepTotal.WithLabelValues(agent, status).Inc()
}

func RecordCheckpoint(trigger string, success bool) {
	m := getMetrics()
	if success {
		m.checkpointTotal.WithLabelValues(trigger).Inc()
		return
	}
	m.checkpointFailures.WithLabelValues(trigger).Inc()
}
