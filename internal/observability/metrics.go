package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tether"

type moduleMetrics struct {
	catalogReloads      *prometheus.CounterVec
	catalogGeneration   prometheus.Gauge
	catalogEntries      prometheus.Gauge
	catalogDiagnostics  prometheus.Gauge
	catalogLoadDuration prometheus.Histogram

	turnsTotal    *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	activeTurns   prometheus.Gauge
	busyRejected  prometheus.Counter
	toolRounds    prometheus.Histogram
	modelStreams  *prometheus.CounterVec
	modelHandles  prometheus.Gauge
	activeSession prometheus.Gauge

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec
	toolCacheLookups      *prometheus.CounterVec

	commandsTotal *prometheus.CounterVec
	promptFailed  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			catalogReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "catalog_reloads_total",
					Help:      "Catalog reloads by trigger and status.",
				},
				[]string{"trigger", "status"},
			),
			catalogGeneration: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "catalog_generation",
					Help:      "Generation of the live catalog index.",
				},
			),
			catalogEntries: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "catalog_entries",
					Help:      "Agent definitions in the live catalog index.",
				},
			),
			catalogDiagnostics: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "catalog_diagnostics",
					Help:      "Definition files skipped by the last catalog load.",
				},
			),
			catalogLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "catalog_load_duration_seconds",
					Help:      "Catalog load duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Completed turns by agent and outcome.",
				},
				[]string{"agent", "status"},
			),
			turnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Turn duration in seconds.",
					Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
				},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_turns",
					Help:      "Turns currently in flight.",
				},
			),
			busyRejected: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "busy_rejections_total",
					Help:      "Messages rejected because a turn was already in flight.",
				},
			),
			toolRounds: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_tool_rounds",
					Help:      "Model/tool round trips per turn.",
					Buckets:   []float64{1, 2, 3, 4, 6, 8, 10},
				},
			),
			modelStreams: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_streams_total",
					Help:      "Model streams opened by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelHandles: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "model_handles",
					Help:      "Model handles held across all user runtime caches.",
				},
			),
			activeSession: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current active session count.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_errors_total",
					Help:      "Total tool execution errors by tool and kind.",
				},
				[]string{"tool", "kind"},
			),
			toolCacheLookups: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_result_cache_lookups_total",
					Help:      "Tool result cache lookups by outcome.",
				},
				[]string{"outcome"},
			),
			commandsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "commands_total",
					Help:      "Dispatched commands by name and status.",
				},
				[]string{"command", "status"},
			),
			promptFailed: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "prompt_section_failures_total",
					Help:      "Prompt sections that failed to render, by section and requirement.",
				},
				[]string{"section", "required"},
			),
		}

		prometheus.MustRegister(
			m.catalogReloads,
			m.catalogGeneration,
			m.catalogEntries,
			m.catalogDiagnostics,
			m.catalogLoadDuration,
			m.turnsTotal,
			m.turnDuration,
			m.activeTurns,
			m.busyRejected,
			m.toolRounds,
			m.modelStreams,
			m.modelHandles,
			m.activeSession,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.toolCacheLookups,
			m.commandsTotal,
			m.promptFailed,
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

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordCatalogLoad records one catalog load attempt. generation, entries and
// diagnostics are only applied when the load succeeded.
func RecordCatalogLoad(trigger string, duration time.Duration, success bool, generation uint64, entries, diagnostics int) {
	m := getMetrics()
	m.catalogReloads.WithLabelValues(trigger, status(success)).Inc()
	m.catalogLoadDuration.Observe(duration.Seconds())
	if !success {
		return
	}
	m.catalogGeneration.Set(float64(generation))
	m.catalogEntries.Set(float64(entries))
	m.catalogDiagnostics.Set(float64(diagnostics))
}

func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

// RecordTurn closes a turn opened with TurnStarted. outcome is one of
// "completed", "cancelled" or "failed".
func RecordTurn(agent, outcome string, duration time.Duration, rounds int) {
	m := getMetrics()
	m.activeTurns.Dec()
	m.turnsTotal.WithLabelValues(agent, outcome).Inc()
	m.turnDuration.Observe(duration.Seconds())
	if rounds > 0 {
		m.toolRounds.Observe(float64(rounds))
	}
}

func RecordBusyRejection() {
	getMetrics().busyRejected.Inc()
}

func RecordModelStream(provider string, success bool) {
	getMetrics().modelStreams.WithLabelValues(provider, status(success)).Inc()
}

func AddModelHandles(delta int) {
	getMetrics().modelHandles.Add(float64(delta))
}

func SetActiveSessions(count int) {
	getMetrics().activeSession.Set(float64(count))
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordToolError counts a failed invocation. kind is a short classifier such
// as "not_found", "validation", "timeout" or "invocation".
func RecordToolError(tool, kind string) {
	getMetrics().toolErrorsTotal.WithLabelValues(tool, kind).Inc()
}

func RecordToolCacheLookup(hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	getMetrics().toolCacheLookups.WithLabelValues(outcome).Inc()
}

func RecordCommand(command string, success bool) {
	getMetrics().commandsTotal.WithLabelValues(command, status(success)).Inc()
}

func RecordPromptSectionFailure(section string, required bool) {
	label := "false"
	if required {
		label = "true"
	}
	getMetrics().promptFailed.WithLabelValues(section, label).Inc()
}
