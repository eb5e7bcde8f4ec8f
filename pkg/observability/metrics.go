// Package observability provides metrics recording and tracing helpers.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics Metrics = &NoopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records the operational signals of the agent loop.
type Metrics interface {
	RecordTurn(duration time.Duration, err error)
	RecordToolExecution(tool string, duration time.Duration, err error)
	RecordLLMCall(model string, duration time.Duration, err error)
	RecordCompaction(oldTokens, newTokens int)
	RecordJournalWrite(err error)
}

// PromMetrics implements Metrics on a prometheus registry.
type PromMetrics struct {
	turnDuration    prometheus.Histogram
	turnsTotal      prometheus.Counter
	turnErrorsTotal prometheus.Counter

	toolDuration    *prometheus.HistogramVec
	toolCallsTotal  *prometheus.CounterVec
	toolErrorsTotal *prometheus.CounterVec

	llmDuration    *prometheus.HistogramVec
	llmCallsTotal  *prometheus.CounterVec
	llmErrorsTotal *prometheus.CounterVec

	compactionsTotal      prometheus.Counter
	compactionTokensFreed prometheus.Counter

	journalWritesTotal prometheus.Counter
	journalErrorsTotal prometheus.Counter
}

// NewPromMetrics registers the agentd metric set on reg.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)

	return &PromMetrics{
		turnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "agentd_turn_duration_seconds",
			Help: "Agent turn duration in seconds",
		}),
		turnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_turns_total",
			Help: "Total agent turns",
		}),
		turnErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_turn_errors_total",
			Help: "Total agent turn errors",
		}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentd_tool_execution_duration_seconds",
			Help: "Tool execution duration in seconds",
		}, []string{"tool"}),
		toolCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_calls_total",
			Help: "Total tool calls",
		}, []string{"tool"}),
		toolErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_errors_total",
			Help: "Total tool errors",
		}, []string{"tool"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "agentd_llm_request_duration_seconds",
			Help: "LLM request duration in seconds",
		}, []string{"model"}),
		llmCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_llm_calls_total",
			Help: "Total LLM requests",
		}, []string{"model"}),
		llmErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_llm_errors_total",
			Help: "Total LLM request errors",
		}, []string{"model"}),
		compactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_compactions_total",
			Help: "Total context compactions",
		}),
		compactionTokensFreed: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_compaction_tokens_freed_total",
			Help: "Total tokens freed by compaction",
		}),
		journalWritesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_journal_writes_total",
			Help: "Total journal entries written",
		}),
		journalErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_journal_errors_total",
			Help: "Total journal write errors",
		}),
	}
}

func (m *PromMetrics) RecordTurn(duration time.Duration, err error) {
	m.turnDuration.Observe(duration.Seconds())
	m.turnsTotal.Inc()
	if err != nil {
		m.turnErrorsTotal.Inc()
	}
}

func (m *PromMetrics) RecordToolExecution(tool string, duration time.Duration, err error) {
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
	m.toolCallsTotal.WithLabelValues(tool).Inc()
	if err != nil {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func (m *PromMetrics) RecordLLMCall(model string, duration time.Duration, err error) {
	m.llmDuration.WithLabelValues(model).Observe(duration.Seconds())
	m.llmCallsTotal.WithLabelValues(model).Inc()
	if err != nil {
		m.llmErrorsTotal.WithLabelValues(model).Inc()
	}
}

func (m *PromMetrics) RecordCompaction(oldTokens, newTokens int) {
	m.compactionsTotal.Inc()
	if freed := oldTokens - newTokens; freed > 0 {
		m.compactionTokensFreed.Add(float64(freed))
	}
}

func (m *PromMetrics) RecordJournalWrite(err error) {
	m.journalWritesTotal.Inc()
	if err != nil {
		m.journalErrorsTotal.Inc()
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
