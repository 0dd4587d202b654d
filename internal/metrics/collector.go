// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器。
// 所有记录方法对 nil 接收者安全：未接入 Prometheus 的调用方可传 nil。
type Collector struct {
	// 轮次指标
	turnsTotal   *prometheus.CounterVec
	turnDuration prometheus.Histogram

	// LLM 调用指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	retriesTotal       *prometheus.CounterVec

	// 编排指标
	silencesTotal  *prometheus.CounterVec
	summariesTotal *prometheus.CounterVec

	// 配额指标
	governorWaitSeconds *prometheus.HistogramVec
	budgetWarningsTotal *prometheus.CounterVec
	quotaRejectsTotal   prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器。
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of processed turns",
		},
		[]string{"status"},
	)

	c.turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end turn duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	c.llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of LLM requests",
		},
		[]string{"model", "status"},
	)

	c.llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	c.llmTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: input, output
	)

	c.retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "Total number of retried LLM calls",
		},
		[]string{"model"},
	)

	c.silencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_silences_total",
			Help:      "Total number of silence-protocol invocations",
		},
		[]string{"role"},
	)

	c.summariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Total number of summarization runs",
		},
		[]string{"status"},
	)

	c.governorWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "governor_wait_seconds",
			Help:      "Time spent waiting for rate-limit admission",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"model"},
	)

	c.budgetWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_warnings_total",
			Help:      "Total number of token budget warnings",
		},
		[]string{"model", "budget"},
	)

	c.quotaRejectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejects_total",
			Help:      "Total number of daily-quota rejections",
		},
	)

	return c
}

// RecordTurn 记录一轮处理结果。
func (c *Collector) RecordTurn(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(status).Inc()
	c.turnDuration.Observe(duration.Seconds())
}

// RecordLLMRequest 记录一次 LLM 调用。
func (c *Collector) RecordLLMRequest(model, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.llmRequestsTotal.WithLabelValues(model, status).Inc()
	c.llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTokens 记录 token 消耗。
func (c *Collector) RecordTokens(model string, input, output int) {
	if c == nil {
		return
	}
	c.llmTokensUsed.WithLabelValues(model, "input").Add(float64(input))
	c.llmTokensUsed.WithLabelValues(model, "output").Add(float64(output))
}

// RecordRetry 记录一次重试。
func (c *Collector) RecordRetry(model string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(model).Inc()
}

// RecordSilence 记录一次沉默协议触发。
func (c *Collector) RecordSilence(role string) {
	if c == nil {
		return
	}
	c.silencesTotal.WithLabelValues(role).Inc()
}

// RecordSummary 记录一次摘要运行。
func (c *Collector) RecordSummary(status string) {
	if c == nil {
		return
	}
	c.summariesTotal.WithLabelValues(status).Inc()
}

// RecordGovernorWait 记录等待准入的时长。
func (c *Collector) RecordGovernorWait(model string, wait time.Duration) {
	if c == nil {
		return
	}
	c.governorWaitSeconds.WithLabelValues(model).Observe(wait.Seconds())
}

// RecordBudgetWarning 记录预算告警（budget: tpm / context）。
func (c *Collector) RecordBudgetWarning(model, budget string) {
	if c == nil {
		return
	}
	c.budgetWarningsTotal.WithLabelValues(model, budget).Inc()
}

// RecordQuotaReject 记录一次日配额拒绝。
func (c *Collector) RecordQuotaReject() {
	if c == nil {
		return
	}
	c.quotaRejectsTotal.Inc()
}
