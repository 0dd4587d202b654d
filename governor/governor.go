// Package governor 提供配额与速率治理：每个出站模型调用先经
// Admit 准入（日配额 → 最小间隔 → RPM 滑动窗口），调用后经
// RecordUsage 回填 token 消耗并触发预算告警。
//
// 所有状态挂在 Governor 实例上（会话计数、逐模型用量），不使用
// 包级全局，保证多会话 / 测试互不串扰。
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/types"
)

// Config 配置治理策略。
type Config struct {
	// DailyQuota 进程级日请求上限；达到后立即失败，不等待不重试。
	DailyQuota int `json:"daily_quota" yaml:"daily_quota"`
	// RequestsPerMinute 60s 滑动窗口内的请求上限（按用户外部配置）。
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	// MinRequestSpacing 任意两次出站调用之间的最小间隔。
	MinRequestSpacing time.Duration `json:"min_request_spacing" yaml:"min_request_spacing"`
	// TokensPerMinute 每模型 TPM 预算（0 表示不跟踪）。
	TokensPerMinute int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	// ContextTokenLimit 每模型会话上下文 token 预算（0 表示不跟踪）。
	ContextTokenLimit int `json:"context_token_limit" yaml:"context_token_limit"`
	// WarnThreshold 预算告警阈值（0.0-1.0）。
	WarnThreshold float64 `json:"warn_threshold" yaml:"warn_threshold"`
}

// DefaultConfig 返回默认治理配置。
func DefaultConfig() Config {
	return Config{
		DailyQuota:        20,
		RequestsPerMinute: 15,
		MinRequestSpacing: time.Second,
		TokensPerMinute:   1000000,
		ContextTokenLimit: 1000000,
		WarnThreshold:     0.8,
	}
}

// ModelUsage 是单个模型的用量快照。
type ModelUsage struct {
	TokensThisWindow  int       `json:"tokens_this_window"`
	WindowResetAt     time.Time `json:"window_reset_at"`
	ContextTokensUsed int       `json:"context_tokens_used"`
	TokensPerMinute   int       `json:"tokens_per_minute"`
	ContextTokenLimit int       `json:"context_token_limit"`
	AgentCount        int       `json:"agent_count"`
}

// SessionMetrics 是进程级请求计数快照。
type SessionMetrics struct {
	TotalRequests              int64     `json:"total_requests"`
	LastRequestAt              time.Time `json:"last_request_at"`
	DailyRequestCount          int       `json:"daily_request_count"`
	DailyResetAt               time.Time `json:"daily_reset_at"`
	ConsecutiveRateLimitErrors int       `json:"consecutive_rate_limit_errors"`
}

// modelState 带告警去重标记的模型内部状态。
type modelState struct {
	ModelUsage
	warnedTPM     bool
	warnedContext bool
}

// Governor 门控所有出站模型调用。
type Governor struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector
	spacing *rate.Limiter

	mu      sync.Mutex
	session SessionMetrics
	recent  []time.Time // RPM 滑动窗口时间戳
	models  map[string]*modelState

	// 测试钩子：窗口长度与安全余量
	window time.Duration
	margin time.Duration
	nowFn  func() time.Time
}

// New 创建 Governor。collector 可为 nil。
func New(cfg Config, logger *zap.Logger, collector *metrics.Collector) *Governor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DailyQuota <= 0 {
		cfg.DailyQuota = 20
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 15
	}
	if cfg.MinRequestSpacing <= 0 {
		cfg.MinRequestSpacing = time.Second
	}
	if cfg.WarnThreshold <= 0 || cfg.WarnThreshold > 1 {
		cfg.WarnThreshold = 0.8
	}
	return &Governor{
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "governor")),
		metrics: collector,
		spacing: rate.NewLimiter(rate.Every(cfg.MinRequestSpacing), 1),
		models:  make(map[string]*modelState),
		window:  time.Minute,
		margin:  time.Second,
		nowFn:   time.Now,
	}
}

// Admit 阻塞直到可以安全调用 model，或在日配额已满时立即返回
// DAILY_QUOTA_EXCEEDED。准入顺序：日配额 → 最小间隔 → RPM 窗口。
// 无论后续调用成败，准入即消耗间隔与 RPM 窗口的名额。
func (g *Governor) Admit(ctx context.Context, model string) error {
	start := g.nowFn()

	if err := g.checkDailyQuota(); err != nil {
		g.metrics.RecordQuotaReject()
		return err
	}

	// 最小间隔：burst=1 的令牌桶等价于请求间隔下限
	if err := g.spacing.Wait(ctx); err != nil {
		return fmt.Errorf("admission canceled: %w", err)
	}

	if err := g.waitRPMWindow(ctx); err != nil {
		return err
	}

	g.recordAttempt(model)

	wait := g.nowFn().Sub(start)
	g.metrics.RecordGovernorWait(model, wait)
	if wait > g.cfg.MinRequestSpacing {
		g.logger.Debug("admission delayed",
			zap.String("model", model),
			zap.Duration("wait", wait))
	}
	return nil
}

func (g *Governor) checkDailyQuota() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	if g.session.DailyResetAt.IsZero() || now.Sub(g.session.DailyResetAt) > 24*time.Hour {
		g.session.DailyResetAt = now
		g.session.DailyRequestCount = 0
	}
	if g.session.DailyRequestCount >= g.cfg.DailyQuota {
		g.logger.Warn("daily quota exhausted",
			zap.Int("count", g.session.DailyRequestCount),
			zap.Int("quota", g.cfg.DailyQuota),
			zap.Time("reset_at", g.session.DailyResetAt.Add(24*time.Hour)))
		return types.NewDailyQuotaError(fmt.Sprintf(
			"daily request quota of %d reached, resets at %s",
			g.cfg.DailyQuota, g.session.DailyResetAt.Add(24*time.Hour).Format(time.RFC3339)))
	}
	return nil
}

// waitRPMWindow 当窗口内请求数达到上限时，挂起到最旧时间戳滑出窗口
// （加安全余量）为止。
func (g *Governor) waitRPMWindow(ctx context.Context) error {
	for {
		g.mu.Lock()
		now := g.nowFn()
		g.pruneWindowLocked(now)
		if len(g.recent) < g.cfg.RequestsPerMinute {
			g.mu.Unlock()
			return nil
		}
		oldest := g.recent[0]
		wait := oldest.Add(g.window).Sub(now) + g.margin
		g.mu.Unlock()

		g.logger.Info("rate window full, waiting",
			zap.Duration("wait", wait),
			zap.Int("in_window", g.cfg.RequestsPerMinute))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("admission canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

func (g *Governor) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.recent) && !g.recent[i].After(cutoff) {
		i++
	}
	g.recent = g.recent[i:]
}

func (g *Governor) recordAttempt(model string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	g.session.TotalRequests++
	g.session.LastRequestAt = now
	g.session.DailyRequestCount++
	g.recent = append(g.recent, now)
	g.modelStateLocked(model) // 懒创建
}

// RecordUsage 调用完成后回填 token 消耗。计数单调累加，调用失败也不回滚。
func (g *Governor) RecordUsage(model string, inputTokens, outputTokens int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	st := g.modelStateLocked(model)

	// TPM 窗口按模型独立滚动
	if now.Sub(st.WindowResetAt) > g.window {
		st.TokensThisWindow = 0
		st.WindowResetAt = now
		st.warnedTPM = false
	}

	total := inputTokens + outputTokens
	st.TokensThisWindow += total
	st.ContextTokensUsed += total

	g.metrics.RecordTokens(model, inputTokens, outputTokens)
	g.checkBudgetLocked(model, st)
}

func (g *Governor) checkBudgetLocked(model string, st *modelState) {
	if st.TokensPerMinute > 0 && !st.warnedTPM {
		util := float64(st.TokensThisWindow) / float64(st.TokensPerMinute)
		if util >= g.cfg.WarnThreshold {
			st.warnedTPM = true
			g.metrics.RecordBudgetWarning(model, "tpm")
			g.logger.Warn("token-per-minute budget warning",
				zap.String("model", model),
				zap.Int("tokens", st.TokensThisWindow),
				zap.Int("budget", st.TokensPerMinute),
				zap.Float64("utilization", util))
		}
	}
	if st.ContextTokenLimit > 0 && !st.warnedContext {
		util := float64(st.ContextTokensUsed) / float64(st.ContextTokenLimit)
		if util >= g.cfg.WarnThreshold {
			st.warnedContext = true
			g.metrics.RecordBudgetWarning(model, "context")
			g.logger.Warn("context token budget warning",
				zap.String("model", model),
				zap.Int("tokens", st.ContextTokensUsed),
				zap.Int("budget", st.ContextTokenLimit),
				zap.Float64("utilization", util))
		}
	}
}

// RecordOutcome 跟踪连续限流错误数：限流递增，成功或其他错误清零。
func (g *Governor) RecordOutcome(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil && types.IsCode(err, types.ErrRateLimited) {
		g.session.ConsecutiveRateLimitErrors++
		return
	}
	g.session.ConsecutiveRateLimitErrors = 0
}

// SetAgentCounts 在 Agent 注册表变化时重算每模型的 Agent 数。
func (g *Governor) SetAgentCounts(counts map[string]int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for model, st := range g.models {
		st.AgentCount = counts[model]
	}
	for model, n := range counts {
		st := g.modelStateLocked(model)
		st.AgentCount = n
	}
}

// Session 返回进程级请求计数快照。
func (g *Governor) Session() SessionMetrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Usage 返回指定模型的用量快照；模型未知时返回零值。
func (g *Governor) Usage(model string) ModelUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.models[model]; ok {
		return st.ModelUsage
	}
	return ModelUsage{}
}

func (g *Governor) modelStateLocked(model string) *modelState {
	st, ok := g.models[model]
	if !ok {
		st = &modelState{ModelUsage: ModelUsage{
			WindowResetAt:     g.nowFn(),
			TokensPerMinute:   g.cfg.TokensPerMinute,
			ContextTokenLimit: g.cfg.ContextTokenLimit,
		}}
		g.models[model] = st
	}
	return st
}
