// Package retry 将单次模型调用包装为有界指数退避重试。
// 只有限流类错误（RATE_LIMITED）会被重试；日配额（DAILY_QUOTA_EXCEEDED）、
// 安全拦截（BLOCKED）与其他上游错误一律立即透传。
// 退避等待是协作式挂起（select ctx），不阻塞其他会话。
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/types"
)

// Policy 定义重试策略配置。
type Policy struct {
	// MaxAttempts 总尝试次数上限（含首次调用）。
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BaseDelay 首次重试前的基础延迟。
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay 单次延迟上限。
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Multiplier 延迟倍增因子（指数退避）。
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// OnRetry 重试回调（测试与观测用）。
	OnRetry func(attempt int, err error, delay time.Duration) `json:"-" yaml:"-"`
}

// DefaultPolicy 返回默认重试策略。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   3 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.0,
	}
}

// Controller 执行带退避的模型调用。
type Controller struct {
	policy  Policy
	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewController 创建重试控制器。collector 可为 nil。
func NewController(policy Policy, logger *zap.Logger, collector *metrics.Collector) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 3
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 3 * time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 60 * time.Second
	}
	if policy.Multiplier < 1.0 {
		policy.Multiplier = 2.0
	}
	return &Controller{
		policy:  policy,
		logger:  logger.With(zap.String("component", "retry")),
		metrics: collector,
	}
}

// Generate 通过 client 执行请求，限流时按策略重试。
// 尝试耗尽后返回 EXHAUSTED（包装最后一次限流错误）。
func (c *Controller) Generate(ctx context.Context, client llm.Client, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	var lastErr error

	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		resp, err := client.Generate(ctx, req)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("retry succeeded",
					zap.String("model", req.Model),
					zap.Int("attempt", attempt))
			}
			return resp, nil
		}
		lastErr = err

		// 日配额今天不会恢复，立即透传；其余非限流错误同样不重试
		if !types.IsCode(err, types.ErrRateLimited) {
			return nil, err
		}
		if attempt >= c.policy.MaxAttempts {
			break
		}

		delay := c.delayFor(attempt, err)
		c.metrics.RecordRetry(req.Model)
		c.logger.Warn("rate limited, backing off",
			zap.String("model", req.Model),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.policy.OnRetry != nil {
			c.policy.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry canceled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	c.logger.Warn("retry attempts exhausted",
		zap.String("model", req.Model),
		zap.Int("attempts", c.policy.MaxAttempts),
		zap.Error(lastErr))
	return nil, types.NewError(types.ErrExhausted,
		fmt.Sprintf("still rate limited after %d attempts", c.policy.MaxAttempts)).WithCause(lastErr)
}

// delayFor 计算第 attempt 次失败后的退避延迟：
// max(服务端建议延迟, base × multiplier^(attempt-1))，上限 MaxDelay。
func (c *Controller) delayFor(attempt int, err error) time.Duration {
	backoff := time.Duration(float64(c.policy.BaseDelay) * math.Pow(c.policy.Multiplier, float64(attempt-1)))
	if suggested := types.RetryAfterOf(err); suggested > backoff {
		backoff = suggested
	}
	if backoff > c.policy.MaxDelay {
		backoff = c.policy.MaxDelay
	}
	return backoff
}
