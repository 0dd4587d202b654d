package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

func newTestGovernor(cfg Config) *Governor {
	return New(cfg, zap.NewNop(), nil)
}

func TestAdmit_DailyQuotaRejectsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyQuota = 1
	cfg.MinRequestSpacing = 500 * time.Millisecond
	g := newTestGovernor(cfg)
	ctx := context.Background()

	require.NoError(t, g.Admit(ctx, "gemini-2.5-flash"))

	// 配额已满：必须立即失败，不进入任何等待
	start := time.Now()
	err := g.Admit(ctx, "gemini-2.5-flash")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrDailyQuotaExceeded))
	assert.Less(t, elapsed, 100*time.Millisecond, "拒绝不应等待")
	assert.Equal(t, 1, g.Session().DailyRequestCount)
}

func TestAdmit_DailyQuotaRollsOver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyQuota = 1
	cfg.MinRequestSpacing = time.Millisecond
	g := newTestGovernor(cfg)

	now := time.Now()
	g.nowFn = func() time.Time { return now }

	require.NoError(t, g.Admit(context.Background(), "m"))
	require.Error(t, g.Admit(context.Background(), "m"))

	// 25 小时后计数滚动清零
	now = now.Add(25 * time.Hour)
	assert.NoError(t, g.Admit(context.Background(), "m"))
}

func TestAdmit_RPMWindowWaits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 2
	cfg.MinRequestSpacing = time.Millisecond
	g := newTestGovernor(cfg)
	g.window = 100 * time.Millisecond
	g.margin = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, g.Admit(ctx, "m"))
	require.NoError(t, g.Admit(ctx, "m"))

	// 窗口已满：第三次准入要等最旧时间戳滑出窗口（+余量）
	start := time.Now()
	require.NoError(t, g.Admit(ctx, "m"))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
}

func TestAdmit_RPMWindowCancelable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 1
	cfg.MinRequestSpacing = time.Millisecond
	g := newTestGovernor(cfg)
	g.window = 10 * time.Second

	require.NoError(t, g.Admit(context.Background(), "m"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := g.Admit(ctx, "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdmit_MinSpacing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRequestSpacing = 80 * time.Millisecond
	g := newTestGovernor(cfg)
	ctx := context.Background()

	require.NoError(t, g.Admit(ctx, "m")) // burst 令牌，不等待

	start := time.Now()
	require.NoError(t, g.Admit(ctx, "m"))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRecordUsage_TPMWarningOncePerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerMinute = 100
	cfg.ContextTokenLimit = 0
	g := newTestGovernor(cfg)

	g.RecordUsage("m", 50, 40)
	assert.Equal(t, 90, g.Usage("m").TokensThisWindow)
	assert.True(t, g.models["m"].warnedTPM, "应在 80% 处告警")

	// 同一窗口内不再重复告警（标记保持）
	g.RecordUsage("m", 5, 0)
	assert.True(t, g.models["m"].warnedTPM)
}

func TestRecordUsage_WindowResets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokensPerMinute = 100
	g := newTestGovernor(cfg)

	now := time.Now()
	g.nowFn = func() time.Time { return now }

	g.RecordUsage("m", 50, 40)
	assert.Equal(t, 90, g.Usage("m").TokensThisWindow)

	now = now.Add(61 * time.Second)
	g.RecordUsage("m", 10, 0)

	// TPM 窗口清零重来，上下文累计不清
	assert.Equal(t, 10, g.Usage("m").TokensThisWindow)
	assert.Equal(t, 100, g.Usage("m").ContextTokensUsed)
	assert.False(t, g.models["m"].warnedTPM)
}

func TestRecordOutcome_ConsecutiveRateLimits(t *testing.T) {
	g := newTestGovernor(DefaultConfig())

	g.RecordOutcome(types.NewRateLimitedError("429", 0))
	g.RecordOutcome(types.NewRateLimitedError("429", 0))
	assert.Equal(t, 2, g.Session().ConsecutiveRateLimitErrors)

	g.RecordOutcome(nil)
	assert.Zero(t, g.Session().ConsecutiveRateLimitErrors)
}

func TestSetAgentCounts(t *testing.T) {
	g := newTestGovernor(DefaultConfig())
	g.RecordUsage("m1", 1, 1)

	g.SetAgentCounts(map[string]int{"m1": 3, "m2": 1})
	assert.Equal(t, 3, g.Usage("m1").AgentCount)
	assert.Equal(t, 1, g.Usage("m2").AgentCount)

	// 注册表变化后重算
	g.SetAgentCounts(map[string]int{"m1": 1})
	assert.Equal(t, 1, g.Usage("m1").AgentCount)
	assert.Zero(t, g.Usage("m2").AgentCount)
}

func TestFailedCallStillConsumesSlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinRequestSpacing = time.Millisecond
	g := newTestGovernor(cfg)

	require.NoError(t, g.Admit(context.Background(), "m"))
	g.RecordOutcome(types.NewRateLimitedError("429", 0))

	// 失败的调用依然占用名额：计数不回滚
	s := g.Session()
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, 1, s.DailyRequestCount)
}
