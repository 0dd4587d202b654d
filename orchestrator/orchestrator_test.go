package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent"
	"github.com/BaSui01/roundtable/governor"
	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/prompt"
	"github.com/BaSui01/roundtable/retry"
	"github.com/BaSui01/roundtable/types"
)

// fakeLLM scripts responses by inspecting the request.
type fakeLLM struct {
	mu      sync.Mutex
	ready   bool
	calls   []llm.GenerateRequest
	handler func(req *llm.GenerateRequest, chatterCall int) (*llm.GenerateResponse, error)

	chatterCalls int
}

func (f *fakeLLM) Generate(_ context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *req)
	call := f.chatterCalls
	if !isHousekeepingPrompt(req.Prompt) && !strings.Contains(req.Prompt, prompt.SynthesisInstruction) {
		f.chatterCalls++
	}
	f.mu.Unlock()
	return f.handler(req, call)
}

func (f *fakeLLM) CountTokens(context.Context, string, string) (int, error) { return 0, nil }
func (f *fakeLLM) Ready() bool                                              { return f.ready }
func (f *fakeLLM) Name() string                                             { return "fake" }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func isHousekeepingPrompt(p string) bool {
	return strings.Contains(p, "Give this conversation a title") ||
		strings.Contains(p, "Condense the above")
}

func reply(text string) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{Text: text, Usage: llm.Usage{InputTokens: 10, OutputTokens: 5}}, nil
}

func defaultAgents() []types.Agent {
	return []types.Agent{
		{ID: "a", DisplayName: "Ada", Role: types.RoleChatter, Model: "model-a"},
		{ID: "b", DisplayName: "Bob", Role: types.RoleChatter, Model: "model-b"},
		{ID: "m", DisplayName: "Mod", Role: types.RoleModerator, Model: "model-m"},
	}
}

func newTestOrchestrator(t *testing.T, agents []types.Agent, client *fakeLLM) *Orchestrator {
	t.Helper()

	reg, err := agent.NewRegistry(agents)
	require.NoError(t, err)

	govCfg := governor.DefaultConfig()
	govCfg.DailyQuota = 100000
	govCfg.RequestsPerMinute = 100000
	govCfg.MinRequestSpacing = time.Millisecond
	gov := governor.New(govCfg, zap.NewNop(), nil)

	pol := retry.DefaultPolicy()
	pol.BaseDelay = time.Millisecond

	o, err := New(DefaultConfig(), Deps{
		Registry: reg,
		Client:   client,
		Governor: gov,
		Retry:    retry.NewController(pol, zap.NewNop(), nil),
		Rand:     rand.New(rand.NewSource(42)),
	})
	require.NoError(t, err)
	return o
}

func closeOrchestrator(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Close(ctx))
}

func TestRunTurn_EmptyInputRejected(t *testing.T) {
	client := &fakeLLM{ready: true, handler: func(*llm.GenerateRequest, int) (*llm.GenerateResponse, error) {
		return reply("hi")
	}}
	o := newTestOrchestrator(t, defaultAgents(), client)

	_, err := o.RunTurn(context.Background(), "   \n\t ")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrInvalidInput))
	assert.Zero(t, client.callCount(), "no model call before validation")
	assert.Empty(t, o.State().Messages, "no side effects on rejected input")
}

func TestRunTurn_NotReadyWithoutCredential(t *testing.T) {
	client := &fakeLLM{ready: false}
	o := newTestOrchestrator(t, defaultAgents(), client)

	_, err := o.RunTurn(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrNotReady))
	assert.Empty(t, o.State().Messages)
}

func TestRunTurn_UserMessageAppendedBeforeAnyCall(t *testing.T) {
	var transcriptAtFirstCall int
	var o *Orchestrator
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		client.mu.Lock()
		if transcriptAtFirstCall == 0 {
			transcriptAtFirstCall = len(o.state.Messages)
		}
		client.mu.Unlock()
		return reply("hi")
	}
	o = newTestOrchestrator(t, defaultAgents(), client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	require.NotEmpty(t, res.Appended)
	assert.True(t, res.Appended[0].IsUser)
	assert.Equal(t, "hello", res.Appended[0].RawText)
	assert.GreaterOrEqual(t, transcriptAtFirstCall, 1, "user message precedes the first model call")
}

func TestRunTurn_EndToEndSilenceScenario(t *testing.T) {
	// 两个 chatter、一个 moderator：第一个发言者答 "hi"，
	// 第二个精确输出 SILENCE，moderator 正常总结。
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, chatterCall int) (*llm.GenerateResponse, error) {
		switch {
		case isHousekeepingPrompt(req.Prompt):
			return reply("Quick greetings")
		case strings.Contains(req.Prompt, prompt.SynthesisInstruction):
			return reply("Everyone said hello.")
		case chatterCall == 0:
			return reply("hi")
		default:
			return reply("  silence  ") // trim + uppercase == SILENCE
		}
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	msgs := o.State().Messages
	require.Len(t, msgs, 3, "transcript: user, first chatter, moderator")
	assert.True(t, msgs[0].IsUser)
	assert.Equal(t, "hi", msgs[1].RawText)
	assert.Equal(t, "Everyone said hello.", msgs[2].RawText)
	assert.Equal(t, "m", msgs[2].AgentID)

	require.Len(t, res.SilencedAgents, 1)
	silenced := res.SilencedAgents[0]
	assert.NotEqual(t, msgs[1].AgentID, silenced, "the speaking chatter is not the silenced one")

	// 被沉默的回复不得进入 moderator 的上下文
	for _, c := range client.calls {
		if strings.Contains(c.Prompt, prompt.SynthesisInstruction) {
			assert.NotContains(t, c.Prompt, "silence  ")
			assert.Contains(t, c.Prompt, "hi")
		}
	}
}

func TestRunTurn_FirstChatterNeverSilenced(t *testing.T) {
	agents := []types.Agent{
		{ID: "solo", DisplayName: "Solo", Role: types.RoleChatter, Model: "model-s"},
	}
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if isHousekeepingPrompt(req.Prompt) {
			return reply("title")
		}
		return reply("SILENCE")
	}
	o := newTestOrchestrator(t, agents, client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	// 首位没有可重复的上下文，SILENCE 原样保留为消息
	require.Len(t, res.Appended, 2)
	assert.Equal(t, "SILENCE", res.Appended[1].RawText)
	assert.Empty(t, res.SilencedAgents)
}

func TestRunTurn_AlwaysSpeakKeepsSilenceText(t *testing.T) {
	agents := []types.Agent{
		{ID: "a", DisplayName: "Ada", Role: types.RoleChatter, Model: "model-a"},
		{ID: "b", DisplayName: "Bob", Role: types.RoleChatter, Model: "model-b", SilenceMode: types.SilenceAlwaysSpeak},
	}
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, chatterCall int) (*llm.GenerateResponse, error) {
		if isHousekeepingPrompt(req.Prompt) {
			return reply("title")
		}
		return reply("SILENCE")
	}
	o := newTestOrchestrator(t, agents, client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	silencedByMode := map[string]bool{}
	for _, id := range res.SilencedAgents {
		silencedByMode[id] = true
	}
	assert.False(t, silencedByMode["b"], "always_speak agent is never silenced")
}

func TestRunTurn_FailedAgentDegradesToNotice(t *testing.T) {
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		switch req.Model {
		case "model-b":
			return nil, types.NewError(types.ErrUpstream, "500 from upstream")
		default:
			if isHousekeepingPrompt(req.Prompt) {
				return reply("title")
			}
			return reply("fine")
		}
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err, "one failing agent never aborts the turn")
	closeOrchestrator(t, o)

	var notice *types.Message
	for i := range res.Appended {
		if !res.Appended[i].IsUser && res.Appended[i].AgentID == "" {
			notice = &res.Appended[i]
		}
	}
	require.NotNil(t, notice, "failure surfaces as a visible notice")
	assert.Contains(t, notice.RawText, "system error")
	assert.Equal(t, "Bob", notice.SenderLabel)

	// moderator 仍然运行
	last := res.Appended[len(res.Appended)-1]
	assert.Equal(t, "m", last.AgentID)
}

func TestRunTurn_QuotaFailureWordingDistinct(t *testing.T) {
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if req.Model == "model-a" {
			return nil, types.NewError(types.ErrExhausted, "still rate limited")
		}
		if isHousekeepingPrompt(req.Prompt) {
			return reply("title")
		}
		return reply("ok")
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	found := false
	for _, m := range res.Appended {
		if strings.Contains(m.RawText, "rate limit or quota exceeded") {
			found = true
		}
	}
	assert.True(t, found, "rate-limit failures worded distinctly from system errors")
}

func TestRunTurn_EmptyResponseNotice(t *testing.T) {
	agents := []types.Agent{
		{ID: "a", DisplayName: "Ada", Role: types.RoleChatter, Model: "model-a"},
	}
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if isHousekeepingPrompt(req.Prompt) {
			return reply("title")
		}
		return reply("   \n ")
	}
	o := newTestOrchestrator(t, agents, client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	require.Len(t, res.Appended, 2)
	assert.Contains(t, res.Appended[1].RawText, "empty response")
}

func TestRunTurn_ModeratorSilenceIsSubstringMatch(t *testing.T) {
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if isHousekeepingPrompt(req.Prompt) {
			return reply("title")
		}
		if strings.Contains(req.Prompt, prompt.SynthesisInstruction) {
			// 子串即触发，不要求精确匹配
			return reply("Nothing to add here, so SILENCE from me.")
		}
		return reply("a reply")
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	for _, m := range res.Appended {
		assert.NotEqual(t, "m", m.AgentID, "declining moderator adds no message")
	}
	assert.Contains(t, res.SilencedAgents, "m")
}

func TestRunTurn_SummaryTriggeredOnSixthTurn(t *testing.T) {
	var summaryCalls int
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		switch {
		case strings.Contains(req.Prompt, "Condense the above"):
			client.mu.Lock()
			summaryCalls++
			client.mu.Unlock()
			return reply("They talked about many things.")
		case isHousekeepingPrompt(req.Prompt):
			return reply("title")
		case strings.Contains(req.Prompt, prompt.SynthesisInstruction):
			return reply("synthesis")
		default:
			return reply("a reply")
		}
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	for i := 0; i < 6; i++ {
		res, err := o.RunTurn(context.Background(), "hello again")
		require.NoError(t, err)
		closeOrchestrator(t, o)

		if i < 5 {
			assert.False(t, res.SummaryTriggered, "turn %d must not summarize", i+1)
		} else {
			assert.True(t, res.SummaryTriggered, "6th turn summarizes")
		}
	}

	assert.Equal(t, 1, summaryCalls, "summarizer invoked exactly once")
	st := o.State()
	assert.Zero(t, st.MessagesSinceLastSummary, "counter resets on the 6th turn")
	assert.Equal(t, "They talked about many things.", st.RunningSummary)
}

func TestRunTurn_SummaryCounterResetsEvenOnFailure(t *testing.T) {
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		switch {
		case strings.Contains(req.Prompt, "Condense the above"):
			return nil, types.NewError(types.ErrUpstream, "summary backend down")
		case isHousekeepingPrompt(req.Prompt):
			return reply("title")
		case strings.Contains(req.Prompt, prompt.SynthesisInstruction):
			return reply("synthesis")
		default:
			return reply("a reply")
		}
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	for i := 0; i < 6; i++ {
		_, err := o.RunTurn(context.Background(), "hello")
		require.NoError(t, err)
		closeOrchestrator(t, o)
	}

	st := o.State()
	assert.Zero(t, st.MessagesSinceLastSummary, "reset regardless of summarizer failure")
	assert.Empty(t, st.RunningSummary, "old (empty) summary retained on failure")
}

func TestRunTurn_TitleFallbackOnFailure(t *testing.T) {
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if isHousekeepingPrompt(req.Prompt) {
			return nil, types.NewError(types.ErrUpstream, "title backend down")
		}
		return reply("a reply")
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	long := strings.Repeat("x", 80)
	res, err := o.RunTurn(context.Background(), long)
	require.NoError(t, err)
	assert.True(t, res.TitleTriggered)
	closeOrchestrator(t, o)

	title := o.State().Title
	require.NotEmpty(t, title)
	assert.True(t, strings.HasPrefix(title, "xxxx"))
	assert.LessOrEqual(t, len([]rune(title)), 41, "fallback truncates the user text")
}

func TestRunTurn_OverlappingTurnRejected(t *testing.T) {
	release := make(chan struct{})
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if !isHousekeepingPrompt(req.Prompt) && !strings.Contains(req.Prompt, prompt.SynthesisInstruction) {
			<-release
		}
		return reply("slow")
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = o.RunTurn(context.Background(), "first")
	}()

	// 等第一轮进入 agent 调用
	require.Eventually(t, func() bool { return client.callCount() > 0 }, time.Second, time.Millisecond)

	_, err := o.RunTurn(context.Background(), "second")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrTurnInFlight))

	close(release)
	<-done
	closeOrchestrator(t, o)
}

func TestRunTurn_SummarizedMessagesLeaveRecentWindow(t *testing.T) {
	turn := 0
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		switch {
		case strings.Contains(req.Prompt, "Condense the above"):
			return reply("THE-RUNNING-SUMMARY")
		case isHousekeepingPrompt(req.Prompt):
			return reply("title")
		case strings.Contains(req.Prompt, prompt.SynthesisInstruction):
			return reply(fmt.Sprintf("synthesis-of-turn-%d", turn))
		default:
			return reply(fmt.Sprintf("chatter-reply-of-turn-%d", turn))
		}
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	for i := 1; i <= 6; i++ {
		turn = i
		_, err := o.RunTurn(context.Background(), fmt.Sprintf("user message %d", i))
		require.NoError(t, err)
		closeOrchestrator(t, o)
	}

	st := o.State()
	require.Equal(t, "THE-RUNNING-SUMMARY", st.RunningSummary)
	require.Equal(t, len(st.Messages)-3, st.SummarizedThrough,
		"all but the trailing 3 messages are condensed")

	turn = 7
	_, err := o.RunTurn(context.Background(), "user message 7")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	client.mu.Lock()
	calls := append([]llm.GenerateRequest(nil), client.calls...)
	client.mu.Unlock()

	// 第 7 轮恰好产生 3 次调用：两个 chatter 和 moderator
	require.GreaterOrEqual(t, len(calls), 3)
	for _, req := range calls[len(calls)-3:] {
		assert.Contains(t, req.Prompt, "THE-RUNNING-SUMMARY")
		assert.Contains(t, req.Prompt, "chatter-reply-of-turn-6",
			"unsummarized tail stays verbatim")
		assert.NotContains(t, req.Prompt, "chatter-reply-of-turn-5",
			"condensed messages must not reappear verbatim next to the summary")
	}
}

func TestRunTurn_ModeratorEmptyResponseNotice(t *testing.T) {
	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		switch {
		case isHousekeepingPrompt(req.Prompt):
			return reply("title")
		case strings.Contains(req.Prompt, prompt.SynthesisInstruction):
			return reply("  \n\t ")
		default:
			return reply("a reply")
		}
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	res, err := o.RunTurn(context.Background(), "hello")
	require.NoError(t, err)
	closeOrchestrator(t, o)

	last := res.Appended[len(res.Appended)-1]
	assert.Contains(t, last.RawText, "empty response")
	assert.Contains(t, last.RawText, "Mod")
}

func TestRunTurn_CanceledContextReturnsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &fakeLLM{ready: true}
	client.handler = func(req *llm.GenerateRequest, _ int) (*llm.GenerateResponse, error) {
		if isHousekeepingPrompt(req.Prompt) {
			return reply("title")
		}
		// 第一个 chatter 返回前取消本轮
		cancel()
		return reply("first answer")
	}
	o := newTestOrchestrator(t, defaultAgents(), client)

	_, err := o.RunTurn(ctx, "hello")
	require.ErrorIs(t, err, context.Canceled)

	st := o.State()
	require.Len(t, st.Messages, 2, "user message and the completed reply stay")
	assert.True(t, st.Messages[0].IsUser)
	assert.Equal(t, "first answer", st.Messages[1].RawText)
	assert.Equal(t, 1, client.callCount(), "no call after cancellation")

	// in-flight 标志已释放，新的 context 可以跑完整一轮
	res, err := o.RunTurn(context.Background(), "again")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(res.Appended), 3)
	closeOrchestrator(t, o)
}
