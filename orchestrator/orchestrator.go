// Package orchestrator drives the per-turn protocol: order agents, build
// each prompt, gate calls through the governor and retry controller, apply
// the Silence Protocol, run moderators, then trigger summarization and
// title generation.
package orchestrator

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent"
	"github.com/BaSui01/roundtable/governor"
	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/internal/task"
	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/llm/tokenizer"
	"github.com/BaSui01/roundtable/prompt"
	"github.com/BaSui01/roundtable/retry"
	"github.com/BaSui01/roundtable/types"
)

// Config tunes the per-turn protocol.
type Config struct {
	// SummaryInterval is the number of turns between summarization runs.
	SummaryInterval int `json:"summary_interval" yaml:"summary_interval"`
	// RecentWindow bounds how many transcript messages appear verbatim in
	// prompts; older history is represented only by the running summary.
	RecentWindow int `json:"recent_window" yaml:"recent_window"`
	// MaxOutputTokens caps each agent reply.
	MaxOutputTokens int `json:"max_output_tokens" yaml:"max_output_tokens"`
	// TitleMaxRunes bounds the fallback title taken from the user text.
	TitleMaxRunes int `json:"title_max_runes" yaml:"title_max_runes"`
}

// DefaultConfig returns the default turn configuration.
func DefaultConfig() Config {
	return Config{
		SummaryInterval: 6,
		RecentWindow:    6,
		MaxOutputTokens: 2048,
		TitleMaxRunes:   40,
	}
}

// TranscriptSink is the append-only receiver of transcript updates.
// Durable storage is its problem, not this engine's.
type TranscriptSink interface {
	AppendMessage(msg types.Message)
	UpdateSummary(summary string)
	UpdateTitle(title string)
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Registry *agent.Registry
	Client   llm.Client
	Governor *governor.Governor
	Retry    *retry.Controller
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Sink     TranscriptSink // optional
	Rand     *rand.Rand     // optional, for deterministic tests
}

// Orchestrator owns one conversation and processes turns sequentially.
type Orchestrator struct {
	cfg      Config
	registry *agent.Registry
	client   llm.Client
	governor *governor.Governor
	retry    *retry.Controller
	logger   *zap.Logger
	metrics  *metrics.Collector
	sink     TranscriptSink
	spawner  *task.Spawner
	rng      *rand.Rand

	mu       sync.Mutex
	inFlight bool
	state    types.ConversationState
	files    []prompt.UploadedFile
}

// New creates an orchestrator for one conversation.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("orchestrator: registry is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("orchestrator: llm client is required")
	}
	if deps.Governor == nil {
		return nil, fmt.Errorf("orchestrator: governor is required")
	}
	if deps.Retry == nil {
		return nil, fmt.Errorf("orchestrator: retry controller is required")
	}
	if cfg.SummaryInterval <= 0 {
		cfg.SummaryInterval = 6
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 6
	}
	if cfg.TitleMaxRunes <= 0 {
		cfg.TitleMaxRunes = 40
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	o := &Orchestrator{
		cfg:      cfg,
		registry: deps.Registry,
		client:   deps.Client,
		governor: deps.Governor,
		retry:    deps.Retry,
		logger:   logger.With(zap.String("component", "orchestrator")),
		metrics:  deps.Metrics,
		sink:     deps.Sink,
		spawner:  task.NewSpawner(logger, 4),
		rng:      rng,
	}
	o.governor.SetAgentCounts(o.registry.ModelCounts())
	return o, nil
}

// SetFiles replaces the uploaded-file context included in every prompt.
func (o *Orchestrator) SetFiles(files []prompt.UploadedFile) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files = append([]prompt.UploadedFile(nil), files...)
}

// State returns a copy of the conversation state.
func (o *Orchestrator) State() types.ConversationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.state
	st.Messages = append([]types.Message(nil), o.state.Messages...)
	return st
}

// Close waits for background tasks (title, summary) to finish.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.spawner.Wait(ctx)
}

// RunTurn processes one user input through all configured agents.
// Turns are strictly sequential: a second RunTurn while one is in flight
// fails with TURN_IN_FLIGHT. Per-agent failures degrade to visible error
// messages; only input validation and a missing credential abort the turn
// before any model call. A canceled context stops the turn between agents
// and returns the context error; messages already appended stay in the
// transcript.
func (o *Orchestrator) RunTurn(ctx context.Context, userText string) (*types.TurnResult, error) {
	if strings.TrimSpace(userText) == "" {
		return nil, types.NewError(types.ErrInvalidInput, "user text is empty")
	}
	if !o.client.Ready() {
		return nil, types.NewError(types.ErrNotReady, "no usable model credential configured")
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil, types.NewError(types.ErrTurnInFlight, "a turn is already running")
	}
	o.inFlight = true
	isFirst := len(o.state.Messages) == 0
	recent := o.state.Recent(o.cfg.RecentWindow)
	summary := o.state.RunningSummary
	files := o.files
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.inFlight = false
		o.mu.Unlock()
	}()

	start := time.Now()
	o.governor.SetAgentCounts(o.registry.ModelCounts())

	result := &types.TurnResult{TurnID: uuid.NewString()}
	o.append(result, types.NewUserMessage(userText))

	chatters := shuffle(o.rng, o.registry.Chatters())
	o.logger.Info("turn started",
		zap.String("turn_id", result.TurnID),
		zap.Int("chatters", len(chatters)),
		zap.Bool("first", isFirst))

	var turnOutputs []prompt.TurnOutput
	for i, ag := range chatters {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("turn canceled between agents", zap.Error(err))
			o.metrics.RecordTurn("canceled", time.Since(start))
			return nil, err
		}

		in := prompt.Input{
			Files:       files,
			Summary:     summary,
			Recent:      recent,
			TurnOutputs: turnOutputs,
			UserText:    userText,
		}
		raw, err := o.callAgent(ctx, ag, prompt.Build(in), chatterInstruction(ag))
		if err != nil {
			o.append(result, failureNotice(ag, err))
			continue
		}

		if strings.TrimSpace(raw) == "" {
			o.append(result, types.NewNoticeMessage(ag.Label(),
				fmt.Sprintf("%s returned an empty response.", ag.Label())))
			continue
		}

		// A silent first chatter is kept: with no prior context this turn
		// there is nothing to be redundant with.
		if llm.IsSilence(raw) && i > 0 && ag.SilenceMode != types.SilenceAlwaysSpeak {
			result.SilencedAgents = append(result.SilencedAgents, ag.ID)
			o.metrics.RecordSilence(string(types.RoleChatter))
			o.logger.Debug("chatter stayed silent", zap.String("agent", ag.ID))
			continue
		}

		o.append(result, types.NewAgentMessage(ag, raw))
		turnOutputs = append(turnOutputs, prompt.TurnOutput{Label: ag.Label(), Text: raw})
	}

	for _, mod := range o.registry.Moderators() {
		if err := ctx.Err(); err != nil {
			o.logger.Warn("turn canceled before moderators", zap.Error(err))
			o.metrics.RecordTurn("canceled", time.Since(start))
			return nil, err
		}

		in := prompt.Input{
			Files:       files,
			Summary:     summary,
			Recent:      recent,
			TurnOutputs: turnOutputs,
			UserText:    userText,
		}
		synthesis := prompt.Build(in) + "\n\n" + prompt.SynthesisInstruction
		raw, err := o.callAgent(ctx, mod, synthesis, mod.SystemInstruction)
		if err != nil {
			o.append(result, failureNotice(mod, err))
			continue
		}

		if strings.TrimSpace(raw) == "" {
			o.append(result, types.NewNoticeMessage(mod.Label(),
				fmt.Sprintf("%s returned an empty response.", mod.Label())))
			continue
		}

		// Moderators decline with a looser check: SILENCE anywhere in the
		// text. Intentionally asymmetric with the chatter exact match.
		if llm.ContainsSilence(raw) {
			result.SilencedAgents = append(result.SilencedAgents, mod.ID)
			o.metrics.RecordSilence(string(types.RoleModerator))
			continue
		}

		o.append(result, types.NewAgentMessage(mod, raw))
		turnOutputs = append(turnOutputs, prompt.TurnOutput{Label: mod.Label(), Text: raw})
	}

	o.housekeeping(result, isFirst, userText)

	o.metrics.RecordTurn("ok", time.Since(start))
	o.logger.Info("turn finished",
		zap.String("turn_id", result.TurnID),
		zap.Int("appended", len(result.Appended)),
		zap.Strings("silenced", result.SilencedAgents),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// callAgent gates one model call through the governor and retry controller
// and records usage metrics.
func (o *Orchestrator) callAgent(ctx context.Context, ag types.Agent, promptText, systemInstruction string) (string, error) {
	if err := o.governor.Admit(ctx, ag.Model); err != nil {
		return "", err
	}

	req := &llm.GenerateRequest{
		Model:             ag.Model,
		Prompt:            promptText,
		SystemInstruction: systemInstruction,
		Temperature:       ag.Temperature,
		MaxOutputTokens:   o.cfg.MaxOutputTokens,
	}

	start := time.Now()
	resp, err := o.retry.Generate(ctx, o.client, req)
	o.governor.RecordOutcome(err)
	if err != nil {
		o.metrics.RecordLLMRequest(ag.Model, "error", time.Since(start))
		return "", fmt.Errorf("agent %s: %w", ag.ID, err)
	}
	o.metrics.RecordLLMRequest(ag.Model, "ok", time.Since(start))

	in, out := resp.Usage.InputTokens, resp.Usage.OutputTokens
	if in == 0 && out == 0 {
		// Provider sent no usage; fall back to a local estimate so budget
		// tracking keeps moving.
		counter := tokenizer.ForModel(ag.Model)
		in, _ = counter.CountTokens(promptText)
		out, _ = counter.CountTokens(resp.Text)
	}
	o.governor.RecordUsage(ag.Model, in, out)

	return resp.Text, nil
}

// housekeeping applies post-turn counters and background side effects.
func (o *Orchestrator) housekeeping(result *types.TurnResult, isFirst bool, userText string) {
	if isFirst {
		result.TitleTriggered = true
		o.spawner.Go("title", func(ctx context.Context) error {
			return o.generateTitle(ctx, userText)
		})
	}

	o.mu.Lock()
	o.state.MessagesSinceLastSummary++
	trigger := o.state.MessagesSinceLastSummary >= o.cfg.SummaryInterval
	if trigger {
		// Reset unconditionally: summarizer failure is logged, not retried
		// this turn.
		o.state.MessagesSinceLastSummary = 0
	}
	o.mu.Unlock()

	if trigger {
		result.SummaryTriggered = true
		o.spawner.Go("summary", func(ctx context.Context) error {
			return o.summarize(ctx)
		})
	}
}

func (o *Orchestrator) append(result *types.TurnResult, msg types.Message) {
	o.mu.Lock()
	o.state.Append(msg)
	o.mu.Unlock()
	result.Appended = append(result.Appended, msg)
	if o.sink != nil {
		o.sink.AppendMessage(msg)
	}
}

// chatterInstruction combines the agent's own system instruction with the
// silence directive for its mode.
func chatterInstruction(ag types.Agent) string {
	directive := prompt.SilenceDirective(ag.SilenceMode)
	if directive == "" {
		return ag.SystemInstruction
	}
	if ag.SystemInstruction == "" {
		return directive
	}
	return ag.SystemInstruction + "\n\n" + directive
}

// failureNotice turns a call failure into the visible transcript message
// for that agent, distinguishing quota/rate-limit failures from the rest.
func failureNotice(ag types.Agent, err error) types.Message {
	var text string
	switch {
	case types.IsCode(err, types.ErrDailyQuotaExceeded):
		text = fmt.Sprintf("%s could not reply: daily request quota exceeded.", ag.Label())
	case types.IsCode(err, types.ErrRateLimited), types.IsCode(err, types.ErrExhausted):
		text = fmt.Sprintf("%s could not reply: rate limit or quota exceeded.", ag.Label())
	case types.IsCode(err, types.ErrBlocked):
		text = fmt.Sprintf("%s's reply was blocked by the safety filter.", ag.Label())
	default:
		text = fmt.Sprintf("%s could not reply: system error.", ag.Label())
	}
	return types.NewNoticeMessage(ag.Label(), text)
}

// shuffle returns a uniform random permutation (Fisher–Yates). Order is
// intentionally non-deterministic across turns to avoid positional bias.
func shuffle(rng *rand.Rand, agents []types.Agent) []types.Agent {
	out := append([]types.Agent(nil), agents...)
	for i := len(out) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
