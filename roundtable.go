// Package roundtable provides a top-level convenience entry point for
// assembling a turn orchestrator with minimal boilerplate.
//
// Usage:
//
//	import "github.com/BaSui01/roundtable"
//
//	cfg := config.DefaultConfig()
//	cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
//	cfg.Agents = []config.AgentSpec{...}
//
//	orch, err := roundtable.New(cfg, roundtable.WithLogger(logger))
//
// This is a thin wrapper that wires the registry, rate governor, retry
// controller and LLM client together the way cmd/roundtable does.
package roundtable

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/agent"
	"github.com/BaSui01/roundtable/config"
	"github.com/BaSui01/roundtable/governor"
	"github.com/BaSui01/roundtable/internal/metrics"
	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/llm/gemini"
	"github.com/BaSui01/roundtable/orchestrator"
	"github.com/BaSui01/roundtable/retry"
)

// Option configures the orchestrator created by [New].
type Option func(*options)

type options struct {
	logger *zap.Logger
	client llm.Client
	sink   orchestrator.TranscriptSink
}

// WithLogger sets a custom zap logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClient overrides the LLM client. Defaults to a Gemini client built
// from the config's gemini section.
func WithClient(client llm.Client) Option {
	return func(o *options) { o.client = client }
}

// WithSink registers a transcript sink receiving messages, summary and
// title updates as they land.
func WithSink(sink orchestrator.TranscriptSink) Option {
	return func(o *options) { o.sink = sink }
}

// New assembles an orchestrator from the given config.
// The config must carry at least one agent.
func New(cfg *config.Config, opts ...Option) (*orchestrator.Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("roundtable: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("roundtable: at least one agent is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.client == nil {
		o.client = gemini.NewClient(cfg.GeminiClientConfig(), o.logger)
	}

	// Prometheus metrics register against the default registry, so one
	// collector per process.
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector("roundtable", o.logger)
	}

	registry, err := agent.NewRegistry(cfg.BuildAgents())
	if err != nil {
		return nil, err
	}

	gov := governor.New(cfg.GovernorConfig(), o.logger, collector)
	gov.SetAgentCounts(registry.ModelCounts())

	return orchestrator.New(cfg.OrchestratorConfig(), orchestrator.Deps{
		Registry: registry,
		Client:   o.client,
		Governor: gov,
		Retry:    retry.NewController(cfg.RetryPolicy(), o.logger, collector),
		Logger:   o.logger,
		Metrics:  collector,
		Sink:     o.sink,
	})
}
