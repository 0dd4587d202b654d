package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/llm"
	"github.com/BaSui01/roundtable/types"
)

// keepRecent is how many trailing messages stay out of the summary so the
// latest exchange remains verbatim in prompts.
const keepRecent = 3

// minSummarizable is the minimum number of messages outside the recent
// tail worth condensing.
const minSummarizable = 4

// summarize condenses older messages into the running summary using a
// moderator agent. It no-ops (logs only) without a moderator or with too
// little history; on failure the old summary is retained.
func (o *Orchestrator) summarize(ctx context.Context) error {
	moderators := o.registry.Moderators()
	if len(moderators) == 0 {
		o.logger.Debug("summarize skipped: no moderator configured")
		o.metrics.RecordSummary("skipped")
		return nil
	}

	o.mu.Lock()
	total := len(o.state.Messages)
	if total-keepRecent < minSummarizable {
		o.mu.Unlock()
		o.logger.Debug("summarize skipped: not enough history", zap.Int("messages", total))
		o.metrics.RecordSummary("skipped")
		return nil
	}
	older := append([]types.Message(nil), o.state.Messages[:total-keepRecent]...)
	previous := o.state.RunningSummary
	o.mu.Unlock()

	mod := moderators[0]
	raw, err := o.callAgent(ctx, mod, summaryPrompt(previous, older), mod.SystemInstruction)
	if err != nil {
		o.metrics.RecordSummary("error")
		return fmt.Errorf("summarize: %w", err)
	}
	if strings.TrimSpace(raw) == "" || llm.ContainsSilence(raw) {
		o.metrics.RecordSummary("error")
		return fmt.Errorf("summarize: moderator produced no summary")
	}

	o.mu.Lock()
	o.state.RunningSummary = strings.TrimSpace(raw)
	// Advance the summarized mark so later recent windows stop carrying
	// these messages verbatim.
	if cut := total - keepRecent; cut > o.state.SummarizedThrough {
		o.state.SummarizedThrough = cut
	}
	o.mu.Unlock()
	if o.sink != nil {
		o.sink.UpdateSummary(strings.TrimSpace(raw))
	}

	o.metrics.RecordSummary("ok")
	o.logger.Info("summary updated",
		zap.Int("condensed_messages", len(older)),
		zap.Int("summary_chars", len(raw)))
	return nil
}

// summaryPrompt asks for a 2-3 sentence condensation of the older
// messages, folding in the previous summary when one exists.
func summaryPrompt(previous string, older []types.Message) string {
	var sb strings.Builder
	if previous != "" {
		sb.WriteString("Existing summary:\n")
		sb.WriteString(previous)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Conversation to condense:\n")
	for _, m := range older {
		fmt.Fprintf(&sb, "%s: %s\n", m.SenderLabel, m.RawText)
	}
	sb.WriteString("\nCondense the above into a 2-3 sentence summary that preserves decisions, open questions, and who argued what. Reply with the summary only.")
	return sb.String()
}
