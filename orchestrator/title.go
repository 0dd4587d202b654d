package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/roundtable/types"
)

// generateTitle derives a short conversation title from the first user
// message. Runs detached from the turn; any failure falls back to the
// truncated user text so the conversation is never left untitled.
func (o *Orchestrator) generateTitle(ctx context.Context, userText string) error {
	title := o.fallbackTitle(userText)

	if ag, ok := o.titleAgent(); ok {
		promptText := "Give this conversation a title of at most six words. Reply with the title only, no quotes.\n\nFirst message: " + userText
		raw, err := o.callAgent(ctx, ag, promptText, "")
		if err != nil {
			o.logger.Warn("title generation failed, using fallback", zap.Error(err))
		} else if t := sanitizeTitle(raw); t != "" {
			title = t
		}
	}

	o.mu.Lock()
	o.state.Title = title
	o.mu.Unlock()
	if o.sink != nil {
		o.sink.UpdateTitle(title)
	}
	o.logger.Info("conversation titled", zap.String("title", title))
	return nil
}

// titleAgent picks the agent whose model generates the title: the first
// moderator, else the first agent of the registry.
func (o *Orchestrator) titleAgent() (types.Agent, bool) {
	if mods := o.registry.Moderators(); len(mods) > 0 {
		return mods[0], true
	}
	if all := o.registry.All(); len(all) > 0 {
		return all[0], true
	}
	return types.Agent{}, false
}

func (o *Orchestrator) fallbackTitle(userText string) string {
	runes := []rune(strings.TrimSpace(userText))
	if len(runes) <= o.cfg.TitleMaxRunes {
		return string(runes)
	}
	return string(runes[:o.cfg.TitleMaxRunes]) + "…"
}

func sanitizeTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, `"'`)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}
