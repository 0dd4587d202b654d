// Package prompt assembles the text sent to an agent for one call.
// Build is a pure function of its inputs: no I/O, no clock, no state.
package prompt

import (
	"fmt"
	"strings"

	"github.com/BaSui01/roundtable/types"
)

// UploadedFile is one user-supplied document included verbatim in prompts.
type UploadedFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// TurnOutput is one reply already produced earlier in the current turn.
type TurnOutput struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Input holds everything a single prompt is assembled from. Recent is
// expected to be pre-bounded by the caller (ConversationState.Recent);
// messages older than that window are represented only through Summary.
type Input struct {
	Files       []UploadedFile
	Summary     string
	Recent      []types.Message
	TurnOutputs []TurnOutput
	UserText    string
}

// Build produces the prompt text. Sections appear in a fixed order and are
// omitted when empty: uploaded files, running summary, recent messages,
// replies already made this turn, then the pending user text.
func Build(in Input) string {
	var sb strings.Builder

	for _, f := range in.Files {
		fmt.Fprintf(&sb, "=== Uploaded file: %s ===\n%s\n=== End of %s ===\n\n", f.Name, f.Content, f.Name)
	}

	if in.Summary != "" {
		sb.WriteString("Prior conversation summary:\n")
		sb.WriteString(in.Summary)
		sb.WriteString("\n\n")
	}

	if len(in.Recent) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range in.Recent {
			fmt.Fprintf(&sb, "%s: %s\n", m.SenderLabel, m.RawText)
		}
		sb.WriteString("\n")
	}

	if len(in.TurnOutputs) > 0 {
		sb.WriteString("Replies to the current message so far:\n")
		for _, o := range in.TurnOutputs {
			fmt.Fprintf(&sb, "%s: %s\n", o.Label, o.Text)
		}
		sb.WriteString("\n")
	}

	if in.UserText != "" {
		fmt.Fprintf(&sb, "User: %s\n", in.UserText)
	}

	return strings.TrimRight(sb.String(), "\n")
}

// SilenceDirective returns the system-instruction suffix implementing the
// Silence Protocol for the given mode. Agents in always_speak mode get no
// silence option at all.
func SilenceDirective(mode types.SilenceMode) string {
	switch mode {
	case types.SilenceAlwaysSpeak:
		return ""
	case types.SilenceConservative:
		return "If earlier replies in this turn already cover what you would say, respond with exactly SILENCE. Prefer silence over repetition."
	case types.SilenceAgreeable:
		return "If you have nothing substantial to add, give a brief agreement instead of repeating points. Respond with exactly SILENCE only when even agreement adds nothing."
	default:
		return "If you have nothing unique to add to this conversation, respond with exactly SILENCE."
	}
}

// SynthesisInstruction is the moderator-phase task description appended to
// the accumulated turn context.
const SynthesisInstruction = "Synthesize the discussion above: weigh the replies against each other, resolve disagreements, and give the user a concise conclusion."
