package types

// ConversationState is the orchestrator-owned view of one conversation.
// It is mutated only by the turn orchestrator and the summarizer; the
// transcript sink observes appended messages, it never writes back.
type ConversationState struct {
	Messages       []Message `json:"messages"`
	RunningSummary string    `json:"running_summary,omitempty"`
	// SummarizedThrough counts the leading messages already folded into
	// RunningSummary. Recent never reaches below this mark, so a prompt
	// carries either a message verbatim or its summary, not both.
	SummarizedThrough        int    `json:"summarized_through"`
	MessagesSinceLastSummary int    `json:"messages_since_last_summary"`
	Title                    string `json:"title,omitempty"`
}

// Append adds a message to the transcript.
func (s *ConversationState) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// Recent returns up to the last n messages not yet covered by the
// running summary.
func (s *ConversationState) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	start := len(s.Messages) - n
	if start < s.SummarizedThrough {
		start = s.SummarizedThrough
	}
	if start < 0 {
		start = 0
	}
	if start >= len(s.Messages) {
		return nil
	}
	return s.Messages[start:]
}

// TurnResult reports what one RunTurn produced.
type TurnResult struct {
	TurnID string `json:"turn_id"`
	// Appended lists every message added to the transcript this turn, the
	// user message first.
	Appended []Message `json:"appended"`
	// SilencedAgents lists chatter IDs that invoked the Silence Protocol.
	SilencedAgents []string `json:"silenced_agents,omitempty"`
	// SummaryTriggered is true when this turn ran the summarizer.
	SummaryTriggered bool `json:"summary_triggered"`
	// TitleTriggered is true when this turn kicked off title generation.
	TitleTriggered bool `json:"title_triggered"`
}
