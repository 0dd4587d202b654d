// Package types provides core types shared across the roundtable engine.
// This package has ZERO dependencies on other roundtable packages to avoid
// circular imports. All other packages should import types from here.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Message is one emitted content unit of a conversation transcript: the
// user's input, an agent's non-silent reply, a moderator's synthesis, or a
// synthesized error/system notice. Messages are immutable after creation.
type Message struct {
	ID           string    `json:"id"`
	SenderLabel  string    `json:"sender_label"`
	RawText      string    `json:"raw_text"`
	RenderedHTML string    `json:"rendered_html,omitempty"`
	IsUser       bool      `json:"is_user"`
	AgentID      string    `json:"agent_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewUserMessage creates the transcript entry for a user input.
func NewUserMessage(text string) Message {
	return Message{
		ID:          uuid.NewString(),
		SenderLabel: "You",
		RawText:     text,
		IsUser:      true,
		Timestamp:   time.Now(),
	}
}

// NewAgentMessage creates the transcript entry for an agent reply.
func NewAgentMessage(agent Agent, text string) Message {
	return Message{
		ID:          uuid.NewString(),
		SenderLabel: agent.Label(),
		RawText:     text,
		AgentID:     agent.ID,
		Timestamp:   time.Now(),
	}
}

// NewNoticeMessage creates a synthesized error/system notice. Notices carry
// a sender label but no producing agent.
func NewNoticeMessage(label, text string) Message {
	return Message{
		ID:          uuid.NewString(),
		SenderLabel: label,
		RawText:     text,
		Timestamp:   time.Now(),
	}
}
