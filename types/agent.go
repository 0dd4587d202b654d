package types

// Role determines when an agent speaks within a turn.
type Role string

const (
	// RoleChatter participates in the randomized first phase of a turn.
	RoleChatter Role = "chatter"
	// RoleModerator always runs after all chatters and synthesizes the turn.
	RoleModerator Role = "moderator"
)

// SilenceMode tunes how strongly an agent is encouraged to use the
// Silence Protocol (replying with the literal token SILENCE).
type SilenceMode string

const (
	// SilenceStandard lets the agent decide freely whether to stay silent.
	SilenceStandard SilenceMode = "standard"
	// SilenceAlwaysSpeak disables the silence option entirely; a SILENCE
	// reply from such an agent is kept as ordinary text.
	SilenceAlwaysSpeak SilenceMode = "always_speak"
	// SilenceConservative biases the agent toward staying silent unless it
	// has something genuinely new to add.
	SilenceConservative SilenceMode = "conservative"
	// SilenceAgreeable biases the agent toward short agreement instead of
	// silence.
	SilenceAgreeable SilenceMode = "agreeable"
)

// Agent is one independently configured participant of a conversation.
// Agents are immutable for the duration of a turn; they are owned by the
// agent registry, not by any single turn.
type Agent struct {
	ID                string      `json:"id"`
	DisplayName       string      `json:"display_name"`
	Role              Role        `json:"role"`
	Temperature       float32     `json:"temperature"`
	SystemInstruction string      `json:"system_instruction"`
	Model             string      `json:"model"`
	SilenceMode       SilenceMode `json:"silence_mode"`
}

// IsChatter reports whether the agent runs in the shuffled first phase.
func (a Agent) IsChatter() bool { return a.Role == RoleChatter }

// IsModerator reports whether the agent runs in the synthesis phase.
func (a Agent) IsModerator() bool { return a.Role == RoleModerator }

// Label returns the name used to attribute the agent's messages.
func (a Agent) Label() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	return a.ID
}
