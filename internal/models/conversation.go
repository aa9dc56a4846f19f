package models

import "time"

const (
	ScopeModeBlockStart    = "block_start"
	ScopeModeRolling4Weeks = "rolling_4weeks"
)

const (
	ConversationStateActive        = "active"
	ConversationStateProposalReady = "proposal_ready"
	ConversationStateValidated     = "validated"
	ConversationStateAbandoned     = "abandoned"
)

const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// AdjustmentConversation is one AI-assisted negotiation session that turns
// free-text feedback into a structured diff against a block's workouts.
// At most one conversation per (user, block) may be in a non-terminal
// state; the partial unique index in the schema enforces it.
type AdjustmentConversation struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	BlockID         int64     `json:"block_id"`
	ScopeMode       string    `json:"scope_mode"`
	ScopeStart      time.Time `json:"scope_start"`
	ScopeEnd        time.Time `json:"scope_end"`
	State           string    `json:"state"`
	TotalTokens     int       `json:"total_tokens"`
	ProposedChanges *Proposal `json:"proposed_changes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ConversationMessage is one turn in a conversation. Rows are immutable.
// The cache token counts mirror what the LLM reported and are
// informational only.
type ConversationMessage struct {
	ID                  int64     `json:"id"`
	ConversationID      int64     `json:"conversation_id"`
	Role                string    `json:"role"`
	Content             string    `json:"content"`
	CacheCreationTokens int       `json:"cache_creation_tokens"`
	CacheReadTokens     int       `json:"cache_read_tokens"`
	CreatedAt           time.Time `json:"created_at"`
}

const (
	AdjustmentActionModify     = "modify"
	AdjustmentActionDelete     = "delete"
	AdjustmentActionReschedule = "reschedule"
)

// WorkoutSnapshot captures the adjustable fields of a session, used for
// both the "current" and "proposed" sides of an adjustment. Dates are
// ISO-8601 date strings on the wire.
type WorkoutSnapshot struct {
	Date       string           `json:"date"`
	Type       string           `json:"type"`
	DistanceKm float64          `json:"distance_km"`
	PaceTarget string           `json:"pace_target"`
	Structure  WorkoutStructure `json:"structure"`
}

// WorkoutAdjustment is one proposed before/after change to a single
// scheduled session. It has no lifecycle of its own; applying it mutates
// the workout row.
type WorkoutAdjustment struct {
	WorkoutID int64            `json:"workout_id"`
	Action    string           `json:"action"`
	Current   WorkoutSnapshot  `json:"current"`
	Proposed  *WorkoutSnapshot `json:"proposed,omitempty"`
	Reasoning string           `json:"reasoning"`
}

// Proposal is an LLM-derived, not-yet-applied set of session changes. It
// lives on the conversation's proposed_changes column while the
// conversation is proposal_ready and is cleared on rejection.
type Proposal struct {
	Analysis    string              `json:"analysis"`
	Adjustments []WorkoutAdjustment `json:"adjustments"`
	TokensUsed  int                 `json:"tokens_used"`
}
