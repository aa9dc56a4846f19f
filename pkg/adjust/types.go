// Package adjust is the client-side manager for plan adjustment
// conversations. It talks to the chat REST surface, mirrors the server's
// state machine locally, and serializes operations so a screen can bind
// to it directly.
package adjust

import (
	"errors"
	"fmt"
	"time"
)

const (
	ScopeModeBlockStart    = "block_start"
	ScopeModeRolling4Weeks = "rolling_4weeks"
)

const (
	// StateNone is reported before Start bound a conversation.
	StateNone          = ""
	StateActive        = "active"
	StateProposalReady = "proposal_ready"
	StateValidated     = "validated"
	StateAbandoned     = "abandoned"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	MessageStatusPending   = "pending"
	MessageStatusConfirmed = "confirmed"
)

var (
	// ErrBusy is returned when an operation is requested while another
	// one is still in flight. The manager never queues; the caller
	// decides whether to retry.
	ErrBusy = errors.New("adjust: operation already in flight")

	// ErrNoConversation is returned by operations that need an open
	// conversation before Start succeeded or after Reset.
	ErrNoConversation = errors.New("adjust: no open conversation")

	// ErrNoProposal is returned by Validate and Reject when the local
	// conversation is not holding a proposal.
	ErrNoProposal = errors.New("adjust: no pending proposal")
)

// APIError carries a non-2xx response. Detail is the server's
// human-readable explanation when the body had one.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("adjust: server returned %d: %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("adjust: server returned %d", e.Status)
}

// Conversation mirrors the server row the manager is bound to.
type Conversation struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	BlockID     int64     `json:"block_id"`
	ScopeMode   string    `json:"scope_mode"`
	ScopeStart  time.Time `json:"scope_start"`
	ScopeEnd    time.Time `json:"scope_end"`
	State       string    `json:"state"`
	TotalTokens int       `json:"total_tokens"`
}

// Message is one local turn. Pending user messages have no server ID
// yet; they are confirmed or dropped when the round trip settles.
type Message struct {
	ID      int64  `json:"id,omitempty"`
	LocalID int64  `json:"local_id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

type WorkoutStructure struct {
	Warmup   string `json:"warmup"`
	Main     string `json:"main"`
	Cooldown string `json:"cooldown"`
}

type WorkoutSnapshot struct {
	Date       string           `json:"date"`
	Type       string           `json:"type"`
	DistanceKm float64          `json:"distance_km"`
	PaceTarget string           `json:"pace_target"`
	Structure  WorkoutStructure `json:"structure"`
}

type WorkoutAdjustment struct {
	WorkoutID int64            `json:"workout_id"`
	Action    string           `json:"action"`
	Current   WorkoutSnapshot  `json:"current"`
	Proposed  *WorkoutSnapshot `json:"proposed,omitempty"`
	Reasoning string           `json:"reasoning"`
}

type Proposal struct {
	Analysis    string              `json:"analysis"`
	Adjustments []WorkoutAdjustment `json:"adjustments"`
	TokensUsed  int                 `json:"tokens_used"`
}

// SendResult is what a successful message round trip reports beyond the
// appended assistant message.
type SendResult struct {
	AssistantMessage Message
	TokensUsed       int
	IsCached         bool
	MessageCount     int
	ApproachingLimit bool
}

// ValidationOutcome summarizes an applied proposal.
type ValidationOutcome struct {
	ConversationID int64  `json:"conversation_id"`
	State          string `json:"state"`
	Applied        int    `json:"applied"`
	Modified       int    `json:"modified"`
	Deleted        int    `json:"deleted"`
	Rescheduled    int    `json:"rescheduled"`
}
