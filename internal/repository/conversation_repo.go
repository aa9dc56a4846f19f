package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
)

type CreateConversationInput struct {
	UserID     int64
	BlockID    int64
	ScopeMode  string
	ScopeStart time.Time
	ScopeEnd   time.Time
}

type ConversationRepository struct {
	db DBTX
}

func NewConversationRepository(db DBTX) *ConversationRepository {
	return &ConversationRepository{db: db}
}

const conversationColumns = `id, user_id, block_id, scope_mode, scope_start, scope_end,
		state, total_tokens, proposed_changes, created_at, updated_at`

func scanConversation(row pgx.Row) (*models.AdjustmentConversation, error) {
	var conversation models.AdjustmentConversation
	var rawProposal []byte
	err := row.Scan(
		&conversation.ID,
		&conversation.UserID,
		&conversation.BlockID,
		&conversation.ScopeMode,
		&conversation.ScopeStart,
		&conversation.ScopeEnd,
		&conversation.State,
		&conversation.TotalTokens,
		&rawProposal,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(rawProposal) > 0 {
		var proposal models.Proposal
		if err := json.Unmarshal(rawProposal, &proposal); err != nil {
			return nil, fmt.Errorf("decode proposed_changes: %w", err)
		}
		conversation.ProposedChanges = &proposal
	}
	return &conversation, nil
}

func (r *ConversationRepository) Create(
	ctx context.Context,
	input CreateConversationInput,
) (*models.AdjustmentConversation, error) {
	query := `
		INSERT INTO adjustment_conversations (user_id, block_id, scope_mode, scope_start, scope_end, state)
		VALUES ($1, $2, $3, $4, $5, 'active')
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(
		ctx,
		query,
		input.UserID,
		input.BlockID,
		input.ScopeMode,
		input.ScopeStart,
		input.ScopeEnd,
	))
}

// GetActiveByBlock returns the single non-terminal conversation for the
// (user, block) pair, or pgx.ErrNoRows.
func (r *ConversationRepository) GetActiveByBlock(
	ctx context.Context,
	userID int64,
	blockID int64,
) (*models.AdjustmentConversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM adjustment_conversations
		WHERE user_id = $1
		  AND block_id = $2
		  AND state IN ('active', 'proposal_ready')
	`
	return scanConversation(r.db.QueryRow(ctx, query, userID, blockID))
}

func (r *ConversationRepository) GetByIDForUser(
	ctx context.Context,
	conversationID int64,
	userID int64,
) (*models.AdjustmentConversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM adjustment_conversations
		WHERE id = $1 AND user_id = $2
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID, userID))
}

func (r *ConversationRepository) GetByIDForUserForUpdate(
	ctx context.Context,
	conversationID int64,
	userID int64,
) (*models.AdjustmentConversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM adjustment_conversations
		WHERE id = $1 AND user_id = $2
		FOR UPDATE
	`
	return scanConversation(r.db.QueryRow(ctx, query, conversationID, userID))
}

// UpdateStateIfCurrent moves the state machine one step, guarded by the
// expected current state. pgx.ErrNoRows means the guard did not hold.
func (r *ConversationRepository) UpdateStateIfCurrent(
	ctx context.Context,
	conversationID int64,
	currentState string,
	nextState string,
) (*models.AdjustmentConversation, error) {
	query := `
		UPDATE adjustment_conversations
		SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, conversationID, currentState, nextState))
}

// StoreProposal writes the proposal and moves active -> proposal_ready in
// one statement so a concurrent propose cannot double-fire.
func (r *ConversationRepository) StoreProposal(
	ctx context.Context,
	conversationID int64,
	proposal *models.Proposal,
) (*models.AdjustmentConversation, error) {
	encoded, err := json.Marshal(proposal)
	if err != nil {
		return nil, fmt.Errorf("encode proposed_changes: %w", err)
	}

	query := `
		UPDATE adjustment_conversations
		SET proposed_changes = $2,
		    state = 'proposal_ready',
		    total_tokens = total_tokens + $3,
		    updated_at = NOW()
		WHERE id = $1 AND state = 'active'
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, conversationID, string(encoded), proposal.TokensUsed))
}

// ClearProposal implements reject: proposal_ready -> active with the
// stored proposal discarded.
func (r *ConversationRepository) ClearProposal(
	ctx context.Context,
	conversationID int64,
) (*models.AdjustmentConversation, error) {
	query := `
		UPDATE adjustment_conversations
		SET proposed_changes = NULL,
		    state = 'active',
		    updated_at = NOW()
		WHERE id = $1 AND state = 'proposal_ready'
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, conversationID))
}

// AbandonIfOpen closes a non-terminal conversation, discarding any
// pending proposal with it.
func (r *ConversationRepository) AbandonIfOpen(
	ctx context.Context,
	conversationID int64,
) (*models.AdjustmentConversation, error) {
	query := `
		UPDATE adjustment_conversations
		SET state = 'abandoned',
		    proposed_changes = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND state IN ('active', 'proposal_ready')
		RETURNING ` + conversationColumns

	return scanConversation(r.db.QueryRow(ctx, query, conversationID))
}

func (r *ConversationRepository) AddTokens(ctx context.Context, conversationID int64, tokens int) error {
	_, err := r.db.Exec(ctx, `
		UPDATE adjustment_conversations
		SET total_tokens = total_tokens + $2, updated_at = NOW()
		WHERE id = $1
	`, conversationID, tokens)
	return err
}
