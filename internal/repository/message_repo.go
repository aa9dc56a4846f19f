package repository

import (
	"context"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
)

type CreateMessageInput struct {
	ConversationID      int64
	Role                string
	Content             string
	CacheCreationTokens int
	CacheReadTokens     int
}

type MessageRepository struct {
	db DBTX
}

func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(
	ctx context.Context,
	input CreateMessageInput,
) (*models.ConversationMessage, error) {
	query := `
		INSERT INTO conversation_messages (conversation_id, role, content, cache_creation_tokens, cache_read_tokens)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, conversation_id, role, content, cache_creation_tokens, cache_read_tokens, created_at
	`

	var message models.ConversationMessage
	err := r.db.QueryRow(
		ctx,
		query,
		input.ConversationID,
		input.Role,
		input.Content,
		input.CacheCreationTokens,
		input.CacheReadTokens,
	).Scan(
		&message.ID,
		&message.ConversationID,
		&message.Role,
		&message.Content,
		&message.CacheCreationTokens,
		&message.CacheReadTokens,
		&message.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

// ListByConversation returns every message in insertion order, which is
// the conversational order.
func (r *MessageRepository) ListByConversation(
	ctx context.Context,
	conversationID int64,
) ([]models.ConversationMessage, error) {
	query := `
		SELECT id, conversation_id, role, content, cache_creation_tokens, cache_read_tokens, created_at
		FROM conversation_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ConversationMessage, 0)
	for rows.Next() {
		var message models.ConversationMessage
		if err := rows.Scan(
			&message.ID,
			&message.ConversationID,
			&message.Role,
			&message.Content,
			&message.CacheCreationTokens,
			&message.CacheReadTokens,
			&message.CreatedAt,
		); err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *MessageRepository) CountByConversation(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM conversation_messages
		WHERE conversation_id = $1
	`, conversationID).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
