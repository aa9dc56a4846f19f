package repository

import (
	"context"
	"time"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
)

type CreateBlockInput struct {
	UserID    int64
	Name      string
	Goal      *string
	StartDate time.Time
	EndDate   time.Time
}

type BlockRepository struct {
	db DBTX
}

func NewBlockRepository(db DBTX) *BlockRepository {
	return &BlockRepository{db: db}
}

func (r *BlockRepository) Create(ctx context.Context, input CreateBlockInput) (*models.TrainingBlock, error) {
	query := `
		INSERT INTO training_blocks (user_id, name, goal, start_date, end_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, user_id, name, goal, start_date, end_date, created_at, updated_at
	`

	var block models.TrainingBlock
	err := r.db.QueryRow(
		ctx,
		query,
		input.UserID,
		input.Name,
		input.Goal,
		input.StartDate,
		input.EndDate,
	).Scan(
		&block.ID,
		&block.UserID,
		&block.Name,
		&block.Goal,
		&block.StartDate,
		&block.EndDate,
		&block.CreatedAt,
		&block.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *BlockRepository) GetByID(ctx context.Context, blockID int64) (*models.TrainingBlock, error) {
	query := `
		SELECT id, user_id, name, goal, start_date, end_date, created_at, updated_at
		FROM training_blocks
		WHERE id = $1
	`

	var block models.TrainingBlock
	err := r.db.QueryRow(ctx, query, blockID).Scan(
		&block.ID,
		&block.UserID,
		&block.Name,
		&block.Goal,
		&block.StartDate,
		&block.EndDate,
		&block.CreatedAt,
		&block.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (r *BlockRepository) ListByUserID(ctx context.Context, userID int64) ([]models.TrainingBlock, error) {
	query := `
		SELECT id, user_id, name, goal, start_date, end_date, created_at, updated_at
		FROM training_blocks
		WHERE user_id = $1
		ORDER BY start_date DESC, id DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := make([]models.TrainingBlock, 0)
	for rows.Next() {
		var block models.TrainingBlock
		if err := rows.Scan(
			&block.ID,
			&block.UserID,
			&block.Name,
			&block.Goal,
			&block.StartDate,
			&block.EndDate,
			&block.CreatedAt,
			&block.UpdatedAt,
		); err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}
