package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
)

type CreateWorkoutInput struct {
	BlockID     int64
	ScheduledOn time.Time
	WorkoutType string
	DistanceKm  float64
	PaceTarget  *string
	Structure   models.WorkoutStructure
}

// UpdateWorkoutInput carries the proposed side of a modify adjustment.
type UpdateWorkoutInput struct {
	ScheduledOn time.Time
	WorkoutType string
	DistanceKm  float64
	PaceTarget  *string
	Structure   models.WorkoutStructure
}

type WorkoutRepository struct {
	db DBTX
}

func NewWorkoutRepository(db DBTX) *WorkoutRepository {
	return &WorkoutRepository{db: db}
}

const workoutColumns = `id, block_id, scheduled_on, workout_type, distance_km, pace_target,
		warmup, main_set, cooldown, status, created_at, updated_at`

func scanWorkout(row pgx.Row) (*models.Workout, error) {
	var workout models.Workout
	err := row.Scan(
		&workout.ID,
		&workout.BlockID,
		&workout.ScheduledOn,
		&workout.WorkoutType,
		&workout.DistanceKm,
		&workout.PaceTarget,
		&workout.Structure.Warmup,
		&workout.Structure.Main,
		&workout.Structure.Cooldown,
		&workout.Status,
		&workout.CreatedAt,
		&workout.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &workout, nil
}

func (r *WorkoutRepository) Create(ctx context.Context, input CreateWorkoutInput) (*models.Workout, error) {
	query := `
		INSERT INTO workouts (block_id, scheduled_on, workout_type, distance_km, pace_target, warmup, main_set, cooldown, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'scheduled')
		RETURNING ` + workoutColumns

	return scanWorkout(r.db.QueryRow(
		ctx,
		query,
		input.BlockID,
		input.ScheduledOn,
		input.WorkoutType,
		input.DistanceKm,
		input.PaceTarget,
		input.Structure.Warmup,
		input.Structure.Main,
		input.Structure.Cooldown,
	))
}

func (r *WorkoutRepository) GetByID(ctx context.Context, workoutID int64) (*models.Workout, error) {
	query := `
		SELECT ` + workoutColumns + `
		FROM workouts
		WHERE id = $1
	`
	return scanWorkout(r.db.QueryRow(ctx, query, workoutID))
}

// ListByBlockInRange returns the block's sessions whose date falls inside
// [from, to], the conversation scope window.
func (r *WorkoutRepository) ListByBlockInRange(
	ctx context.Context,
	blockID int64,
	from time.Time,
	to time.Time,
) ([]models.Workout, error) {
	query := `
		SELECT ` + workoutColumns + `
		FROM workouts
		WHERE block_id = $1
		  AND scheduled_on >= $2
		  AND scheduled_on <= $3
		ORDER BY scheduled_on ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, blockID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workouts := make([]models.Workout, 0)
	for rows.Next() {
		workout, err := scanWorkout(rows)
		if err != nil {
			return nil, err
		}
		workouts = append(workouts, *workout)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workouts, nil
}

func (r *WorkoutRepository) Update(
	ctx context.Context,
	workoutID int64,
	input UpdateWorkoutInput,
) (*models.Workout, error) {
	query := `
		UPDATE workouts
		SET scheduled_on = $2,
		    workout_type = $3,
		    distance_km = $4,
		    pace_target = $5,
		    warmup = $6,
		    main_set = $7,
		    cooldown = $8,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + workoutColumns

	return scanWorkout(r.db.QueryRow(
		ctx,
		query,
		workoutID,
		input.ScheduledOn,
		input.WorkoutType,
		input.DistanceKm,
		input.PaceTarget,
		input.Structure.Warmup,
		input.Structure.Main,
		input.Structure.Cooldown,
	))
}

func (r *WorkoutRepository) Reschedule(
	ctx context.Context,
	workoutID int64,
	scheduledOn time.Time,
) (*models.Workout, error) {
	query := `
		UPDATE workouts
		SET scheduled_on = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + workoutColumns

	return scanWorkout(r.db.QueryRow(ctx, query, workoutID, scheduledOn))
}

func (r *WorkoutRepository) Delete(ctx context.Context, workoutID int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM workouts WHERE id = $1`, workoutID)
	return err
}
