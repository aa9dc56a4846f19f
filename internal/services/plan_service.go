package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
	"github.com/ElliotCay/suivi-run-sub002/internal/repository"
)

type PlanService struct {
	blockRepo   *repository.BlockRepository
	workoutRepo *repository.WorkoutRepository
}

func NewPlanService(
	blockRepo *repository.BlockRepository,
	workoutRepo *repository.WorkoutRepository,
) *PlanService {
	return &PlanService{
		blockRepo:   blockRepo,
		workoutRepo: workoutRepo,
	}
}

type CreateBlockInput struct {
	Name      string
	Goal      *string
	StartDate time.Time
	EndDate   time.Time
}

func (s *PlanService) CreateBlock(
	ctx context.Context,
	userID int64,
	input CreateBlockInput,
) (*models.TrainingBlock, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, ErrInvalidInput
	}
	if input.EndDate.Before(input.StartDate) {
		return nil, ErrInvalidInput
	}

	var goal *string
	if input.Goal != nil {
		trimmed := strings.TrimSpace(*input.Goal)
		if trimmed != "" {
			goal = &trimmed
		}
	}

	return s.blockRepo.Create(ctx, repository.CreateBlockInput{
		UserID:    userID,
		Name:      name,
		Goal:      goal,
		StartDate: input.StartDate,
		EndDate:   input.EndDate,
	})
}

func (s *PlanService) ListBlocks(ctx context.Context, userID int64) ([]models.TrainingBlock, error) {
	return s.blockRepo.ListByUserID(ctx, userID)
}

func (s *PlanService) GetBlock(
	ctx context.Context,
	userID int64,
	blockID int64,
) (*models.TrainingBlock, error) {
	block, err := s.blockRepo.GetByID(ctx, blockID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBlockNotFound
		}
		return nil, err
	}
	if block.UserID != userID {
		return nil, ErrForbidden
	}
	return block, nil
}

type AddWorkoutInput struct {
	ScheduledOn time.Time
	WorkoutType string
	DistanceKm  float64
	PaceTarget  *string
	Structure   models.WorkoutStructure
}

func (s *PlanService) AddWorkout(
	ctx context.Context,
	userID int64,
	blockID int64,
	input AddWorkoutInput,
) (*models.Workout, error) {
	block, err := s.GetBlock(ctx, userID, blockID)
	if err != nil {
		return nil, err
	}

	if !models.ValidWorkoutType(input.WorkoutType) {
		return nil, ErrInvalidInput
	}
	if input.DistanceKm < 0 {
		return nil, ErrInvalidInput
	}
	if input.ScheduledOn.Before(block.StartDate) || input.ScheduledOn.After(block.EndDate) {
		return nil, ErrInvalidInput
	}

	return s.workoutRepo.Create(ctx, repository.CreateWorkoutInput{
		BlockID:     blockID,
		ScheduledOn: input.ScheduledOn,
		WorkoutType: input.WorkoutType,
		DistanceKm:  input.DistanceKm,
		PaceTarget:  input.PaceTarget,
		Structure:   input.Structure,
	})
}

// ListWorkouts returns the block's sessions inside [from, to]. Zero
// bounds widen to the block's own window.
func (s *PlanService) ListWorkouts(
	ctx context.Context,
	userID int64,
	blockID int64,
	from time.Time,
	to time.Time,
) ([]models.Workout, error) {
	block, err := s.GetBlock(ctx, userID, blockID)
	if err != nil {
		return nil, err
	}

	if from.IsZero() {
		from = block.StartDate
	}
	if to.IsZero() {
		to = block.EndDate
	}
	return s.workoutRepo.ListByBlockInRange(ctx, blockID, from, to)
}

func (s *PlanService) GetWorkout(
	ctx context.Context,
	userID int64,
	workoutID int64,
) (*models.Workout, error) {
	workout, err := s.workoutRepo.GetByID(ctx, workoutID)
	if err != nil {
		return nil, err
	}
	if _, err := s.GetBlock(ctx, userID, workout.BlockID); err != nil {
		return nil, err
	}
	return workout, nil
}
