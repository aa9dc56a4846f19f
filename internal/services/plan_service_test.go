package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
	"github.com/ElliotCay/suivi-run-sub002/internal/repository"
)

func newStubPlanService(db *stubDBTX) *PlanService {
	return NewPlanService(
		repository.NewBlockRepository(db),
		repository.NewWorkoutRepository(db),
	)
}

func TestCreateBlockValidation(t *testing.T) {
	service := newStubPlanService(&stubDBTX{})

	if _, err := service.CreateBlock(context.Background(), 1, CreateBlockInput{
		Name:      "   ",
		StartDate: date(2026, 9, 1),
		EndDate:   date(2026, 10, 1),
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank name, got %v", err)
	}

	if _, err := service.CreateBlock(context.Background(), 1, CreateBlockInput{
		Name:      "Prep 10k",
		StartDate: date(2026, 10, 1),
		EndDate:   date(2026, 9, 1),
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for inverted window, got %v", err)
	}
}

func TestGetBlockOwnership(t *testing.T) {
	db := &stubDBTX{queryRow: func(sql string, _ ...any) pgx.Row {
		if strings.Contains(sql, "FROM training_blocks") {
			return blockRow(models.TrainingBlock{ID: 3, UserID: 2, Name: "Prep 10k"})
		}
		return errRow(pgx.ErrNoRows)
	}}
	service := newStubPlanService(db)

	if _, err := service.GetBlock(context.Background(), 1, 3); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	missing := &stubDBTX{queryRow: func(_ string, _ ...any) pgx.Row {
		return errRow(pgx.ErrNoRows)
	}}
	if _, err := newStubPlanService(missing).GetBlock(context.Background(), 1, 3); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestAddWorkoutValidation(t *testing.T) {
	block := models.TrainingBlock{
		ID:        3,
		UserID:    1,
		Name:      "Prep 10k",
		StartDate: date(2026, 9, 1),
		EndDate:   date(2026, 10, 26),
	}
	db := &stubDBTX{queryRow: func(sql string, _ ...any) pgx.Row {
		if strings.Contains(sql, "FROM training_blocks") {
			return blockRow(block)
		}
		return errRow(pgx.ErrNoRows)
	}}
	service := newStubPlanService(db)

	if _, err := service.AddWorkout(context.Background(), 1, 3, AddWorkoutInput{
		ScheduledOn: date(2026, 9, 5),
		WorkoutType: "swim",
		DistanceKm:  2,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown type, got %v", err)
	}

	if _, err := service.AddWorkout(context.Background(), 1, 3, AddWorkoutInput{
		ScheduledOn: date(2026, 11, 5),
		WorkoutType: models.WorkoutTypeEasyRun,
		DistanceKm:  8,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for date outside the block, got %v", err)
	}

	if _, err := service.AddWorkout(context.Background(), 1, 3, AddWorkoutInput{
		ScheduledOn: date(2026, 9, 5),
		WorkoutType: models.WorkoutTypeEasyRun,
		DistanceKm:  -1,
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative distance, got %v", err)
	}
}

func TestListWorkoutsDefaultsToBlockWindow(t *testing.T) {
	block := models.TrainingBlock{
		ID:        3,
		UserID:    1,
		Name:      "Prep 10k",
		StartDate: date(2026, 9, 1),
		EndDate:   date(2026, 10, 26),
	}

	var gotFrom, gotTo time.Time
	db := &stubDBTX{queryRow: func(sql string, _ ...any) pgx.Row {
		if strings.Contains(sql, "FROM training_blocks") {
			return blockRow(block)
		}
		return errRow(pgx.ErrNoRows)
	}}
	db.query = func(sql string, args ...any) (pgx.Rows, error) {
		if strings.Contains(sql, "FROM workouts") && len(args) == 3 {
			gotFrom = args[1].(time.Time)
			gotTo = args[2].(time.Time)
		}
		return emptyRows{}, nil
	}
	service := newStubPlanService(db)

	if _, err := service.ListWorkouts(context.Background(), 1, 3, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("ListWorkouts: %v", err)
	}
	if !gotFrom.Equal(block.StartDate) || !gotTo.Equal(block.EndDate) {
		t.Fatalf("expected block window [%v, %v], got [%v, %v]", block.StartDate, block.EndDate, gotFrom, gotTo)
	}
}
