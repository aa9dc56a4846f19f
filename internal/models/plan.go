package models

import "time"

// TrainingBlock is a multi-week structured segment of a runner's plan,
// e.g. "10k preparation, 8 weeks".
type TrainingBlock struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Goal      *string   `json:"goal"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	WorkoutTypeEasyRun   = "easy_run"
	WorkoutTypeIntervals = "intervals"
	WorkoutTypeTempo     = "tempo"
	WorkoutTypeLongRun   = "long_run"
	WorkoutTypeRest      = "rest"
)

const (
	WorkoutStatusScheduled = "scheduled"
	WorkoutStatusCompleted = "completed"
	WorkoutStatusCancelled = "cancelled"
)

// WorkoutStructure breaks a session into its warmup/main/cooldown parts,
// each a free-text description ("3x1000m @ 4:30/km" and the like).
type WorkoutStructure struct {
	Warmup   string `json:"warmup"`
	Main     string `json:"main"`
	Cooldown string `json:"cooldown"`
}

// Workout is one scheduled training session inside a block.
type Workout struct {
	ID          int64            `json:"id"`
	BlockID     int64            `json:"block_id"`
	ScheduledOn time.Time        `json:"scheduled_on"`
	WorkoutType string           `json:"workout_type"`
	DistanceKm  float64          `json:"distance_km"`
	PaceTarget  *string          `json:"pace_target"`
	Structure   WorkoutStructure `json:"structure"`
	Status      string           `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func ValidWorkoutType(workoutType string) bool {
	switch workoutType {
	case WorkoutTypeEasyRun, WorkoutTypeIntervals, WorkoutTypeTempo, WorkoutTypeLongRun, WorkoutTypeRest:
		return true
	default:
		return false
	}
}
