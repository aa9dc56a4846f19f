package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
	"github.com/ElliotCay/suivi-run-sub002/internal/services"
)

type PlanHandler struct {
	service *services.PlanService
}

func NewPlanHandler(service *services.PlanService) *PlanHandler {
	return &PlanHandler{service: service}
}

type createBlockRequest struct {
	Name      string  `json:"name"`
	Goal      *string `json:"goal"`
	StartDate string  `json:"start_date"`
	EndDate   string  `json:"end_date"`
}

type createWorkoutRequest struct {
	ScheduledOn string                  `json:"scheduled_on"`
	WorkoutType string                  `json:"workout_type"`
	DistanceKm  float64                 `json:"distance_km"`
	PaceTarget  *string                 `json:"pace_target"`
	Structure   models.WorkoutStructure `json:"structure"`
}

func (h *PlanHandler) CreateBlock(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	var req createBlockRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid request body"})
	}

	startDate, err := time.Parse(time.DateOnly, req.StartDate)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid start_date"})
	}
	endDate, err := time.Parse(time.DateOnly, req.EndDate)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid end_date"})
	}

	block, err := h.service.CreateBlock(c.Context(), userID, services.CreateBlockInput{
		Name:      req.Name,
		Goal:      req.Goal,
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		return mapPlanError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"block": block})
}

func (h *PlanHandler) ListBlocks(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	blocks, err := h.service.ListBlocks(c.Context(), userID)
	if err != nil {
		return mapPlanError(c, err)
	}
	return c.JSON(fiber.Map{"blocks": blocks})
}

func (h *PlanHandler) GetBlock(c *fiber.Ctx) error {
	userID, blockID, err := h.parseBlockRequest(c)
	if err != nil {
		return err
	}

	block, err := h.service.GetBlock(c.Context(), userID, blockID)
	if err != nil {
		return mapPlanError(c, err)
	}
	return c.JSON(fiber.Map{"block": block})
}

func (h *PlanHandler) AddWorkout(c *fiber.Ctx) error {
	userID, blockID, err := h.parseBlockRequest(c)
	if err != nil {
		return err
	}

	var req createWorkoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid request body"})
	}

	scheduledOn, err := time.Parse(time.DateOnly, req.ScheduledOn)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid scheduled_on"})
	}

	workout, err := h.service.AddWorkout(c.Context(), userID, blockID, services.AddWorkoutInput{
		ScheduledOn: scheduledOn,
		WorkoutType: req.WorkoutType,
		DistanceKm:  req.DistanceKm,
		PaceTarget:  req.PaceTarget,
		Structure:   req.Structure,
	})
	if err != nil {
		return mapPlanError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"workout": workout})
}

func (h *PlanHandler) ListWorkouts(c *fiber.Ctx) error {
	userID, blockID, err := h.parseBlockRequest(c)
	if err != nil {
		return err
	}

	var from, to time.Time
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid from date"})
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.DateOnly, raw)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid to date"})
		}
	}

	workouts, err := h.service.ListWorkouts(c.Context(), userID, blockID, from, to)
	if err != nil {
		return mapPlanError(c, err)
	}
	return c.JSON(fiber.Map{"workouts": workouts})
}

func (h *PlanHandler) GetWorkout(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	workoutID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || workoutID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid workout id"})
	}

	workout, err := h.service.GetWorkout(c.Context(), userID, workoutID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Workout not found"})
		}
		return mapPlanError(c, err)
	}
	return c.JSON(fiber.Map{"workout": workout})
}

func (h *PlanHandler) parseBlockRequest(c *fiber.Ctx) (int64, int64, error) {
	userID, err := parseUserID(c)
	if err != nil {
		return 0, 0, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	blockID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || blockID <= 0 {
		return 0, 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid block id"})
	}
	return userID, blockID, nil
}

func mapPlanError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"detail": "Forbidden"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid request"})
	case errors.Is(err, services.ErrBlockNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Block not found"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "Failed to process plan request"})
	}
}
