package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElliotCay/suivi-run-sub002/internal/ai"
	"github.com/ElliotCay/suivi-run-sub002/internal/models"
	"github.com/ElliotCay/suivi-run-sub002/internal/repository"
)

var (
	ErrForbidden            = errors.New("forbidden")
	ErrInvalidInput         = errors.New("invalid input")
	ErrBlockNotFound        = errors.New("block not found")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrConversationClosed   = errors.New("conversation is closed")
	ErrNoProposalReady      = errors.New("no proposal ready")
	ErrMessageLimit         = errors.New("conversation message limit reached")
	ErrInvalidProposal      = errors.New("proposal references an unknown or invalid workout")
)

const rollingScopeDays = 28

// adjustmentCoach is the proposal generator surface the service needs.
type adjustmentCoach interface {
	Reply(
		ctx context.Context,
		block *models.TrainingBlock,
		conversation *models.AdjustmentConversation,
		workouts []models.Workout,
		history []models.ConversationMessage,
		content string,
	) (*ai.Reply, error)
	Propose(
		ctx context.Context,
		block *models.TrainingBlock,
		conversation *models.AdjustmentConversation,
		workouts []models.Workout,
		history []models.ConversationMessage,
	) (*ai.ProposalDraft, error)
}

type ConversationService struct {
	db               *pgxpool.Pool
	conversationRepo *repository.ConversationRepository
	messageRepo      *repository.MessageRepository
	blockRepo        *repository.BlockRepository
	workoutRepo      *repository.WorkoutRepository
	coach            adjustmentCoach
	messageLimit     int
	messageWarnAt    int
}

func NewConversationService(
	db *pgxpool.Pool,
	conversationRepo *repository.ConversationRepository,
	messageRepo *repository.MessageRepository,
	blockRepo *repository.BlockRepository,
	workoutRepo *repository.WorkoutRepository,
	coach adjustmentCoach,
	messageLimit int,
	messageWarnAt int,
) *ConversationService {
	return &ConversationService{
		db:               db,
		conversationRepo: conversationRepo,
		messageRepo:      messageRepo,
		blockRepo:        blockRepo,
		workoutRepo:      workoutRepo,
		coach:            coach,
		messageLimit:     messageLimit,
		messageWarnAt:    messageWarnAt,
	}
}

// ConversationDetail bundles a conversation with its message history and,
// when the state is proposal_ready, the stored proposal.
type ConversationDetail struct {
	Conversation *models.AdjustmentConversation `json:"conversation"`
	Messages     []models.ConversationMessage   `json:"messages"`
	Proposal     *models.Proposal               `json:"proposal,omitempty"`
}

type SendMessageResult struct {
	UserMessage      *models.ConversationMessage
	AssistantMessage *models.ConversationMessage
	TokensUsed       int
	IsCached         bool
	MessageCount     int
	ApproachingLimit bool
}

type ValidationResult struct {
	ConversationID int64  `json:"conversation_id"`
	State          string `json:"state"`
	Applied        int    `json:"applied"`
	Modified       int    `json:"modified"`
	Deleted        int    `json:"deleted"`
	Rescheduled    int    `json:"rescheduled"`
}

// GetActive returns the single non-terminal conversation for a block, or
// ErrNoActiveConversation when there is none.
func (s *ConversationService) GetActive(
	ctx context.Context,
	userID int64,
	blockID int64,
) (*ConversationDetail, error) {
	if blockID <= 0 {
		return nil, ErrInvalidInput
	}
	if _, err := s.ownedBlock(ctx, userID, blockID); err != nil {
		return nil, err
	}

	conversation, err := s.conversationRepo.GetActiveByBlock(ctx, userID, blockID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveConversation
		}
		return nil, err
	}

	return s.detail(ctx, conversation)
}

// GetOrCreate returns the existing non-terminal conversation for the
// block or creates one with the requested scope. Repeated calls never
// fork a second conversation: a concurrent create losing the race on the
// partial unique index falls back to the winner's row.
func (s *ConversationService) GetOrCreate(
	ctx context.Context,
	userID int64,
	blockID int64,
	scopeMode string,
) (*ConversationDetail, error) {
	if blockID <= 0 {
		return nil, ErrInvalidInput
	}
	if scopeMode != models.ScopeModeBlockStart && scopeMode != models.ScopeModeRolling4Weeks {
		return nil, ErrInvalidInput
	}

	block, err := s.ownedBlock(ctx, userID, blockID)
	if err != nil {
		return nil, err
	}

	conversation, err := s.conversationRepo.GetActiveByBlock(ctx, userID, blockID)
	if err == nil {
		return s.detail(ctx, conversation)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	scopeStart, scopeEnd := scopeWindow(block, scopeMode, time.Now().UTC())
	conversation, err = s.conversationRepo.Create(ctx, repository.CreateConversationInput{
		UserID:     userID,
		BlockID:    blockID,
		ScopeMode:  scopeMode,
		ScopeStart: scopeStart,
		ScopeEnd:   scopeEnd,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			conversation, err = s.conversationRepo.GetActiveByBlock(ctx, userID, blockID)
			if err != nil {
				return nil, err
			}
			return s.detail(ctx, conversation)
		}
		return nil, err
	}

	return &ConversationDetail{
		Conversation: conversation,
		Messages:     make([]models.ConversationMessage, 0),
	}, nil
}

func (s *ConversationService) GetConversation(
	ctx context.Context,
	userID int64,
	conversationID int64,
) (*ConversationDetail, error) {
	conversation, err := s.loadConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	return s.detail(ctx, conversation)
}

// SendMessage appends a user turn, asks the coach for a reply, and
// appends the assistant turn. Both rows are written in one transaction,
// after the LLM call succeeded: a failed turn persists nothing.
func (s *ConversationService) SendMessage(
	ctx context.Context,
	userID int64,
	conversationID int64,
	content string,
) (*SendMessageResult, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, ErrInvalidInput
	}

	conversation, err := s.loadConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.State != models.ConversationStateActive {
		return nil, ErrConversationClosed
	}

	count, err := s.messageRepo.CountByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if count+2 > s.messageLimit {
		return nil, ErrMessageLimit
	}

	block, workouts, history, err := s.conversationContext(ctx, conversation)
	if err != nil {
		return nil, err
	}

	reply, err := s.coach.Reply(ctx, block, conversation, workouts, history, trimmed)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txMessageRepo := repository.NewMessageRepository(tx)
	txConversationRepo := repository.NewConversationRepository(tx)

	userMessage, err := txMessageRepo.Create(ctx, repository.CreateMessageInput{
		ConversationID: conversationID,
		Role:           models.MessageRoleUser,
		Content:        trimmed,
	})
	if err != nil {
		return nil, err
	}

	assistantMessage, err := txMessageRepo.Create(ctx, repository.CreateMessageInput{
		ConversationID:      conversationID,
		Role:                models.MessageRoleAssistant,
		Content:             reply.Content,
		CacheCreationTokens: reply.CacheCreationTokens,
		CacheReadTokens:     reply.CacheReadTokens,
	})
	if err != nil {
		return nil, err
	}

	if err := txConversationRepo.AddTokens(ctx, conversationID, reply.TokensUsed); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	messageCount := count + 2
	return &SendMessageResult{
		UserMessage:      userMessage,
		AssistantMessage: assistantMessage,
		TokensUsed:       reply.TokensUsed,
		IsCached:         reply.Cached,
		MessageCount:     messageCount,
		ApproachingLimit: messageCount >= s.messageWarnAt,
	}, nil
}

// Propose derives a proposal from the full history and moves the
// conversation active -> proposal_ready. When a proposal is already
// pending the stored one is returned unchanged.
func (s *ConversationService) Propose(
	ctx context.Context,
	userID int64,
	conversationID int64,
) (*models.Proposal, error) {
	conversation, err := s.loadConversation(ctx, userID, conversationID)
	if err != nil {
		return nil, err
	}
	switch conversation.State {
	case models.ConversationStateActive:
	case models.ConversationStateProposalReady:
		return conversation.ProposedChanges, nil
	default:
		return nil, ErrConversationClosed
	}

	block, workouts, history, err := s.conversationContext(ctx, conversation)
	if err != nil {
		return nil, err
	}

	draft, err := s.coach.Propose(ctx, block, conversation, workouts, history)
	if err != nil {
		return nil, err
	}

	proposal, err := resolveDraft(draft, conversation, workouts)
	if err != nil {
		return nil, err
	}

	if _, err := s.conversationRepo.StoreProposal(ctx, conversationID, proposal); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationClosed
		}
		return nil, err
	}
	return proposal, nil
}

// Validate applies every adjustment of the pending proposal to the plan
// and moves the conversation to its terminal validated state. The whole
// application runs in one transaction; any failure leaves the
// conversation proposal_ready and the plan untouched.
func (s *ConversationService) Validate(
	ctx context.Context,
	userID int64,
	conversationID int64,
) (*ValidationResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txConversationRepo := repository.NewConversationRepository(tx)
	txWorkoutRepo := repository.NewWorkoutRepository(tx)

	conversation, err := txConversationRepo.GetByIDForUserForUpdate(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveConversation
		}
		return nil, err
	}
	if conversation.State != models.ConversationStateProposalReady || conversation.ProposedChanges == nil {
		return nil, ErrNoProposalReady
	}

	result := &ValidationResult{ConversationID: conversationID}
	for _, adjustment := range conversation.ProposedChanges.Adjustments {
		if err := applyAdjustment(ctx, txWorkoutRepo, adjustment); err != nil {
			return nil, err
		}
		result.Applied++
		switch adjustment.Action {
		case models.AdjustmentActionModify:
			result.Modified++
		case models.AdjustmentActionDelete:
			result.Deleted++
		case models.AdjustmentActionReschedule:
			result.Rescheduled++
		}
	}

	updated, err := txConversationRepo.UpdateStateIfCurrent(
		ctx,
		conversationID,
		models.ConversationStateProposalReady,
		models.ConversationStateValidated,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	result.State = updated.State
	return result, nil
}

// Reject discards the pending proposal and returns the conversation to
// active so the user can keep chatting. The store is the source of truth:
// this is a server-side transition, not a client-local one.
func (s *ConversationService) Reject(
	ctx context.Context,
	userID int64,
	conversationID int64,
) (*models.AdjustmentConversation, error) {
	if _, err := s.loadConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	conversation, err := s.conversationRepo.ClearProposal(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoProposalReady
		}
		return nil, err
	}
	return conversation, nil
}

// Abandon closes a conversation without applying anything, e.g. when the
// block itself is deleted or the user walks away for good.
func (s *ConversationService) Abandon(
	ctx context.Context,
	userID int64,
	conversationID int64,
) (*models.AdjustmentConversation, error) {
	if _, err := s.loadConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}

	conversation, err := s.conversationRepo.AbandonIfOpen(ctx, conversationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationClosed
		}
		return nil, err
	}
	return conversation, nil
}

func (s *ConversationService) ownedBlock(
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

func (s *ConversationService) loadConversation(
	ctx context.Context,
	userID int64,
	conversationID int64,
) (*models.AdjustmentConversation, error) {
	if conversationID <= 0 {
		return nil, ErrInvalidInput
	}
	conversation, err := s.conversationRepo.GetByIDForUser(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveConversation
		}
		return nil, err
	}
	return conversation, nil
}

func (s *ConversationService) detail(
	ctx context.Context,
	conversation *models.AdjustmentConversation,
) (*ConversationDetail, error) {
	messages, err := s.messageRepo.ListByConversation(ctx, conversation.ID)
	if err != nil {
		return nil, err
	}

	detail := &ConversationDetail{
		Conversation: conversation,
		Messages:     messages,
	}
	if conversation.State == models.ConversationStateProposalReady {
		detail.Proposal = conversation.ProposedChanges
	}
	return detail, nil
}

func (s *ConversationService) conversationContext(
	ctx context.Context,
	conversation *models.AdjustmentConversation,
) (*models.TrainingBlock, []models.Workout, []models.ConversationMessage, error) {
	block, err := s.blockRepo.GetByID(ctx, conversation.BlockID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil, ErrBlockNotFound
		}
		return nil, nil, nil, err
	}

	workouts, err := s.workoutRepo.ListByBlockInRange(
		ctx,
		conversation.BlockID,
		conversation.ScopeStart,
		conversation.ScopeEnd,
	)
	if err != nil {
		return nil, nil, nil, err
	}

	history, err := s.messageRepo.ListByConversation(ctx, conversation.ID)
	if err != nil {
		return nil, nil, nil, err
	}

	return block, workouts, history, nil
}

// scopeWindow derives the renegotiable date window at creation time.
// block_start covers the whole block; rolling_4weeks covers the next four
// weeks clamped to the block end.
func scopeWindow(block *models.TrainingBlock, scopeMode string, now time.Time) (time.Time, time.Time) {
	if scopeMode == models.ScopeModeBlockStart {
		return block.StartDate, block.EndDate
	}

	start := now.Truncate(24 * time.Hour)
	if start.Before(block.StartDate) {
		start = block.StartDate
	}
	end := start.AddDate(0, 0, rollingScopeDays)
	if end.After(block.EndDate) {
		end = block.EndDate
	}
	if end.Before(start) {
		end = start
	}
	return start, end
}

// resolveDraft joins the model's draft against the real plan rows: the
// "current" side of every adjustment is rebuilt from the database, never
// trusted from the model.
func resolveDraft(
	draft *ai.ProposalDraft,
	conversation *models.AdjustmentConversation,
	workouts []models.Workout,
) (*models.Proposal, error) {
	byID := make(map[int64]models.Workout, len(workouts))
	for _, workout := range workouts {
		byID[workout.ID] = workout
	}

	adjustments := make([]models.WorkoutAdjustment, 0, len(draft.Adjustments))
	for _, item := range draft.Adjustments {
		workout, ok := byID[item.WorkoutID]
		if !ok {
			return nil, ErrInvalidProposal
		}

		adjustment := models.WorkoutAdjustment{
			WorkoutID: item.WorkoutID,
			Action:    item.Action,
			Current:   snapshotFromWorkout(workout),
			Reasoning: item.Reasoning,
		}

		switch item.Action {
		case models.AdjustmentActionDelete:
		case models.AdjustmentActionModify, models.AdjustmentActionReschedule:
			if item.Proposed == nil {
				return nil, ErrInvalidProposal
			}
			proposed := *item.Proposed
			date, err := time.Parse(time.DateOnly, proposed.Date)
			if err != nil {
				return nil, ErrInvalidProposal
			}
			if date.Before(conversation.ScopeStart) || date.After(conversation.ScopeEnd) {
				return nil, ErrInvalidProposal
			}
			if item.Action == models.AdjustmentActionReschedule {
				// Only the date may move on a reschedule.
				rescheduled := adjustment.Current
				rescheduled.Date = proposed.Date
				proposed = rescheduled
			} else if !models.ValidWorkoutType(proposed.Type) {
				return nil, ErrInvalidProposal
			}
			adjustment.Proposed = &proposed
		default:
			return nil, ErrInvalidProposal
		}

		adjustments = append(adjustments, adjustment)
	}

	return &models.Proposal{
		Analysis:    draft.Analysis,
		Adjustments: adjustments,
		TokensUsed:  draft.TokensUsed,
	}, nil
}

func snapshotFromWorkout(workout models.Workout) models.WorkoutSnapshot {
	snapshot := models.WorkoutSnapshot{
		Date:       workout.ScheduledOn.Format(time.DateOnly),
		Type:       workout.WorkoutType,
		DistanceKm: workout.DistanceKm,
		Structure:  workout.Structure,
	}
	if workout.PaceTarget != nil {
		snapshot.PaceTarget = *workout.PaceTarget
	}
	return snapshot
}

func applyAdjustment(
	ctx context.Context,
	workoutRepo *repository.WorkoutRepository,
	adjustment models.WorkoutAdjustment,
) error {
	switch adjustment.Action {
	case models.AdjustmentActionDelete:
		return workoutRepo.Delete(ctx, adjustment.WorkoutID)
	case models.AdjustmentActionReschedule:
		date, err := time.Parse(time.DateOnly, adjustment.Proposed.Date)
		if err != nil {
			return ErrInvalidProposal
		}
		if _, err := workoutRepo.Reschedule(ctx, adjustment.WorkoutID, date); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvalidProposal
			}
			return err
		}
		return nil
	case models.AdjustmentActionModify:
		date, err := time.Parse(time.DateOnly, adjustment.Proposed.Date)
		if err != nil {
			return ErrInvalidProposal
		}
		var paceTarget *string
		if adjustment.Proposed.PaceTarget != "" {
			paceTarget = &adjustment.Proposed.PaceTarget
		}
		if _, err := workoutRepo.Update(ctx, adjustment.WorkoutID, repository.UpdateWorkoutInput{
			ScheduledOn: date,
			WorkoutType: adjustment.Proposed.Type,
			DistanceKm:  adjustment.Proposed.DistanceKm,
			PaceTarget:  paceTarget,
			Structure:   adjustment.Proposed.Structure,
		}); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrInvalidProposal
			}
			return err
		}
		return nil
	default:
		return ErrInvalidProposal
	}
}
