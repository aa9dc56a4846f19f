package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
	"github.com/ElliotCay/suivi-run-sub002/internal/services"
	chatws "github.com/ElliotCay/suivi-run-sub002/internal/websocket"
)

type stubConversationService struct {
	activeResult   *services.ConversationDetail
	activeErr      error
	createResult   *services.ConversationDetail
	createErr      error
	getResult      *services.ConversationDetail
	getErr         error
	sendResult     *services.SendMessageResult
	sendErr        error
	proposeResult  *models.Proposal
	proposeErr     error
	validateResult *services.ValidationResult
	validateErr    error
	rejectResult   *models.AdjustmentConversation
	rejectErr      error
	abandonResult  *models.AdjustmentConversation
	abandonErr     error

	lastUserID         int64
	lastBlockID        int64
	lastConversationID int64
	lastScopeMode      string
	lastContent        string
}

func (s *stubConversationService) GetActive(_ context.Context, userID, blockID int64) (*services.ConversationDetail, error) {
	s.lastUserID = userID
	s.lastBlockID = blockID
	return s.activeResult, s.activeErr
}

func (s *stubConversationService) GetOrCreate(_ context.Context, userID, blockID int64, scopeMode string) (*services.ConversationDetail, error) {
	s.lastUserID = userID
	s.lastBlockID = blockID
	s.lastScopeMode = scopeMode
	return s.createResult, s.createErr
}

func (s *stubConversationService) GetConversation(_ context.Context, userID, conversationID int64) (*services.ConversationDetail, error) {
	s.lastUserID = userID
	s.lastConversationID = conversationID
	return s.getResult, s.getErr
}

func (s *stubConversationService) SendMessage(_ context.Context, userID, conversationID int64, content string) (*services.SendMessageResult, error) {
	s.lastUserID = userID
	s.lastConversationID = conversationID
	s.lastContent = content
	return s.sendResult, s.sendErr
}

func (s *stubConversationService) Propose(_ context.Context, userID, conversationID int64) (*models.Proposal, error) {
	s.lastUserID = userID
	s.lastConversationID = conversationID
	return s.proposeResult, s.proposeErr
}

func (s *stubConversationService) Validate(_ context.Context, userID, conversationID int64) (*services.ValidationResult, error) {
	s.lastUserID = userID
	s.lastConversationID = conversationID
	return s.validateResult, s.validateErr
}

func (s *stubConversationService) Reject(_ context.Context, userID, conversationID int64) (*models.AdjustmentConversation, error) {
	s.lastUserID = userID
	s.lastConversationID = conversationID
	return s.rejectResult, s.rejectErr
}

func (s *stubConversationService) Abandon(_ context.Context, userID, conversationID int64) (*models.AdjustmentConversation, error) {
	s.lastUserID = userID
	s.lastConversationID = conversationID
	return s.abandonResult, s.abandonErr
}

func newChatTestApp(service conversationApplicationService) *fiber.App {
	handler := &ChatHandler{service: service, hub: chatws.NewHub()}

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", "42")
		return c.Next()
	})
	app.Get("/api/v1/chat/blocks/:blockId/active-conversation", handler.GetActiveConversation)
	app.Post("/api/v1/chat/conversations", handler.CreateConversation)
	app.Get("/api/v1/chat/conversations/:id", handler.GetConversation)
	app.Post("/api/v1/chat/conversations/:id/messages", handler.SendMessage)
	app.Post("/api/v1/chat/conversations/:id/propose", handler.RequestProposal)
	app.Post("/api/v1/chat/conversations/:id/validate", handler.ValidateProposal)
	app.Post("/api/v1/chat/conversations/:id/reject", handler.RejectProposal)
	return app
}

func TestGetActiveConversationNotFound(t *testing.T) {
	service := &stubConversationService{activeErr: services.ErrNoActiveConversation}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/chat/blocks/3/active-conversation", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["detail"] == "" {
		t.Fatal("expected a detail field in the error body")
	}
	if service.lastUserID != 42 || service.lastBlockID != 3 {
		t.Fatalf("expected user 42 block 3, got %d/%d", service.lastUserID, service.lastBlockID)
	}
}

func TestCreateConversationPassesScopeMode(t *testing.T) {
	service := &stubConversationService{
		createResult: &services.ConversationDetail{
			Conversation: &models.AdjustmentConversation{
				ID:        11,
				UserID:    42,
				BlockID:   3,
				ScopeMode: models.ScopeModeRolling4Weeks,
				State:     models.ConversationStateActive,
			},
			Messages: []models.ConversationMessage{},
		},
	}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations", strings.NewReader(`{
		"block_id": 3,
		"scope_mode": "rolling_4weeks"
	}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	if service.lastScopeMode != models.ScopeModeRolling4Weeks {
		t.Fatalf("expected rolling_4weeks, got %q", service.lastScopeMode)
	}

	var body struct {
		Conversation models.AdjustmentConversation `json:"conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Conversation.ID != 11 {
		t.Fatalf("expected conversation 11, got %d", body.Conversation.ID)
	}
}

func TestSendMessageResponseShape(t *testing.T) {
	service := &stubConversationService{
		sendResult: &services.SendMessageResult{
			UserMessage:      &models.ConversationMessage{ID: 20, Role: models.MessageRoleUser},
			AssistantMessage: &models.ConversationMessage{ID: 21, Role: models.MessageRoleAssistant, Content: "On ajuste."},
			TokensUsed:       55,
			IsCached:         true,
			MessageCount:     6,
			ApproachingLimit: false,
		},
	}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/11/messages", strings.NewReader(`{
		"content": "Je veux augmenter le volume"
	}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if service.lastConversationID != 11 {
		t.Fatalf("expected conversation 11, got %d", service.lastConversationID)
	}
	if service.lastContent != "Je veux augmenter le volume" {
		t.Fatalf("unexpected content %q", service.lastContent)
	}

	var body struct {
		MessageID        int64  `json:"message_id"`
		Content          string `json:"content"`
		IsCached         bool   `json:"is_cached"`
		TokensUsed       int    `json:"tokens_used"`
		ApproachingLimit bool   `json:"approaching_limit"`
		MessageCount     int    `json:"message_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.MessageID != 21 {
		t.Fatalf("expected the assistant message id, got %d", body.MessageID)
	}
	if body.Content != "On ajuste." || !body.IsCached || body.TokensUsed != 55 || body.MessageCount != 6 {
		t.Fatalf("unexpected response body %+v", body)
	}
}

func TestSendMessageMapsLimitError(t *testing.T) {
	service := &stubConversationService{sendErr: services.ErrMessageLimit}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/11/messages", strings.NewReader(`{"content": "un de plus"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestValidateWithoutProposal(t *testing.T) {
	service := &stubConversationService{validateErr: services.ErrNoProposalReady}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/11/validate", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["detail"] != "no proposal ready" {
		t.Fatalf("expected detail 'no proposal ready', got %q", body["detail"])
	}
}

func TestProposeReturnsProposal(t *testing.T) {
	service := &stubConversationService{
		proposeResult: &models.Proposal{
			Analysis:   "Alleger la semaine 3.",
			TokensUsed: 280,
			Adjustments: []models.WorkoutAdjustment{
				{WorkoutID: 7, Action: models.AdjustmentActionDelete, Reasoning: "surcharge"},
			},
		},
	}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/11/propose", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var proposal models.Proposal
	if err := json.NewDecoder(resp.Body).Decode(&proposal); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if proposal.Analysis == "" || len(proposal.Adjustments) != 1 {
		t.Fatalf("unexpected proposal %+v", proposal)
	}
}

func TestRejectReturnsActiveConversation(t *testing.T) {
	service := &stubConversationService{
		rejectResult: &models.AdjustmentConversation{
			ID:    11,
			State: models.ConversationStateActive,
		},
	}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/11/reject", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Conversation models.AdjustmentConversation `json:"conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Conversation.State != models.ConversationStateActive {
		t.Fatalf("expected active after reject, got %q", body.Conversation.State)
	}
}

func TestConversationRoutesRejectBadIDs(t *testing.T) {
	service := &stubConversationService{}
	app := newChatTestApp(service)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/conversations/abc/propose", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
