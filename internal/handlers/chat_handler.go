package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/ElliotCay/suivi-run-sub002/internal/models"
	"github.com/ElliotCay/suivi-run-sub002/internal/services"
	chatws "github.com/ElliotCay/suivi-run-sub002/internal/websocket"
	"github.com/ElliotCay/suivi-run-sub002/pkg/utils"
)

type conversationApplicationService interface {
	GetActive(ctx context.Context, userID int64, blockID int64) (*services.ConversationDetail, error)
	GetOrCreate(ctx context.Context, userID int64, blockID int64, scopeMode string) (*services.ConversationDetail, error)
	GetConversation(ctx context.Context, userID int64, conversationID int64) (*services.ConversationDetail, error)
	SendMessage(ctx context.Context, userID int64, conversationID int64, content string) (*services.SendMessageResult, error)
	Propose(ctx context.Context, userID int64, conversationID int64) (*models.Proposal, error)
	Validate(ctx context.Context, userID int64, conversationID int64) (*services.ValidationResult, error)
	Reject(ctx context.Context, userID int64, conversationID int64) (*models.AdjustmentConversation, error)
	Abandon(ctx context.Context, userID int64, conversationID int64) (*models.AdjustmentConversation, error)
}

type ChatHandler struct {
	service   conversationApplicationService
	hub       *chatws.Hub
	jwtSecret string
}

func NewChatHandler(service conversationApplicationService, hub *chatws.Hub, jwtSecret string) *ChatHandler {
	return &ChatHandler{
		service:   service,
		hub:       hub,
		jwtSecret: jwtSecret,
	}
}

type createConversationRequest struct {
	BlockID   int64  `json:"block_id"`
	ScopeMode string `json:"scope_mode"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) GetActiveConversation(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	blockID, err := strconv.ParseInt(c.Params("blockId"), 10, 64)
	if err != nil || blockID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid block id"})
	}

	detail, err := h.service.GetActive(c.Context(), userID, blockID)
	if err != nil {
		return mapConversationError(c, err)
	}
	return c.JSON(detail)
}

func (h *ChatHandler) CreateConversation(c *fiber.Ctx) error {
	userID, err := parseUserID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid request body"})
	}

	detail, err := h.service.GetOrCreate(c.Context(), userID, req.BlockID, req.ScopeMode)
	if err != nil {
		return mapConversationError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(detail)
}

func (h *ChatHandler) GetConversation(c *fiber.Ctx) error {
	userID, conversationID, err := h.parseConversationRequest(c)
	if err != nil {
		return err
	}

	detail, err := h.service.GetConversation(c.Context(), userID, conversationID)
	if err != nil {
		return mapConversationError(c, err)
	}
	return c.JSON(detail)
}

func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, conversationID, err := h.parseConversationRequest(c)
	if err != nil {
		return err
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid request body"})
	}

	result, err := h.service.SendMessage(c.Context(), userID, conversationID, req.Content)
	if err != nil {
		return mapConversationError(c, err)
	}

	h.hub.Notify(strconv.FormatInt(userID, 10), &chatws.Event{
		Type:           chatws.EventAssistantMessage,
		ConversationID: conversationID,
		Content:        result.AssistantMessage.Content,
	})

	return c.JSON(fiber.Map{
		"message_id":        result.AssistantMessage.ID,
		"content":           result.AssistantMessage.Content,
		"is_cached":         result.IsCached,
		"tokens_used":       result.TokensUsed,
		"approaching_limit": result.ApproachingLimit,
		"message_count":     result.MessageCount,
	})
}

func (h *ChatHandler) RequestProposal(c *fiber.Ctx) error {
	userID, conversationID, err := h.parseConversationRequest(c)
	if err != nil {
		return err
	}

	proposal, err := h.service.Propose(c.Context(), userID, conversationID)
	if err != nil {
		return mapConversationError(c, err)
	}

	h.hub.Notify(strconv.FormatInt(userID, 10), &chatws.Event{
		Type:           chatws.EventProposalReady,
		ConversationID: conversationID,
		State:          models.ConversationStateProposalReady,
	})

	return c.JSON(proposal)
}

func (h *ChatHandler) ValidateProposal(c *fiber.Ctx) error {
	userID, conversationID, err := h.parseConversationRequest(c)
	if err != nil {
		return err
	}

	result, err := h.service.Validate(c.Context(), userID, conversationID)
	if err != nil {
		return mapConversationError(c, err)
	}

	h.hub.Notify(strconv.FormatInt(userID, 10), &chatws.Event{
		Type:           chatws.EventValidated,
		ConversationID: conversationID,
		State:          models.ConversationStateValidated,
	})

	return c.JSON(result)
}

func (h *ChatHandler) RejectProposal(c *fiber.Ctx) error {
	userID, conversationID, err := h.parseConversationRequest(c)
	if err != nil {
		return err
	}

	conversation, err := h.service.Reject(c.Context(), userID, conversationID)
	if err != nil {
		return mapConversationError(c, err)
	}

	h.hub.Notify(strconv.FormatInt(userID, 10), &chatws.Event{
		Type:           chatws.EventRejected,
		ConversationID: conversationID,
		State:          conversation.State,
	})

	return c.JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) AbandonConversation(c *fiber.Ctx) error {
	userID, conversationID, err := h.parseConversationRequest(c)
	if err != nil {
		return err
	}

	conversation, err := h.service.Abandon(c.Context(), userID, conversationID)
	if err != nil {
		return mapConversationError(c, err)
	}
	return c.JSON(fiber.Map{"conversation": conversation})
}

func (h *ChatHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"detail": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	return c.Next()
}

func (h *ChatHandler) HandleWebSocket(conn *websocket.Conn) {
	userID, _ := conn.Locals("user_id").(string)
	client := chatws.NewClient(h.hub, conn, userID)

	h.hub.Register(client)
	go client.WritePump()
	client.ReadPump()
}

func (h *ChatHandler) parseConversationRequest(c *fiber.Ctx) (int64, int64, error) {
	userID, err := parseUserID(c)
	if err != nil {
		return 0, 0, c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"detail": "Invalid token"})
	}

	conversationID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || conversationID <= 0 {
		return 0, 0, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid conversation id"})
	}
	return userID, conversationID, nil
}

func (h *ChatHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}

func mapConversationError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrForbidden):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"detail": "Forbidden"})
	case errors.Is(err, services.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"detail": "Invalid request"})
	case errors.Is(err, services.ErrBlockNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "Block not found"})
	case errors.Is(err, services.ErrNoActiveConversation):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"detail": "no active conversation"})
	case errors.Is(err, services.ErrConversationClosed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"detail": "conversation is closed"})
	case errors.Is(err, services.ErrNoProposalReady):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"detail": "no proposal ready"})
	case errors.Is(err, services.ErrMessageLimit):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"detail": "conversation message limit reached"})
	case errors.Is(err, services.ErrInvalidProposal):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"detail": "assistant produced an invalid proposal"})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"detail": "Failed to process conversation request"})
	}
}
