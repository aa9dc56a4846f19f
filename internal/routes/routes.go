package routes

import (
	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ElliotCay/suivi-run-sub002/internal/ai"
	"github.com/ElliotCay/suivi-run-sub002/internal/config"
	"github.com/ElliotCay/suivi-run-sub002/internal/handlers"
	"github.com/ElliotCay/suivi-run-sub002/internal/middleware"
	"github.com/ElliotCay/suivi-run-sub002/internal/repository"
	"github.com/ElliotCay/suivi-run-sub002/internal/services"
	chatws "github.com/ElliotCay/suivi-run-sub002/internal/websocket"
)

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool) error {
	userRepo := repository.NewUserRepository(db)
	blockRepo := repository.NewBlockRepository(db)
	workoutRepo := repository.NewWorkoutRepository(db)
	conversationRepo := repository.NewConversationRepository(db)
	messageRepo := repository.NewMessageRepository(db)

	coach := ai.NewCoach(cfg.AnthropicAPIKey, cfg.AnthropicModel)

	authHandler := handlers.NewAuthHandler(userRepo, cfg.JWTSecret)
	planService := services.NewPlanService(blockRepo, workoutRepo)
	planHandler := handlers.NewPlanHandler(planService)
	conversationService := services.NewConversationService(
		db,
		conversationRepo,
		messageRepo,
		blockRepo,
		workoutRepo,
		coach,
		cfg.MessageLimit,
		cfg.MessageWarnAt,
	)
	chatHub := chatws.NewHub()
	go chatHub.Run()
	chatHandler := handlers.NewChatHandler(conversationService, chatHub, cfg.JWTSecret)

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	blocks := authProtected.Group("/blocks")
	blocks.Post("", planHandler.CreateBlock)
	blocks.Get("", planHandler.ListBlocks)
	blocks.Get("/:id", planHandler.GetBlock)
	blocks.Post("/:id/workouts", planHandler.AddWorkout)
	blocks.Get("/:id/workouts", planHandler.ListWorkouts)

	authProtected.Get("/workouts/:id", planHandler.GetWorkout)

	chat := authProtected.Group("/chat")
	chat.Get("/blocks/:blockId/active-conversation", chatHandler.GetActiveConversation)

	conversations := chat.Group("/conversations")
	conversations.Post("", chatHandler.CreateConversation)
	conversations.Get("/:id", chatHandler.GetConversation)
	conversations.Post("/:id/messages", chatHandler.SendMessage)
	conversations.Post("/:id/propose", chatHandler.RequestProposal)
	conversations.Post("/:id/validate", chatHandler.ValidateProposal)
	conversations.Post("/:id/reject", chatHandler.RejectProposal)
	conversations.Post("/:id/abandon", chatHandler.AbandonConversation)

	api.Use("/v1/ws", chatHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(chatHandler.HandleWebSocket))

	return registerDocsRoutes(app, cfg)
}
