package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"slices"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"chat-gateway/internal/auth"
	"chat-gateway/internal/config"
	"chat-gateway/internal/db"
	"chat-gateway/internal/handlers"
	"chat-gateway/internal/middleware"
	"chat-gateway/internal/observability"
	"chat-gateway/internal/rabbitmq"
	"chat-gateway/internal/repositories"
	"chat-gateway/internal/services"
	"chat-gateway/internal/telemetry"
	"chat-gateway/internal/ws"
)

const (
	shutdownTimeout = 15 * time.Second
	auditRoutingKey = "audit.chat"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.App.Environment, cfg.Telemetry.ServiceName)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName, cfg.App.Environment, logger)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}

	database, err := db.Connect(ctx, cfg.Database.DSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to db", zap.Error(err))
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
	observability.SetPublisher(publisher)
	logger.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.Telemetry.ServiceName, cfg.App.Environment, logger)

	userRepo := repositories.NewUserRepo(database)
	conversationRepo := repositories.NewConversationRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	groupRepo := repositories.NewGroupRepo(database)

	authn := auth.NewAuthenticator(cfg.JWT.AccessSecret, cfg.JWT.Issuer, nil)
	membership := services.NewMembership(groupRepo)
	resolver := services.NewConversationResolver(conversationRepo, logger)
	chatService := services.NewChatService(userRepo, conversationRepo, messageRepo, membership, resolver, logger, cfg.Chat.HistoryMaxLimit)
	receipts := services.NewReadReceiptTracker(conversationRepo, messageRepo, logger, nil)
	presence := services.NewPresence(userRepo, logger, nil)
	groupService := services.NewGroupService(groupRepo)

	if n, err := presence.ResetAll(ctx); err != nil {
		logger.Warn("presence reset failed", zap.Error(err))
	} else {
		logger.Info("presence reset", zap.Int64("users", n))
	}

	hub := ws.NewHub(logger)
	gateway := ws.NewGateway(hub, authn, chatService, receipts, membership, presence, logger, ws.Options{
		EchoToSender:   cfg.Chat.EchoToSender,
		AllowedOrigins: cfg.Server.CORSOrigins,
	})

	chatHandler := handlers.NewChatHandler(chatService, receipts, gateway)
	groupHandler := handlers.NewGroupHandler(groupService, audit)

	if cfg.App.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.Server.CORSOrigins)))
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := database.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(observability.MetricsHandler()))

	authMiddleware := middleware.AuthMiddleware(authn)

	router.POST("/chat", authMiddleware, chatHandler.SendMessage)
	router.GET("/chat/messages", authMiddleware, chatHandler.GetMessages)
	router.GET("/chat/conversations", authMiddleware, chatHandler.ListConversations)
	router.POST("/chat/conversations/:conversation_id/read", authMiddleware, chatHandler.MarkConversationRead)

	router.POST("/groups", authMiddleware, groupHandler.CreateGroup)
	router.GET("/groups", authMiddleware, groupHandler.ListGroups)
	router.GET("/groups/:group_id", authMiddleware, groupHandler.GetGroup)
	router.DELETE("/groups/:group_id", authMiddleware, groupHandler.DeleteGroup)
	router.POST("/groups/:group_id/leave", authMiddleware, groupHandler.LeaveGroup)
	router.GET("/groups/:group_id/members", authMiddleware, groupHandler.ListMembers)
	router.POST("/groups/:group_id/members", authMiddleware, groupHandler.InviteMembers)
	router.DELETE("/groups/:group_id/members/:user_id", authMiddleware, groupHandler.KickMember)
	router.PATCH("/groups/:group_id/members/:user_id/role", authMiddleware, groupHandler.ChangeMemberRole)

	router.GET("/ws/chat", gateway.Handle)

	handlers.RegisterDebugRoutes(router, audit, handlers.DebugInfo{
		Connections:   hub.ClientCount,
		Rooms:         hub.RoomStats,
		PublisherMode: rabbitmq.PublisherMode(publisher),
		NoopReason:    rabbitmq.PublisherNoopReason(publisher),
	}, cfg.App.DebugRoutes)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("chat gateway listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		ctx,
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"chat-gateway": func(ctx context.Context) error {
				logger.Info("graceful shutdown initiated")
				err := server.Shutdown(ctx)
				// presence writes on disconnect need the publisher and DB still open
				err = errors.Join(err, hub.Shutdown(ctx))
				err = errors.Join(err, publisher.Close())
				err = errors.Join(err, shutdownTracing(ctx))
				return errors.Join(err, database.Close())
			},
		},
	)

	exitCode := <-wait
	logger.Info("chat gateway exited", zap.Int("code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", observability.RequestIDHeader},
		ExposeHeaders: []string{observability.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}
