package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consultancy-chat/internal/chat"
	"consultancy-chat/internal/config"
	"consultancy-chat/internal/db"
	"consultancy-chat/internal/keystore"
	"consultancy-chat/internal/metrics"
	myMiddleware "consultancy-chat/internal/middleware"
	"consultancy-chat/internal/realtime"
	"consultancy-chat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func initLogger(cfg *config.Config) *slog.Logger {
	var logger *slog.Logger
	if cfg.IsDevelopment() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	slog.SetDefault(logger)

	return logger
}

func initBroker(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (realtime.Broker, func()) {
	if cfg.Addr == "" {
		logger.Info("REDIS_ADDR not set, realtime fan-out stays in process")
		return realtime.NewLocalBroker(), func() {}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	log.Println("✅ Connected to Redis")
	return realtime.NewRedisBroker(redisClient, cfg.Channel), func() { redisClient.Close() }
}

func main() {
	// 1. Config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ %v", err)
	}
	logger := initLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Storage
	var (
		userRepo  user.Store
		chatStore chat.Store
		ping      = func(context.Context) error { return nil }
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		database, err := db.NewDatabase(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("❌ Failed to connect to DB: %v", err)
		}
		defer database.Close()
		log.Println("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
		log.Println("✅ Database Schema Initialized")

		userRepo = user.NewRepository(database.Conn)
		chatStore = chat.NewRepository(database.Conn)
		ping = database.Conn.PingContext
	case config.DriverMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		userRepo = user.NewMemoryRepository()
		chatStore = chat.NewMemoryStore()
	}

	// 3. Realtime
	m := metrics.New()
	broker, closeBroker := initBroker(ctx, &cfg.Redis, logger)
	defer closeBroker()

	// The hub outlives the signal context so that requests still draining
	// during shutdown can publish.
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	presence := realtime.NewPresence()
	hub := realtime.NewHub(broker, presence, m, logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(hubCtx); err != nil {
			logger.Error("realtime hub stopped", "error", err)
			stop()
		}
	}()

	// 4. Features
	userService := user.NewService(userRepo, cfg.JWT.Secret, cfg.JWT.TTL)
	userHandler := user.NewHandler(userService)

	keys := keystore.New(userRepo, logger)
	keyHandler := keystore.NewHandler(keys, userRepo)

	chatService := chat.NewService(chatStore, keys, userRepo, hub, presence, m, logger)
	chatHandler := chat.NewHandler(chatService, logger)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(myMiddleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/health", healthHandler(ping, presence))
	r.Handle("/metrics", m.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{id}/public-key", keyHandler.GetPublicKey)
		r.Post("/api/keys", keyHandler.GenerateKeys)

		r.Get("/ws", hub.ServeWs)

		r.Get("/api/conversations", chatHandler.ListConversations)
		r.Post("/api/conversations", chatHandler.CreateConversation)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
		r.Post("/api/messages", chatHandler.SendMessage)
		r.Post("/api/messages/{id}/read", chatHandler.MarkRead)
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("🚀 Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("❌ listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	stopHub()
	<-hubDone

	log.Println("Server exiting")
}
