package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"sudooom.portal.messaging/internal/config"
	"sudooom.portal.messaging/internal/handler"
	"sudooom.portal.messaging/internal/health"
	"sudooom.portal.messaging/internal/metrics"
	"sudooom.portal.messaging/internal/middleware"
	"sudooom.portal.messaging/internal/notification"
	"sudooom.portal.messaging/internal/realtime"
	"sudooom.portal.messaging/internal/repository"
	"sudooom.portal.messaging/internal/router"
	"sudooom.portal.messaging/internal/safety"
	"sudooom.portal.messaging/internal/service"
	"sudooom.portal.messaging/internal/unread"
	"sudooom.portal.messaging/pkg/jwt"
	"sudooom.portal.messaging/pkg/snowflake"
)

// @title        Portal Messaging API
// @version      1.0
// @description  Direct messages between portal residents.
// @BasePath     /api/v1
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.App.LogLevel),
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sfNode, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	// Storage
	var (
		conversationRepo repository.ConversationRepository
		messageRepo      repository.MessageRepository
		dbProbe          health.Pinger
	)
	switch cfg.Messaging.StoreDriver {
	case config.StoreDriverMemory:
		store := repository.NewMemoryStore()
		conversationRepo = store.Conversations()
		messageRepo = store.Messages()
		logger.Warn("Using in-memory store, data is lost on restart")
	default:
		db, err := connectDatabase(ctx, cfg.Database)
		if err != nil {
			logger.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		logger.Info("Connected to PostgreSQL", "host", cfg.Database.Host)
		conversationRepo = repository.NewPostgresConversationRepository(db)
		messageRepo = repository.NewPostgresMessageRepository(db)
		dbProbe = db
	}

	// Realtime transport
	busOpts := realtime.Options{DedupWindow: cfg.Messaging.DedupWindow}
	var (
		bus       realtime.Bus
		transport health.Transport
	)
	switch cfg.Messaging.BusDriver {
	case config.BusDriverLocal:
		bus = realtime.NewLocalBus(busOpts)
		logger.Info("Using in-process realtime bus")
	default:
		natsBus, err := realtime.NewNATSBus(cfg.NATS, busOpts)
		if err != nil {
			logger.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsBus.Close()
		natsBus.OnExhausted(func() {
			logger.Error("NATS reconnect attempts exhausted, clients fall back to polling",
				"pollInterval", cfg.Messaging.PollInterval)
		})
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
		bus = natsBus
		transport = natsBus
	}

	// Redis backs the send rate limiter only; without it sends are not limited.
	redisClient := connectRedis(cfg.Redis)
	var sendLimiter *middleware.RateLimiter
	pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unavailable, send rate limiting disabled", "host", cfg.Redis.Host, "error", err)
		_ = redisClient.Close()
		redisClient = nil
	} else {
		defer redisClient.Close()
		logger.Info("Connected to Redis", "host", cfg.Redis.Host)
		sendLimiter = middleware.NewRateLimiter(redisClient, "portal:dm:send",
			cfg.Messaging.SendRateLimit, cfg.Messaging.SendRateWindow)
	}
	pingCancel()

	// Services
	filter := safety.NewFilter(cfg.Messaging.MaxContentLength)
	conversationService := service.NewConversationService(conversationRepo, bus, sfNode)
	messageService := service.NewMessageService(messageRepo, conversationService, filter, bus, sfNode)

	hub := notification.NewHub(ctx, func(userID int64) *notification.Client {
		return notification.NewClient(userID, conversationService, messageService, bus, filter, notification.Config{
			PollInterval: cfg.Messaging.PollInterval,
			Unread:       unread.Config{PollInterval: cfg.Messaging.PollInterval},
		})
	})

	jwtService := jwt.NewService(cfg.JWT.SecretKey, cfg.JWT.AccessExpire)

	r := router.SetupRouter(cfg, jwtService, sendLimiter, router.Handlers{
		Conversation: handler.NewConversationHandler(conversationService),
		Message:      handler.NewMessageHandler(messageService),
		Unread:       handler.NewUnreadHandler(messageService),
		Events:       handler.NewEventsHandler(hub),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: r,
	}
	go func() {
		logger.Info("Messaging API started", "addr", server.Addr, "mode", cfg.HTTP.Mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	healthChecker := health.NewChecker(transport, redisClient, dbProbe)
	healthServer := newHealthServer(cfg.HTTP.HealthPort, healthChecker)
	go func() {
		logger.Info("Health check server started", "addr", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health check server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// event streams end with the hub; stop it before draining the server
	hub.Close()
	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown", "error", err)
	}
	logger.Info("Messaging service stopped")
}

func newHealthServer(port int, checker *health.Checker) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.HandleFunc("/ready", checker.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func connectRedis(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.Name,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = 10 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
