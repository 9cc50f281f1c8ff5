package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/AndyTargino/vex-client-sdk/internal/api"
	"github.com/AndyTargino/vex-client-sdk/internal/config"
	"github.com/AndyTargino/vex-client-sdk/internal/database"
	"github.com/AndyTargino/vex-client-sdk/internal/handler"
	"github.com/AndyTargino/vex-client-sdk/internal/jobs"
	"github.com/AndyTargino/vex-client-sdk/internal/middleware"
	"github.com/AndyTargino/vex-client-sdk/internal/outbox"
	"github.com/AndyTargino/vex-client-sdk/internal/redis"
	"github.com/AndyTargino/vex-client-sdk/internal/repository"
	"github.com/AndyTargino/vex-client-sdk/internal/service"
	"github.com/AndyTargino/vex-client-sdk/internal/session"
	"github.com/AndyTargino/vex-client-sdk/internal/sse"
	"github.com/AndyTargino/vex-client-sdk/internal/transport"
	"github.com/AndyTargino/vex-client-sdk/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("APP_ENV") == "production"
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()

	var sessionRepo repository.SessionRepository
	var db *database.DB
	if cfg.DatabaseURL != "" {
		db, err = database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate database")
		}
		sessionRepo = repository.NewSessionRepository(db.DB)
		log.Info().Msg("database connected")
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")
	}

	store, err := newOutboxStore(cfg, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure outbox store")
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	client := api.NewClient(api.Options{
		BaseURL:    cfg.APIURL,
		Token:      cfg.APIToken,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.HTTPMaxRetries,
		BaseDelay:  cfg.HTTPRetryBaseDelay,
	})

	webhookURL := ""
	if cfg.WebhookPublicURL != "" {
		webhookURL = cfg.WebhookPublicURL + handler.WebhookPath
	}

	manager := service.NewSessionManager(ctx, client, service.SessionManagerOptions{
		Session: session.Options{
			WebhookURL:            webhookURL,
			PushEnabled:           cfg.PushEnabled,
			NewTransport:          newTransportFactory(cfg),
			PollInterval:          cfg.PollInterval,
			HealthCheckInterval:   cfg.HealthCheckInterval,
			ReconnectInitialDelay: cfg.ReconnectInitialDelay,
			ReconnectMaxDelay:     cfg.ReconnectMaxDelay,
			ReconnectMultiplier:   cfg.ReconnectMultiplier,
			MaxReconnectAttempts:  cfg.ReconnectMaxAttempts,
		},
		Outbox: outbox.Options{
			MaxQueueSize:    cfg.OutboxMaxQueueSize,
			MaxAge:          cfg.OutboxMaxAge,
			MaxAttempts:     cfg.OutboxMaxAttempts,
			BaseDelay:       cfg.OutboxBaseDelay,
			MaxDelay:        cfg.OutboxMaxDelay,
			PersistInterval: cfg.OutboxPersistInterval,
			Store:           store,
		},
		Broker:   broker,
		Sessions: sessionRepo,
	})

	restoreCtx, cancel := context.WithTimeout(ctx, config.ServerShutdownTimeout)
	if _, err := manager.Restore(restoreCtx); err != nil {
		log.Error().Err(err).Msg("failed to restore sessions")
	}
	cancel()

	var limiter middleware.Limiter = middleware.NewMemoryLimiter()
	if redisClient != nil {
		limiter = middleware.NewRedisLimiter(redisClient.Client)
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.APITokenHash)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.RateLimitPerMin)
	signatureMiddleware := middleware.NewWebhookSignatureMiddleware(cfg.WebhookSecret)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	webhookBodyLimit := middleware.NewBodyLimitMiddleware(config.WebhookMaxBodySize)

	webhookHandler := handler.NewWebhookHandler(func(id string) (handler.EventInjector, bool) {
		orch, ok := manager.Lookup(id)
		if !ok {
			return nil, false
		}
		return orch, true
	})
	eventsHandler := handler.NewEventsHandler(broker, manager)
	sessionHandler := handler.NewSessionHandler(manager, eventsHandler)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		if !client.Status().Online() {
			status = "degraded"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    status,
			"backend":   client.Status().Online(),
			"outbox":    manager.Outbox().Stats(),
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(webhookBodyLimit.Handler)
		r.Use(signatureMiddleware.Handler)
		r.Post(handler.WebhookPath, webhookHandler.ServeHTTP)
	})

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Use(securityHeadersMiddleware.Handler)
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Use(bodyLimitMiddleware.Handler)
		r.Mount("/", sessionHandler.Routes())
	})

	var sweepJob *jobs.SweepJob
	if sessionRepo != nil {
		sweepJob = jobs.NewSweepJob(sessionRepo, cfg.SessionRetention, config.SweepJobInterval)
		sweepJob.Start()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if sweepJob != nil {
		sweepJob.Stop()
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush outbox")
	}

	log.Info().Msg("server stopped")
}

func newOutboxStore(cfg *config.Config, redisClient *redis.Client) (outbox.Store, error) {
	if cfg.OutboxStore == "redis" {
		return outbox.NewRedisStore(redisClient), nil
	}

	var key []byte
	if cfg.EncryptionKey != "" {
		var err error
		key, err = util.ParseKey(cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
	}
	return outbox.NewFileStore(cfg.OutboxDir, key), nil
}

func newTransportFactory(cfg *config.Config) session.TransportFactory {
	return func(sessionID string, cb transport.Callbacks) session.PushTransport {
		return transport.New(transport.Options{
			URL:              cfg.PushURL(),
			Token:            cfg.APIToken,
			SessionID:        sessionID,
			ConnectTimeout:   cfg.ConnectTimeout,
			SubscribeTimeout: cfg.SubscribeTimeout,
			SendTimeout:      cfg.SendTimeout,
		}, cb)
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
