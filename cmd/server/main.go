package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/api"
	"github.com/wikisubmission/ws-push-service/internal/apns"
	"github.com/wikisubmission/ws-push-service/internal/circuitbreaker"
	"github.com/wikisubmission/ws-push-service/internal/config"
	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/metrics"
	"github.com/wikisubmission/ws-push-service/internal/observ"
	"github.com/wikisubmission/ws-push-service/internal/prayer"
	"github.com/wikisubmission/ws-push-service/internal/provider"
	"github.com/wikisubmission/ws-push-service/internal/queue"
	"github.com/wikisubmission/ws-push-service/internal/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Local development convenience; production injects real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting push service",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	// Database
	ctx := context.Background()
	dbConfig := db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}

	database, err := db.New(ctx, dbConfig, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)
	recipients := db.NewRecipientRepository(database, logger)
	verses := db.NewVerseRepository(database, logger)

	// Redis is optional: without it the trigger endpoints lose rate limiting
	// and duplicate suppression but scheduled delivery is unaffected.
	var rateLimiter *redis.RateLimiter
	var guard *redis.TriggerGuard
	if cfg.RedisEnabled {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, rate limiting and trigger dedup disabled",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  cfg.RateLimitPerDevice,
				Window: time.Duration(cfg.RateLimitWindowSec) * time.Second,
			})
			guard = redis.NewTriggerGuard(redisClient, logger)
		}
	}

	// Push gateway behind a circuit breaker
	gateway, err := apns.NewClient(apns.Config{
		TeamID:     cfg.APNsTeamID,
		KeyID:      cfg.APNsKeyID,
		PrivateKey: cfg.APNsPrivateKey,
		BundleID:   cfg.APNsBundleID,
	}, recipients, logger)
	if err != nil {
		return fmt.Errorf("failed to create push gateway: %w", err)
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("apns"), logger)
	sender := circuitbreaker.NewProtectedSender(gateway, breaker, logger)

	// Content providers
	schedules := prayer.NewClient(cfg.PrayerAPIBaseURL, logger)
	prayerTimes := provider.NewPrayerTimes(repo, recipients, schedules, logger)
	dailyVerse := provider.NewDailyVerse(repo, recipients, verses, logger)
	randomVerse := provider.NewRandomVerse(repo, recipients, verses, logger)

	// Queue engine owns the enqueue and sweep loops for every scheduled
	// category. Cancelling engineCtx stops the loops; rows already pending
	// stay PENDING and are picked up on the next start.
	engine := queue.New(repo, sender, []queue.Provider{
		prayerTimes,
		dailyVerse,
		randomVerse,
	}, queue.Config{}, logger)

	engineCtx, engineCancel := context.WithCancel(context.Background())
	defer engineCancel()

	go engine.Start(engineCtx)

	logger.Info("queue engine started",
		zap.Int("providers", 3),
	)

	// Router
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// Custom logging middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	renderers := map[string]api.Renderer{
		db.CategoryPrayerTimes: prayerTimes,
		db.CategoryDailyVerse:  dailyVerse,
		db.CategoryRandomVerse: randomVerse,
	}

	var handler *api.Handler
	if guard != nil {
		handler = api.NewHandlerWithGuard(logger, repo, sender, renderers, guard)
	} else {
		handler = api.NewHandler(logger, repo, sender, renderers)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.APIKeyMiddleware(cfg.APIKey, logger))
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, func(req *http.Request) string {
			if key := api.DeviceKeyFunc(req); key != "" {
				return key
			}
			return api.IPKeyFunc(req)
		}))

		r.Post("/send", handler.Send)
		r.Get("/queue", handler.ListQueue)
	})

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		// Stop arming new send timers before draining HTTP
		engineCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
