package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/digkill/RecipePlayground/internal/config"
	"github.com/digkill/RecipePlayground/internal/database"
	"github.com/digkill/RecipePlayground/internal/kie"
	"github.com/digkill/RecipePlayground/internal/llm"
	"github.com/digkill/RecipePlayground/internal/ratelimit"
	"github.com/digkill/RecipePlayground/internal/repository"
	"github.com/digkill/RecipePlayground/internal/server"
	"github.com/digkill/RecipePlayground/internal/service"
	"github.com/digkill/RecipePlayground/internal/storage"
	"github.com/digkill/RecipePlayground/pkg/logger"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	usageRepo := repository.NewUsageRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	executionRepo := repository.NewExecutionRepository(db)

	var archive service.Archiver
	if cfg.S3Enabled() {
		uploader, err := storage.NewUploader(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			log.Fatalf("storage uploader: %v", err)
		}
		archive = uploader
	} else {
		logr.Info("image archiving disabled, S3 is not configured")
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logr.Warn("redis unavailable, rate limiting disabled", "addr", cfg.RedisAddr, "err", err)
			_ = rdb.Close()
			rdb = nil
		} else {
			defer rdb.Close()
		}
	} else {
		logr.Warn("REDIS_ADDR not set, rate limiting disabled")
	}

	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.RequestTimeout, logr)
	kieClient := kie.NewClient(cfg.KIEBaseURL, cfg.KIEAPIKey, cfg.RequestTimeout, logr)

	executions := service.NewExecutionService(service.ExecutionConfig{
		DailyFreeLimit: cfg.DailyFreeExecutions,
		Price:          cfg.ExecutionPriceMinor,
	}, logr, usageRepo, paymentRepo, executionRepo, nil, service.LLMBackend(llmClient), kieClient, archive)

	payments := service.NewPaymentService(service.PaymentConfig{
		Price:       cfg.ExecutionPriceMinor,
		Currency:    cfg.PaymentCurrency,
		OrderPrefix: cfg.PaymentOrderPrefix,
	}, logr, paymentRepo, usageRepo)

	srv := server.NewServer(server.Options{
		Addr:                  cfg.ListenAddr,
		APIKey:                cfg.APIKey,
		WebhookSecret:         cfg.PaymentWebhookSecret,
		MaxPromptLength:       cfg.MaxPromptLength,
		MaxSystemPromptLength: cfg.MaxSystemPromptLen,
		RateLimitIP:           cfg.RateLimitPerMinIP,
		RateLimitUser:         cfg.RateLimitPerMinUser,
	}, logr, executions, payments, ratelimit.New(rdb, "recipe:ratelimit"))

	if err := srv.Run(ctx); err != nil {
		logr.Error("server stopped", "err", err)
	}
}
