package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/delivery-engine/internal/api"
	"github.com/ignite/delivery-engine/internal/config"
	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/feedback"
	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/reputation"
	"github.com/ignite/delivery-engine/internal/repository/postgres"
	"github.com/ignite/delivery-engine/internal/service/delivery"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v", port, addr, err)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("Starting Delivery Engine API server...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", cfg.Server.Port)

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

	// Redis is optional: without it the lock factory falls back to PG
	// advisory locks and enqueue throttling is disabled.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Printf("Warning: Redis connection failed (%s): %v — falling back to PG advisory locks", cfg.Redis.Addr, err)
			redisClient.Close()
			redisClient = nil
		} else {
			log.Printf("Redis connected: %s (distributed locking enabled)", cfg.Redis.Addr)
		}
		pingCancel()
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Queue.Region)}
	if cfg.Queue.AccessKey != "" && cfg.Queue.SecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.Queue.AccessKey, cfg.Queue.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		log.Fatalf("Failed to load AWS config: %v", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)

	reputationStore := postgres.NewReputationStore(db)
	executionRepo := postgres.NewExecutionRepo(db)
	feedbackRepo := postgres.NewFeedbackRepo(db)

	tracker := reputation.NewTracker(reputationStore, reputation.Thresholds{
		RequiredOpenRate:     cfg.Engine.RequiredOpenRate,
		RequiredDeliveryRate: cfg.Engine.RequiredDeliveryRate,
		MaxBounceRate:        cfg.Engine.MaxWarmupBounceRate,
	}, cfg.Engine.MaxSendingLimit)

	var limiter *dispatch.RateLimiter
	if redisClient != nil {
		limiter = dispatch.NewRateLimiter(redisClient)
	}
	dispatcher := dispatch.NewDispatcher(sqsClient, executionRepo, limiter, dispatch.DispatcherConfig{
		QueueURL:         cfg.Queue.URL,
		ChunkConcurrency: cfg.Queue.ChunkConcurrency,
		SendTimeout:      cfg.Queue.SendTimeout(),
		RatePerMinute:    cfg.Engine.EnqueueRatePerMinute,
	})

	processor := feedback.NewProcessor(feedbackRepo, tracker)

	lockFactory := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}
	svc := delivery.NewService(executionRepo, tracker, dispatcher, processor, lockFactory, delivery.Config{
		MaxPendingBatches: cfg.Engine.MaxPendingBatches,
	})

	// Feedback events can also arrive on an SQS queue, not just the webhook.
	if cfg.Queue.FeedbackURL != "" {
		consumer := feedback.NewConsumer(sqsClient, cfg.Queue.FeedbackURL, processor)
		consumer.Start(ctx)
		log.Printf("Feedback consumer started (queue=%s)", cfg.Queue.FeedbackURL)
	}

	var origins []string
	if cfg.Server.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.Server.AllowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
	}
	router := api.SetupRoutes(api.NewHandlers(svc), origins)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Server stopped")
}
