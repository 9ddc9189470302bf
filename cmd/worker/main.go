package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/delivery-engine/internal/config"
	"github.com/ignite/delivery-engine/internal/dispatch"
	"github.com/ignite/delivery-engine/internal/feedback"
	"github.com/ignite/delivery-engine/internal/pkg/distlock"
	"github.com/ignite/delivery-engine/internal/reputation"
	"github.com/ignite/delivery-engine/internal/repository/postgres"
	"github.com/ignite/delivery-engine/internal/service/delivery"
	"github.com/ignite/delivery-engine/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

func main() {
	log.Println("Starting Delivery Engine worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("Failed to ping database: %v", err)
	}
	pingCancel()
	log.Println("Connected to database")

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

	// Backpressure gates the dispatch loop when the pending backlog piles up.
	backpressure := worker.NewBackpressureMonitor(executionRepo, cfg.Engine.MaxPendingBatches)
	go backpressure.Start(ctx)
	log.Printf("Backpressure monitor started (threshold: %d, check every 30s)", cfg.Engine.MaxPendingBatches)

	dispatchLoop := worker.NewDispatchLoop(dispatcher, backpressure, lockFactory, cfg.Engine.DispatchInterval())
	go dispatchLoop.Start(ctx)
	log.Printf("Dispatch loop started (interval: %s)", cfg.Engine.DispatchInterval())

	maintenance := worker.NewMaintenanceLoop(executionRepo, svc, cfg.Engine.RetryInterval())
	go maintenance.Start(ctx)
	log.Printf("Maintenance loop started (interval: %s)", cfg.Engine.RetryInterval())

	warmup := worker.NewWarmupLoop(reputationStore, tracker, 1*time.Hour, cfg.Engine.MaxWarmupBounceRate, 0)
	go warmup.Start(ctx)
	log.Println("Warm-up evaluation loop started (hourly)")

	var s3Client *s3.Client
	bucket := ""
	if cfg.Archive.Enabled && cfg.Archive.S3Bucket != "" {
		archiveCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Archive.Region))
		if err != nil {
			log.Printf("Warning: AWS config for archive failed: %v — expired messages will be deleted without archival", err)
		} else {
			s3Client = s3.NewFromConfig(archiveCfg)
			bucket = cfg.Archive.S3Bucket
			log.Printf("Queue message archival enabled (bucket: %s)", bucket)
		}
	}
	janitor := dispatch.NewJanitor(executionRepo, s3Client, bucket, cfg.Archive.S3Prefix+"/", cfg.Engine.Retention())
	janitorLoop := worker.NewJanitorLoop(janitor, cfg.Engine.JanitorInterval())
	go janitorLoop.Start(ctx)
	log.Printf("Janitor loop started (interval: %s, retention: %s)", cfg.Engine.JanitorInterval(), cfg.Engine.Retention())

	if cfg.Queue.FeedbackURL != "" {
		consumer := feedback.NewConsumer(sqsClient, cfg.Queue.FeedbackURL, processor)
		consumer.Start(ctx)
		log.Printf("Feedback consumer started (queue=%s)", cfg.Queue.FeedbackURL)
	}

	log.Println("Worker running...")

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Println("Shutting down worker...")
	cancel()
	time.Sleep(1 * time.Second)
	if redisClient != nil {
		redisClient.Close()
	}
	log.Println("Worker stopped")
}
