package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"go.uber.org/zap"

	"github.com/lalithlochan/closetcast/internal/api"
	"github.com/lalithlochan/closetcast/internal/channel"
	"github.com/lalithlochan/closetcast/internal/circuitbreaker"
	"github.com/lalithlochan/closetcast/internal/config"
	"github.com/lalithlochan/closetcast/internal/db"
	"github.com/lalithlochan/closetcast/internal/dispatch"
	"github.com/lalithlochan/closetcast/internal/jobs"
	"github.com/lalithlochan/closetcast/internal/metrics"
	"github.com/lalithlochan/closetcast/internal/observ"
	"github.com/lalithlochan/closetcast/internal/recommend"
	"github.com/lalithlochan/closetcast/internal/redis"
	"github.com/lalithlochan/closetcast/internal/sns"
	"github.com/lalithlochan/closetcast/internal/sqs"
	"github.com/lalithlochan/closetcast/internal/worker"
)

const poolStatsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	hostname, _ := os.Hostname()
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, hostname)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting closetcast worker",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	locker := redis.NewLocker(redisClient, logger)
	idempotency := redis.NewIdempotencyService(redisClient, logger)
	apiLimiter := redis.NewRateLimiter(redisClient, logger, "api", redis.RateLimitConfig{
		Limit:  100,
		Window: time.Minute,
	})

	if cfg.SQSQueueURL == "" {
		return errors.New("SQS_QUEUE_URL is required")
	}
	var sqsClient sqs.API
	if cfg.AWSEndpoint != "" {
		sqsClient, err = sqs.NewClientWithEndpoint(ctx, cfg.AWSEndpoint, cfg.SQSRegion)
	} else {
		sqsClient, err = sqs.NewClient(ctx, cfg.SQSRegion)
	}
	if err != nil {
		return fmt.Errorf("failed to create sqs client: %w", err)
	}
	producer := sqs.NewProducer(sqsClient, cfg.SQSQueueURL, idempotency, cfg.IdempotencyTTL, logger)

	sender, breakers, err := buildSender(ctx, cfg, logger)
	if err != nil {
		return err
	}

	recommender, err := recommend.NewClient(recommend.Config{
		BaseURL: cfg.RecommenderURL,
		Timeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create recommendation client: %w", err)
	}

	opts := dispatch.Options{
		AppURL:      cfg.AppURL,
		MaxAttempts: cfg.NotificationMaxAttempts,
	}
	if cfg.NotifyRateLimit > 0 {
		opts.Throttle = redis.NewRateLimiter(redisClient, logger, "notify", redis.RateLimitConfig{
			Limit:  cfg.NotifyRateLimit,
			Window: time.Hour,
		})
	}
	dispatcher := dispatch.New(repo, sender, opts, logger)

	env := &jobs.Env{
		Store:          repo,
		Locker:         locker,
		Queue:          producer,
		Dispatcher:     dispatcher,
		Recommender:    recommender,
		AppURL:         cfg.AppURL,
		RetryBatchSize: cfg.RetryBatchSize,
		Logger:         logger,
	}
	if cfg.WeatherURL != "" {
		env.Weather = recommend.NewWeatherClient(cfg.WeatherURL, 10*time.Second, logger)
	}

	scheduler := worker.NewScheduler(env.Table(), logger)
	consumerCfg := worker.ConsumerConfig{
		MaxTries:     cfg.JobMaxTries,
		RetryBackoff: cfg.JobRetryDelay,
	}
	queue := sqs.NewConsumer(sqsClient, cfg.SQSQueueURL, consumerCfg.ReceiveConfig(), logger)
	consumer := worker.NewConsumer(queue, env.Handlers(), consumerCfg, logger)

	handler := api.NewHandler(logger, repo, producer, breakers)
	handler.SetIdempotency(idempotency)
	handler.AddHealthCheck("postgres", database.Health)
	handler.AddHealthCheck("redis", redisClient.Ping)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, apiLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		consumer.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		reportPoolStats(ctx, database, redisClient)
	}()

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("server error: %w", err)
		stop()
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		logger.Warn("graceful server shutdown failed", zap.Error(err))
	}

	wg.Wait()
	logger.Info("worker stopped gracefully")
	return runErr
}

// buildSender assembles the channel providers, each behind its own circuit
// breaker. Development runs log every message instead.
func buildSender(ctx context.Context, cfg *config.Config, logger *zap.Logger) (channel.Sender, []*circuitbreaker.CircuitBreaker, error) {
	if cfg.Env == "development" {
		logger.Info("development mode, notifications are logged only")
		return channel.NewLogSender(logger), nil, nil
	}

	var snsClient sns.API
	var err error
	if cfg.AWSEndpoint != "" {
		snsClient, err = sns.NewClientWithEndpoint(ctx, cfg.AWSEndpoint, cfg.SNSRegion)
	} else {
		snsClient, err = sns.NewClient(ctx, cfg.SNSRegion)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create sns client: %w", err)
	}
	publisher := sns.NewPublisher(snsClient, logger)

	var email channel.Sender
	if cfg.SendGridAPIKey != "" {
		email = channel.NewSendGridSender(channel.NewSendGridClient(cfg.SendGridAPIKey), cfg.SendGridFromEmail, cfg.SendGridFromName, logger)
	} else {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		email = channel.NewSESSender(ses.NewFromConfig(awsCfg), cfg.SESFromEmail, logger)
	}

	protected := []*circuitbreaker.ProtectedSender{
		circuitbreaker.Protect(db.ChannelPush, channel.NewExpoSender(cfg.ExpoPushURL, cfg.ExpoAccessToken, 10*time.Second, logger), logger),
		circuitbreaker.Protect(db.ChannelTopic, channel.NewTopicSender(publisher, logger), logger),
		circuitbreaker.Protect(db.ChannelEmail, email, logger),
		circuitbreaker.Protect(db.ChannelSMS, channel.NewSMSSender(publisher, logger), logger),
		circuitbreaker.Protect(db.ChannelWebhook, channel.NewWebhookSender(time.Duration(cfg.WebhookTimeout)*time.Second, logger), logger),
	}

	senders := make([]channel.Sender, 0, len(protected))
	breakers := make([]*circuitbreaker.CircuitBreaker, 0, len(protected))
	for _, p := range protected {
		senders = append(senders, p)
		breakers = append(breakers, p.Breaker())
	}

	logger.Info("initialized notification channels",
		zap.Bool("sendgrid", cfg.SendGridAPIKey != ""),
		zap.Int("providers", len(senders)),
	)
	return channel.NewMultiSender(logger, senders...), breakers, nil
}

func reportPoolStats(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(poolStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetDBConnections(database.AcquiredConns())
			metrics.SetRedisConnections(redisClient.PoolStats())
		}
	}
}
