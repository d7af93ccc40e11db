package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config (locks, idempotency keys, rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS job queue
	SQSRegion      string
	SQSQueueURL    string
	JobMaxTries    int
	JobRetryDelay  time.Duration
	IdempotencyTTL time.Duration

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string

	// AWSEndpoint points SQS and SNS at a local stack when set
	AWSEndpoint string

	// SendGrid replaces SES for email when an API key is set
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	// Expo push
	ExpoPushURL     string
	ExpoAccessToken string

	WebhookTimeout int // seconds

	// Collaborators
	AppURL         string // links in notifications point here
	RecommenderURL string
	WeatherURL     string

	// Notification behaviour
	NotificationMaxAttempts int
	NotifyRateLimit         int // per user per hour, 0 disables
	RetryBatchSize          int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "closetcast",
		DBPassword: "",
		DBName:     "closetcast",
		DBSSLMode:  "disable",

		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		JobMaxTries:    3,
		JobRetryDelay:  30 * time.Second,
		IdempotencyTTL: 24 * time.Hour,

		AWSRegion:    "us-east-1",
		SESFromEmail: "noreply@closetcast.local",

		SendGridFromName: "Closetcast",

		ExpoPushURL: "https://exp.host/--/api/v2/push/send",

		WebhookTimeout: 30,

		AppURL:     "http://localhost:3000",
		WeatherURL: "https://api.open-meteo.com/v1/forecast",

		NotificationMaxAttempts: 3,
		RetryBatchSize:          100,
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	// Database config
	stringEnv("DB_HOST", &cfg.DBHost)
	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	stringEnv("DB_USER", &cfg.DBUser)
	stringEnv("DB_PASSWORD", &cfg.DBPassword)
	stringEnv("DB_NAME", &cfg.DBName)
	stringEnv("DB_SSLMODE", &cfg.DBSSLMode)

	// Redis config
	stringEnv("REDIS_HOST", &cfg.RedisHost)
	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	stringEnv("REDIS_PASSWORD", &cfg.RedisPassword)
	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	stringEnv("AWS_REGION", &cfg.AWSRegion)
	stringEnv("SES_FROM_EMAIL", &cfg.SESFromEmail)
	stringEnv("AWS_ENDPOINT_URL", &cfg.AWSEndpoint)

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	stringEnv("SQS_QUEUE_URL", &cfg.SQSQueueURL)
	if cfg.JobMaxTries, err = intEnv("JOB_MAX_TRIES", cfg.JobMaxTries); err != nil {
		return nil, err
	}
	if ttl := os.Getenv("IDEMPOTENCY_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid IDEMPOTENCY_TTL: %w", err)
		}
		cfg.IdempotencyTTL = d
	}
	if delay := os.Getenv("JOB_RETRY_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid JOB_RETRY_DELAY: %w", err)
		}
		cfg.JobRetryDelay = d
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	stringEnv("SENDGRID_API_KEY", &cfg.SendGridAPIKey)
	stringEnv("SENDGRID_FROM_EMAIL", &cfg.SendGridFromEmail)
	stringEnv("SENDGRID_FROM_NAME", &cfg.SendGridFromName)

	stringEnv("EXPO_PUSH_URL", &cfg.ExpoPushURL)
	stringEnv("EXPO_ACCESS_TOKEN", &cfg.ExpoAccessToken)

	if cfg.WebhookTimeout, err = intEnv("WEBHOOK_TIMEOUT", cfg.WebhookTimeout); err != nil {
		return nil, err
	}

	stringEnv("APP_URL", &cfg.AppURL)
	stringEnv("RECOMMENDER_URL", &cfg.RecommenderURL)
	stringEnv("WEATHER_URL", &cfg.WeatherURL)

	if cfg.NotificationMaxAttempts, err = intEnv("NOTIFICATION_MAX_ATTEMPTS", cfg.NotificationMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.NotifyRateLimit, err = intEnv("NOTIFY_RATE_LIMIT", cfg.NotifyRateLimit); err != nil {
		return nil, err
	}
	if cfg.RetryBatchSize, err = intEnv("RETRY_BATCH_SIZE", cfg.RetryBatchSize); err != nil {
		return nil, err
	}

	if cfg.SendGridAPIKey != "" && cfg.SendGridFromEmail == "" {
		cfg.SendGridFromEmail = cfg.SESFromEmail
	}

	return cfg, nil
}

func stringEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
