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

	// StoreBackend is "postgres" or "memory".
	StoreBackend string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// SQS run-request queue. Empty URL means the tracker runs on its own
	// ticker instead of consuming the queue.
	SQSRegion      string
	SQSRunQueueURL string

	// AWS Services
	AWSRegion    string
	SESFromEmail string
	SNSRegion    string // AWS region for SNS (SMS, push and run events)

	// RunEventsTopicARN receives a run.completed event after every cycle.
	// Empty disables publishing.
	RunEventsTopicARN string

	// Webhook config
	WebhookTimeout int // seconds
	WebhookSecret  string

	TelegramBotToken string

	// RenderServiceURL is the headless browser service used as a fallback
	// for pages that need JavaScript. Empty disables the fallback.
	RenderServiceURL string

	// Scheduling
	RunInterval time.Duration
	MaxInFlight int
	BatchLimit  int

	// Fetch policy
	FetchTimeout    time.Duration
	FetchMaxRetries int
	FetchBackoff    string
	FetchBaseDelay  time.Duration
	FetchMaxDelay   time.Duration
	UserAgent       string

	// Alert delivery
	DispatchPollInterval time.Duration
	DispatchMaxAttempts  int

	// Plan applied to users without an assignment.
	DefaultPlan            string
	DefaultMaxProducts     int
	DefaultMaxChecksPerDay int
	DefaultMaxAlertsPerDay int

	// API rate limit per user per minute.
	APIRateLimit int

	PlatformsFile string
	Platforms     map[string]PlatformPolicy
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first when
// present; real environment variables win over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         8080,
		LogLevel:     "info",
		Env:          "development",
		StoreBackend: "postgres",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "pricewatch",
		DBPassword: "",
		DBName:     "pricewatch",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion:    "ap-south-1",
		SESFromEmail: "alerts@pricewatch.local",

		WebhookTimeout: 30,

		RunInterval: time.Hour,
		MaxInFlight: 8,

		FetchTimeout:    15 * time.Second,
		FetchMaxRetries: 3,
		FetchBackoff:    "exponential",
		FetchBaseDelay:  time.Second,
		FetchMaxDelay:   30 * time.Second,

		DispatchPollInterval: 30 * time.Second,
		DispatchMaxAttempts:  3,

		DefaultPlan:            "free",
		DefaultMaxProducts:     3,
		DefaultMaxChecksPerDay: 10,
		DefaultMaxAlertsPerDay: 5,

		APIRateLimit: 100,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if backend := os.Getenv("STORE_BACKEND"); backend != "" {
		cfg.StoreBackend = backend
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}

	// SQS config
	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}

	if url := os.Getenv("SQS_RUN_QUEUE_URL"); url != "" {
		cfg.SQSRunQueueURL = url
	}

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if arn := os.Getenv("RUN_EVENTS_TOPIC_ARN"); arn != "" {
		cfg.RunEventsTopicARN = arn
	}

	if timeout := os.Getenv("WEBHOOK_TIMEOUT"); timeout != "" {
		t, err := strconv.Atoi(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid WEBHOOK_TIMEOUT: %w", err)
		}
		cfg.WebhookTimeout = t
	}

	cfg.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	cfg.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.RenderServiceURL = os.Getenv("RENDER_SERVICE_URL")
	cfg.UserAgent = os.Getenv("USER_AGENT")
	cfg.PlatformsFile = os.Getenv("PLATFORMS_FILE")

	if b := os.Getenv("FETCH_BACKOFF"); b != "" {
		cfg.FetchBackoff = b
	}
	if p := os.Getenv("DEFAULT_PLAN"); p != "" {
		cfg.DefaultPlan = p
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RUN_INTERVAL", &cfg.RunInterval},
		{"FETCH_TIMEOUT", &cfg.FetchTimeout},
		{"FETCH_BASE_DELAY", &cfg.FetchBaseDelay},
		{"FETCH_MAX_DELAY", &cfg.FetchMaxDelay},
		{"DISPATCH_POLL_INTERVAL", &cfg.DispatchPollInterval},
	}
	for _, d := range durations {
		if err := envDuration(d.key, d.dst); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_IN_FLIGHT", &cfg.MaxInFlight},
		{"BATCH_LIMIT", &cfg.BatchLimit},
		{"FETCH_MAX_RETRIES", &cfg.FetchMaxRetries},
		{"DISPATCH_MAX_ATTEMPTS", &cfg.DispatchMaxAttempts},
		{"DEFAULT_PLAN_MAX_PRODUCTS", &cfg.DefaultMaxProducts},
		{"DEFAULT_PLAN_MAX_CHECKS_PER_DAY", &cfg.DefaultMaxChecksPerDay},
		{"DEFAULT_PLAN_MAX_ALERTS_PER_DAY", &cfg.DefaultMaxAlertsPerDay},
		{"API_RATE_LIMIT", &cfg.APIRateLimit},
	}
	for _, i := range ints {
		if err := envInt(i.key, i.dst); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.PlatformsFile != "" {
		platforms, err := LoadPlatforms(cfg.PlatformsFile)
		if err != nil {
			return nil, err
		}
		cfg.Platforms = platforms
	} else {
		cfg.Platforms = DefaultPlatforms()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("invalid STORE_BACKEND %q: want postgres or memory", c.StoreBackend)
	}
	switch c.FetchBackoff {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("invalid FETCH_BACKOFF %q: want exponential or fixed", c.FetchBackoff)
	}
	if c.FetchMaxRetries < 1 {
		return fmt.Errorf("invalid FETCH_MAX_RETRIES %d: must be at least 1", c.FetchMaxRetries)
	}
	if c.DispatchMaxAttempts < 1 {
		return fmt.Errorf("invalid DISPATCH_MAX_ATTEMPTS %d: must be at least 1", c.DispatchMaxAttempts)
	}
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}
