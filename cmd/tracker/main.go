package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/lalithlochan/pricewatch/internal/alert"
	"github.com/lalithlochan/pricewatch/internal/api"
	"github.com/lalithlochan/pricewatch/internal/circuitbreaker"
	"github.com/lalithlochan/pricewatch/internal/config"
	"github.com/lalithlochan/pricewatch/internal/db"
	"github.com/lalithlochan/pricewatch/internal/dispatch"
	"github.com/lalithlochan/pricewatch/internal/extract"
	"github.com/lalithlochan/pricewatch/internal/fetch"
	"github.com/lalithlochan/pricewatch/internal/memstore"
	"github.com/lalithlochan/pricewatch/internal/metrics"
	"github.com/lalithlochan/pricewatch/internal/notify"
	"github.com/lalithlochan/pricewatch/internal/observ"
	"github.com/lalithlochan/pricewatch/internal/pricestore"
	"github.com/lalithlochan/pricewatch/internal/quota"
	"github.com/lalithlochan/pricewatch/internal/redis"
	"github.com/lalithlochan/pricewatch/internal/scheduler"
	"github.com/lalithlochan/pricewatch/internal/sns"
	"github.com/lalithlochan/pricewatch/internal/sqs"
	"github.com/lalithlochan/pricewatch/internal/throttle"
	"github.com/lalithlochan/pricewatch/internal/tracking"
)

// store is everything the components need from persistence. Both the
// Postgres repository and the in-memory store satisfy it.
type store interface {
	scheduler.Repository
	tracking.Repository
	pricestore.Repository
	alert.Repository
	dispatch.Repository
	quota.PlanRepository
	quota.UsageStore
	api.Repository
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tracker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	once := pflag.Bool("once", false, "run a single check cycle and exit")
	only := pflag.String("platforms", "", "comma-separated platforms to check (default: all configured)")
	pflag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	platforms, err := config.Select(cfg.Platforms, *only)
	if err != nil {
		return err
	}

	logger.Info("starting pricewatch tracker",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.StoreBackend),
		zap.Strings("platforms", platformNames(platforms)),
		zap.Bool("once", *once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis backs usage counters, the plan cache, the run lock and the API
	// rate limiter. Without it each falls back to its store-only variant.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, using store for usage and disabling run lock",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	defaults := quota.Limits{
		Plan:            cfg.DefaultPlan,
		MaxProducts:     cfg.DefaultMaxProducts,
		MaxChecksPerDay: cfg.DefaultMaxChecksPerDay,
		MaxAlertsPerDay: cfg.DefaultMaxAlertsPerDay,
	}
	var (
		plans       quota.PlanLookup = quota.NewStorePlans(repo, defaults)
		usage       quota.UsageStore = repo
		runLock     locker
		rateLimiter *redis.RateLimiter
	)
	if redisClient != nil {
		plans = redis.NewPlanCache(redisClient, plans, logger.Named("plancache"))
		usage = redis.NewUsageStore(redisClient)
		runLock = redis.NewRunLock(redisClient, logger.Named("runlock"))
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.APIRateLimit,
			Window: time.Minute,
		})
	}
	guard := quota.NewGuard(plans, usage, logger.Named("quota"))

	circuits := circuitbreaker.NewSet()
	sender, err := buildSenders(ctx, cfg, circuits, logger.Named("notify"))
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(repo, sender, dispatch.Config{
		PollInterval: cfg.DispatchPollInterval,
		MaxAttempts:  cfg.DispatchMaxAttempts,
	}, logger.Named("dispatch"))

	registry := extract.NewRegistry()
	prices := pricestore.New(repo, logger.Named("pricestore"))

	fetchCfg := fetch.Config{UserAgent: cfg.UserAgent}
	if cfg.RenderServiceURL != "" {
		fetchCfg.Renderer = fetch.NewRenderClient(cfg.RenderServiceURL, logger.Named("render"))
	}
	fetcher := fetch.New(fetchCfg, logger.Named("fetch"))

	orch := scheduler.New(schedulerConfig(cfg, platforms), scheduler.Deps{
		Repo:       repo,
		Fetcher:    fetcher,
		Extractor:  registry,
		Store:      prices,
		Evaluator:  alert.NewEvaluator(repo, guard, logger.Named("alert")),
		Quota:      guard,
		Dispatcher: dispatcher,
	}, logger.Named("scheduler"))

	r := &runner{
		cycle:  orch,
		lock:   runLock,
		ttl:    cfg.RunInterval,
		logger: logger.Named("runner"),
	}
	if cfg.RunEventsTopicARN != "" {
		publisher, err := sns.NewPublisher(ctx, sns.Config{
			Region:   cfg.SNSRegion,
			TopicARN: cfg.RunEventsTopicARN,
		}, logger.Named("events"))
		if err != nil {
			logger.Warn("run event publisher unavailable", zap.Error(err))
		} else {
			r.events = publisher
		}
	}

	if *once {
		report, err := r.Run(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("run failed: %w", err)
		}
		if report.Failed > 0 {
			logger.Warn("run finished with failures", zap.Int("failed", report.Failed))
		}
		return nil
	}

	// Retry loop for alerts whose first delivery failed.
	go dispatcher.Start(ctx)

	var producer *sqs.Producer
	if cfg.SQSRunQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSRunQueueURL}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger.Named("sqs"))
		if err != nil {
			return fmt.Errorf("failed to create sqs consumer: %w", err)
		}
		defer consumer.Close()
		go consumer.Run(ctx, r.HandleRequest)

		producer, err = sqs.NewProducer(ctx, sqsCfg, logger.Named("sqs"))
		if err != nil {
			logger.Warn("sqs producer unavailable, API runs execute inline", zap.Error(err))
			producer = nil
		}
		if producer != nil {
			defer producer.Close()
		}
		logger.Info("scheduling trigger: sqs queue", zap.String("queue_url", cfg.SQSRunQueueURL))
	} else {
		go r.Tick(ctx, cfg.RunInterval)
		logger.Info("scheduling trigger: ticker", zap.Duration("interval", cfg.RunInterval))
	}

	deps := api.Deps{
		Repo:         repo,
		Tracker:      tracking.NewService(repo, registry, guard, logger.Named("tracking")),
		Interactions: dispatcher,
		Prices:       prices,
		Usage:        guard,
		Run:          r.Run,
		Circuits:     circuits,
	}
	if producer != nil {
		deps.Queue = producer
	}
	handler := api.NewHandler(logger.Named("api"), deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, rateLimiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		// Give outstanding requests 10 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store, data is lost on exit")
		return memstore.New(), func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		MaxConns: int32(max(25, cfg.MaxInFlight*2)),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	statsCtx, cancel := context.WithCancel(ctx)
	go reportPoolStats(statsCtx, database)

	return db.NewRepository(database, logger.Named("db")), func() {
		cancel()
		database.Close()
	}, nil
}

func reportPoolStats(ctx context.Context, database *db.DB) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildSenders wires every configured channel behind its own circuit
// breaker. Channels whose provider cannot be initialized are left out; the
// dispatcher records them as failed per alert. Each breaker is added to
// circuits.
func buildSenders(ctx context.Context, cfg *config.Config, circuits *circuitbreaker.Set, logger *zap.Logger) (notify.Sender, error) {
	protect := func(name string, s notify.Sender) notify.Sender {
		bcfg := circuitbreaker.DefaultConfig(name)
		bcfg.OnStateChange = func(name string, _, to circuitbreaker.State) {
			metrics.SetCircuitState(name, int(to))
		}
		ps := circuitbreaker.NewProtectedSender(s, circuitbreaker.New(bcfg, logger), logger)
		circuits.Add(ps.Breaker())
		return ps
	}

	if cfg.Env == "development" {
		logger.Info("development mode, logging alerts instead of sending")
		return notify.NewLogSender(logger), nil
	}

	var senders []notify.Sender

	ses, err := notify.NewSESSender(ctx, notify.SESConfig{
		Region:    cfg.AWSRegion,
		FromEmail: cfg.SESFromEmail,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create SES email sender: %w", err)
	}
	senders = append(senders, protect(db.ChannelEmail, ses))

	snsCfg := notify.SNSConfig{Region: cfg.SNSRegion}
	if snsCfg.Region == "" {
		snsCfg.Region = cfg.AWSRegion
	}
	if sms, err := notify.NewSNSSender(ctx, snsCfg, logger); err != nil {
		logger.Warn("SNS sender unavailable, SMS alerts disabled", zap.Error(err))
	} else {
		senders = append(senders, protect(db.ChannelSMS, sms))
	}
	if push, err := notify.NewPushSender(ctx, snsCfg, logger); err != nil {
		logger.Warn("push sender unavailable, push alerts disabled", zap.Error(err))
	} else {
		senders = append(senders, protect(db.ChannelPush, push))
	}

	senders = append(senders, protect(db.ChannelWebhook, notify.NewWebhookSender(logger, notify.WebhookConfig{
		Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		Secret:  cfg.WebhookSecret,
	})))

	if cfg.TelegramBotToken != "" {
		senders = append(senders, protect(db.ChannelTelegram, notify.NewTelegramSender(logger, notify.TelegramConfig{
			BotToken: cfg.TelegramBotToken,
		})))
	}

	logger.Info("initialized alert channels",
		zap.Int("senders", len(senders)),
		zap.Bool("telegram_enabled", cfg.TelegramBotToken != ""),
	)
	return notify.NewMultiSender(logger, senders...), nil
}

func schedulerConfig(cfg *config.Config, platforms map[string]config.PlatformPolicy) scheduler.Config {
	sc := scheduler.Config{
		Platforms:   make(map[string]scheduler.Platform, len(platforms)),
		MaxInFlight: cfg.MaxInFlight,
		BatchLimit:  cfg.BatchLimit,
		Fetch: fetch.Options{
			Timeout:    cfg.FetchTimeout,
			MaxRetries: cfg.FetchMaxRetries,
			Backoff:    fetch.Backoff(cfg.FetchBackoff),
			BaseDelay:  cfg.FetchBaseDelay,
			MaxDelay:   cfg.FetchMaxDelay,
		},
	}
	for name, p := range platforms {
		sc.Platforms[name] = scheduler.Platform{
			PollInterval: p.PollInterval,
			Throttle: throttle.Policy{
				Concurrency: p.Concurrency,
				BaseDelay:   p.BaseDelay,
				MaxDelay:    p.MaxDelay,
				DecayAfter:  p.DecayAfter,
			},
			HeadlessFallback: p.HeadlessFallback && cfg.RenderServiceURL != "",
		}
	}
	return sc
}

func platformNames(platforms map[string]config.PlatformPolicy) []string {
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	return names
}
