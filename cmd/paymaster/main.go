package main

import (
	"context"
	"time"

	"pixelforge/internal/chains"
	"pixelforge/internal/config"
	"pixelforge/internal/dedup"
	"pixelforge/internal/events"
	"pixelforge/internal/handlers"
	"pixelforge/internal/imagegen"
	"pixelforge/internal/ledger"
	"pixelforge/internal/nft"
	"pixelforge/internal/payments"
	"pixelforge/internal/stripe"
	"pixelforge/internal/users"
	"pixelforge/internal/verifier"
	"pixelforge/pkg/auth"
	"pixelforge/pkg/cache"
	"pixelforge/pkg/clients"
	pkgconfig "pixelforge/pkg/config"
	"pixelforge/pkg/database"
	"pixelforge/pkg/kafka"
	"pixelforge/pkg/logging"
	"pixelforge/pkg/monitoring"
	pkgredis "pixelforge/pkg/redis"
	"pixelforge/pkg/server"
	"pixelforge/pkg/version"
)

const serviceName = "paymaster"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	pkgconfig.LoadEnv(logger)

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	info := version.GetInfo()
	logger.WithFields(logging.Fields{
		"version": info.Version,
		"commit":  info.GitCommit,
		"env":     cfg.Env,
	}).Info("Starting paymaster")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.DatabaseURL
	db := database.MustConnect(ctx, dbConfig, logger)
	defer db.Close()
	if err := database.Migrate(ctx, db, logger); err != nil {
		logger.WithError(err).Fatal("Database migration failed")
	}

	healthChecker := monitoring.NewHealthChecker(serviceName, version.Version)
	metricsCollector := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": cfg.DatabaseURL,
		"JWT_SECRET":   string(cfg.JWTSecret),
	}))

	verifications := metricsCollector.NewCounter("payment_verifications_total", "Crypto payment claims by outcome", []string{"chain", "result"})
	granted := metricsCollector.NewCounter("credits_granted_total", "Credits added to balances", []string{"source"})
	debited := metricsCollector.NewCounter("credits_debited_total", "Credits removed from balances", []string{"reason"})
	webhookEvents := metricsCollector.NewCounter("webhook_events_total", "Stripe webhook deliveries by outcome", []string{"type", "result"})
	rpcCalls := metricsCollector.NewCounter("rpc_calls_total", "Blockchain RPC calls by outcome", []string{"chain", "result"})
	holdingsCache := metricsCollector.NewCounter("nft_holdings_cache_total", "NFT holdings cache results", []string{"result"})
	dbQueries, dbDuration := metricsCollector.CreateDatabaseMetrics()
	breakers := clients.NewBreakerMetrics(metricsCollector.Registry())

	ledgerOpts := []ledger.Option{
		ledger.WithMetrics(granted, debited),
		ledger.WithDatabaseMetrics(dbQueries, dbDuration),
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(cfg.KafkaBrokers, serviceName, logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka unavailable; ledger events will not be published")
		} else {
			defer producer.Close()
			healthChecker.AddCheck("kafka", monitoring.Degraded(monitoring.KafkaProducerHealthCheck(producer.Client())))
			publisher := events.NewLedgerPublisher(producer, cfg.KafkaLedgerTopic, logger, metricsCollector.CreateKafkaMetrics())
			ledgerOpts = append(ledgerOpts, ledger.WithPublisher(publisher))
		}
	}

	ledgerSvc := ledger.New(db, logger, ledgerOpts...)
	userStore := users.NewStore(db)

	var dedupCache dedup.Cache
	switch cfg.DedupBackend {
	case config.DedupBackendRedis:
		rdb, err := pkgredis.NewFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(rdb))
		dedupCache = dedup.NewRedisCache(rdb)
	default:
		dedupCache = dedup.NewPostgresCache(db)
	}
	guard := dedup.NewGuard(dedupCache, ledgerSvc, logger)

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	registry, err := chains.Dial(dialCtx, cfg, logger, func(chain, method, result string) {
		rpcCalls.WithLabelValues(chain, result).Inc()
	}, breakers)
	dialCancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to chain RPC endpoints")
	}
	defer registry.Close()

	paymentSvc := payments.NewService(
		verifier.New(registry, cfg),
		guard,
		ledgerSvc,
		userStore,
		cfg,
		logger,
		payments.WithMetrics(verifications),
	)

	nftSvc := nft.NewService(cfg, func(chain auth.ChainType) (nft.BalanceReader, bool) {
		c, ok := registry.EVM(chain)
		if !ok {
			return nil, false
		}
		return c, true
	}, ledgerSvc, userStore, cache.MetricsHooks{
		OnResult: func(result string) { holdingsCache.WithLabelValues(result).Inc() },
	}, logger)

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.StripeSuccessURL,
		CancelURL:     cfg.StripeCancelURL,
		Logger:        logger,
	})
	webhooks := stripe.NewWebhookHandler(stripe.WebhookConfig{
		Events:        stripeClient,
		Customers:     stripeClient,
		DB:            db,
		Users:         userStore,
		Ledger:        ledgerSvc,
		CreditsPerUSD: cfg.CreditsPerUSD,
		Logger:        logger,
		Processed:     webhookEvents,
	})

	deps := handlers.Deps{
		Config:   cfg,
		Logger:   logger,
		Users:    userStore,
		Ledger:   ledgerSvc,
		Payments: paymentSvc,
		NFT:      nftSvc,
		Webhooks: webhooks,
	}
	if stripeClient.CheckoutEnabled() {
		deps.Checkout = stripeClient
	}
	images := imagegen.New(imagegen.Config{
		APIURL:  cfg.ImageAPIURL,
		APIKey:  cfg.ImageAPIKey,
		Timeout: cfg.ImageAPITimeout,
		Logger:  logger,
	})
	if images.Configured() {
		deps.Images = images
	} else {
		logger.Warn("IMAGE_API_URL not set; /generate is disabled")
	}

	router := server.SetupServiceRouter(logger, serviceName, healthChecker, metricsCollector)
	handlers.New(deps).RegisterRoutes(router)

	serverConfig := server.DefaultConfig(serviceName, cfg.Port)
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
