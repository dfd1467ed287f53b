package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/config"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/handlers"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/ledger"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/notify"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/queue"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/reconciler"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/service"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/stripe"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/webhook"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/health"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/httpmiddleware"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/kafka"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/logging"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/metrics"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)

	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("init tracer", "error", err)
		os.Exit(1)
	}

	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)
	serviceMetrics := service.NewMetrics(registry)
	reconcilerMetrics := reconciler.NewMetrics(registry)
	webhookMetrics := webhook.NewMetrics(registry)

	healthMgr := health.NewManager(false)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User, cfg.DB.Password, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name, cfg.DB.SSLMode)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("ping postgres", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("ping redis", "error", err)
		os.Exit(1)
	}

	store := storage.New(pool)
	queueStore := queue.NewStore(redisClient, cfg.Redis.KeyPrefix)
	ledgerStore := ledger.NewStore(redisClient, cfg.Redis.KeyPrefix)
	provider := stripe.NewHTTPClient(cfg.Stripe.APIBase, cfg.Stripe.APIKey, cfg.Stripe.Timeout)

	var notifier service.Notifier
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("create kafka producer", "error", err)
			os.Exit(1)
		}
		publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.DeadLetterTopic, logger)
		defer publisher.Close()
		notifier = notify.New(publisher, cfg.Kafka.NotificationsTopic, logger)
	} else {
		logger.Warn("kafka disabled, notifications will be dropped")
	}

	svc := service.New(service.Deps{
		Store:    store,
		Queue:    queueStore,
		Ledger:   ledgerStore,
		Provider: provider,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  serviceMetrics,
		FeeBps:   int64(cfg.Invoice.FeeBps),
		DueIn:    cfg.Invoice.DueIn,
	})
	sweeper := reconciler.New(ledgerStore, svc, logger, reconcilerMetrics)
	syncer := webhook.NewSyncer(store, svc, provider, ledgerStore, logger, webhookMetrics)

	router := gin.New()
	router.Use(
		httpmiddleware.RequestID(),
		trace.Middleware(cfg.App.ServiceName),
		httpmiddleware.Logger(logger),
		httpmiddleware.Recovery(logger),
	)
	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(healthMgr))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler := handlers.New(svc, sweeper, syncer, cfg.Stripe.WebhookSecret, cfg.Cron.Secret, logger)
	handler.Register(router, []byte(cfg.JWTSecret))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	if cfg.Cron.Interval > 0 {
		go sweeper.Run(ctx, cfg.Cron.Interval)
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		healthMgr.SetReady(true)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthMgr.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}
