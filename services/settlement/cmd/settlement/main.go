package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Catch-labs/smart-contracts/libs/health"
	"github.com/Catch-labs/smart-contracts/libs/httpmiddleware"
	"github.com/Catch-labs/smart-contracts/libs/kafka"
	"github.com/Catch-labs/smart-contracts/libs/logging"
	"github.com/Catch-labs/smart-contracts/libs/metrics"
	"github.com/Catch-labs/smart-contracts/libs/trace"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/clients"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/config"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/consumer"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/handlers"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/saga"
	"github.com/Catch-labs/smart-contracts/services/settlement/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	sagaMetrics := saga.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := storage.New(pool, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
	}

	orchestrator := saga.NewOrchestrator(store, publisher, saga.Topics{
		LedgerCommands:   cfg.Kafka.Topics.LedgerCommands,
		RegistryCommands: cfg.Kafka.Topics.RegistryCommands,
	}, logger, sagaMetrics)

	ledgerClient := clients.NewLedgerClient(cfg.Clients.LedgerURL, cfg.Clients.Timeout)
	registryClient := clients.NewRegistryClient(cfg.Clients.RegistryURL, cfg.Clients.Timeout)
	reconciler := saga.NewReconciler(orchestrator, store, ledgerClient, registryClient,
		cfg.Reconciler.Staleness, cfg.Reconciler.Interval, logger, sagaMetrics)

	consumerGroup, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("kafka consumer init failed", "error", err)
		os.Exit(1)
	}
	consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter)
	defer consumerGroup.Close()

	resultsConsumer := consumer.NewResultsConsumer(orchestrator, store, logger)

	httpServer := buildHTTPServer(cfg, ready, registry, orchestrator, store, logger)

	ready.SetReady(true)

	workCtx, workCancel := context.WithCancel(context.Background())
	defer workCancel()

	go func() {
		logger.Info("settlement http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	go func() {
		topics := []string{cfg.Kafka.Topics.LedgerResults, cfg.Kafka.Topics.RegistryResults}
		logger.Info("settlement consumer starting", "topics", topics)
		if err := consumerGroup.Consume(workCtx, topics, resultsConsumer); err != nil {
			logger.Error("kafka consumer error", "error", err)
		}
	}()

	go reconciler.Run(workCtx)

	waitForShutdown(httpServer, ready, workCancel, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DB.User,
		cfg.DB.Password,
		cfg.DB.Host,
		cfg.DB.Port,
		cfg.DB.Name,
		cfg.DB.SSLMode,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, ready *health.Manager, registry *prometheus.Registry, orchestrator *saga.Orchestrator, store *storage.Store, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler := handlers.New(orchestrator, store, logger)
	handler.Register(router, []byte(cfg.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
