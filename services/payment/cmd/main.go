package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/paybank/pkg/config"
	"github.com/sakashimaa/paybank/pkg/db"
	kafka2 "github.com/sakashimaa/paybank/pkg/kafka"
	"github.com/sakashimaa/paybank/pkg/mylogger"
	outbox "github.com/sakashimaa/paybank/pkg/outbox/repository"
	"github.com/sakashimaa/paybank/pkg/outbox/worker"
	"github.com/sakashimaa/paybank/pkg/utils"
	"github.com/sakashimaa/paybank/services/payment/internal/authority"
	"github.com/sakashimaa/paybank/services/payment/internal/metrics"
	"github.com/sakashimaa/paybank/services/payment/internal/repository"
	"github.com/sakashimaa/paybank/services/payment/internal/service"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/grpc"
	httpTransport "github.com/sakashimaa/paybank/services/payment/internal/transport/http"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/http/handler"
	"github.com/sakashimaa/paybank/services/payment/internal/transport/kafka"
	holdWorker "github.com/sakashimaa/paybank/services/payment/internal/worker"
	"github.com/stripe/stripe-go/v76"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env loaded: %v", err)
	}

	cfg := config.MustLoad()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.LoggerConfig())
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if cfg.Auth.Secret == "" {
		logger.Fatal("ACCESS_SECRET is not set")
	}

	tp, err := utils.InitTracer(ctx, "payment-service", cfg.Env)
	if err != nil {
		logger.Fatal("Error init tracer", zap.Error(err))
	}

	if err := db.Migrate(cfg.Postgres.Migrations, cfg.Postgres.URL); err != nil {
		logger.Fatal("Error applying migrations", zap.Error(err))
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres.URL)
	if err != nil {
		logger.Fatal("Error creating postgres DB", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.Redis.Addr,
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	grpc_prometheus.EnableHandlingTimeHistogram()
	reg.MustRegister(grpc_prometheus.DefaultServerMetrics)

	m := metrics.New(reg)

	funds := authority.NewBreaker(newAuthority(cfg.Authority, logger), logger, m.AuthorityCall)

	paymentRepo := repository.NewPaymentRepository(pool, logger)
	refundRepo := repository.NewRefundRepository(pool, logger)
	holdRepo := repository.NewHoldRepository(pool, logger)
	outboxRepo := outbox.NewOutboxRepository(pool, logger)

	paymentService := service.NewPaymentService(pool, paymentRepo, holdRepo, outboxRepo, funds, cfg.Kafka.EventsTopic, m, logger)
	refundService := service.NewRefundService(pool, paymentRepo, refundRepo, outboxRepo, cfg.Kafka.EventsTopic, m, logger)

	cachedPayments := service.NewCachedPaymentService(paymentService, rdb, cfg.Redis.CacheTTL, logger)
	cachedRefunds := service.NewCachedRefundService(refundService, rdb, cfg.Redis.CacheTTL, logger)

	kafkaProducer, err := kafka2.NewProducer(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("Error creating kafka producer", zap.Error(err))
	}

	outboxProcessor := worker.NewOutboxProcessor(
		pool,
		outboxRepo,
		kafkaProducer,
		logger,
		worker.WithPublishedHook(m.OutboxPublished),
		worker.WithBacklogHook(m.OutboxBacklog),
	)
	go outboxProcessor.Start(ctx)

	sweeper := holdWorker.NewHoldSweeper(pool, holdRepo, paymentRepo, funds, holdWorker.SweeperConfig{
		Interval:    cfg.Sweeper.Interval,
		GracePeriod: cfg.Sweeper.GracePeriod,
		BatchSize:   cfg.Sweeper.BatchSize,
	}, m, logger)
	go sweeper.Start(ctx)

	consumer := kafka.NewConsumer(cachedRefunds, pool, cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.RefundsTopic, logger)
	go func() {
		if err := consumer.Start(ctx); err != nil {
			mylogger.Error(ctx, logger, "Refund consumer stopped", zap.Error(err))
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		Registry: reg,
	}))

	metricsSrv := &http.Server{
		Addr:              cfg.Metrics.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("Metrics server listening", zap.String("addr", cfg.Metrics.Port))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics serving failed", zap.Error(err))
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPC.Port)
	if err != nil {
		logger.Fatal("Error listening on tcp", zap.String("addr", cfg.GRPC.Port), zap.Error(err))
	}

	grpcSrv := grpc.NewServer(logger)
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("Error serving gRPC", zap.Error(err))
		}
	}()

	validate := utils.NewValidator()

	app := httpTransport.NewApp()
	httpTransport.RegisterRoutes(app, &httpTransport.Handlers{
		Payment: handler.NewPaymentHandler(cachedPayments, validate, cfg.HTTP.Timeout, logger),
		Refund:  handler.NewRefundHandler(cachedRefunds, validate, cfg.HTTP.Timeout, logger),
	}, []byte(cfg.Auth.Secret), httpTransport.LimiterConfig{
		Max:        cfg.Limiter.Max,
		Expiration: cfg.Limiter.Expiration,
	})

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Port))
		if err := app.Listen(cfg.HTTP.Port); err != nil {
			logger.Fatal("Error listening on HTTP", zap.Error(err))
		}
	}()

	grpcSrv.Ready()
	mylogger.Info(ctx, logger, "Payment service started!", zap.String("authority", cfg.Authority.Driver))

	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	grpcSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP", zap.Error(err))
	} else {
		logger.Info("HTTP server stopped")
	}

	grpcSrv.Stop()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down metrics server", zap.Error(err))
	}

	if err := kafkaProducer.Close(); err != nil {
		logger.Error("Kafka close error", zap.Error(err))
	} else {
		logger.Info("Kafka producer closed")
	}

	if err := rdb.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	pool.Close()
	logger.Info("Postgres pool closed")

	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error closing telemetry", zap.Error(err))
	} else {
		logger.Info("Telemetry closed")
	}
}

func newAuthority(cfg config.Authority, logger *zap.Logger) authority.Authority {
	switch cfg.Driver {
	case "stripe":
		if cfg.StripeKey == "" {
			logger.Fatal("STRIPE_SECRET_KEY is required for the stripe authority")
		}

		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			HTTPClient: &http.Client{Timeout: cfg.Timeout},
		})
		return authority.NewStripe(cfg.StripeKey, logger, authority.WithBackend(backend))
	case "sandbox", "":
		logger.Warn("Using sandbox funds authority", zap.Int64("default_balance", cfg.SandboxBalance))
		return authority.NewSandbox(logger, authority.WithDefaultBalance(cfg.SandboxBalance))
	default:
		logger.Fatal("Unknown authority driver", zap.String("driver", cfg.Driver))
		return nil
	}
}
