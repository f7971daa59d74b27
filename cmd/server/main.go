package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"

	"reconciler/internal/identity/events"
	"reconciler/internal/identity/handler"
	identityMetrics "reconciler/internal/identity/metrics"
	"reconciler/internal/identity/service"
	"reconciler/internal/platform/config"
	"reconciler/internal/platform/httpserver"
	"reconciler/internal/platform/logger"
	"reconciler/internal/platform/metrics"
	"reconciler/internal/platform/redis"
	httptransport "reconciler/internal/transport/http"
	"reconciler/pkg/platform/circuit"
)

const (
	shutdownTimeout = 10 * time.Second
	lockKeyPrefix   = "reconciler:lock:"
)

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.IsProduction())
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Server, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := metrics.New(reg)

	store, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer store.Close()

	checks := map[string]httptransport.Check{"store": store.Ping}
	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(identityMetrics.New(reg)),
		service.WithRetryBackoff(cfg.Identity.RetryBackoff),
		service.WithTx(service.NewStoreTx(store, cfg.Identity.ResolveTimeout, otel.Tracer("reconciler/identity"))),
	}

	redisClient, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		locker := redis.NewLocker(redisClient, lockKeyPrefix, cfg.Identity.LockTTL, cfg.Identity.LockWait, log)
		opts = append(opts, service.WithKeyLocker(locker))
		checks["redis"] = redisClient.Health
		log.Info("distributed identity locks enabled")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic,
			events.WithLogger(log),
			events.WithBreaker(circuit.New("kafka-events",
				circuit.WithFailureThreshold(3),
				circuit.WithCooldown(10*time.Second),
			)),
		)
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.EnsureTopic(ctx, 3, 1); err != nil {
			log.Warn("could not ensure identity event topic", "topic", cfg.Kafka.Topic, "error", err)
		}
		opts = append(opts, service.WithPublisher(publisher))
		checks["kafka"] = publisher.Ping
		log.Info("identity events enabled", "topic", cfg.Kafka.Topic)
	}

	identityService := service.New(store, opts...)
	identityHandler := handler.New(identityService, log, httpMetrics, cfg.RequestTimeout)

	router := httptransport.NewRouter(httptransport.Options{
		Logger:   log,
		Metrics:  httpMetrics,
		Gatherer: reg,
		Checks:   checks,
	}, identityHandler)
	srv := httpserver.New(cfg.Addr, router)

	log.Info("starting reconciler", "addr", cfg.Addr, "store", cfg.Store.Driver)
	if err := httpserver.Run(ctx, srv, shutdownTimeout); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
