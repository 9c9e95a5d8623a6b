package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/sparkai/dispatch/internal/api"
	"github.com/sparkai/dispatch/internal/app/assigner"
	"github.com/sparkai/dispatch/internal/app/intake"
	"github.com/sparkai/dispatch/internal/app/sla"
	"github.com/sparkai/dispatch/internal/config"
	"github.com/sparkai/dispatch/internal/infra/autoapply"
	"github.com/sparkai/dispatch/internal/infra/eventbus"
	"github.com/sparkai/dispatch/internal/infra/eventbus/kafka"
	kvredis "github.com/sparkai/dispatch/internal/infra/kv/redis"
	"github.com/sparkai/dispatch/internal/infra/storage/review/postgres"
	"github.com/sparkai/dispatch/pkg/common"
	"github.com/sparkai/dispatch/pkg/common/logger"
	"github.com/sparkai/dispatch/pkg/common/otel"
)

const serviceType = "dispatcher"

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		stdlog.Fatalf("failed to load config: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("DISPATCHER-%s", hostname)
	metadata := map[string]string{
		"service":  svcName,
		"hostname": hostname,
		"env":      cfg.Service.Env,
		"app":      serviceType,
	}

	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	excludedRoutes := make(map[string]struct{}, len(cfg.Telemetry.ExcludedPaths))
	for _, p := range cfg.Telemetry.ExcludedPaths {
		excludedRoutes[p] = struct{}{}
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      serviceType,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes:   excludedRoutes,
		Probability:      cfg.Telemetry.SampleRate,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"service.env":      cfg.Service.Env,
			"host.name":        hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(serviceType)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(ctx); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Migrations applied successfully. Starting dispatcher...")

	redisClient, err := kvredis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Error(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	kafkaClient, err := kafka.NewClient(&kafka.ClientConfig{
		Brokers:     cfg.Kafka.Brokers,
		GroupID:     cfg.Kafka.GroupID,
		ClientID:    svcName,
		ServiceType: serviceType,
	})
	if err != nil {
		log.Error(ctx, "failed to create kafka client", "error", err)
		os.Exit(1)
	}
	defer kafkaClient.Close()

	bus, err := kafka.ConnectEventBus(&kafka.EventBusConfig{
		Brokers:            cfg.Kafka.Brokers,
		TaskLifecycleTopic: cfg.Kafka.TaskLifecycleTopic,
		TaskTimeoutTopic:   cfg.Kafka.TaskTimeoutTopic,
		TaskWarningTopic:   cfg.Kafka.TaskWarningTopic,
		ReviewerTopic:      cfg.Kafka.ReviewerTopic,
		GroupID:            cfg.Kafka.GroupID,
		ClientID:           svcName,
		ServiceType:        serviceType,
	}, kafkaClient, log, tracer)
	if err != nil {
		log.Error(ctx, "failed to connect event bus", "error", err)
		os.Exit(1)
	}

	store := postgres.NewStore(pool, tracer)
	marker := kvredis.NewWarningMarker(redisClient)
	publisher := eventbus.NewDomainEventPublisher(bus)
	forwarder := autoapply.NewForwarder(
		cfg.AutoApply.Endpoint,
		&http.Client{Timeout: cfg.AutoApply.Timeout},
		log, tracer,
	)

	intakeSvc := intake.NewService(store, store, store, store, forwarder, publisher, log, tracer)

	assignLoop := assigner.New(assigner.Config{
		SLA:          cfg.Dispatch.ReviewSLA,
		Interval:     cfg.Dispatch.AssignInterval,
		HeartbeatTTL: cfg.Dispatch.HeartbeatTTL,
		MaxRetries:   cfg.Dispatch.MaxRetries,
	}, store, publisher, bus, log, tracer)

	slaMonitor := sla.New(sla.Config{
		Tick:           cfg.Dispatch.DeadlineTick,
		WarningOffsets: cfg.Dispatch.WarningOffsets,
		MaxRetries:     cfg.Dispatch.MaxRetries,
		BatchSize:      cfg.Dispatch.ExpireBatchSize,
	}, store, store, marker, publisher, log, tracer)

	apiServer := &http.Server{
		Addr:         cfg.API.ListenAddr,
		Handler:      api.NewServer(intakeSvc, common.NewRateLimiter(cfg.API.RequestsPerSecond, cfg.API.Burst), log, tracer),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return assignLoop.Run(gctx) })
	g.Go(func() error { return slaMonitor.Run(gctx) })
	g.Go(func() error {
		log.Info(gctx, "intake API listening", "addr", cfg.API.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	ready.Store(true)
	log.Info(ctx, "dispatcher ready",
		"review_sla", cfg.Dispatch.ReviewSLA.String(),
		"assign_interval", cfg.Dispatch.AssignInterval.String(),
		"deadline_tick", cfg.Dispatch.DeadlineTick.String())

	select {
	case sig := <-sigCh:
		log.Info(ctx, "received shutdown signal", "signal", sig.String())
	case <-gctx.Done():
		log.Error(ctx, "dispatcher loop failed", "error", gctx.Err())
	}

	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "failed to shut down intake API", "error", err)
	}

	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error(context.Background(), "dispatcher exited with error", "error", err)
	}

	if err := bus.Close(); err != nil {
		log.Error(context.Background(), "failed to close event bus", "error", err)
	}
}

func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "file://db/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}
