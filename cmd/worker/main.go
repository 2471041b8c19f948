package main

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/you/pubq/internal/bus"
	"github.com/you/pubq/internal/config"
	"github.com/you/pubq/internal/dispatch"
	"github.com/you/pubq/internal/domain"
	"github.com/you/pubq/internal/escalator"
	"github.com/you/pubq/internal/metrics"
	"github.com/you/pubq/internal/orchestrator"
	"github.com/you/pubq/internal/publisher"
	"github.com/you/pubq/internal/publisher/webhook"
	"github.com/you/pubq/internal/storage"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.AppEnv)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.New(db)
	sigBus := bus.New(rdb)
	sink := metrics.Multi{metrics.NewStoreSink(store, log), metrics.NewLogSink(log)}

	reg := publisher.NewRegistry(log)
	for platformType, url := range cfg.PlatformWebhooks {
		reg.Register(domain.PlatformType(platformType), webhook.New(url))
		log.Info("registered platform publisher",
			zap.String("platform_type", platformType))
	}

	orch := orchestrator.New(store, reg, sink, log)
	trigger := dispatch.NewTrigger(store, sigBus, dispatch.NewRedisLocker(rdb), sink, log,
		cfg.DrainBatchSize, time.Duration(cfg.DrainLockTTLSec)*time.Second)
	worker := dispatch.NewWorker(trigger, orch, store, sigBus, log,
		cfg.ProjectConcurrency, cfg.ItemConcurrency, cfg.ItemMaxAttempts)
	esc := escalator.New(store, sigBus, sink, log,
		time.Duration(cfg.RetentionDays)*24*time.Hour)

	c := cron.New()
	schedule(c, log, cfg.FanOutCron, "fan-out", func() error { return trigger.FanOut(ctx) })
	schedule(c, log, cfg.DLQSweepCron, "dlq-sweep", func() error { return esc.SweepDLQ(ctx) })
	schedule(c, log, cfg.CleanupCron, "retention-cleanup", func() error { return esc.Cleanup(ctx) })
	c.Start()
	defer c.Stop()

	log.Info("worker started",
		zap.Int("project_concurrency", cfg.ProjectConcurrency),
		zap.Int64("item_concurrency", cfg.ItemConcurrency),
		zap.Int("item_max_attempts", cfg.ItemMaxAttempts))

	if err := worker.Run(ctx); err != nil {
		log.Fatal("worker", zap.Error(err))
	}
	log.Info("worker stopped")
}

func schedule(c *cron.Cron, log *zap.Logger, spec, name string, job func() error) {
	if _, err := c.AddFunc(spec, func() {
		if err := job(); err != nil {
			log.Error(name, zap.Error(err))
		}
	}); err != nil {
		log.Fatal("schedule "+name, zap.String("spec", spec), zap.Error(err))
	}
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
