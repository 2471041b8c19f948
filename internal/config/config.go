package config

import (
	"log"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Platform integration endpoints, "type:url" pairs, e.g.
	// "twitter:https://bridge.internal/twitter,blog:https://bridge.internal/blog".
	PlatformWebhooks map[string]string `env:"PLATFORM_WEBHOOKS"`

	// Concurrency / retry surface.
	ProjectConcurrency int   `env:"PROJECT_CONCURRENCY" envDefault:"10"`
	ItemConcurrency    int64 `env:"ITEM_CONCURRENCY" envDefault:"5"`
	DrainBatchSize     int   `env:"DRAIN_BATCH_SIZE" envDefault:"10"`
	DrainLockTTLSec    int   `env:"DRAIN_LOCK_TTL_SEC" envDefault:"60"`
	ItemMaxAttempts    int   `env:"ITEM_MAX_ATTEMPTS" envDefault:"3"`
	DLQMaxAttempts     int   `env:"DLQ_MAX_ATTEMPTS" envDefault:"5"`
	RetentionDays      int   `env:"RETENTION_DAYS" envDefault:"30"`

	// Cron surface.
	FanOutCron   string `env:"FANOUT_CRON" envDefault:"* * * * *"`
	DLQSweepCron string `env:"DLQ_SWEEP_CRON" envDefault:"0 * * * *"`
	CleanupCron  string `env:"CLEANUP_CRON" envDefault:"0 2 * * *"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
