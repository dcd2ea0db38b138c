package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	APIAddr     string `env:"API_ADDR" envDefault:":8080"`
	APIToken    string `env:"API_TOKEN"`
	InstanceID  string `env:"INSTANCE_ID"`
	PostgresDSN string `env:"POSTGRES_DSN"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	KeyPrefix     string `env:"KEY_PREFIX" envDefault:"pubsched"`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"postgres"`
	CoordBackend string `env:"COORD_BACKEND" envDefault:"redis"`
	QueueBackend string `env:"QUEUE_BACKEND" envDefault:"redis"`

	Timezone      string        `env:"TIMEZONE" envDefault:"UTC"`
	BatchWindow   time.Duration `env:"BATCH_WINDOW" envDefault:"5s"`
	BatchLimit    int           `env:"BATCH_LIMIT" envDefault:"100"`
	FallbackDelay time.Duration `env:"FALLBACK_DELAY" envDefault:"5s"`
	LockTTL       time.Duration `env:"LOCK_TTL" envDefault:"5m"`
	HeartbeatTTL  time.Duration `env:"HEARTBEAT_TTL" envDefault:"15s"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"@every 30s"`

	WorkerConcurrency int     `env:"WORKER_CONCURRENCY" envDefault:"4"`
	PublishRatePerSec float64 `env:"PUBLISH_RATE_PER_SEC" envDefault:"5"`
	PublishRateBurst  int     `env:"PUBLISH_RATE_BURST" envDefault:"5"`

	PrimaryMaxAttempts   int           `env:"PRIMARY_MAX_ATTEMPTS" envDefault:"3"`
	PrimaryBackoffBase   time.Duration `env:"PRIMARY_BACKOFF_BASE" envDefault:"30s"`
	PrimaryBackoffMax    time.Duration `env:"PRIMARY_BACKOFF_MAX" envDefault:"15m"`
	SecondaryMaxRetries  int           `env:"SECONDARY_MAX_RETRIES" envDefault:"3"`
	SecondaryBackoffBase time.Duration `env:"SECONDARY_BACKOFF_BASE" envDefault:"1m"`

	DuplicateWindow          time.Duration `env:"DUPLICATE_WINDOW" envDefault:"24h"`
	ScheduledDuplicateWindow time.Duration `env:"SCHEDULED_DUPLICATE_WINDOW" envDefault:"72h"`
	BulkMinGap               time.Duration `env:"BULK_MIN_GAP" envDefault:"5m"`

	PublishBaseURL string        `env:"PUBLISH_BASE_URL"`
	PublishAPIKey  string        `env:"PUBLISH_API_KEY"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"20s"`

	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
}

// Parse reads the environment and checks backend-specific requirements.
func Parse() (Config, error) {
	c, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, err
	}
	return c, c.validate()
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required with STORE_BACKEND=postgres")
		}
	case "memory":
	default:
		return errors.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	switch c.CoordBackend {
	case "redis", "memory":
	default:
		return errors.Errorf("unknown COORD_BACKEND %q", c.CoordBackend)
	}
	switch c.QueueBackend {
	case "redis", "local":
	default:
		return errors.Errorf("unknown QUEUE_BACKEND %q", c.QueueBackend)
	}
	if c.PublishBaseURL == "" {
		return errors.New("PUBLISH_BASE_URL is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TIMEZONE; recurring times of day are applied there.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	return loc, errors.Wrapf(err, "load TIMEZONE %q", c.Timezone)
}

// UsesRedis reports whether any backend needs a Redis client.
func (c Config) UsesRedis() bool {
	return c.CoordBackend == "redis" || c.QueueBackend == "redis"
}
