package app

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix namespaces every environment variable, e.g. MBANDIT_ADDR.
const EnvPrefix = "MBANDIT"

const (
	StickySQL    = "sql"
	StickyBadger = "badger"
	StickyMemory = "memory"
)

type Config struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`

	// DatabaseURL is a libsql URL. Empty keeps all state in memory.
	DatabaseURL string `envconfig:"DATABASE_URL" default:"file:mbandit.db"`
	AuthToken   string `envconfig:"AUTH_TOKEN"`
	AutoMigrate bool   `envconfig:"AUTO_MIGRATE" default:"true"`

	StickyBackend string `envconfig:"STICKY_BACKEND" default:"sql"`
	// BadgerPath defaults to the XDG data directory.
	BadgerPath string `envconfig:"BADGER_PATH"`

	AutoFailInterval time.Duration `envconfig:"AUTOFAIL_INTERVAL" default:"10m"`
	NotifyInterval   time.Duration `envconfig:"NOTIFY_INTERVAL" default:"5m"`

	UpdateRetries   int     `envconfig:"UPDATE_RETRIES" default:"5"`
	NewtonMaxIter   int     `envconfig:"NEWTON_MAX_ITER" default:"50"`
	NewtonTolerance float64 `envconfig:"NEWTON_TOLERANCE" default:"1e-6"`

	MetricsExporter string `envconfig:"METRICS_EXPORTER" default:"prometheus"`
	OTLPEndpoint    string `envconfig:"OTLP_ENDPOINT"`
	OTLPInsecure    bool   `envconfig:"OTLP_INSECURE"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`

	// Seed fixes the sampling source. Zero seeds from the clock.
	Seed uint64 `envconfig:"SEED"`
}

func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, err
	}
	// Without a database the default sql sticky store has nowhere to live.
	if cfg.DatabaseURL == "" && cfg.StickyBackend == StickySQL {
		cfg.StickyBackend = StickyMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StickyBackend {
	case StickySQL:
		if c.DatabaseURL == "" {
			return fmt.Errorf("sticky backend %q needs a database url", c.StickyBackend)
		}
	case StickyBadger, StickyMemory:
	default:
		return fmt.Errorf("unknown sticky backend %q", c.StickyBackend)
	}
	if c.UpdateRetries <= 0 {
		return fmt.Errorf("update retries must be positive, got %d", c.UpdateRetries)
	}
	if c.NewtonMaxIter <= 0 || c.NewtonTolerance <= 0 {
		return fmt.Errorf("newton max iterations and tolerance must be positive")
	}
	if c.AutoFailInterval <= 0 || c.NotifyInterval <= 0 {
		return fmt.Errorf("sweep intervals must be positive")
	}
	return nil
}
