package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the runtime configuration threaded into constructors at startup.
// Nothing reads it through package-level state.
type Config struct {
	Server   Server
	Postgres Postgres
	Redis    Redis
	Kafka    Kafka
	Approval Approval
	Report   Report
	Admin    Admin
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"SPOTKEEPER_ADDR" envDefault:":8080"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

type Postgres struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"30m"`
	TxTimeout       time.Duration `env:"TX_TIMEOUT" envDefault:"5s"`
}

// Redis is optional; an empty URL disables the report cache.
type Redis struct {
	URL          string        `env:"REDIS_URL"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"2s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"1s"`
}

// Kafka is optional; no brokers disables decision events.
type Kafka struct {
	Brokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	DecisionTopic string   `env:"KAFKA_DECISION_TOPIC" envDefault:"booking-decisions"`
	Partitions    int32    `env:"KAFKA_DECISION_PARTITIONS" envDefault:"3"`
	Replication   int16    `env:"KAFKA_DECISION_REPLICATION" envDefault:"1"`
}

// Approval holds the runtime policy knobs.
type Approval struct {
	WebhookToken       string `env:"WEBHOOK_TOKEN"`
	Actor              string `env:"APPROVAL_ACTOR" envDefault:"approval-bot"`
	NoGroupAction      string `env:"APPROVAL_NO_GROUP_ACTION" envDefault:"MANUAL"`
	DefaultEventTypeID string `env:"DEFAULT_EVENT_TYPE_ID"`
}

type Report struct {
	Announcement      string        `env:"REPORT_ANNOUNCEMENT"`
	ShowDeclinedCount bool          `env:"REPORT_SHOW_DECLINED_COUNT" envDefault:"true"`
	CacheTTL          time.Duration `env:"REPORT_CACHE_TTL" envDefault:"30s"`
}

type Admin struct {
	JWTSecret string `env:"ADMIN_JWT_SECRET"`
	JWTIssuer string `env:"ADMIN_JWT_ISSUER"`
}

// FromEnv parses and validates the configuration from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Approval.NoGroupAction = strings.ToUpper(strings.TrimSpace(cfg.Approval.NoGroupAction))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Approval.WebhookToken == "" {
		errs = append(errs, errors.New("WEBHOOK_TOKEN is required"))
	}
	switch c.Approval.NoGroupAction {
	case "DECLINE", "MANUAL":
	default:
		errs = append(errs, fmt.Errorf("APPROVAL_NO_GROUP_ACTION must be DECLINE or MANUAL, got %q", c.Approval.NoGroupAction))
	}
	if c.Postgres.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.Admin.JWTSecret == "" {
		errs = append(errs, errors.New("ADMIN_JWT_SECRET is required"))
	}
	return errors.Join(errs...)
}
