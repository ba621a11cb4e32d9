package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"asset-ledger/pkg/retry"

	"github.com/spf13/viper"
)

// In-flight policies for a repeated idempotency key whose original call has
// not resolved yet.
const (
	InFlightBlock  = "block"
	InFlightReject = "reject"
)

// Config holds all application configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Daemon         DaemonConfig         `mapstructure:"daemon"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Admin          AdminConfig          `mapstructure:"admin"`
	Log            LogConfig            `mapstructure:"log"`
}

type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	Mode        string   `mapstructure:"mode"` // debug, release, test
	CORSOrigins []string `mapstructure:"cors_origins"`
	RateLimit   int64    `mapstructure:"rate_limit_per_minute"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address string.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DaemonConfig points at the tapd REST gateway.
type DaemonConfig struct {
	GatewayURL     string        `mapstructure:"gateway_url"`
	MacaroonHex    string        `mapstructure:"macaroon_hex"`
	TLSVerify      bool          `mapstructure:"tls_verify"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst      int           `mapstructure:"rate_burst"`
}

type LedgerConfig struct {
	InFlightPolicy string        `mapstructure:"inflight_policy"` // block, reject
	InFlightWait   time.Duration `mapstructure:"inflight_wait"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"` // Redis fast-path TTL
	DaemonTimeout  time.Duration `mapstructure:"daemon_timeout"`
	Retry          retry.Policy  `mapstructure:"retry"`
}

type ReconciliationConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	Retry          retry.Policy  `mapstructure:"retry"`
}

// AdminConfig guards maintenance endpoints (reconcile trigger, key clearing).
type AdminConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Pretty bool   `mapstructure:"pretty"` // human-readable output (dev only)
}

// Load reads configuration from file and environment variables.
// Environment variables override file values. Prefix: ALG_ (Asset LedGer).
// Nested keys use underscore: ALG_DATABASE_HOST, ALG_DAEMON_GATEWAY_URL, etc.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("server.rate_limit_per_minute", 100)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "taproot_assets")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("daemon.gateway_url", "http://127.0.0.1:8289")
	v.SetDefault("daemon.macaroon_hex", "")
	v.SetDefault("daemon.tls_verify", true)
	v.SetDefault("daemon.request_timeout", "30s")
	v.SetDefault("daemon.rate_limit", 20)
	v.SetDefault("daemon.rate_burst", 5)
	v.SetDefault("ledger.inflight_policy", InFlightBlock)
	v.SetDefault("ledger.inflight_wait", "30s")
	v.SetDefault("ledger.idempotency_ttl", "24h")
	v.SetDefault("ledger.daemon_timeout", "20s")
	v.SetDefault("ledger.retry.initial_interval", "200ms")
	v.SetDefault("ledger.retry.max_interval", "2s")
	v.SetDefault("ledger.retry.max_attempts", 3)
	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval", "1m")
	v.SetDefault("reconciliation.pending_timeout", "10m")
	v.SetDefault("reconciliation.retry.initial_interval", "500ms")
	v.SetDefault("reconciliation.retry.max_interval", "10s")
	v.SetDefault("reconciliation.retry.max_attempts", 5)
	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.jwt_issuer", "asset-ledger")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// File config
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Environment variables: ALG_DATABASE_HOST -> database.host
	v.SetEnvPrefix("ALG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (not required, env vars can suffice)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Daemon.GatewayURL == "" {
		return errors.New("daemon.gateway_url cannot be empty")
	}
	if c.Daemon.RequestTimeout <= 0 {
		return errors.New("daemon.request_timeout must be greater than 0")
	}
	if c.Ledger.InFlightPolicy != InFlightBlock && c.Ledger.InFlightPolicy != InFlightReject {
		return fmt.Errorf("ledger.inflight_policy must be %q or %q", InFlightBlock, InFlightReject)
	}
	if c.Ledger.DaemonTimeout <= 0 {
		return errors.New("ledger.daemon_timeout must be greater than 0")
	}
	if c.Reconciliation.Interval <= 0 {
		return errors.New("reconciliation.interval must be greater than 0")
	}
	if c.Reconciliation.PendingTimeout <= 0 {
		return errors.New("reconciliation.pending_timeout must be greater than 0")
	}
	// a send still waiting on the daemon must not be swept as lost
	if c.Reconciliation.PendingTimeout <= c.Ledger.DaemonTimeout {
		return fmt.Errorf("reconciliation.pending_timeout (%s) must exceed ledger.daemon_timeout (%s)",
			c.Reconciliation.PendingTimeout, c.Ledger.DaemonTimeout)
	}
	if c.Server.RateLimit <= 0 {
		return errors.New("server.rate_limit_per_minute must be greater than 0")
	}
	return nil
}
