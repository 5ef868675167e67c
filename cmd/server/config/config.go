// Package config loads server settings from defaults, an optional config
// file, a .env file, and PAYFLOW_ environment variables, in increasing order
// of precedence.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so orchestrator.workers
// is read from PAYFLOW_ORCHESTRATOR_WORKERS.
const EnvPrefix = "PAYFLOW"

type Config struct {
	Env           string              `mapstructure:"env"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	GRPC          GRPCConfig          `mapstructure:"grpc"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Orchestrator  OrchestratorConfig  `mapstructure:"orchestrator"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Sweeper       SweeperConfig       `mapstructure:"sweeper"`
	Routing       RoutingConfig       `mapstructure:"routing"`
	Ledger        LedgerConfig        `mapstructure:"ledger"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Log           LogConfig           `mapstructure:"log"`
}

// DatabaseConfig selects the Postgres saga store. An empty URL keeps sagas
// in memory.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// RedisConfig holds Redis connection settings for the idempotency ledger. An
// empty URL keeps the ledger in memory. Zero values leave the go-redis
// defaults in place.
type RedisConfig struct {
	URL                string        `mapstructure:"url"`
	KeyPrefix          string        `mapstructure:"key_prefix"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	PoolSize           int           `mapstructure:"pool_size"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	MaxRetries         int           `mapstructure:"max_retries"`
	HealthcheckTimeout time.Duration `mapstructure:"healthcheck_timeout"`
	EnableOTel         bool          `mapstructure:"otel"`
	TLS                RedisTLS      `mapstructure:"tls"`
}

type RedisTLS struct {
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	ServerName         string `mapstructure:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GRPCConfig holds the listener and ingress rate limiting settings.
type GRPCConfig struct {
	Addr              string        `mapstructure:"addr"`
	RateLimitInterval time.Duration `mapstructure:"rate_limit_interval"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	Reflection        bool          `mapstructure:"reflection"`
}

// ObservabilityConfig holds the HTTP address for the metrics endpoint.
type ObservabilityConfig struct {
	Addr string `mapstructure:"addr"`
}

type OrchestratorConfig struct {
	Owner          string        `mapstructure:"owner"`
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	BusyRetryDelay time.Duration `mapstructure:"busy_retry_delay"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	EventBuffer    int           `mapstructure:"event_buffer"`
}

type RetryConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	StepTimeout        time.Duration `mapstructure:"step_timeout"`
	InflightStaleAfter time.Duration `mapstructure:"inflight_stale_after"`
}

type SweeperConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type RoutingConfig struct {
	File     string        `mapstructure:"file"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type LedgerConfig struct {
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

// CollaboratorsConfig points at the remote account and clearing services.
// Without an account URL the in-memory collaborators are used, seeded with
// Balances; clearing networks without a URL are simulated in memory.
type CollaboratorsConfig struct {
	AccountURL        string            `mapstructure:"account_url"`
	ClearingURLs      map[string]string `mapstructure:"clearing_urls"`
	Networks          []string          `mapstructure:"networks"`
	Balances          map[string]int64  `mapstructure:"balances"`
	SettlementDelay   time.Duration     `mapstructure:"settlement_delay"`
	Timeout           time.Duration     `mapstructure:"timeout"`
	RateLimitInterval time.Duration     `mapstructure:"rate_limit_interval"`
	RateLimitBurst    int               `mapstructure:"rate_limit_burst"`
	BreakerFailures   int               `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration     `mapstructure:"breaker_cooldown"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Production reports whether the server runs with production hardening.
func (c Config) Production() bool {
	return strings.EqualFold(c.Env, "production")
}

var defaults = map[string]any{
	"env": "development",

	"database.url":            "",
	"database.max_open_conns": 10,
	"database.max_idle_conns": 5,

	"redis.url":                      "",
	"redis.key_prefix":               "payflow:ledger:",
	"redis.dial_timeout":             0,
	"redis.read_timeout":             0,
	"redis.write_timeout":            0,
	"redis.pool_size":                0,
	"redis.min_idle_conns":           0,
	"redis.max_retries":              0,
	"redis.healthcheck_timeout":      "2s",
	"redis.otel":                     false,
	"redis.tls.ca_file":              "",
	"redis.tls.cert_file":            "",
	"redis.tls.key_file":             "",
	"redis.tls.server_name":          "",
	"redis.tls.insecure_skip_verify": false,

	"http.addr":             ":8080",
	"http.shutdown_timeout": "5s",

	"grpc.addr":                ":50051",
	"grpc.rate_limit_interval": "1ms",
	"grpc.rate_limit_burst":    200,
	"grpc.reflection":          true,

	"observability.addr": ":9090",

	"orchestrator.owner":            "",
	"orchestrator.workers":          8,
	"orchestrator.queue_size":       1024,
	"orchestrator.lease_ttl":        "30s",
	"orchestrator.busy_retry_delay": "250ms",
	"orchestrator.drain_timeout":    "10s",
	"orchestrator.event_buffer":     256,

	"retry.max_attempts":         5,
	"retry.base_delay":           "200ms",
	"retry.max_delay":            "5s",
	"retry.step_timeout":         "10s",
	"retry.inflight_stale_after": "1m",

	"sweeper.interval":    "15s",
	"sweeper.stale_after": "1m",
	"sweeper.batch_size":  100,

	"routing.file":      "configs/routing.yaml",
	"routing.cache_ttl": "30s",

	"ledger.result_ttl": "168h",

	"collaborators.account_url":         "",
	"collaborators.clearing_urls":       map[string]string{},
	"collaborators.networks":            []string{"SEPA_INST", "SEPA_CT"},
	"collaborators.balances":            map[string]int64{},
	"collaborators.settlement_delay":    "2s",
	"collaborators.timeout":             "5s",
	"collaborators.rate_limit_interval": "5ms",
	"collaborators.rate_limit_burst":    50,
	"collaborators.breaker_failures":    5,
	"collaborators.breaker_cooldown":    "30s",

	"log.level":  "info",
	"log.format": "json",
}

// Load reads the configuration. file may be empty; envFile is loaded when it
// exists and never overrides variables already set in the environment.
func Load(file, envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize restores the case of map keys, which viper folds to lower case.
// Account identifiers and clearing system codes are upper case.
func (c *Config) normalize() {
	urls := make(map[string]string, len(c.Collaborators.ClearingURLs))
	for network, url := range c.Collaborators.ClearingURLs {
		urls[strings.ToUpper(network)] = url
	}
	c.Collaborators.ClearingURLs = urls

	balances := make(map[string]int64, len(c.Collaborators.Balances))
	for account, amount := range c.Collaborators.Balances {
		balances[strings.ToUpper(account)] = amount
	}
	c.Collaborators.Balances = balances

	for i, network := range c.Collaborators.Networks {
		c.Collaborators.Networks[i] = strings.ToUpper(strings.TrimSpace(network))
	}
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	return validation.Errors{
		"grpc": validation.ValidateStruct(&c.GRPC,
			validation.Field(&c.GRPC.Addr, validation.Required),
			validation.Field(&c.GRPC.RateLimitInterval, validation.Min(time.Duration(0))),
			validation.Field(&c.GRPC.RateLimitBurst, validation.Min(0)),
		),
		"http": validation.ValidateStruct(&c.HTTP,
			validation.Field(&c.HTTP.Addr, validation.Required),
		),
		"orchestrator": validation.ValidateStruct(&c.Orchestrator,
			validation.Field(&c.Orchestrator.Workers, validation.Required, validation.Min(1)),
			validation.Field(&c.Orchestrator.QueueSize, validation.Required, validation.Min(c.Orchestrator.Workers)),
			validation.Field(&c.Orchestrator.LeaseTTL, validation.Required, validation.Min(time.Second)),
			validation.Field(&c.Orchestrator.BusyRetryDelay, validation.Min(time.Duration(0))),
			validation.Field(&c.Orchestrator.DrainTimeout, validation.Min(time.Duration(0))),
			validation.Field(&c.Orchestrator.EventBuffer, validation.Min(1)),
		),
		"retry": validation.ValidateStruct(&c.Retry,
			validation.Field(&c.Retry.MaxAttempts, validation.Required, validation.Min(1)),
			validation.Field(&c.Retry.BaseDelay, validation.Required),
			validation.Field(&c.Retry.MaxDelay, validation.Required, validation.Min(c.Retry.BaseDelay)),
			validation.Field(&c.Retry.StepTimeout, validation.Required),
			validation.Field(&c.Retry.InflightStaleAfter, validation.Required, validation.Min(c.Retry.StepTimeout)),
		),
		"sweeper": validation.ValidateStruct(&c.Sweeper,
			validation.Field(&c.Sweeper.Interval, validation.Required),
			validation.Field(&c.Sweeper.StaleAfter, validation.Required),
			validation.Field(&c.Sweeper.BatchSize, validation.Required, validation.Min(1)),
		),
		"routing": validation.ValidateStruct(&c.Routing,
			validation.Field(&c.Routing.File, validation.Required),
			validation.Field(&c.Routing.CacheTTL, validation.Min(time.Duration(0))),
		),
		"ledger": validation.ValidateStruct(&c.Ledger,
			validation.Field(&c.Ledger.ResultTTL, validation.Min(time.Duration(0))),
		),
		"redis": validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.TLS, validation.By(func(any) error { return c.Redis.TLS.validate() })),
		),
		"log": validation.ValidateStruct(&c.Log,
			validation.Field(&c.Log.Level, validation.In("debug", "info", "warn", "error")),
			validation.Field(&c.Log.Format, validation.In("json", "console")),
		),
	}.Filter()
}

func (t RedisTLS) enabled() bool {
	return t.CAFile != "" || t.CertFile != "" || t.KeyFile != "" || t.ServerName != "" || t.InsecureSkipVerify
}

func (t RedisTLS) validate() error {
	if (t.CertFile == "") != (t.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	return nil
}

// Load builds the TLS config, or returns nil when no TLS setting is present.
func (t RedisTLS) Load() (*tls.Config, error) {
	if !t.enabled() {
		return nil, nil
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify,
	}

	if t.CAFile != "" {
		pemData, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("redis CA file contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
