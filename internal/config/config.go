package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Journal   JournalConfig   `yaml:"journal"`
	Sim       SimConfig       `yaml:"sim"`
	Feed      FeedConfig      `yaml:"feed"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	PgExport  PgExportConfig  `yaml:"pg_export"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type TransportConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Account  string `yaml:"account"`
	Codec    string `yaml:"codec"`

	DialTimeout       time.Duration `yaml:"dial_timeout"`
	LogonTimeout      time.Duration `yaml:"logon_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
}

type JournalConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type SimConfig struct {
	InitialMode   string        `yaml:"initial_mode"`
	ResetInterval time.Duration `yaml:"reset_interval"`
	ResetBalance  float64       `yaml:"reset_balance"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled != nil && *m.Enabled
}

type PgExportConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Transport.Port == 0 {
		cfg.Transport.Port = 11099
	}
	if cfg.Transport.Codec == "" {
		cfg.Transport.Codec = "msgpack"
	}
	if cfg.Transport.DialTimeout == 0 {
		cfg.Transport.DialTimeout = 5 * time.Second
	}
	if cfg.Transport.LogonTimeout == 0 {
		cfg.Transport.LogonTimeout = 5 * time.Second
	}
	if cfg.Transport.HeartbeatInterval == 0 {
		cfg.Transport.HeartbeatInterval = 10 * time.Second
	}
	if cfg.Transport.HeartbeatTimeout == 0 {
		cfg.Transport.HeartbeatTimeout = 3 * cfg.Transport.HeartbeatInterval
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Breaker.BackoffBase == 0 {
		cfg.Breaker.BackoffBase = time.Second
	}
	if cfg.Breaker.BackoffMax == 0 {
		cfg.Breaker.BackoffMax = 30 * time.Second
	}
	if cfg.Journal.SQLitePath == "" {
		cfg.Journal.SQLitePath = "data/tp-bridge.db"
	}
	if cfg.Sim.InitialMode == "" {
		cfg.Sim.InitialMode = "SIM"
	}
	if cfg.Sim.ResetBalance == 0 {
		cfg.Sim.ResetBalance = 100_000
	}
	if cfg.Feed.Address == "" {
		cfg.Feed.Address = "127.0.0.1:8090"
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.PgExport.Schema == "" {
		cfg.PgExport.Schema = "public"
	}
	if cfg.PgExport.QueueSize == 0 {
		cfg.PgExport.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TPB_USERNAME"); v != "" {
		cfg.Transport.Username = v
	}
	if v := os.Getenv("TPB_PASSWORD"); v != "" {
		cfg.Transport.Password = v
	}
	if v := os.Getenv("TPB_PG_DSN"); v != "" {
		cfg.PgExport.DSN = v
	}
	if v := os.Getenv("TPB_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("TPB_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
}

func validate(cfg *Config) error {
	if cfg.Transport.Host == "" {
		return errors.New("transport.host is required")
	}
	if cfg.Transport.Port <= 0 || cfg.Transport.Port > 65535 {
		return errors.New("transport.port must be in 1..65535")
	}
	switch cfg.Transport.Codec {
	case "msgpack", "json":
	default:
		return errors.New("transport.codec must be msgpack or json")
	}
	switch strings.ToUpper(cfg.Sim.InitialMode) {
	case "SIM", "LIVE", "DEBUG":
	default:
		return errors.New("sim.initial_mode must be SIM, LIVE or DEBUG")
	}
	if cfg.Sim.ResetInterval < 0 {
		return errors.New("sim.reset_interval must not be negative")
	}
	if cfg.Sim.ResetBalance <= 0 {
		return errors.New("sim.reset_balance must be > 0")
	}
	if cfg.Breaker.FailureThreshold < 0 {
		return errors.New("breaker.failure_threshold must not be negative")
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.PgExport.Enabled && cfg.PgExport.DSN == "" {
		return errors.New("pg_export.dsn is required when pg_export is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
