package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StorePebble   = "pebble"
)

// ConfigFileEnv names the optional YAML file that provides the base configuration.
const ConfigFileEnv = "CARCHAT_CONFIG"

// Config contains all runtime configuration.
// Values come from the YAML base file (if any), then environment variables override them.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	Store       string `yaml:"store"`
	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`
	DBSchema    string `yaml:"db_schema"`
	PebblePath  string `yaml:"pebble_path"`

	// If true, /readyz returns 503 unless the store is Postgres and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	IdentityKey      string        `yaml:"identity_key"`
	IdentityInsecure bool          `yaml:"identity_insecure"`
	IdentityTTL      time.Duration `yaml:"identity_ttl"`

	WSOriginRequired  bool          `yaml:"ws_origin_required"`
	WSAllowedOrigins  []string      `yaml:"ws_allowed_origins"`
	WSSendQueueSize   int           `yaml:"ws_send_queue_size"`
	WSWriteTimeout    time.Duration `yaml:"ws_write_timeout"`
	WSReadIdleTimeout time.Duration `yaml:"ws_read_idle_timeout"`
	WSRateEvents      int           `yaml:"ws_rate_events"`
	WSRateWindow      time.Duration `yaml:"ws_rate_window"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	TypingIdle     time.Duration `yaml:"typing_idle"`
	HistoryWindow  int           `yaml:"history_window"`
	ResubscribeMax int           `yaml:"resubscribe_max"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,

		Store:      StoreMemory,
		DBMaxConns: 10,
		DBSchema:   "carchat",
		PebblePath: "data/carchat.pebble",

		IdentityTTL: 24 * time.Hour,

		WSOriginRequired: true,
		WSSendQueueSize:  256,
		WSRateEvents:     120,
		WSRateWindow:     10 * time.Second,

		CORSMaxAgeSeconds: 600,

		TypingIdle:    time.Second,
		HistoryWindow: 50,
	}
}

// LoadConfig builds Config from the optional YAML file named by CARCHAT_CONFIG and the environment.
func LoadConfig() (Config, error) {
	base := defaultConfig()
	if path := EnvString(ConfigFileEnv, ""); path != "" {
		if err := loadConfigFile(path, &base); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTPAddr:  EnvString("CARCHAT_HTTP_ADDR", base.HTTPAddr),
		LogLevel:  EnvString("CARCHAT_LOG_LEVEL", base.LogLevel),
		LogFormat: EnvString("CARCHAT_LOG_FORMAT", base.LogFormat),

		ReadHeaderTimeout: EnvDuration("CARCHAT_HTTP_READ_HEADER_TIMEOUT", base.ReadHeaderTimeout),
		ReadTimeout:       EnvDuration("CARCHAT_HTTP_READ_TIMEOUT", base.ReadTimeout),
		WriteTimeout:      EnvDuration("CARCHAT_HTTP_WRITE_TIMEOUT", base.WriteTimeout),
		IdleTimeout:       EnvDuration("CARCHAT_HTTP_IDLE_TIMEOUT", base.IdleTimeout),
		MaxHeaderBytes:    EnvInt("CARCHAT_HTTP_MAX_HEADER_BYTES", base.MaxHeaderBytes),

		Store:       strings.ToLower(EnvString("CARCHAT_STORE", base.Store)),
		DatabaseURL: EnvString("CARCHAT_DATABASE_URL", base.DatabaseURL),
		DBMaxConns:  EnvInt32("CARCHAT_DB_MAX_CONNS", base.DBMaxConns),
		DBMinConns:  EnvInt32("CARCHAT_DB_MIN_CONNS", base.DBMinConns),
		DBSchema:    EnvString("CARCHAT_DB_SCHEMA", base.DBSchema),
		PebblePath:  EnvString("CARCHAT_PEBBLE_PATH", base.PebblePath),

		ReadinessRequireDB: EnvBool("CARCHAT_READINESS_REQUIRE_DB", base.ReadinessRequireDB),

		IdentityKey:      EnvString("CARCHAT_IDENTITY_KEY", base.IdentityKey),
		IdentityInsecure: EnvBool("CARCHAT_IDENTITY_INSECURE", base.IdentityInsecure),
		IdentityTTL:      EnvDuration("CARCHAT_IDENTITY_TTL", base.IdentityTTL),

		WSOriginRequired:  EnvBool("CARCHAT_WS_ORIGIN_REQUIRED", base.WSOriginRequired),
		WSAllowedOrigins:  EnvList("CARCHAT_WS_ALLOWED_ORIGINS", base.WSAllowedOrigins),
		WSSendQueueSize:   EnvInt("CARCHAT_WS_SEND_QUEUE", base.WSSendQueueSize),
		WSWriteTimeout:    EnvDuration("CARCHAT_WS_WRITE_TIMEOUT", base.WSWriteTimeout),
		WSReadIdleTimeout: EnvDuration("CARCHAT_WS_READ_IDLE_TIMEOUT", base.WSReadIdleTimeout),
		WSRateEvents:      EnvInt("CARCHAT_WS_RATE_EVENTS", base.WSRateEvents),
		WSRateWindow:      EnvDuration("CARCHAT_WS_RATE_WINDOW", base.WSRateWindow),

		CORSAllowedOrigins:   EnvList("CARCHAT_CORS_ALLOWED_ORIGINS", base.CORSAllowedOrigins),
		CORSAllowCredentials: EnvBool("CARCHAT_CORS_ALLOW_CREDENTIALS", base.CORSAllowCredentials),
		CORSMaxAgeSeconds:    EnvInt("CARCHAT_CORS_MAX_AGE", base.CORSMaxAgeSeconds),

		TypingIdle:     EnvDuration("CARCHAT_TYPING_IDLE", base.TypingIdle),
		HistoryWindow:  EnvInt("CARCHAT_HISTORY_WINDOW", base.HistoryWindow),
		ResubscribeMax: EnvInt("CARCHAT_RESUBSCRIBE_MAX", base.ResubscribeMax),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: CARCHAT_STORE=postgres requires CARCHAT_DATABASE_URL")
		}
	case StorePebble:
		if strings.TrimSpace(c.PebblePath) == "" {
			return errors.New("config: CARCHAT_STORE=pebble requires CARCHAT_PEBBLE_PATH")
		}
	default:
		return fmt.Errorf("config: unknown store %q (want memory|postgres|pebble)", c.Store)
	}
	if c.ReadinessRequireDB && c.Store != StorePostgres {
		return errors.New("config: CARCHAT_READINESS_REQUIRE_DB=true requires the postgres store")
	}
	return nil
}

func loadConfigFile(path string, into *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
