// Package config loads runtime settings from defaults, an optional config
// file, HUDDLE_-prefixed environment variables and command-line flags.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "HUDDLE"

// Session backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// ServerConfig holds the HTTP and WebSocket settings including security controls.
type ServerConfig struct {
	Addr            string          `mapstructure:"addr"`
	AllowedOrigins  []string        `mapstructure:"allowed_origins"`
	MaxMessageSize  int64           `mapstructure:"max_message_size"`
	SendBuffer      int             `mapstructure:"send_buffer"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionsConfig selects the session backend and its lifetimes.
type SessionsConfig struct {
	Backend string `mapstructure:"backend"`
	// TTL is the absolute lifetime of a session from login.
	TTL time.Duration `mapstructure:"ttl"`
	// MaxIdle is how long a session may go untouched before the sweep
	// purges it.
	MaxIdle       time.Duration `mapstructure:"max_idle"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RedisConfig is used when Sessions.Backend is "redis".
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Prefix       string        `mapstructure:"prefix"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// ChatConfig tunes the realtime core.
type ChatConfig struct {
	HistoryLimit   int  `mapstructure:"history_limit"`
	LegacyIdentity bool `mapstructure:"legacy_identity"`
}

// AccountConfig tunes credential handling.
type AccountConfig struct {
	BcryptCost int `mapstructure:"bcrypt_cost"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the complete process configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Account  AccountConfig  `mapstructure:"account"`
	Log      LogConfig      `mapstructure:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: 64 * 1024,
			SendBuffer:     256,
			RateLimit: RateLimitConfig{
				Burst:          20,
				RefillInterval: 100 * time.Millisecond,
			},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:    "huddle.db",
			Timeout: 5 * time.Second,
		},
		Sessions: SessionsConfig{
			Backend:       BackendSQLite,
			TTL:           7 * 24 * time.Hour,
			MaxIdle:       24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Redis: RedisConfig{
			URL:          "redis://localhost:6379/0",
			Prefix:       "huddle",
			PoolSize:     10,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Chat: ChatConfig{
			HistoryLimit: 50,
		},
		Account: AccountConfig{
			BcryptCost: 12,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// SetDefaults registers every key of Default on v so that environment
// variables and flags resolve for all of them.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.max_message_size", d.Server.MaxMessageSize)
	v.SetDefault("server.send_buffer", d.Server.SendBuffer)
	v.SetDefault("server.rate_limit.burst", d.Server.RateLimit.Burst)
	v.SetDefault("server.rate_limit.refill_interval", d.Server.RateLimit.RefillInterval)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.timeout", d.Store.Timeout)

	v.SetDefault("sessions.backend", d.Sessions.Backend)
	v.SetDefault("sessions.ttl", d.Sessions.TTL)
	v.SetDefault("sessions.max_idle", d.Sessions.MaxIdle)
	v.SetDefault("sessions.sweep_interval", d.Sessions.SweepInterval)

	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)

	v.SetDefault("chat.history_limit", d.Chat.HistoryLimit)
	v.SetDefault("chat.legacy_identity", d.Chat.LegacyIdentity)

	v.SetDefault("account.bcrypt_cost", d.Account.BcryptCost)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Load reads configuration into a Config. Keys resolve from flags bound on
// v, then HUDDLE_ environment variables, then the file at path (if any),
// then defaults. The result is sanitized.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return Sanitize(cfg), nil
}

// Sanitize replaces unusable values with their defaults.
func Sanitize(cfg Config) Config {
	d := Default()

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = d.Server.Addr
	}
	cfg.Server.AllowedOrigins = trimAll(cfg.Server.AllowedOrigins)
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = d.Server.MaxMessageSize
	}
	if cfg.Server.SendBuffer <= 0 {
		cfg.Server.SendBuffer = d.Server.SendBuffer
	}
	if cfg.Server.RateLimit.Burst <= 0 {
		cfg.Server.RateLimit.Burst = d.Server.RateLimit.Burst
	}
	if cfg.Server.RateLimit.RefillInterval <= 0 {
		cfg.Server.RateLimit.RefillInterval = d.Server.RateLimit.RefillInterval
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if cfg.Server.IdleTimeout <= 0 {
		cfg.Server.IdleTimeout = d.Server.IdleTimeout
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = d.Server.ShutdownTimeout
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = d.Store.Path
	}
	if cfg.Store.Timeout < 0 {
		cfg.Store.Timeout = d.Store.Timeout
	}

	cfg.Sessions.Backend = strings.ToLower(strings.TrimSpace(cfg.Sessions.Backend))
	if cfg.Sessions.Backend != BackendRedis {
		cfg.Sessions.Backend = BackendSQLite
	}
	if cfg.Sessions.TTL <= 0 {
		cfg.Sessions.TTL = d.Sessions.TTL
	}
	if cfg.Sessions.MaxIdle <= 0 {
		cfg.Sessions.MaxIdle = d.Sessions.MaxIdle
	}
	if cfg.Sessions.SweepInterval <= 0 {
		cfg.Sessions.SweepInterval = d.Sessions.SweepInterval
	}

	if cfg.Redis.URL == "" {
		cfg.Redis.URL = d.Redis.URL
	}
	if cfg.Redis.PoolSize <= 0 {
		cfg.Redis.PoolSize = d.Redis.PoolSize
	}

	if cfg.Chat.HistoryLimit <= 0 {
		cfg.Chat.HistoryLimit = d.Chat.HistoryLimit
	}
	if cfg.Account.BcryptCost <= 0 {
		cfg.Account.BcryptCost = d.Account.BcryptCost
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = d.Log.Level
	}
	return cfg
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
