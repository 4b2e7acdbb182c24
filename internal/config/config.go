// Package config loads service settings from defaults, the environment
// (optionally seeded from a .env file) and a YAML file, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	dbconfig "ticketrelay/pkg/database"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "TICKETRELAY_"

// Environments.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the complete service configuration.
type Config struct {
	Env       string          `yaml:"env"`
	Log       LogConfig       `yaml:"log"`
	Database  dbconfig.Config `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
}

// LogConfig selects the zerolog level and writer.
type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "console" or "json"; empty picks console in development.
	Format string `yaml:"format"`
}

type HTTPConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	// ReadTimeout is how long a silent client survives without a pong.
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	BufferSize        int           `yaml:"buffer_size"`
	MaxMessageBytes   int64         `yaml:"max_message_bytes"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	UpgradesPerSecond float64       `yaml:"upgrades_per_second"`
	UpgradeBurst      int           `yaml:"upgrade_burst"`
	// EventTimeout bounds the store calls made for one inbound event.
	EventTimeout time.Duration `yaml:"event_timeout"`
	// IdleTimeout closes connections that sent no event for this long;
	// zero disables the sweep.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

type RateLimitConfig struct {
	MaxMessages     int           `yaml:"max_messages"`
	Window          time.Duration `yaml:"window"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type AuthConfig struct {
	// Secret is the HS256 key for handshake tokens.
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		Env: EnvDevelopment,
		Log: LogConfig{
			Level: "info",
		},
		Database: *dbconfig.DefaultConfig(),
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:      30 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      5 * time.Second,
			BufferSize:        100,
			MaxMessageBytes:   64 * 1024,
			UpgradesPerSecond: 5,
			UpgradeBurst:      10,
			EventTimeout:      5 * time.Second,
			IdleTimeout:       30 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			MaxMessages:     10,
			Window:          60 * time.Second,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// IsDevelopment reports whether the service runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return c.HTTP.Host + ":" + strconv.Itoa(c.HTTP.Port)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}

	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("log format must be console or json, got %q", c.Log.Format)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}
	if c.WebSocket.EventTimeout <= 0 {
		return errors.New("WebSocket event timeout must be positive")
	}
	if c.WebSocket.IdleTimeout < 0 {
		return errors.New("WebSocket idle timeout must not be negative")
	}

	if c.RateLimit.MaxMessages <= 0 {
		return errors.New("rate limit max messages must be positive")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("rate limit window must be positive")
	}

	if c.Env == EnvProduction && len(c.Auth.Secret) < 32 {
		return errors.New("auth secret must be at least 32 bytes in production")
	}
	return nil
}

// LoadFromEnv applies TICKETRELAY_* variables on top of the defaults. A
// .env file in the working directory is loaded first when present; it never
// overrides variables already set.
func LoadFromEnv() *Config {
	_ = godotenv.Load()

	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("ENV", &c.Env)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)

	envString("DATABASE_PATH", &c.Database.DatabasePath)
	envString("DATABASE_MIGRATIONS_PATH", &c.Database.MigrationsPath)
	envInt("DATABASE_MAX_CONNECTIONS", &c.Database.MaxConnections)
	envInt("DATABASE_WRITE_QUEUE_SIZE", &c.Database.WriteQueueSize)

	envString("HTTP_HOST", &c.HTTP.Host)
	envInt("HTTP_PORT", &c.HTTP.Port)
	envDuration("HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)
	envList("HTTP_CORS_ORIGINS", &c.HTTP.CORSOrigins)

	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("WEBSOCKET_BUFFER_SIZE", &c.WebSocket.BufferSize)
	envList("WEBSOCKET_ALLOWED_ORIGINS", &c.WebSocket.AllowedOrigins)
	envDuration("WEBSOCKET_EVENT_TIMEOUT", &c.WebSocket.EventTimeout)
	envDuration("WEBSOCKET_IDLE_TIMEOUT", &c.WebSocket.IdleTimeout)

	envInt("RATE_LIMIT_MAX_MESSAGES", &c.RateLimit.MaxMessages)
	envDuration("RATE_LIMIT_WINDOW", &c.RateLimit.Window)

	envString("AUTH_SECRET", &c.Auth.Secret)
	envString("AUTH_ISSUER", &c.Auth.Issuer)
}

// Malformed numeric and duration values are ignored and the previous
// value kept.
func envString(key string, dst *string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(key string, dst *[]string) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	var out []string
	for _, entry := range strings.Split(v, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	*dst = out
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := mergeFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// mergeFile overlays the keys present in the file onto c. Unknown keys
// are an error.
func mergeFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence resolves file > environment > defaults. An
// empty path skips the file.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()

	if path != "" {
		if err := mergeFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
