// Package config loads gateway settings. Precedence: config file >
// environment (PRESENCEHUB_*) > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Auth modes
const (
	AuthModeHMAC = "hmac"
	AuthModeJWKS = "jwks"
)

// ConfigFileEnv names the variable holding the config file path
const ConfigFileEnv = "PRESENCEHUB_CONFIG_FILE"

type Config struct {
	Database  *DatabaseConfig  `json:"database"`
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Redis     *RedisConfig     `json:"redis"`
	Presence  *PresenceConfig  `json:"presence"`
	Auth      *AuthConfig      `json:"auth"`
	Limits    *LimitsConfig    `json:"limits"`
	Telemetry *TelemetryConfig `json:"telemetry"`
	Log       *LogConfig       `json:"log"`
}

type DatabaseConfig struct {
	Path           string        `json:"path"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	WriteQueueSize int           `json:"write_queue_size"`
	MaxConnections int           `json:"max_connections"`
}

type HTTPConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	SendBuffer     int           `json:"send_buffer"`
	MaxMessageSize int64         `json:"max_message_size"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// RedisConfig points at the presence store. Relay enables cross-instance
// fan-out over pub/sub.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Relay    bool   `json:"relay"`
	NodeID   string `json:"node_id"`
}

type PresenceConfig struct {
	KeyPrefix     string        `json:"key_prefix"`
	TTL           time.Duration `json:"ttl"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

type AuthConfig struct {
	Mode     string `json:"mode"`
	Secret   string `json:"secret"`
	JWKSURL  string `json:"jwks_url"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
}

type LimitsConfig struct {
	CommandsPerMinute int `json:"commands_per_minute"`
	BroadcastQueue    int `json:"broadcast_queue"`
}

type TelemetryConfig struct {
	ServiceName string `json:"service_name"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
}

type LogConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// DefaultConfig returns settings for a single local instance
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/presencehub.db",
			WriteTimeout:   30 * time.Second,
			WriteQueueSize: 256,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
			WriteTimeout:   5 * time.Second,
			SendBuffer:     100,
			MaxMessageSize: 64 * 1024,
		},
		Redis: &RedisConfig{
			Addr: "localhost:6379",
		},
		Presence: &PresenceConfig{
			KeyPrefix:     "presence",
			TTL:           300 * time.Second,
			SweepInterval: time.Minute,
		},
		Auth: &AuthConfig{
			Mode: AuthModeHMAC,
		},
		Limits: &LimitsConfig{
			CommandsPerMinute: 120,
			BroadcastQueue:    1000,
		},
		Telemetry: &TelemetryConfig{
			ServiceName: "presencehub",
			Insecure:    true,
		},
		Log: &LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects settings the gateway cannot run with
func (c *Config) Validate() error {
	if c.Database == nil || c.HTTP == nil || c.WebSocket == nil || c.Redis == nil ||
		c.Presence == nil || c.Auth == nil || c.Limits == nil || c.Telemetry == nil || c.Log == nil {
		return errors.New("all configuration sections are required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.WriteTimeout <= 0 {
		return fmt.Errorf("database write timeout must be positive")
	}
	if c.Database.WriteQueueSize <= 0 || c.Database.MaxConnections <= 0 {
		return fmt.Errorf("database queue size and max connections must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket pong wait must be longer than the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.SendBuffer <= 0 || c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("WebSocket buffer and message size must be positive")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis DB cannot be negative")
	}

	if c.Presence.KeyPrefix == "" {
		return fmt.Errorf("presence key prefix cannot be empty")
	}
	if c.Presence.TTL < time.Second {
		return fmt.Errorf("presence TTL must be at least 1s")
	}
	if c.Presence.SweepInterval <= 0 {
		return fmt.Errorf("presence sweep interval must be positive")
	}

	switch c.Auth.Mode {
	case AuthModeHMAC:
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth secret is required for hmac mode")
		}
	case AuthModeJWKS:
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth JWKS URL is required for jwks mode")
		}
	default:
		return fmt.Errorf("auth mode must be %q or %q", AuthModeHMAC, AuthModeJWKS)
	}

	if c.Limits.CommandsPerMinute <= 0 {
		return fmt.Errorf("commands per minute must be positive")
	}
	if c.Limits.BroadcastQueue <= 0 {
		return fmt.Errorf("broadcast queue must be positive")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	return nil
}

// Address returns host:port for the HTTP listener
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadFromEnv applies PRESENCEHUB_* variables over the defaults.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(c *Config) {
	envString("PRESENCEHUB_DATABASE_PATH", &c.Database.Path)
	envDuration("PRESENCEHUB_DATABASE_WRITE_TIMEOUT", &c.Database.WriteTimeout)

	envString("PRESENCEHUB_HTTP_HOST", &c.HTTP.Host)
	envInt("PRESENCEHUB_HTTP_PORT", &c.HTTP.Port)
	envDuration("PRESENCEHUB_HTTP_READ_TIMEOUT", &c.HTTP.ReadTimeout)
	envDuration("PRESENCEHUB_HTTP_WRITE_TIMEOUT", &c.HTTP.WriteTimeout)
	envDuration("PRESENCEHUB_HTTP_SHUTDOWN_TIMEOUT", &c.HTTP.ShutdownTimeout)

	envDuration("PRESENCEHUB_WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envDuration("PRESENCEHUB_WEBSOCKET_PONG_WAIT", &c.WebSocket.PongWait)
	envDuration("PRESENCEHUB_WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envInt("PRESENCEHUB_WEBSOCKET_SEND_BUFFER", &c.WebSocket.SendBuffer)
	if origins := os.Getenv("PRESENCEHUB_WEBSOCKET_ALLOWED_ORIGINS"); origins != "" {
		c.WebSocket.AllowedOrigins = splitList(origins)
	}

	envString("PRESENCEHUB_REDIS_ADDR", &c.Redis.Addr)
	envString("PRESENCEHUB_REDIS_PASSWORD", &c.Redis.Password)
	envInt("PRESENCEHUB_REDIS_DB", &c.Redis.DB)
	envBool("PRESENCEHUB_REDIS_RELAY", &c.Redis.Relay)
	envString("PRESENCEHUB_NODE_ID", &c.Redis.NodeID)

	envString("PRESENCEHUB_PRESENCE_KEY_PREFIX", &c.Presence.KeyPrefix)
	envDuration("PRESENCEHUB_PRESENCE_TTL", &c.Presence.TTL)
	envDuration("PRESENCEHUB_PRESENCE_SWEEP_INTERVAL", &c.Presence.SweepInterval)

	envString("PRESENCEHUB_AUTH_MODE", &c.Auth.Mode)
	envString("PRESENCEHUB_AUTH_SECRET", &c.Auth.Secret)
	envString("PRESENCEHUB_AUTH_JWKS_URL", &c.Auth.JWKSURL)
	envString("PRESENCEHUB_AUTH_ISSUER", &c.Auth.Issuer)
	envString("PRESENCEHUB_AUTH_AUDIENCE", &c.Auth.Audience)

	envInt("PRESENCEHUB_RATE_LIMIT", &c.Limits.CommandsPerMinute)
	envInt("PRESENCEHUB_BROADCAST_QUEUE", &c.Limits.BroadcastQueue)

	envString("PRESENCEHUB_OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	envString("PRESENCEHUB_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	envBool("PRESENCEHUB_OTEL_INSECURE", &c.Telemetry.Insecure)

	envString("PRESENCEHUB_LOG_LEVEL", &c.Log.Level)
	envBool("PRESENCEHUB_LOG_DEVELOPMENT", &c.Log.Development)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
