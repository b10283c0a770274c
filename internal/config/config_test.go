package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	config := DefaultConfig()
	config.Auth.Secret = "s3cret"
	return config
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Presence.TTL != 300*time.Second {
		t.Errorf("Expected presence TTL 300s, got %v", config.Presence.TTL)
	}
	if config.Presence.KeyPrefix != "presence" {
		t.Errorf("Expected key prefix presence, got %s", config.Presence.KeyPrefix)
	}
	if config.HTTP.Address() != "0.0.0.0:8080" {
		t.Errorf("Unexpected address %s", config.HTTP.Address())
	}
	if err := config.Validate(); err == nil || !strings.Contains(err.Error(), "auth secret") {
		t.Errorf("Defaults without a secret should fail on auth, got %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("Defaults plus secret should validate: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing section", func(c *Config) { c.Redis = nil }, "sections are required"},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"bad port", func(c *Config) { c.HTTP.Port = 70000 }, "HTTP port"},
		{"pong shorter than ping", func(c *Config) { c.WebSocket.PongWait = c.WebSocket.PingInterval }, "pong wait"},
		{"empty redis addr", func(c *Config) { c.Redis.Addr = "" }, "redis address"},
		{"tiny ttl", func(c *Config) { c.Presence.TTL = time.Millisecond }, "presence TTL"},
		{"jwks without url", func(c *Config) { c.Auth.Mode = AuthModeJWKS }, "JWKS URL"},
		{"unknown auth mode", func(c *Config) { c.Auth.Mode = "basic" }, "auth mode"},
		{"zero rate limit", func(c *Config) { c.Limits.CommandsPerMinute = 0 }, "commands per minute"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)
			err := config.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("PRESENCEHUB_HTTP_PORT", "9090")
	t.Setenv("PRESENCEHUB_DATABASE_PATH", "/tmp/test.db")
	t.Setenv("PRESENCEHUB_PRESENCE_TTL", "2m")
	t.Setenv("PRESENCEHUB_REDIS_RELAY", "true")
	t.Setenv("PRESENCEHUB_WEBSOCKET_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PRESENCEHUB_REDIS_DB", "not-a-number")

	config := LoadFromEnv()

	if config.HTTP.Port != 9090 {
		t.Errorf("Expected HTTP port 9090, got %d", config.HTTP.Port)
	}
	if config.Database.Path != "/tmp/test.db" {
		t.Errorf("Expected database path /tmp/test.db, got %s", config.Database.Path)
	}
	if config.Presence.TTL != 2*time.Minute {
		t.Errorf("Expected TTL 2m, got %v", config.Presence.TTL)
	}
	if !config.Redis.Relay {
		t.Error("Expected relay enabled")
	}
	if len(config.WebSocket.AllowedOrigins) != 2 || config.WebSocket.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("Unexpected origins %v", config.WebSocket.AllowedOrigins)
	}
	if config.Redis.DB != 0 {
		t.Errorf("Unparseable value should be ignored, got %d", config.Redis.DB)
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfigFile(t, `{
		"http": {"port": 9999, "read_timeout": "45s"},
		"redis": {"addr": "redis:6379", "db": 2, "relay": true},
		"presence": {"ttl": "90s"},
		"auth": {"secret": "file-secret", "issuer": "presencehub"},
		"log": {"level": "debug", "development": true}
	}`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if config.HTTP.Port != 9999 || config.HTTP.ReadTimeout != 45*time.Second {
		t.Errorf("Unexpected HTTP config: %+v", config.HTTP)
	}
	if config.Redis.Addr != "redis:6379" || config.Redis.DB != 2 || !config.Redis.Relay {
		t.Errorf("Unexpected redis config: %+v", config.Redis)
	}
	if config.Presence.TTL != 90*time.Second {
		t.Errorf("Expected TTL 90s, got %v", config.Presence.TTL)
	}
	if config.Auth.Issuer != "presencehub" || !config.Log.Development {
		t.Errorf("Unexpected auth/log config: %+v %+v", config.Auth, config.Log)
	}
	if config.WebSocket.PingInterval != 30*time.Second {
		t.Errorf("Omitted fields should keep defaults, got %v", config.WebSocket.PingInterval)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("Expected error for missing file")
	}

	invalidJSON := writeConfigFile(t, `{"http": {"port": "eighty"`)
	if _, err := LoadFromFile(invalidJSON); err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got %v", err)
	}

	badDuration := writeConfigFile(t, `{"auth": {"secret": "x"}, "presence": {"ttl": "soon"}}`)
	if _, err := LoadFromFile(badDuration); err == nil || !strings.Contains(err.Error(), "presence.ttl") {
		t.Errorf("Expected duration error naming the field, got %v", err)
	}

	invalid := writeConfigFile(t, `{"auth": {"secret": "x"}, "http": {"host": "", "port": 0}, "log": {"level": "loud"}}`)
	if _, err := LoadFromFile(invalid); err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("PRESENCEHUB_HTTP_PORT", "7000")
	t.Setenv("PRESENCEHUB_AUTH_SECRET", "env-secret")
	t.Setenv("PRESENCEHUB_REDIS_ADDR", "env-redis:6379")

	config, err := LoadConfigWithPrecedence("")
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence failed: %v", err)
	}
	if config.HTTP.Port != 7000 || config.Redis.Addr != "env-redis:6379" {
		t.Errorf("Environment should override defaults: %+v %+v", config.HTTP, config.Redis)
	}

	path := writeConfigFile(t, `{"http": {"port": 7100}}`)
	config, err = LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence failed: %v", err)
	}
	if config.HTTP.Port != 7100 {
		t.Errorf("File should override environment, got %d", config.HTTP.Port)
	}
	if config.Redis.Addr != "env-redis:6379" || config.Auth.Secret != "env-secret" {
		t.Error("Environment values not in the file should survive")
	}

	t.Setenv(ConfigFileEnv, path)
	config, err = Load()
	if err != nil || config.HTTP.Port != 7100 {
		t.Errorf("Load should use %s: %v", ConfigFileEnv, err)
	}
}
