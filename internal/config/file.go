package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ConfigFile is the JSON layout of a config file. Durations are strings in
// time.ParseDuration format; omitted fields keep their current value.
type ConfigFile struct {
	Database *struct {
		Path           string `json:"path"`
		WriteTimeout   string `json:"write_timeout"`
		WriteQueueSize int    `json:"write_queue_size"`
		MaxConnections int    `json:"max_connections"`
	} `json:"database"`
	HTTP *struct {
		Host            string `json:"host"`
		Port            int    `json:"port"`
		ReadTimeout     string `json:"read_timeout"`
		WriteTimeout    string `json:"write_timeout"`
		ShutdownTimeout string `json:"shutdown_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval   string   `json:"ping_interval"`
		PongWait       string   `json:"pong_wait"`
		WriteTimeout   string   `json:"write_timeout"`
		SendBuffer     int      `json:"send_buffer"`
		MaxMessageSize int64    `json:"max_message_size"`
		AllowedOrigins []string `json:"allowed_origins"`
	} `json:"websocket"`
	Redis *struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       *int   `json:"db"`
		Relay    *bool  `json:"relay"`
		NodeID   string `json:"node_id"`
	} `json:"redis"`
	Presence *struct {
		KeyPrefix     string `json:"key_prefix"`
		TTL           string `json:"ttl"`
		SweepInterval string `json:"sweep_interval"`
	} `json:"presence"`
	Auth      *AuthConfig   `json:"auth"`
	Limits    *LimitsConfig `json:"limits"`
	Telemetry *struct {
		ServiceName string `json:"service_name"`
		Endpoint    string `json:"endpoint"`
		Insecure    *bool  `json:"insecure"`
	} `json:"telemetry"`
	Log *struct {
		Level       string `json:"level"`
		Development *bool  `json:"development"`
	} `json:"log"`
}

// LoadFromFile reads a config file over the defaults and validates the result
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

// LoadConfigWithPrecedence builds defaults, then environment, then the file at
// path (if non-empty), and validates the result.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := LoadFromEnv()
	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Load uses the file named by PRESENCEHUB_CONFIG_FILE, if any
func Load() (*Config, error) {
	return LoadConfigWithPrecedence(os.Getenv(ConfigFileEnv))
}

func applyFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var f ConfigFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	var errs fileErrors
	if d := f.Database; d != nil {
		setString(&c.Database.Path, d.Path)
		errs.duration("database.write_timeout", &c.Database.WriteTimeout, d.WriteTimeout)
		setInt(&c.Database.WriteQueueSize, d.WriteQueueSize)
		setInt(&c.Database.MaxConnections, d.MaxConnections)
	}
	if h := f.HTTP; h != nil {
		setString(&c.HTTP.Host, h.Host)
		setInt(&c.HTTP.Port, h.Port)
		errs.duration("http.read_timeout", &c.HTTP.ReadTimeout, h.ReadTimeout)
		errs.duration("http.write_timeout", &c.HTTP.WriteTimeout, h.WriteTimeout)
		errs.duration("http.shutdown_timeout", &c.HTTP.ShutdownTimeout, h.ShutdownTimeout)
	}
	if w := f.WebSocket; w != nil {
		errs.duration("websocket.ping_interval", &c.WebSocket.PingInterval, w.PingInterval)
		errs.duration("websocket.pong_wait", &c.WebSocket.PongWait, w.PongWait)
		errs.duration("websocket.write_timeout", &c.WebSocket.WriteTimeout, w.WriteTimeout)
		setInt(&c.WebSocket.SendBuffer, w.SendBuffer)
		if w.MaxMessageSize > 0 {
			c.WebSocket.MaxMessageSize = w.MaxMessageSize
		}
		if len(w.AllowedOrigins) > 0 {
			c.WebSocket.AllowedOrigins = w.AllowedOrigins
		}
	}
	if r := f.Redis; r != nil {
		setString(&c.Redis.Addr, r.Addr)
		setString(&c.Redis.Password, r.Password)
		setString(&c.Redis.NodeID, r.NodeID)
		if r.DB != nil {
			c.Redis.DB = *r.DB
		}
		if r.Relay != nil {
			c.Redis.Relay = *r.Relay
		}
	}
	if p := f.Presence; p != nil {
		setString(&c.Presence.KeyPrefix, p.KeyPrefix)
		errs.duration("presence.ttl", &c.Presence.TTL, p.TTL)
		errs.duration("presence.sweep_interval", &c.Presence.SweepInterval, p.SweepInterval)
	}
	if a := f.Auth; a != nil {
		setString(&c.Auth.Mode, a.Mode)
		setString(&c.Auth.Secret, a.Secret)
		setString(&c.Auth.JWKSURL, a.JWKSURL)
		setString(&c.Auth.Issuer, a.Issuer)
		setString(&c.Auth.Audience, a.Audience)
	}
	if l := f.Limits; l != nil {
		setInt(&c.Limits.CommandsPerMinute, l.CommandsPerMinute)
		setInt(&c.Limits.BroadcastQueue, l.BroadcastQueue)
	}
	if t := f.Telemetry; t != nil {
		setString(&c.Telemetry.ServiceName, t.ServiceName)
		setString(&c.Telemetry.Endpoint, t.Endpoint)
		if t.Insecure != nil {
			c.Telemetry.Insecure = *t.Insecure
		}
	}
	if l := f.Log; l != nil {
		setString(&c.Log.Level, l.Level)
		if l.Development != nil {
			c.Log.Development = *l.Development
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config file %s: %v", path, errs)
	}
	return nil
}

type fileErrors []string

func (e *fileErrors) duration(field string, dst *time.Duration, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*e = append(*e, fmt.Sprintf("%s: invalid duration %q", field, value))
		return
	}
	*dst = d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
