// Package server provides configuration loading with TOML file support,
// environment overrides, and sanitized runtime defaults.
package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the relay configuration.
type Config struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Auth     AuthSection     `toml:"auth"`
	Delivery DeliverySection `toml:"delivery"`
}

// ServerSection configures the listener and its access controls.
type ServerSection struct {
	ListenAddr     string   `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
	DatabasePath   string   `toml:"database_path"`
}

// LimitsSection bounds per-connection resource usage. SendQueueSize is the
// backpressure knob: deliveries beyond it are dropped for that session only.
type LimitsSection struct {
	MaxMessageSize         int64 `toml:"max_message_size"`
	SendQueueSize          int   `toml:"send_queue_size"`
	RateLimitBurst         int   `toml:"rate_limit_burst"`
	RateLimitRefillSeconds int   `toml:"rate_limit_refill_seconds"`
}

// AuthSection carries the token verification secret. Prefer the
// RELAY_JWT_SECRET environment variable over committing it to a file.
type AuthSection struct {
	JWTSecret string `toml:"jwt_secret"`
}

// DeliverySection controls sender-echo behavior per event family.
type DeliverySection struct {
	EchoMessagesToSender bool `toml:"echo_messages_to_sender"`
	EchoTypingToSender   bool `toml:"echo_typing_to_sender"`
}

func (l LimitsSection) rateLimitRefill() time.Duration {
	return time.Duration(l.RateLimitRefillSeconds) * time.Second
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerSection{
			ListenAddr:     ":8080",
			AllowedOrigins: []string{"http://localhost:8080"},
			DatabasePath:   "relay.db",
		},
		Limits: LimitsSection{
			MaxMessageSize:         4096,
			SendQueueSize:          256,
			RateLimitBurst:         10,
			RateLimitRefillSeconds: 1,
		},
		Delivery: DeliverySection{
			EchoMessagesToSender: true,
			EchoTypingToSender:   false,
		},
	}
}

// LoadConfig loads the configuration: defaults first, then the TOML file at
// path (when non-empty), then environment overrides, then sanitation.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return sanitizeConfig(cfg), nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("RELAY_LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitAndTrim(origins)
	}
	if path := os.Getenv("RELAY_DATABASE_PATH"); path != "" {
		cfg.Server.DatabasePath = path
	}
	if secret := os.Getenv("RELAY_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if size := os.Getenv("RELAY_MAX_MESSAGE_SIZE"); size != "" {
		cfg.Limits.MaxMessageSize = parseInt64(size, cfg.Limits.MaxMessageSize)
	}
	if size := os.Getenv("RELAY_SEND_QUEUE_SIZE"); size != "" {
		cfg.Limits.SendQueueSize = parseInt(size, cfg.Limits.SendQueueSize)
	}
	if burst := os.Getenv("RELAY_RATE_LIMIT_BURST"); burst != "" {
		cfg.Limits.RateLimitBurst = parseInt(burst, cfg.Limits.RateLimitBurst)
	}
	if refill := os.Getenv("RELAY_RATE_LIMIT_REFILL"); refill != "" {
		cfg.Limits.RateLimitRefillSeconds = parseInt(refill, cfg.Limits.RateLimitRefillSeconds)
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Limits.MaxMessageSize <= 0 {
		cfg.Limits.MaxMessageSize = 4096
	}
	if cfg.Limits.SendQueueSize <= 0 {
		cfg.Limits.SendQueueSize = 256
	}
	if cfg.Limits.RateLimitBurst <= 0 {
		cfg.Limits.RateLimitBurst = 10
	}
	if cfg.Limits.RateLimitRefillSeconds <= 0 {
		cfg.Limits.RateLimitRefillSeconds = 1
	}
	return cfg
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseInt(value string, fallback int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func parseInt64(value string, fallback int64) int64 {
	if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}
