package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "change-me-in-production"

type Config struct {
	Port           string          `mapstructure:"port"`
	Environment    string          `mapstructure:"environment"`
	LogLevel       string          `mapstructure:"log_level"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	JWTSecret      string          `mapstructure:"jwt_secret"`
	Redis          RedisConfig     `mapstructure:"redis"`
	Signaling      SignalingConfig `mapstructure:"signaling"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CallTTL  time.Duration `mapstructure:"call_ttl"`
}

// SignalingConfig bounds the call lifecycle and the per-connection transport.
type SignalingConfig struct {
	RingTimeout     time.Duration `mapstructure:"ring_timeout"`
	OutboundQueue   int           `mapstructure:"outbound_queue"`
	EvictionGrace   time.Duration `mapstructure:"eviction_grace"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
}

// Load reads configuration from the environment, optionally layered over a
// config file named by configFile. Nested keys map to env names with "_"
// (signaling.ring_timeout -> SIGNALING_RING_TIMEOUT).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("jwt_secret", defaultJWTSecret)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.call_ttl", "24h")

	v.SetDefault("signaling.ring_timeout", "30s")
	v.SetDefault("signaling.outbound_queue", 256)
	v.SetDefault("signaling.eviction_grace", "2m")
	v.SetDefault("signaling.max_message_bytes", 65536)
	v.SetDefault("signaling.ping_period", "54s")
	v.SetDefault("signaling.pong_wait", "60s")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// A single env value arrives as one element; split it like the old
	// comma-separated format.
	if len(cfg.AllowedOrigins) == 1 && strings.Contains(cfg.AllowedOrigins[0], ",") {
		cfg.AllowedOrigins = strings.Split(cfg.AllowedOrigins[0], ",")
	}
	for i, o := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(o)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Environment == "development"
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return errors.New("JWT_SECRET must be changed in production")
	}

	s := c.Signaling
	if s.RingTimeout <= 0 {
		return fmt.Errorf("SIGNALING_RING_TIMEOUT must be positive, got %s", s.RingTimeout)
	}
	if s.OutboundQueue <= 0 {
		return fmt.Errorf("SIGNALING_OUTBOUND_QUEUE must be positive, got %d", s.OutboundQueue)
	}
	if s.EvictionGrace <= 0 {
		return fmt.Errorf("SIGNALING_EVICTION_GRACE must be positive, got %s", s.EvictionGrace)
	}
	if s.MaxMessageBytes <= 0 {
		return fmt.Errorf("SIGNALING_MAX_MESSAGE_BYTES must be positive, got %d", s.MaxMessageBytes)
	}
	if s.PingPeriod <= 0 || s.PongWait <= s.PingPeriod {
		return fmt.Errorf("SIGNALING_PONG_WAIT (%s) must exceed SIGNALING_PING_PERIOD (%s)", s.PongWait, s.PingPeriod)
	}

	if c.Redis.Enabled && c.Redis.CallTTL <= 0 {
		return fmt.Errorf("REDIS_CALL_TTL must be positive, got %s", c.Redis.CallTTL)
	}

	return nil
}
