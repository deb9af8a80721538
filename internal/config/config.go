// Package config loads and validates poller and job server configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. TRANSLATION_CLIENT_ENDPOINT.
const EnvPrefix = "TRANSLATION"

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ClientConfig controls the status poller.
type ClientConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	Timeout          time.Duration `mapstructure:"timeout"`
	InitialInterval  time.Duration `mapstructure:"initial_interval"`
	MaxInterval      time.Duration `mapstructure:"max_interval"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	TransportRetries int           `mapstructure:"transport_retries"`
}

// ServerConfig controls the mock job server and the websocket relay.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ProcessingTime time.Duration `mapstructure:"processing_time"`
	FailureRate    float64       `mapstructure:"failure_rate"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.endpoint", "http://localhost:8000/status")
	v.SetDefault("client.timeout", "30s")
	v.SetDefault("client.initial_interval", "1s")
	v.SetDefault("client.max_interval", "5s")
	v.SetDefault("client.request_timeout", "10s")
	v.SetDefault("client.transport_retries", 0)
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.processing_time", "15s")
	v.SetDefault("server.failure_rate", 0.1)
	v.SetDefault("server.idle_ttl", "10m")
	v.SetDefault("server.sweep_interval", "1m")
	v.SetDefault("server.rate_limit_rps", 0)
	v.SetDefault("server.rate_limit_burst", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Client.Endpoint == "" {
		return fmt.Errorf("client.endpoint is required")
	}
	u, err := url.Parse(c.Client.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("client.endpoint must be an absolute http(s) URL, got %q", c.Client.Endpoint)
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be > 0")
	}
	if c.Client.InitialInterval <= 0 {
		return fmt.Errorf("client.initial_interval must be > 0")
	}
	if c.Client.MaxInterval < c.Client.InitialInterval {
		return fmt.Errorf("client.max_interval must be >= client.initial_interval")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("client.request_timeout must be > 0")
	}
	if c.Client.TransportRetries < 0 {
		return fmt.Errorf("client.transport_retries must be >= 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Server.ProcessingTime < 0 {
		return fmt.Errorf("server.processing_time must be >= 0")
	}
	if c.Server.FailureRate < 0 || c.Server.FailureRate > 1 {
		return fmt.Errorf("server.failure_rate must be within [0, 1]")
	}
	if c.Server.IdleTTL <= 0 {
		return fmt.Errorf("server.idle_ttl must be > 0")
	}
	if c.Server.SweepInterval <= 0 {
		return fmt.Errorf("server.sweep_interval must be > 0")
	}
	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must be >= 0")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		return fmt.Errorf("server.rate_limit_burst must be > 0 when rate limiting is enabled")
	}
	return nil
}

// Addr is the listen address of the job server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
