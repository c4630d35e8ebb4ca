package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	JWT       JWTConfig       `yaml:"jwt"`
	Password  PasswordConfig  `yaml:"password"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`

	Integration IntegrationConfig `yaml:"integration"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientName        string        `yaml:"client_name"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// Persist activities published by this process into the store
	RecordActivities bool `yaml:"record_activities"`
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// PasswordConfig represents password hashing configuration
type PasswordConfig struct {
	BcryptCost int `yaml:"bcrypt_cost"`
	MinLength  int `yaml:"min_length"`
}

// RateLimitConfig represents login throttling configuration
type RateLimitConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Prefix      string        `yaml:"prefix"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IntegrationConfig controls forwarding of activity events to external systems
type IntegrationConfig struct {
	Webhook WebhookConfig `yaml:"webhook"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
}

// WebhookConfig posts every activity as JSON to Endpoint
type WebhookConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	Timeout  time.Duration     `yaml:"timeout"`
}

// MQTTConfig publishes every activity to an MQTT broker.
// TopicPattern may contain {organization_id} and {activity_type}.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"`
	ClientID           string `yaml:"client_id"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	TopicPattern       string `yaml:"topic_pattern"`
	QoS                byte   `yaml:"qos"`
	TLS                bool   `yaml:"tls"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// Default returns the configuration used when no file overrides a value
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:    "AscendoreCRM",
			Version: "0.1.0",
		},
		API: APIConfig{
			Host:            "0.0.0.0",
			Port:            3001,
			AllowedOrigins:  []string{"*"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    20,
			ConnMaxIdleTime: 30 * time.Second,
			ConnectTimeout:  10 * time.Second,
		},
		NATS: NATSConfig{
			ClientName:        "ascendore-crm-api",
			MaxReconnects:     60,
			ReconnectInterval: 2 * time.Second,
		},
		JWT: JWTConfig{
			Issuer:   "ascendore-crm",
			TokenTTL: 7 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			BcryptCost: 10,
			MinLength:  8,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			MaxAttempts: 5,
			Window:      15 * time.Minute,
			Prefix:      "login",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Integration: IntegrationConfig{
			Webhook: WebhookConfig{
				Timeout: 30 * time.Second,
			},
			MQTT: MQTTConfig{
				ClientID:     "ascendore-crm-forwarder",
				TopicPattern: "crm/{organization_id}/activity/{activity_type}",
				QoS:          1,
			},
		},
	}
}

// Load loads configuration from file on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			log.Warn().Str("file", filename).Msg("Config file not found, using defaults and environment")
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.JWT.Secret = v
	}
	if v := os.Getenv("JWT_EXPIRES_IN"); v != "" {
		ttl, err := ParseTTL(v)
		if err != nil {
			return fmt.Errorf("JWT_EXPIRES_IN: %w", err)
		}
		c.JWT.TokenTTL = ttl
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.API.Port = port
	}
	return nil
}

// ParseTTL parses a Go duration or a day count such as "7d"
func ParseTTL(v string) (time.Duration, error) {
	if n := len(v); n > 1 && v[n-1] == 'd' {
		days, err := strconv.Atoi(v[:n-1])
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", v)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the settings the service cannot run without
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("jwt.secret (JWT_SECRET) is required")
	}
	if c.Database.DSN == "" {
		return errors.New("database.dsn (DATABASE_URL) is required")
	}
	if c.JWT.TokenTTL <= 0 {
		return fmt.Errorf("jwt.token_ttl must be positive, got %s", c.JWT.TokenTTL)
	}
	if c.Password.BcryptCost < 4 || c.Password.BcryptCost > 31 {
		return fmt.Errorf("password.bcrypt_cost must be between 4 and 31, got %d", c.Password.BcryptCost)
	}
	if c.Password.MinLength < 1 {
		return fmt.Errorf("password.min_length must be positive, got %d", c.Password.MinLength)
	}
	if c.RateLimit.Enabled && (c.RateLimit.MaxAttempts < 1 || c.RateLimit.Window <= 0) {
		return errors.New("rate_limit requires max_attempts and window when enabled")
	}
	if c.Integration.Webhook.Enabled && c.Integration.Webhook.Endpoint == "" {
		return errors.New("integration.webhook.endpoint is required when the webhook is enabled")
	}
	if c.Integration.MQTT.Enabled && c.Integration.MQTT.BrokerURL == "" {
		return errors.New("integration.mqtt.broker_url is required when MQTT is enabled")
	}
	if c.Integration.MQTT.QoS > 2 {
		return fmt.Errorf("integration.mqtt.qos must be 0, 1 or 2, got %d", c.Integration.MQTT.QoS)
	}
	return nil
}

// Addr returns the listen address of the REST API
func (c *APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PrintConfigSummary logs the effective configuration without secrets
func (c *Config) PrintConfigSummary() {
	log.Info().
		Str("service", c.Server.Name).
		Str("version", c.Server.Version).
		Str("addr", c.API.Addr()).
		Int("db_max_open_conns", c.Database.MaxOpenConns).
		Dur("token_ttl", c.JWT.TokenTTL).
		Int("bcrypt_cost", c.Password.BcryptCost).
		Bool("redis", c.Redis.Addr != "").
		Bool("nats", c.NATS.URL != "").
		Bool("login_rate_limit", c.RateLimit.Enabled).
		Bool("webhook", c.Integration.Webhook.Enabled).
		Bool("mqtt", c.Integration.MQTT.Enabled).
		Msg("Configuration loaded")
}
