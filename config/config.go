package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the council service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Council   CouncilConfig   `mapstructure:"council"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	AllowOrigins    []string      `mapstructure:"allow_origins"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	StreamHeartbeat time.Duration `mapstructure:"stream_heartbeat"`
}

// Validate checks the HTTP server settings.
func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	if s.MaxUploadBytes < 0 {
		return fmt.Errorf("server.max_upload_bytes cannot be negative")
	}
	return nil
}

// LLMConfig describes the OpenRouter-compatible chat completion endpoint every agent is reached through.
type LLMConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Referer    string        `mapstructure:"referer"`
	AppTitle   string        `mapstructure:"app_title"`
	TitleModel string        `mapstructure:"title_model"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// Validate checks the LLM endpoint settings.
func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.BaseURL) == "" {
		return fmt.Errorf("llm.base_url required")
	}
	if l.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be > 0")
	}
	if l.MaxRetries < 0 {
		return fmt.Errorf("llm.max_retries cannot be negative")
	}
	return nil
}

// CouncilConfig controls the default council membership and the run engine.
type CouncilConfig struct {
	Models                 []string      `mapstructure:"models"`
	Chairman               string        `mapstructure:"chairman"`
	MaxConcurrentAgents    int           `mapstructure:"max_concurrent_agents"`
	DisconnectPollInterval time.Duration `mapstructure:"disconnect_poll_interval"`
	EventBuffer            int           `mapstructure:"event_buffer"`
}

// Normalize trims model identifiers, removes duplicates and fills engine defaults.
func (c CouncilConfig) Normalize() CouncilConfig {
	seen := make(map[string]struct{}, len(c.Models))
	models := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		models = append(models, m)
	}
	c.Models = models
	c.Chairman = strings.TrimSpace(c.Chairman)
	if c.DisconnectPollInterval <= 0 {
		c.DisconnectPollInterval = 500 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 16
	}
	if c.MaxConcurrentAgents < 0 {
		c.MaxConcurrentAgents = 0
	}
	return c
}

// Validate ensures a council can be formed.
func (c CouncilConfig) Validate() error {
	if len(c.Models) == 0 {
		return fmt.Errorf("council.models requires at least one model")
	}
	if c.Chairman == "" {
		return fmt.Errorf("council.chairman required")
	}
	return nil
}

// CatalogConfig controls caching of the upstream model list.
type CatalogConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN returns the connection string, preferring an explicit url.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings. An empty host disables
// the catalog cache, the run event stream and the retention lock.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Host) != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// RetentionConfig schedules deletion of old conversations.
type RetentionConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Cron    string        `mapstructure:"cron"`
	MaxAge  time.Duration `mapstructure:"max_age"`
}

func (r RetentionConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Cron) == "" {
		return fmt.Errorf("retention.cron required when retention is enabled")
	}
	if r.MaxAge <= 0 {
		return fmt.Errorf("retention.max_age must be > 0 when retention is enabled")
	}
	return nil
}

// EventsConfig names the Redis stream finished runs are published to.
type EventsConfig struct {
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceVersion string `mapstructure:"service_version"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8001")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.allow_origins", []string{"http://localhost:5173", "http://localhost:3000"})
	v.SetDefault("server.max_upload_bytes", int64(20<<20))
	v.SetDefault("server.stream_heartbeat", 15*time.Second)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.timeout", 120*time.Second)
	v.SetDefault("llm.referer", "")
	v.SetDefault("llm.app_title", "LLM Council")
	v.SetDefault("llm.title_model", "google/gemini-2.5-flash")
	v.SetDefault("llm.max_retries", 0)
	v.SetDefault("council.models", []string{
		"openai/gpt-5.1",
		"google/gemini-3-pro-preview",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	})
	v.SetDefault("council.chairman", "google/gemini-3-pro-preview")
	v.SetDefault("council.max_concurrent_agents", 0)
	v.SetDefault("council.disconnect_poll_interval", 500*time.Millisecond)
	v.SetDefault("council.event_buffer", 16)
	v.SetDefault("catalog.cache_ttl", 10*time.Minute)
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "council")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "council")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", 5*time.Second)
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", 3*time.Second)
	v.SetDefault("retention.enabled", false)
	v.SetDefault("retention.cron", "0 3 * * *")
	v.SetDefault("retention.max_age", 90*24*time.Hour)
	v.SetDefault("events.stream", "council:runs")
	v.SetDefault("events.max_len", int64(10000))
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_version", "dev")
}

// LoadConfig loads config from file and COUNCIL_* environment variables.
// With an empty path a missing config file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("COUNCIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// a comma separated env override arrives as a single element
	if len(cfg.Council.Models) == 1 && strings.Contains(cfg.Council.Models[0], ",") {
		cfg.Council.Models = strings.Split(cfg.Council.Models[0], ",")
	}
	cfg.Council = cfg.Council.Normalize()

	validators := []interface{ Validate() error }{
		cfg.Server,
		cfg.LLM,
		cfg.Council,
		cfg.Storage.Postgres,
		cfg.Retention,
		cfg.Telemetry,
	}
	for _, val := range validators {
		if err := val.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
