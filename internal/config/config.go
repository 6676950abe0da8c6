package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPrimaryModel   = "claude-sonnet-4-0"
	defaultSecondaryModel = "claude-3-7-sonnet-latest"
	defaultMaxTokens      = 8192
	defaultTemperature    = 0.5
	defaultMaxIterations  = 25
	defaultBaseURL        = "https://api.anthropic.com"
	defaultAPIVersion     = "2023-06-01"
	defaultPromptsDir     = "prompts"
	defaultSQLitePath     = "graphchat.db"
	defaultSchemaName     = "graphchat"
	defaultRedisPrefix    = "graphchat:checkpoint"
)

// Database drivers understood by the checkpoint package.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Environment string          `yaml:"environment"`
	Server      ServerConfig    `yaml:"server"`
	Anthropic   AnthropicConfig `yaml:"anthropic"`
	Chat        ChatConfig      `yaml:"chat"`
	Database    DatabaseConfig  `yaml:"database"`
	Paths       PathsConfig     `yaml:"paths"`
	Logger      LoggerConfig    `yaml:"logger"`
	Tracer      TracerConfig    `yaml:"tracer"`
	Breaker     BreakerConfig   `yaml:"breaker"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AnthropicConfig captures authentication and transport settings for the Messages API.
type AnthropicConfig struct {
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Version string            `yaml:"version"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// ChatConfig holds the defaults applied to chat requests that omit model settings.
type ChatConfig struct {
	PrimaryModel   string  `yaml:"primary_model"`
	SecondaryModel string  `yaml:"secondary_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	MaxIterations  int     `yaml:"max_iterations"`
}

// DatabaseConfig selects and configures the checkpoint backend.
type DatabaseConfig struct {
	Driver       string      `yaml:"driver"`
	Path         string      `yaml:"path"`
	Host         string      `yaml:"host"`
	Port         int         `yaml:"port"`
	Name         string      `yaml:"name"`
	User         string      `yaml:"user"`
	Password     string      `yaml:"password"`
	SchemaName   string      `yaml:"schema_name"`
	MaxOpenConns int         `yaml:"max_open_conns"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig configures the redis checkpoint backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// PathsConfig locates on-disk assets.
type PathsConfig struct {
	PromptsDir string `yaml:"prompts_dir"`
}

// LoggerConfig controls the process logger.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig controls OpenTelemetry tracing.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// BreakerConfig controls the per-model circuit breaker in front of the provider.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// Default returns a configuration populated with defaults only.
func Default() Config {
	return Config{
		Environment: "dev",
		Server:      ServerConfig{Port: 8000},
		Anthropic: AnthropicConfig{
			BaseURL: defaultBaseURL,
			Version: defaultAPIVersion,
		},
		Chat: ChatConfig{
			PrimaryModel:   defaultPrimaryModel,
			SecondaryModel: defaultSecondaryModel,
			MaxTokens:      defaultMaxTokens,
			Temperature:    defaultTemperature,
			MaxIterations:  defaultMaxIterations,
		},
		Database: DatabaseConfig{
			Driver:     DriverSQLite,
			Path:       defaultSQLitePath,
			SchemaName: defaultSchemaName,
			Redis:      RedisConfig{Prefix: defaultRedisPrefix},
		},
		Paths:  PathsConfig{PromptsDir: defaultPromptsDir},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads YAML configuration from disk, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	ApplyEnvOverrides(&cfg, os.Getenv)

	// Relative prompt directories resolve against the config file location.
	if cfg.Paths.PromptsDir != "" && !filepath.IsAbs(cfg.Paths.PromptsDir) {
		cfg.Paths.PromptsDir = filepath.Join(filepath.Dir(absPath), cfg.Paths.PromptsDir)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case "dev", "stage", "prod":
	default:
		return fmt.Errorf("environment must be one of dev, stage or prod, got %q", c.Environment)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Anthropic.APIKey) == "" {
		return fmt.Errorf("anthropic.api_key must be provided")
	}
	if strings.TrimSpace(c.Anthropic.BaseURL) == "" {
		return fmt.Errorf("anthropic.base_url must be provided")
	}
	if c.Anthropic.Timeout < 0 {
		return fmt.Errorf("anthropic.timeout must not be negative")
	}
	for headerKey := range c.Anthropic.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("anthropic.headers: %q is not a valid canonical HTTP header", headerKey)
		}
	}

	if strings.TrimSpace(c.Chat.PrimaryModel) == "" {
		return fmt.Errorf("chat.primary_model must be provided")
	}
	if strings.TrimSpace(c.Chat.SecondaryModel) == "" {
		return fmt.Errorf("chat.secondary_model must be provided")
	}
	if c.Chat.MaxTokens <= 0 {
		return fmt.Errorf("chat.max_tokens must be positive, got %d", c.Chat.MaxTokens)
	}
	if c.Chat.Temperature < 0 || c.Chat.Temperature > 1 {
		return fmt.Errorf("chat.temperature must be within [0, 1], got %v", c.Chat.Temperature)
	}
	if c.Chat.MaxIterations <= 0 {
		return fmt.Errorf("chat.max_iterations must be positive, got %d", c.Chat.MaxIterations)
	}

	if err := c.Database.validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Paths.PromptsDir) == "" {
		return fmt.Errorf("paths.prompts_dir must be provided")
	}

	switch strings.ToLower(c.Tracer.Exporter) {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracer.exporter %q must be one of noop or stdout", c.Tracer.Exporter)
	}

	return nil
}

func (d DatabaseConfig) validate() error {
	switch d.Driver {
	case DriverMemory:
	case DriverSQLite:
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("database.path must be provided for the sqlite driver")
		}
	case DriverMySQL:
		if strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("database.host must be provided for the mysql driver")
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("database.port must be a valid TCP port, got %d", d.Port)
		}
		if strings.TrimSpace(d.Name) == "" {
			return fmt.Errorf("database.name must be provided for the mysql driver")
		}
		if strings.TrimSpace(d.User) == "" {
			return fmt.Errorf("database.user must be provided for the mysql driver")
		}
	case DriverRedis:
		if strings.TrimSpace(d.Redis.Addr) == "" {
			return fmt.Errorf("database.redis.addr must be provided for the redis driver")
		}
		if d.Redis.TTL < 0 {
			return fmt.Errorf("database.redis.ttl must not be negative")
		}
	default:
		return fmt.Errorf("database.driver %q must be one of %s, %s, %s or %s",
			d.Driver, DriverMemory, DriverSQLite, DriverMySQL, DriverRedis)
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
