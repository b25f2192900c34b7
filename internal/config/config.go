package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by the tally server and
// its command-line client. It is read-only after Load returns.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Worker   WorkerConfig   `yaml:"worker"`
	Client   ClientConfig   `yaml:"client"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	IdempotencyTTL  Duration `yaml:"idempotency_ttl"`
}

// DatabaseConfig contains the backend database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	IdempotencyCleanupInterval Duration `yaml:"idempotency_cleanup_interval"`
}

// ClientConfig contains settings for the local client: where the backend
// lives, where the local cache and request queue are kept, and how often
// backend changes are pulled.
type ClientConfig struct {
	ServerURL      string   `yaml:"server_url"`
	DBPath         string   `yaml:"db_path"`
	SourceID       string   `yaml:"source_id"`
	Workers        int      `yaml:"workers"`
	RequestTimeout Duration `yaml:"request_timeout"`
	PullInterval   Duration `yaml:"pull_interval"`
	PullPageSize   int      `yaml:"pull_page_size"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfigPath is read when TALLY_CONFIG_PATH is unset.
const DefaultConfigPath = "config/tally.yaml"

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Missing file is not an error
	if err := loadYAMLFile(cfg, getEnv("TALLY_CONFIG_PATH", DefaultConfigPath)); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			IdempotencyTTL:  Duration(24 * time.Hour),
		},
		Database: DatabaseConfig{
			Path: "data/tally.db",
		},
		Worker: WorkerConfig{
			IdempotencyCleanupInterval: Duration(1 * time.Hour),
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			DBPath:         "data/tally-client.db",
			Workers:        4,
			RequestTimeout: Duration(30 * time.Second),
			PullInterval:   Duration(30 * time.Second),
			PullPageSize:   500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("TALLY_PORT", &cfg.Server.Port)
	envDuration("TALLY_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("TALLY_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("TALLY_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envDuration("TALLY_IDEMPOTENCY_TTL", &cfg.Server.IdempotencyTTL)

	if v := os.Getenv("TALLY_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// The same key authenticates the server and the client that calls it.
	if v := os.Getenv("TALLY_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}

	envDuration("TALLY_IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.Worker.IdempotencyCleanupInterval)

	// Client
	if v := os.Getenv("TALLY_SERVER_URL"); v != "" {
		cfg.Client.ServerURL = v
	}
	if v := os.Getenv("TALLY_CLIENT_DB_PATH"); v != "" {
		cfg.Client.DBPath = v
	}
	if v := os.Getenv("TALLY_SOURCE_ID"); v != "" {
		cfg.Client.SourceID = v
	}
	envInt("TALLY_CLIENT_WORKERS", &cfg.Client.Workers)
	envDuration("TALLY_REQUEST_TIMEOUT", &cfg.Client.RequestTimeout)
	envDuration("TALLY_PULL_INTERVAL", &cfg.Client.PullInterval)
	envInt("TALLY_PULL_PAGE_SIZE", &cfg.Client.PullPageSize)

	// Log
	if v := os.Getenv("TALLY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TALLY_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// DevMode reports whether TALLY_DEV_MODE=true. In dev mode the API key is
// optional and the server runs without authentication.
func DevMode() bool {
	return os.Getenv("TALLY_DEV_MODE") == "true"
}

// validate checks that the configuration is usable.
func (c *Config) validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Client.Workers <= 0 {
		errs = append(errs, fmt.Errorf("client.workers must be positive, got %d", c.Client.Workers))
	}
	if c.Client.PullInterval <= 0 {
		errs = append(errs, errors.New("client.pull_interval must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}
	if c.Auth.APIKey == "" && !DevMode() {
		errs = append(errs, errors.New("TALLY_API_KEY is required"))
	}
	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
