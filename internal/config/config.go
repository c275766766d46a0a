// Package config loads the service configuration from YAML, an optional .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when neither a flag nor LATENCYPOISON_CONFIG names a file.
const DefaultConfigPath = "config.yaml"

// envPrefix prefixes every environment override.
const envPrefix = "LATENCYPOISON_"

// AppConfig holds process-level options gathered from the command line.
type AppConfig struct {
	ConfigPath string
	EnvFile    string
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	Mode        string   `yaml:"mode"` // gin mode: debug, release or test
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig selects the backing database. A postgres:// URL selects postgres; anything else is SQLite.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig configures user tokens.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// RedisConfig enables cross-instance snapshot invalidation when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// ProxyConfig tunes the proxy engine.
type ProxyConfig struct {
	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxResponseBytes int64         `yaml:"max_response_bytes"`
	FailureStatus    int           `yaml:"failure_status"`
	RequireAuth      bool          `yaml:"require_auth"`
	RateLimitRPS     float64       `yaml:"rate_limit_rps"` // 0 disables
	RateLimitBurst   int           `yaml:"rate_limit_burst"`
	Seed             *uint64       `yaml:"seed"` // fixed seed for reproducible failure sequences
}

// LoggingConfig configures logrus and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TracingConfig toggles the stdout OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:      ":8000",
			Mode:        "release",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{DSN: "file:latencypoison.db"},
		JWT:      JWTConfig{Expiry: 24 * time.Hour},
		Redis:    RedisConfig{Channel: "latencypoison:config"},
		Proxy: ProxyConfig{
			UpstreamTimeout:  30 * time.Second,
			RequestTimeout:   60 * time.Second,
			MaxResponseBytes: 10 << 20,
			FailureStatus:    500,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Tracing: TracingConfig{ServiceName: "latencypoison"},
	}
}

// ResolveConfigPath picks the config file: explicit path, then LATENCYPOISON_CONFIG, then the default.
func ResolveConfigPath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(envPrefix + "CONFIG")); p != "" {
		return p
	}
	return DefaultConfigPath
}

// ConfigExists reports whether a config file is present at path.
func ConfigExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads the optional env file and YAML config, then applies environment overrides.
// A missing YAML file is not an error; defaults and the environment are used instead.
func Load(app AppConfig) (Config, error) {
	if errEnv := loadEnvFile(app.EnvFile); errEnv != nil {
		return Config{}, errEnv
	}

	cfg := Default()
	path := ResolveConfigPath(app.ConfigPath)
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errYAML := yaml.Unmarshal(data, &cfg); errYAML != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errYAML)
		}
	case errors.Is(errRead, os.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}

	if errOverride := applyEnv(&cfg); errOverride != nil {
		return Config{}, errOverride
	}
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if errLoad := godotenv.Load(path); errLoad != nil {
		if !explicit && errors.Is(errLoad, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load env file %s: %w", path, errLoad)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("LISTEN", &cfg.Server.Listen)
	setString("MODE", &cfg.Server.Mode)
	setString("DATABASE_DSN", &cfg.Database.DSN)
	setString("JWT_SECRET", &cfg.JWT.Secret)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setString("REDIS_CHANNEL", &cfg.Redis.Channel)
	setString("LOG_LEVEL", &cfg.Logging.Level)
	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_FILE", &cfg.Logging.File)

	if v, ok := os.LookupEnv(envPrefix + "CORS_ORIGINS"); ok {
		cfg.Server.CORSOrigins = splitList(v)
	}

	var errs []error
	if v, ok := lookup("JWT_EXPIRY"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("JWT_EXPIRY", err))
		cfg.JWT.Expiry = d
	}
	if v, ok := lookup("REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("REDIS_DB", err))
		cfg.Redis.DB = n
	}
	if v, ok := lookup("UPSTREAM_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("UPSTREAM_TIMEOUT", err))
		cfg.Proxy.UpstreamTimeout = d
	}
	if v, ok := lookup("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("REQUEST_TIMEOUT", err))
		cfg.Proxy.RequestTimeout = d
	}
	if v, ok := lookup("FAILURE_STATUS"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("FAILURE_STATUS", err))
		cfg.Proxy.FailureStatus = n
	}
	if v, ok := lookup("REQUIRE_AUTH"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("REQUIRE_AUTH", err))
		cfg.Proxy.RequireAuth = b
	}
	if v, ok := lookup("RATE_LIMIT_RPS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, wrapEnv("RATE_LIMIT_RPS", err))
		cfg.Proxy.RateLimitRPS = f
	}
	if v, ok := lookup("SEED"); ok {
		seed, err := strconv.ParseUint(v, 10, 64)
		errs = append(errs, wrapEnv("SEED", err))
		if err == nil {
			cfg.Proxy.Seed = &seed
		}
	}
	if v, ok := lookup("TRACING_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("TRACING_ENABLED", err))
		cfg.Tracing.Enabled = b
	}
	return errors.Join(errs...)
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func wrapEnv(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("config: invalid %s%s: %w", envPrefix, name, err)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("config: server.listen is required"))
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("config: server.mode %q must be debug, release or test", c.Server.Mode))
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		errs = append(errs, errors.New("config: database.dsn is required"))
	}
	if c.JWT.Expiry <= 0 {
		errs = append(errs, errors.New("config: jwt.expiry must be positive"))
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		errs = append(errs, errors.New("config: proxy.upstream_timeout must be positive"))
	}
	if c.Proxy.RequestTimeout <= 0 {
		errs = append(errs, errors.New("config: proxy.request_timeout must be positive"))
	}
	if c.Proxy.MaxResponseBytes <= 0 {
		errs = append(errs, errors.New("config: proxy.max_response_bytes must be positive"))
	}
	if c.Proxy.FailureStatus < 400 || c.Proxy.FailureStatus > 599 {
		errs = append(errs, fmt.Errorf("config: proxy.failure_status %d must be a 4xx or 5xx code", c.Proxy.FailureStatus))
	}
	if c.Proxy.RateLimitRPS < 0 || c.Proxy.RateLimitBurst < 0 {
		errs = append(errs, errors.New("config: proxy rate limits must not be negative"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, errors.New("config: redis.db must not be negative"))
	}
	return errors.Join(errs...)
}
