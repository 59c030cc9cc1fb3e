package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Digest   DigestConfig   `mapstructure:"digest"`
	Search   SearchConfig   `mapstructure:"search"`
	Security SecurityConfig `mapstructure:"security"`
	Log      LogConfig      `mapstructure:"log"`
}

type DatabaseConfig struct {
	// Driver is "bolt" (single process) or "sqlite".
	Driver  string        `mapstructure:"driver"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type FeedConfig struct {
	HTTPTimeout     time.Duration `mapstructure:"http_timeout"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Workers         int           `mapstructure:"workers"`
	MaxItemsPerFeed int           `mapstructure:"max_items_per_feed"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	UserAgent       string        `mapstructure:"user_agent"`
}

type QueueConfig struct {
	// Feeds at or above this priority land in the high partition.
	HighPriorityThreshold int `mapstructure:"high_priority_threshold"`
}

type WebhookConfig struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	Workers       int           `mapstructure:"workers"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Footer        string        `mapstructure:"footer"`
}

type DigestConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	// Time is the daily generation time, HH:MM in Timezone.
	Time     string `mapstructure:"time"`
	Timezone string `mapstructure:"timezone"`
}

type SearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	IndexPath string `mapstructure:"index_path"`
}

type SecurityConfig struct {
	// Permissive allows feeds and webhooks on loopback and private networks.
	Permissive bool `mapstructure:"permissive"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func defaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".feedtriage")

	return &Config{
		Database: DatabaseConfig{
			Driver:  "bolt",
			Path:    filepath.Join(dataDir, "feedtriage.db"),
			Timeout: 1 * time.Second,
		},
		Feed: FeedConfig{
			HTTPTimeout:     30 * time.Second,
			RefreshInterval: 15 * time.Minute,
			Workers:         5,
			MaxItemsPerFeed: 50,
			MaxBodyBytes:    10 << 20,
			UserAgent:       "feedtriage/1.0 (https://github.com/pders01/feedtriage)",
		},
		Queue: QueueConfig{
			HighPriorityThreshold: 7,
		},
		Webhook: WebhookConfig{
			Timeout:       10 * time.Second,
			MaxAttempts:   3,
			BaseDelay:     1 * time.Second,
			MaxDelay:      30 * time.Second,
			Workers:       4,
			SweepInterval: 30 * time.Second,
			Footer:        "feedtriage",
		},
		Digest: DigestConfig{
			OutputDir: filepath.Join(dataDir, "digests"),
			Time:      "09:00",
			Timezone:  "UTC",
		},
		Search: SearchConfig{
			Enabled:   true,
			IndexPath: filepath.Join(dataDir, "index.bleve"),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// settings flattens cfg into viper keys. Durations are written as strings
// so the TOML stays readable.
func settings(cfg *Config) map[string]any {
	return map[string]any{
		"database.driver":                cfg.Database.Driver,
		"database.path":                  cfg.Database.Path,
		"database.timeout":               cfg.Database.Timeout.String(),
		"feed.http_timeout":              cfg.Feed.HTTPTimeout.String(),
		"feed.refresh_interval":          cfg.Feed.RefreshInterval.String(),
		"feed.workers":                   cfg.Feed.Workers,
		"feed.max_items_per_feed":        cfg.Feed.MaxItemsPerFeed,
		"feed.max_body_bytes":            cfg.Feed.MaxBodyBytes,
		"feed.user_agent":                cfg.Feed.UserAgent,
		"queue.high_priority_threshold":  cfg.Queue.HighPriorityThreshold,
		"webhook.url":                    cfg.Webhook.URL,
		"webhook.timeout":                cfg.Webhook.Timeout.String(),
		"webhook.max_attempts":           cfg.Webhook.MaxAttempts,
		"webhook.base_delay":             cfg.Webhook.BaseDelay.String(),
		"webhook.max_delay":              cfg.Webhook.MaxDelay.String(),
		"webhook.workers":                cfg.Webhook.Workers,
		"webhook.sweep_interval":         cfg.Webhook.SweepInterval.String(),
		"webhook.footer":                 cfg.Webhook.Footer,
		"digest.output_dir":              cfg.Digest.OutputDir,
		"digest.time":                    cfg.Digest.Time,
		"digest.timezone":                cfg.Digest.Timezone,
		"search.enabled":                 cfg.Search.Enabled,
		"search.index_path":              cfg.Search.IndexPath,
		"security.permissive":            cfg.Security.Permissive,
		"log.level":                      cfg.Log.Level,
		"log.file":                       cfg.Log.File,
	}
}

// Load reads configuration from configPath, or from config.toml in
// ~/.config/feedtriage or the working directory when configPath is empty.
// A .env file in the working directory and FEEDTRIAGE_* environment
// variables override file values.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	for key, value := range settings(defaultConfig()) {
		v.SetDefault(key, value)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		homeDir, _ := os.UserHomeDir()
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(filepath.Join(homeDir, ".config", "feedtriage"))
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FEEDTRIAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	expandPaths(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "bolt", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be bolt or sqlite, got %q", c.Database.Driver))
	}
	if c.Feed.Workers < 1 {
		errs = append(errs, fmt.Errorf("feed.workers must be at least 1"))
	}
	if c.Feed.MaxItemsPerFeed < 1 {
		errs = append(errs, fmt.Errorf("feed.max_items_per_feed must be at least 1"))
	}
	if t := c.Queue.HighPriorityThreshold; t < 1 || t > 10 {
		errs = append(errs, fmt.Errorf("queue.high_priority_threshold must be within 1..10, got %d", t))
	}
	if c.Webhook.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("webhook.max_attempts must be at least 1"))
	}
	if c.Webhook.Workers < 1 {
		errs = append(errs, fmt.Errorf("webhook.workers must be at least 1"))
	}
	if _, _, err := c.Digest.Clock(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Digest.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Clock parses Time into hour and minute.
func (d DigestConfig) Clock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", d.Time)
	if err != nil {
		return 0, 0, fmt.Errorf("digest.time must be HH:MM, got %q", d.Time)
	}
	return t.Hour(), t.Minute(), nil
}

func (d DigestConfig) Location() (*time.Location, error) {
	if d.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return nil, fmt.Errorf("digest.timezone: %w", err)
	}
	return loc, nil
}

// expandPath expands ~ to the home directory and makes path absolute.
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if len(path) >= 2 && path[:2] == "~/" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[2:])
	}
	if !filepath.IsAbs(path) {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Database.Path = expandPath(cfg.Database.Path)
	cfg.Digest.OutputDir = expandPath(cfg.Digest.OutputDir)
	cfg.Search.IndexPath = expandPath(cfg.Search.IndexPath)
	cfg.Log.File = expandPath(cfg.Log.File)
}

func Save(cfg *Config, path string) error {
	v := viper.New()
	for key, value := range settings(cfg) {
		v.Set(key, value)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return v.WriteConfigAs(path)
}

func GenerateDefaultConfig(path string) error {
	return Save(defaultConfig(), path)
}
