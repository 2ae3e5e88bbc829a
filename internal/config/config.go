// Package config loads orchestrator configuration from file, environment,
// and defaults. Precedence is flag > env > config file > default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables for the orchestration core.
type Config struct {
	// ProjectRoot is the directory under which stage output directories
	// (<root>/<StageName>/<JobName>/) are created.
	ProjectRoot string `mapstructure:"project_root"`

	// StorePath is the SQLite document store location.
	StorePath string `mapstructure:"store_path"`

	// WatchPollInterval is the spacing between watch-directory polls.
	// The two-tick file stability check reads sizes at this interval,
	// so it also bounds how quickly a new movie is considered stable.
	WatchPollInterval time.Duration `mapstructure:"watch_poll_interval"`

	// Scheduler settings.
	SchedulerBackend  string        `mapstructure:"scheduler_backend"` // "direct" or "queued"
	QueuePollInterval time.Duration `mapstructure:"queue_poll_interval"`
	QueueSubmitCmd    string        `mapstructure:"queue_submit_cmd"`
	QueueStatusCmd    string        `mapstructure:"queue_status_cmd"`
	QueueCancelCmd    string        `mapstructure:"queue_cancel_cmd"`

	// CancelMaxWait bounds how long stop() waits for backend-side
	// cancellation confirmation before marking a job cancelled locally.
	CancelMaxWait time.Duration `mapstructure:"cancel_max_wait"`

	// MaxNameRetries bounds job-name allocation attempts before the
	// count-based fallback kicks in.
	MaxNameRetries int `mapstructure:"max_name_retries"`

	// ErrorMessageLimit truncates stored job failure messages; full logs
	// stay on disk and are referenced by path.
	ErrorMessageLimit int `mapstructure:"error_message_limit"`

	// Metadata cache settings.
	MetadataVersion     int `mapstructure:"metadata_version"`
	MetadataSampleLimit int `mapstructure:"metadata_sample_limit"`

	// WebhookURLs receive terminal-state job notifications.
	WebhookURLs []string `mapstructure:"webhook_urls"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ProjectRoot:         ".",
		StorePath:           defaultStorePath(),
		WatchPollInterval:   10 * time.Second,
		SchedulerBackend:    "direct",
		QueuePollInterval:   15 * time.Second,
		QueueSubmitCmd:      "sbatch",
		QueueStatusCmd:      "squeue",
		QueueCancelCmd:      "scancel",
		CancelMaxWait:       2 * time.Minute,
		MaxNameRetries:      5,
		ErrorMessageLimit:   2000,
		MetadataVersion:     1,
		MetadataSampleLimit: 1000,
		LogLevel:            "info",
	}
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cryoprocess.db"
	}
	return filepath.Join(home, ".cryoprocess", "cryoprocess.db")
}

// Load reads configuration from path (optional), the CRYOPROC_* env
// namespace, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("project_root", def.ProjectRoot)
	v.SetDefault("store_path", def.StorePath)
	v.SetDefault("watch_poll_interval", def.WatchPollInterval)
	v.SetDefault("scheduler_backend", def.SchedulerBackend)
	v.SetDefault("queue_poll_interval", def.QueuePollInterval)
	v.SetDefault("queue_submit_cmd", def.QueueSubmitCmd)
	v.SetDefault("queue_status_cmd", def.QueueStatusCmd)
	v.SetDefault("queue_cancel_cmd", def.QueueCancelCmd)
	v.SetDefault("cancel_max_wait", def.CancelMaxWait)
	v.SetDefault("max_name_retries", def.MaxNameRetries)
	v.SetDefault("error_message_limit", def.ErrorMessageLimit)
	v.SetDefault("metadata_version", def.MetadataVersion)
	v.SetDefault("metadata_sample_limit", def.MetadataSampleLimit)
	v.SetDefault("webhook_urls", []string{})
	v.SetDefault("log_level", def.LogLevel)

	v.SetEnvPrefix("CRYOPROC")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		// Conventional locations, all optional.
		v.SetConfigName("cryoprocess")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".cryoprocess"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the orchestrator cannot run with.
func (c *Config) Validate() error {
	if c.SchedulerBackend != "direct" && c.SchedulerBackend != "queued" {
		return fmt.Errorf("invalid scheduler_backend %q (expected \"direct\" or \"queued\")", c.SchedulerBackend)
	}
	if c.WatchPollInterval <= 0 {
		return fmt.Errorf("watch_poll_interval must be positive, got %v", c.WatchPollInterval)
	}
	if c.QueuePollInterval <= 0 {
		return fmt.Errorf("queue_poll_interval must be positive, got %v", c.QueuePollInterval)
	}
	if c.MaxNameRetries < 1 {
		return fmt.Errorf("max_name_retries must be at least 1, got %d", c.MaxNameRetries)
	}
	if c.ErrorMessageLimit < 1 {
		return fmt.Errorf("error_message_limit must be at least 1, got %d", c.ErrorMessageLimit)
	}
	if c.MetadataSampleLimit < 1 {
		return fmt.Errorf("metadata_sample_limit must be at least 1, got %d", c.MetadataSampleLimit)
	}
	return nil
}
