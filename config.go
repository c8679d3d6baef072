package syndicate

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cararth/syndicate/internal/dedup"
	"github.com/cararth/syndicate/internal/dispatch"
	"github.com/cararth/syndicate/internal/extract"
	"github.com/cararth/syndicate/internal/fetch"
	"github.com/cararth/syndicate/internal/health"
	"github.com/cararth/syndicate/internal/imagesim"
	"github.com/cararth/syndicate/internal/pipeline"
	"github.com/cararth/syndicate/internal/risk"
	"github.com/cararth/syndicate/internal/scheduler"
)

// PlatformConfig declares one downstream marketplace endpoint.
type PlatformConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// SFTPConfig bounds the SFTP poller's connection and transfer limits.
// Per-source connection details (host, credentials, directory) live in
// each partner source's config_json.
type SFTPConfig struct {
	Timeout  time.Duration `yaml:"timeout"`   // default 30s
	MaxBytes int64         `yaml:"max_bytes"` // per remote file, default 10MB
}

// Config configures the syndication service.
type Config struct {
	// DBPath is the SQLite database path.
	DBPath string `yaml:"db_path"`

	// HTTPAddr is the listen address for the operator API.
	HTTPAddr string `yaml:"http_addr"`

	// CSVDropDir is the directory watched by the CSV adapter.
	CSVDropDir string `yaml:"csv_drop_dir"`

	// WebhookBuffer bounds undrained webhook payloads per source.
	WebhookBuffer int `yaml:"webhook_buffer"`

	// MaxSources is the partner source quota.
	MaxSources int `yaml:"max_sources"`

	// Fetch settings for the scrape adapter.
	Fetch fetch.Config `yaml:"fetch"`

	// SFTP transfer limits.
	SFTP SFTPConfig `yaml:"sftp"`

	// Extract configures the field-extraction service for scraped pages.
	Extract extract.Config `yaml:"extract"`

	// ImageSim configures the optional image-similarity service.
	ImageSim imagesim.Config `yaml:"imagesim"`

	// Dedup thresholds.
	Dedup dedup.Config `yaml:"dedup"`

	// Risk scoring bounds.
	Risk risk.Config `yaml:"risk"`

	// Pipeline batch settings.
	Pipeline pipeline.Config `yaml:"pipeline"`

	// Dispatch retry and concurrency settings.
	Dispatch dispatch.Config `yaml:"dispatch"`

	// Scheduler settings.
	Scheduler scheduler.Config `yaml:"scheduler"`

	// Health window settings.
	Health health.Config `yaml:"health"`

	// Platforms lists downstream marketplaces to register at startup.
	Platforms []PlatformConfig `yaml:"platforms"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "db/syndicate.db"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8086"
	}
	if c.CSVDropDir == "" {
		c.CSVDropDir = "drop"
	}
	if c.WebhookBuffer <= 0 {
		c.WebhookBuffer = 10_000
	}
	if c.MaxSources <= 0 {
		c.MaxSources = 500
	}
	if c.SFTP.Timeout <= 0 {
		c.SFTP.Timeout = 30 * time.Second
	}
	if c.SFTP.MaxBytes <= 0 {
		c.SFTP.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 10 * 1024 * 1024
	}
	if c.Fetch.UserAgent == "" {
		c.Fetch.UserAgent = "cararth-syndicate/1.0"
	}
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfig reads a YAML config file. A missing path returns defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}
