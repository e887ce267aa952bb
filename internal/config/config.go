// Package config provides YAML-based configuration loading for the build
// orchestrator.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from argos.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	GitHub   GitHubConfig   `yaml:"github"`
	GitLab   GitLabConfig   `yaml:"gitlab"`
	Build    BuildConfig    `yaml:"build"`
	Worker   WorkerConfig   `yaml:"worker"`
	HTTP     HTTPConfig     `yaml:"http"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Slack    SlackConfig    `yaml:"slack"`
}

// DatabaseConfig holds connection settings for the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql or sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// RedisConfig locates the Redis server backing locks and the job queue.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GitHubConfig configures GitHub App authentication.
type GitHubConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"` // used instead of the app when set
}

// GitLabConfig configures the GitLab API endpoint.
type GitLabConfig struct {
	BaseURL string `yaml:"base_url"`
}

// BuildConfig tunes the build lifecycle.
type BuildConfig struct {
	FailureScreenshotPattern string        `yaml:"failure_screenshot_pattern"`
	ProjectLockTimeout       time.Duration `yaml:"project_lock_timeout"`
	LockTimeout              time.Duration `yaml:"lock_timeout"`
	MergeBaseTimeout         time.Duration `yaml:"merge_base_timeout"`
	PartialCheckTimeout      time.Duration `yaml:"partial_check_timeout"`
	ReviewDelay              time.Duration `yaml:"review_delay"`
}

// WorkerConfig sizes the job worker.
type WorkerConfig struct {
	Concurrency int            `yaml:"concurrency"`
	Queues      map[string]int `yaml:"queues"`
}

// HTTPConfig configures the ingress server.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// SweepConfig schedules the open-build sweep.
type SweepConfig struct {
	Schedule string `yaml:"schedule"` // 5-field cron expression, empty disables
}

// SlackConfig holds the fallback notification webhook.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a Config with every default applied, as used by tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.User == "" {
		c.Database.User = "root"
	}
	if c.Database.Database == "" {
		c.Database.Database = "argos"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = "https://api.github.com/"
	}
	if c.GitLab.BaseURL == "" {
		c.GitLab.BaseURL = "https://gitlab.com/api/v4"
	}
	if c.Build.FailureScreenshotPattern == "" {
		c.Build.FailureScreenshotPattern = ` \(failed\)$`
	}
	if c.Build.ProjectLockTimeout == 0 {
		c.Build.ProjectLockTimeout = 40 * time.Second
	}
	if c.Build.LockTimeout == 0 {
		c.Build.LockTimeout = 20 * time.Second
	}
	if c.Build.MergeBaseTimeout == 0 {
		c.Build.MergeBaseTimeout = 10 * time.Second
	}
	if c.Build.PartialCheckTimeout == 0 {
		c.Build.PartialCheckTimeout = 5 * time.Second
	}
	if c.Build.ReviewDelay == 0 {
		c.Build.ReviewDelay = 10 * time.Minute
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 10
	}
	if len(c.Worker.Queues) == 0 {
		c.Worker.Queues = map[string]int{"critical": 6, "default": 3, "low": 1}
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 3000
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql":
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.GitHub.AppID != 0 && c.GitHub.PrivateKeyPath == "" {
		errs = append(errs, "github.private_key_path is required with github.app_id")
	}
	if _, err := regexp.Compile(c.Build.FailureScreenshotPattern); err != nil {
		errs = append(errs, fmt.Sprintf("build.failure_screenshot_pattern: %v", err))
	}
	if c.Worker.Concurrency < 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// FailurePattern compiles the failure screenshot naming pattern. The pattern
// is validated at load time.
func (c *Config) FailurePattern() *regexp.Regexp {
	return regexp.MustCompile(c.Build.FailureScreenshotPattern)
}
