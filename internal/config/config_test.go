package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: mysql
  host: 10.0.0.5
  port: 3307
  user: argos
  password: secret
  database: argos_prod

redis:
  addr: redis.internal:6380

github:
  app_id: 4242
  private_key_path: /etc/argos/app.pem

build:
  failure_screenshot_pattern: "-failed$"
  project_lock_timeout: 30s
  merge_base_timeout: 3s
  review_delay: 5m

worker:
  concurrency: 4

sweep:
  schedule: "*/5 * * * *"
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Host != "10.0.0.5" {
		t.Errorf("Database.Host = %q, want %q", cfg.Database.Host, "10.0.0.5")
	}
	if cfg.Database.Port != 3307 {
		t.Errorf("Database.Port = %d, want %d", cfg.Database.Port, 3307)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("Redis.Addr = %q, want %q", cfg.Redis.Addr, "redis.internal:6380")
	}
	if cfg.GitHub.AppID != 4242 {
		t.Errorf("GitHub.AppID = %d, want 4242", cfg.GitHub.AppID)
	}
	if cfg.Build.ProjectLockTimeout != 30*time.Second {
		t.Errorf("ProjectLockTimeout = %s, want 30s", cfg.Build.ProjectLockTimeout)
	}
	if cfg.Build.MergeBaseTimeout != 3*time.Second {
		t.Errorf("MergeBaseTimeout = %s, want 3s", cfg.Build.MergeBaseTimeout)
	}
	if cfg.Build.ReviewDelay != 5*time.Minute {
		t.Errorf("ReviewDelay = %s, want 5m", cfg.Build.ReviewDelay)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Sweep.Schedule != "*/5 * * * *" {
		t.Errorf("Sweep.Schedule = %q", cfg.Sweep.Schedule)
	}
	if !cfg.FailurePattern().MatchString("home-failed") {
		t.Error("FailurePattern should match custom suffix")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want mysql", cfg.Database.Driver)
	}
	if cfg.Build.ProjectLockTimeout != 40*time.Second {
		t.Errorf("ProjectLockTimeout = %s, want 40s", cfg.Build.ProjectLockTimeout)
	}
	if cfg.Build.ReviewDelay != 10*time.Minute {
		t.Errorf("ReviewDelay = %s, want 10m", cfg.Build.ReviewDelay)
	}
	if cfg.HTTP.Port != 3000 {
		t.Errorf("HTTP.Port = %d, want 3000", cfg.HTTP.Port)
	}
	if len(cfg.Worker.Queues) != 3 {
		t.Errorf("len(Worker.Queues) = %d, want 3", len(cfg.Worker.Queues))
	}
	if !cfg.FailurePattern().MatchString("checkout (failed)") {
		t.Error("default FailurePattern should match ' (failed)' suffix")
	}
	if cfg.FailurePattern().MatchString("checkout") {
		t.Error("default FailurePattern should not match plain names")
	}
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown driver", "database:\n  driver: oracle\n", "not supported"},
		{"sqlite without path", "database:\n  driver: sqlite\n", "database.path is required"},
		{"app without key", "github:\n  app_id: 1\n", "private_key_path is required"},
		{"bad pattern", "build:\n  failure_screenshot_pattern: \"(\"\n", "failure_screenshot_pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("database: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "config: parse") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: parse")
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argos.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Database != "argos_prod" {
		t.Errorf("Database.Database = %q, want %q", cfg.Database.Database, "argos_prod")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Build.PartialCheckTimeout != 5*time.Second {
		t.Errorf("PartialCheckTimeout = %s, want 5s", cfg.Build.PartialCheckTimeout)
	}
}
