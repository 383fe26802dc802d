package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonesrussell/portfolio-tracker/internal/config"
)

const validConfig = `
debug: false
server:
  address: ":8090"
database:
  host: localhost
  dbname: tracker
redis:
  addr: localhost:6379
refresh:
  worker_count: 4
providers:
  - name: marketfeed
    url: https://api.example.com
    daily_limit: 250
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":8090" {
		t.Errorf("Server.Address = %q, want :8090", cfg.Server.Address)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("Database.Host = %q, want localhost", cfg.Database.Host)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "marketfeed" {
		t.Errorf("Providers = %+v", cfg.Providers)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Refresh.TaskTimeout != 30*time.Minute {
		t.Errorf("Refresh.TaskTimeout = %v, want 30m", cfg.Refresh.TaskTimeout)
	}
	if cfg.Refresh.PollInterval != 2*time.Second {
		t.Errorf("Refresh.PollInterval = %v, want 2s", cfg.Refresh.PollInterval)
	}
	if cfg.Refresh.FairnessBurst != 5 {
		t.Errorf("Refresh.FairnessBurst = %d, want 5", cfg.Refresh.FairnessBurst)
	}
	if cfg.Refresh.ReserveCalls != 20 {
		t.Errorf("Refresh.ReserveCalls = %d, want 20", cfg.Refresh.ReserveCalls)
	}
	if cfg.Refresh.BenchmarkSymbol != "SPY" {
		t.Errorf("Refresh.BenchmarkSymbol = %q, want SPY", cfg.Refresh.BenchmarkSymbol)
	}
	if cfg.Refresh.Schedule != "@every 30m" {
		t.Errorf("Refresh.Schedule = %q, want @every 30m", cfg.Refresh.Schedule)
	}
	if cfg.Database.SSLMode != "disable" {
		t.Errorf("Database.SSLMode = %q, want disable", cfg.Database.SSLMode)
	}
	if cfg.Providers[0].Timeout != 10*time.Second {
		t.Errorf("Providers[0].Timeout = %v, want 10s", cfg.Providers[0].Timeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_PORT", "9999")
	t.Setenv("POSTGRES_TRACKER_HOST", "db.internal")
	t.Setenv("REFRESH_WORKER_COUNT", "8")
	t.Setenv("MARKET_API_KEY", "secret-key")

	cfg, err := config.Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":9999" {
		t.Errorf("Server.Address = %q, want :9999", cfg.Server.Address)
	}
	if cfg.Database.Host != "db.internal" {
		t.Errorf("Database.Host = %q, want db.internal", cfg.Database.Host)
	}
	if cfg.Refresh.WorkerCount != 8 {
		t.Errorf("Refresh.WorkerCount = %d, want 8", cfg.Refresh.WorkerCount)
	}
	if cfg.Providers[0].APIKey != "secret-key" {
		t.Errorf("Providers[0].APIKey = %q, want secret-key", cfg.Providers[0].APIKey)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{
			name: "missing database host",
			content: `
database:
  dbname: tracker
redis:
  addr: localhost:6379
refresh:
  worker_count: 4
providers:
  - name: marketfeed
    daily_limit: 250
`,
		},
		{
			name: "no providers",
			content: `
database:
  host: localhost
  dbname: tracker
redis:
  addr: localhost:6379
refresh:
  worker_count: 4
providers: []
`,
		},
		{
			name: "provider without a name",
			content: `
database:
  host: localhost
  dbname: tracker
redis:
  addr: localhost:6379
refresh:
  worker_count: 4
providers:
  - url: https://api.example.com
    daily_limit: 250
`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.Load(writeConfig(t, tc.content)); err == nil {
				t.Error("Load() expected error, got nil")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load("/nonexistent/config.yml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}
