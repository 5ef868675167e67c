package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.Workers != 8 || cfg.Orchestrator.QueueSize != 1024 {
		t.Fatalf("unexpected orchestrator cfg: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.LeaseTTL != 30*time.Second || cfg.Orchestrator.BusyRetryDelay != 250*time.Millisecond {
		t.Fatalf("unexpected lease settings: %+v", cfg.Orchestrator)
	}
	if cfg.Orchestrator.DrainTimeout != 10*time.Second {
		t.Fatalf("unexpected drain timeout: %v", cfg.Orchestrator.DrainTimeout)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 200*time.Millisecond || cfg.Retry.MaxDelay != 5*time.Second {
		t.Fatalf("unexpected retry cfg: %+v", cfg.Retry)
	}
	if cfg.Retry.StepTimeout != 10*time.Second || cfg.Retry.InflightStaleAfter != time.Minute {
		t.Fatalf("unexpected step timeouts: %+v", cfg.Retry)
	}
	if cfg.Sweeper.Interval != 15*time.Second || cfg.Sweeper.StaleAfter != time.Minute || cfg.Sweeper.BatchSize != 100 {
		t.Fatalf("unexpected sweeper cfg: %+v", cfg.Sweeper)
	}
	if cfg.Routing.File != "configs/routing.yaml" || cfg.Routing.CacheTTL != 30*time.Second {
		t.Fatalf("unexpected routing cfg: %+v", cfg.Routing)
	}
	if cfg.Ledger.ResultTTL != 168*time.Hour {
		t.Fatalf("unexpected ledger ttl: %v", cfg.Ledger.ResultTTL)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.GRPC.Addr != ":50051" || cfg.Observability.Addr != ":9090" {
		t.Fatalf("unexpected listen addrs: %s %s %s", cfg.HTTP.Addr, cfg.GRPC.Addr, cfg.Observability.Addr)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Fatalf("unexpected log cfg: %+v", cfg.Log)
	}
	if cfg.Database.URL != "" || cfg.Redis.URL != "" {
		t.Fatalf("expected in-memory defaults, got db %q redis %q", cfg.Database.URL, cfg.Redis.URL)
	}
	if cfg.Production() {
		t.Fatalf("expected development env by default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAYFLOW_ORCHESTRATOR_WORKERS", "4")
	t.Setenv("PAYFLOW_RETRY_BASE_DELAY", "50ms")
	t.Setenv("PAYFLOW_GRPC_RATE_LIMIT_INTERVAL", "5ms")
	t.Setenv("PAYFLOW_GRPC_RATE_LIMIT_BURST", "10")
	t.Setenv("PAYFLOW_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PAYFLOW_COLLABORATORS_NETWORKS", "SEPA_INST,BOOK")
	t.Setenv("PAYFLOW_ENV", "production")

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestrator.Workers != 4 {
		t.Fatalf("unexpected workers: %d", cfg.Orchestrator.Workers)
	}
	if cfg.Retry.BaseDelay != 50*time.Millisecond {
		t.Fatalf("unexpected base delay: %v", cfg.Retry.BaseDelay)
	}
	if cfg.GRPC.RateLimitInterval != 5*time.Millisecond || cfg.GRPC.RateLimitBurst != 10 {
		t.Fatalf("unexpected grpc cfg: %+v", cfg.GRPC)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url: %s", cfg.Redis.URL)
	}
	if len(cfg.Collaborators.Networks) != 2 || cfg.Collaborators.Networks[1] != "BOOK" {
		t.Fatalf("unexpected networks: %v", cfg.Collaborators.Networks)
	}
	if !cfg.Production() {
		t.Fatalf("expected production env")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payflow.yaml")
	body := `
routing:
  file: /etc/payflow/routes.yaml
sweeper:
  batch_size: 25
collaborators:
  balances:
    DE89370400440532013000: 100000
  clearing_urls:
    SEPA_CT: http://clearing.internal
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAYFLOW_SWEEPER_BATCH_SIZE", "50")

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Routing.File != "/etc/payflow/routes.yaml" {
		t.Fatalf("unexpected routing file: %s", cfg.Routing.File)
	}
	if cfg.Sweeper.BatchSize != 50 {
		t.Fatalf("expected env to win over file, got %d", cfg.Sweeper.BatchSize)
	}
	if got := cfg.Collaborators.Balances["DE89370400440532013000"]; got != 100000 {
		t.Fatalf("unexpected balances: %v", cfg.Collaborators.Balances)
	}
	if cfg.Collaborators.ClearingURLs["SEPA_CT"] != "http://clearing.internal" {
		t.Fatalf("unexpected clearing urls: %v", cfg.Collaborators.ClearingURLs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), ""); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	// Registered first so cleanup restores the original environment after
	// godotenv writes to it.
	t.Setenv("PAYFLOW_HTTP_ADDR", "")
	os.Unsetenv("PAYFLOW_HTTP_ADDR")
	t.Setenv("PAYFLOW_LOG_LEVEL", "warn")

	envFile := filepath.Join(t.TempDir(), ".env")
	body := "PAYFLOW_HTTP_ADDR=:18080\nPAYFLOW_LOG_LEVEL=debug\n"
	if err := os.WriteFile(envFile, []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := Load("", envFile)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Addr != ":18080" {
		t.Fatalf("unexpected http addr: %s", cfg.HTTP.Addr)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected environment to win over .env, got %s", cfg.Log.Level)
	}

	if _, err := Load("", filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		env     string
		val     string
		section string
	}{
		{"PAYFLOW_RETRY_MAX_ATTEMPTS", "0", "retry"},
		{"PAYFLOW_RETRY_MAX_DELAY", "10ms", "retry"},
		{"PAYFLOW_ORCHESTRATOR_WORKERS", "0", "orchestrator"},
		{"PAYFLOW_SWEEPER_BATCH_SIZE", "0", "sweeper"},
		{"PAYFLOW_LOG_LEVEL", "loud", "log"},
		{"PAYFLOW_LOG_FORMAT", "xml", "log"},
		{"PAYFLOW_REDIS_TLS_CERT_FILE", "/tmp/cert.pem", "redis"},
	}
	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := Load("", "")
			if err == nil {
				t.Fatalf("expected error for %s=%s", tt.env, tt.val)
			}
			if !strings.Contains(err.Error(), tt.section) {
				t.Fatalf("expected %s error, got %v", tt.section, err)
			}
		})
	}
}

func TestRedisTLSLoad(t *testing.T) {
	tlsCfg, err := RedisTLS{}.Load()
	if err != nil || tlsCfg != nil {
		t.Fatalf("expected no TLS config, got %v %v", tlsCfg, err)
	}

	tlsCfg, err = RedisTLS{ServerName: "redis.internal", InsecureSkipVerify: true}.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsCfg.ServerName != "redis.internal" || !tlsCfg.InsecureSkipVerify {
		t.Fatalf("unexpected tls cfg: %+v", tlsCfg)
	}

	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	if _, err := (RedisTLS{CAFile: ca}).Load(); err == nil {
		t.Fatalf("expected error for invalid CA file")
	}
	if _, err := (RedisTLS{KeyFile: "key.pem"}).Load(); err == nil {
		t.Fatalf("expected error for key without cert")
	}
}
