package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
app:
  name: masked-call-test
retry:
  max_attempts: 2
  base_delay: 100ms
providers:
  order: ["twilio"]
  twilio:
    account_sid: AC123
    auth_token: secret
    virtual_number: "+15550001111"
webhook:
  base_url: https://hooks.example.com
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.App.Name != "masked-call-test" {
		t.Fatalf("expected app name from file, got %q", cfg.App.Name)
	}
	if cfg.Retry.MaxAttempts != 2 || cfg.Retry.BaseDelay != 100*time.Millisecond {
		t.Fatalf("unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Retry.MaxDelay != 8*time.Second {
		t.Fatalf("expected default max delay, got %v", cfg.Retry.MaxDelay)
	}
	if len(cfg.Providers.Order) != 1 || cfg.Providers.Order[0] != "twilio" {
		t.Fatalf("unexpected provider order: %v", cfg.Providers.Order)
	}
	if cfg.Providers.Exotel.SignatureScheme != "hmac-sha256" {
		t.Fatalf("expected default signature scheme, got %q", cfg.Providers.Exotel.SignatureScheme)
	}
	if cfg.Webhook.LookupAttempts != 4 {
		t.Fatalf("expected default lookup attempts, got %d", cfg.Webhook.LookupAttempts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MASKEDCALL_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("MASKEDCALL_WEBHOOK_BASE_URL", "https://override.example.com")

	cfg, err := Load(writeConfig(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected env override, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Webhook.BaseURL != "https://override.example.com" {
		t.Fatalf("expected env override, got %q", cfg.Webhook.BaseURL)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
