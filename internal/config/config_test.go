package config

import (
	"strings"
	"testing"
)

const goodSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv(envSecret, goodSecret)
	t.Setenv(envDSN, "postgres://localhost/strikeboard")
	t.Setenv(envAddr, "")
	t.Setenv(envEnv, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.Environment != "development" || cfg.Production() {
		t.Fatalf("Environment = %q", cfg.Environment)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	t.Setenv(envSecret, "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing secret")
	}
}

func TestLoadShortSecret(t *testing.T) {
	t.Setenv(envSecret, "tooshort")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "at least") {
		t.Fatalf("err = %v, want length error", err)
	}
}

func TestLoadPlaceholderSecretInProduction(t *testing.T) {
	t.Setenv(envSecret, placeholderSecret)
	t.Setenv(envEnv, "production")
	if _, err := Load(); err == nil {
		t.Fatal("placeholder secret must be rejected in production")
	}

	t.Setenv(envEnv, "development")
	if _, err := Load(); err != nil {
		t.Fatalf("placeholder secret should pass outside production: %v", err)
	}
}
