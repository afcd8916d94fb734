package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("secret: s3cret\ngit:\n  name: Bot\n  email: bot@example.com\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Addr != DefaultAddr || cfg.Git.Branch != "main" || cfg.Git.Remote != "origin" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.FetchTimeout() != 30*time.Second {
		t.Fatalf("fetch timeout %v", cfg.FetchTimeout())
	}
	if got := cfg.UserAgent(); got != "TDS-Project/1.0 (bot@example.com)" {
		t.Fatalf("user agent %q", got)
	}
}

func TestValidateRequiresSecretAndIdentity(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing secret error")
	}
	cfg.Secret = "x"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing committer error")
	}
	cfg.Git.Name, cfg.Git.Email = "Bot", "bot@example.com"
	cfg.Webhooks = []WebhookConfig{{URL: " "}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected webhook url error")
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yml")
	cfg, err := LoadOptional(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Fatalf("state dir %q", cfg.StateDir)
	}
	if cfg.Source != path {
		t.Fatalf("source %q", cfg.Source)
	}
}

func TestExampleParses(t *testing.T) {
	path := Path(t.TempDir())
	if err := os.WriteFile(path, []byte(ExampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadOptional(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate example: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("source %q", cfg.Source)
	}
	red := cfg.Redacted()
	if red.Secret != "***" || cfg.Secret != "change-me" {
		t.Fatalf("redaction leaked or mutated: %q %q", red.Secret, cfg.Secret)
	}
}
