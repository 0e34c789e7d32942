package main

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseFlags(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := parseFlags(nil)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.name != "localhost" || cfg.maxWorkers != 16 || cfg.maildir != "mail" {
			t.Errorf("defaults = %+v", cfg)
		}
	})
	t.Run("repeatable flags", func(t *testing.T) {
		cfg, err := parseFlags([]string{
			"-address", "127.0.0.1:25",
			"-address", "[::1]:25",
			"-blocklist", "zen.spamhaus.org.",
			"-blocklist", "bl.example.",
		})
		if err != nil {
			t.Fatal(err)
		}
		if len(cfg.addresses) != 2 || len(cfg.blocklists) != 2 {
			t.Errorf("lists = %v / %v", cfg.addresses, cfg.blocklists)
		}
	})
	t.Run("cert without key", func(t *testing.T) {
		if _, err := parseFlags([]string{"-cert", "c.pem"}); err == nil {
			t.Error("cert without key accepted")
		}
	})
	t.Run("chain without cert", func(t *testing.T) {
		if _, err := parseFlags([]string{"-chain", "chain.pem"}); err == nil {
			t.Error("chain without cert accepted")
		}
	})
	t.Run("bad workers", func(t *testing.T) {
		if _, err := parseFlags([]string{"-max-workers", "0"}); err == nil {
			t.Error("zero workers accepted")
		}
	})
}

func TestLoadCredentials(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "users")
	content := "# comment\n\nalice:" + string(hash) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	creds, err := loadCredentials(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 1 {
		t.Fatalf("creds = %v", creds)
	}
	if bcrypt.CompareHashAndPassword(creds["alice"], []byte("secret")) != nil {
		t.Error("stored hash does not verify")
	}

	bad := filepath.Join(t.TempDir(), "bad")
	if err := os.WriteFile(bad, []byte("alice:notahash\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadCredentials(bad); err == nil {
		t.Error("non-bcrypt hash accepted")
	}
}

func TestExitCodes(t *testing.T) {
	if code := run([]string{"-max-workers", "-1"}); code != exitBadConfig {
		t.Errorf("bad config exit = %d, want %d", code, exitBadConfig)
	}
}
