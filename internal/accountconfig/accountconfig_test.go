package accountconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "account.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	return path
}

func TestLoadParsesFullDocument(t *testing.T) {
	path := writeConfig(t, `{
		"accountId": "acct-1",
		"imap": {"host": "imap.example.com", "port": 993, "security": "tls", "username": "u", "password": "p"},
		"smtp": {"host": "smtp.example.com", "port": 587, "security": "starttls", "username": "u", "password": "p"},
		"cardDAV": {"url": "https://dav.example.com/contacts", "username": "u", "password": "p"}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AccountID != "acct-1" {
		t.Fatalf("AccountID = %q, want acct-1", cfg.AccountID)
	}
	if cfg.IMAP.Host != "imap.example.com" || cfg.IMAP.Port != 993 {
		t.Fatalf("unexpected imap block: %+v", cfg.IMAP)
	}
	if cfg.CardDAV == nil || cfg.CardDAV.URL != "https://dav.example.com/contacts" {
		t.Fatalf("unexpected cardDAV block: %+v", cfg.CardDAV)
	}
	if cfg.CalDAV != nil {
		t.Fatalf("expected no calDAV block, got %+v", cfg.CalDAV)
	}
	if cfg.UsesOAuth2() {
		t.Fatal("expected UsesOAuth2 to be false without an oauth2 provider")
	}
}

func TestLoadRequiresAccountID(t *testing.T) {
	path := writeConfig(t, `{"imap": {"host": "imap.example.com"}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when accountId is missing")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `not json`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestUsesOAuth2WhenProviderSet(t *testing.T) {
	path := writeConfig(t, `{
		"accountId": "acct-1",
		"oauth2": {"provider": "google", "refreshToken": "rt"}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.UsesOAuth2() {
		t.Fatal("expected UsesOAuth2 to be true once provider is set")
	}
}
