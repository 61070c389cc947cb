// Package accountconfig loads the one JSON document cmd/mailsync needs at
// startup to connect to a single account's IMAP, SMTP, CardDAV, and CalDAV
// endpoints. spec.md §3 is explicit that "Account — credentials and
// endpoint configuration... [is] not persisted by the core; supplied by the
// parent", and §1's non-goals disclaim "the CLI, argument parser... "
// generally — so the exact delivery shape is an implementation choice, not
// a spec'd wire format. A single file path (rather than, say, a stdin
// handshake) keeps the parent's responsibility simple: write one JSON file
// per account process it spawns.
package accountconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Endpoint is one DAV collection's discovery endpoint and credentials.
type Endpoint struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is the account connection document the parent process writes.
type Config struct {
	AccountID string `json:"accountId"`

	IMAP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Security string `json:"security"` // "none" | "tls" | "starttls"
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"imap"`

	SMTP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Security string `json:"security"`
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"smtp"`

	// OAuth2, when Provider is non-empty, overrides password auth on both
	// IMAP and SMTP above: Username is still sent as the SASL identity, but
	// the access token comes from the refresh token below via
	// internal/oauth2cache instead of Password.
	OAuth2 struct {
		Provider     string `json:"provider"` // "google" | "microsoft"
		RefreshToken string `json:"refreshToken"`
	} `json:"oauth2"`

	CardDAV *Endpoint `json:"cardDAV,omitempty"`
	CalDAV  *Endpoint `json:"calDAV,omitempty"`
}

// Load reads and parses the account config document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read account config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse account config: %w", err)
	}
	if cfg.AccountID == "" {
		return nil, fmt.Errorf("account config: accountId is required")
	}
	return &cfg, nil
}

// UsesOAuth2 reports whether this account authenticates via OAuth2 rather
// than a stored password.
func (c *Config) UsesOAuth2() bool {
	return c.OAuth2.Provider != ""
}
