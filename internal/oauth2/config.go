// Package oauth2 holds the per-provider OAuth2 client identifiers used to
// build the oauth2.Config each account's internal/oauth2cache.Cache wraps.
// Acquiring the actual wire tokens (authorization-code exchange, browser
// redirect) is out of scope here (spec.md §1 non-goal: "OAuth wire
// acquisition") — this package only answers "what client id/secret does
// this provider use", the one piece internal/oauth2cache genuinely needs at
// runtime to build a TokenSource.
package oauth2

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
)

// Build-time variables injected via ldflags, e.g.:
//
//	go build -ldflags "-X 'github.com/hkdb/aerion/internal/oauth2.GoogleClientID=xxx'"
//
// When unset, LoadFromShim fills them from the aerion-creds helper binary
// shipped alongside the packaged app.
var (
	GoogleClientID     string
	GoogleClientSecret string
	MicrosoftClientID  string
)

func init() {
	if GoogleClientID != "" {
		return
	}
	loadFromShim()
}

func loadFromShim() {
	paths := []string{
		"/app/lib/aerion/aerion-creds", // Flatpak
	}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "aerion-creds"))
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out, err := exec.Command(p).Output()
		if err != nil {
			continue
		}
		var creds map[string]string
		if err := json.Unmarshal(out, &creds); err != nil {
			continue
		}
		GoogleClientID = creds["google_client_id"]
		GoogleClientSecret = creds["google_client_secret"]
		MicrosoftClientID = creds["microsoft_client_id"]
		return
	}
}

// Provider names accepted by ClientID/IsConfigured.
const (
	ProviderGoogle    = "google"
	ProviderMicrosoft = "microsoft"
)

// IsConfigured reports whether a client id is available for provider —
// internal/oauth2cache consults this before attempting to build a
// TokenSource, falling back to password auth otherwise.
func IsConfigured(provider string) bool {
	switch provider {
	case ProviderGoogle:
		return GoogleClientID != ""
	case ProviderMicrosoft:
		return MicrosoftClientID != ""
	default:
		return false
	}
}

// ClientID returns the configured client id for provider, and whether one
// was found.
func ClientID(provider string) (string, bool) {
	switch provider {
	case ProviderGoogle:
		return GoogleClientID, GoogleClientID != ""
	case ProviderMicrosoft:
		return MicrosoftClientID, MicrosoftClientID != ""
	default:
		return "", false
	}
}
