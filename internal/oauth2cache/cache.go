// Package oauth2cache serializes OAuth2 access-token refreshes behind a
// single mutex shared by every caller (spec.md §5: "The OAuth token cache
// uses one mutex across all callers; a refresh under lock serialises
// concurrent refresh requests for the same account"). Without it, two
// workers racing to refresh the same account's expired access token would
// both hit the provider's token endpoint and one refresh token could be
// invalidated by the other's use.
//
// Grounded on the teacher's lib/oauth.go, which drives the interactive
// authorization-code exchange via golang.org/x/oauth2.Config/Token; this
// package covers the silent machine-to-machine side of the same library —
// refreshing an already-issued token without user interaction.
package oauth2cache

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// SourceFactory builds the oauth2.TokenSource for one account — typically
// oauth2.Config.TokenSource(ctx, storedToken) wired to the account's
// client id/secret/refresh token from internal/credentials.
type SourceFactory func(ctx context.Context, accountID string) (oauth2.TokenSource, error)

// Cache holds one lazily-created TokenSource per account behind a single
// mutex (spec.md §5).
type Cache struct {
	mu      sync.Mutex
	newSrc  SourceFactory
	sources map[string]oauth2.TokenSource
}

// New builds a Cache that creates token sources via newSrc on first use.
func New(newSrc SourceFactory) *Cache {
	return &Cache{
		newSrc:  newSrc,
		sources: map[string]oauth2.TokenSource{},
	}
}

// AccessToken returns a valid access token for accountID, refreshing it
// under the cache's single mutex if the cached token has expired.
func (c *Cache) AccessToken(ctx context.Context, accountID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.sources[accountID]
	if !ok {
		var err error
		src, err = c.newSrc(ctx, accountID)
		if err != nil {
			return "", fmt.Errorf("oauth2cache: build token source for %s: %w", accountID, err)
		}
		c.sources[accountID] = src
	}

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("oauth2cache: refresh token for %s: %w", accountID, err)
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached source for accountID, forcing AccessToken to
// rebuild it from scratch on next call — used after a provider rejects a
// refresh token outright (e.g. the user revoked access).
func (c *Cache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, accountID)
}
