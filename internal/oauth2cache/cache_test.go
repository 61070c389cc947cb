package oauth2cache

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/oauth2"
)

type fakeSource struct {
	mu    sync.Mutex
	token string
	calls int
}

func (s *fakeSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &oauth2.Token{AccessToken: s.token}, nil
}

func TestCacheBuildsSourceOnce(t *testing.T) {
	src := &fakeSource{token: "tok-1"}
	builds := 0
	c := New(func(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
		builds++
		return src, nil
	})

	for i := 0; i < 3; i++ {
		tok, err := c.AccessToken(context.Background(), "acct-1")
		if err != nil {
			t.Fatalf("AccessToken: %v", err)
		}
		if tok != "tok-1" {
			t.Fatalf("AccessToken() = %q, want tok-1", tok)
		}
	}
	if builds != 1 {
		t.Fatalf("expected the factory to run once across repeated calls, ran %d times", builds)
	}
}

func TestCacheSeparatesSourcesPerAccount(t *testing.T) {
	c := New(func(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
		return &fakeSource{token: "tok-" + accountID}, nil
	})

	tokA, err := c.AccessToken(context.Background(), "a")
	if err != nil {
		t.Fatalf("AccessToken(a): %v", err)
	}
	tokB, err := c.AccessToken(context.Background(), "b")
	if err != nil {
		t.Fatalf("AccessToken(b): %v", err)
	}
	if tokA == tokB {
		t.Fatalf("expected distinct accounts to get distinct tokens, both were %q", tokA)
	}
}

func TestCachePropagatesFactoryError(t *testing.T) {
	c := New(func(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
		return nil, fmt.Errorf("no refresh token on file")
	})
	if _, err := c.AccessToken(context.Background(), "acct-1"); err == nil {
		t.Fatal("expected an error when the factory fails")
	}
}

func TestCacheInvalidateForcesRebuild(t *testing.T) {
	builds := 0
	c := New(func(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
		builds++
		return &fakeSource{token: "tok"}, nil
	})

	if _, err := c.AccessToken(context.Background(), "acct-1"); err != nil {
		t.Fatalf("AccessToken: %v", err)
	}
	c.Invalidate("acct-1")
	if _, err := c.AccessToken(context.Background(), "acct-1"); err != nil {
		t.Fatalf("AccessToken after invalidate: %v", err)
	}
	if builds != 2 {
		t.Fatalf("expected a rebuild after Invalidate, factory ran %d times", builds)
	}
}

func TestCacheSerializesConcurrentRefreshes(t *testing.T) {
	src := &fakeSource{token: "tok"}
	c := New(func(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
		return src, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.AccessToken(context.Background(), "acct-1"); err != nil {
				t.Errorf("AccessToken: %v", err)
			}
		}()
	}
	wg.Wait()
}
