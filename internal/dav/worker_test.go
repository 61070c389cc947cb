package dav

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hkdb/aerion/internal/store"
)

func TestCtagErrorActionClassification(t *testing.T) {
	cases := []struct {
		msg  string
		want string
	}{
		{"404 Not Found", "invalidate"},
		{"410 Gone", "invalidate"},
		{"401 Unauthorized", "tolerate"},
		{"403 Forbidden", "tolerate"},
		{"connection reset by peer", "network"},
	}
	for _, c := range cases {
		got := ctagErrorAction(errors.New(c.msg))
		if got != c.want {
			t.Fatalf("ctagErrorAction(%q) = %q, want %q", c.msg, got, c.want)
		}
	}
}

func TestSchedulerFailureCounterTolerance(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	s := NewScheduler(db, nil, "acct-1")
	for i := 1; i <= authFailureTolerance; i++ {
		if got := s.bumpFailure("book-1"); got != i {
			t.Fatalf("bumpFailure call %d = %d, want %d", i, got, i)
		}
	}
	s.clearFailure("book-1")
	if got := s.bumpFailure("book-1"); got != 1 {
		t.Fatalf("expected the counter to reset after clearFailure, got %d", got)
	}
}

func TestSchedulerNetworkBackoff(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	s := NewScheduler(db, nil, "acct-1")

	if s.networkBackedOff("cal-1") {
		t.Fatal("a collection with no recorded failures should not be backed off")
	}

	s.bumpNetworkFailure("cal-1")
	if !s.networkBackedOff("cal-1") {
		t.Fatal("expected collection to be backed off immediately after a network failure")
	}

	s.clearNetworkFailure("cal-1")
	if s.networkBackedOff("cal-1") {
		t.Fatal("expected backoff to clear after clearNetworkFailure")
	}
}

func TestSchedulerNetworkBackoffGrowsWithAttempts(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	s := NewScheduler(db, nil, "acct-1")

	s.bumpNetworkFailure("cal-1")
	first := s.netRetryAt["cal-1"]
	s.bumpNetworkFailure("cal-1")
	second := s.netRetryAt["cal-1"]

	if !second.After(first) {
		t.Fatalf("expected second backoff window to extend further than the first: %v vs %v", second, first)
	}
	if d := time.Until(first); d <= 0 {
		t.Fatalf("expected first backoff window to still be in the future, got %v", d)
	}
}

func TestSchedulerTriggerSyncWakesRunLoop(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	s := NewScheduler(db, nil, "acct-1")
	s.checkInterval = time.Hour // only a TriggerSync or the initial pass should run syncAll

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	// TriggerSync should not block or panic even with an empty account (no
	// contact books or calendars to reconcile).
	s.TriggerSync()
	s.TriggerSync()
	time.Sleep(50 * time.Millisecond)
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	s := NewScheduler(db, nil, "acct-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
}
