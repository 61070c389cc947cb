package imapsync

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/store"
)

type fakeBodySource struct {
	mu     sync.Mutex
	ids    []string
	wake   chan struct{}
	popped []string
}

func newFakeBodySource(ids ...string) *fakeBodySource {
	return &fakeBodySource{ids: ids, wake: make(chan struct{}, 1)}
}

func (s *fakeBodySource) Pop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return "", false
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	s.popped = append(s.popped, id)
	return id, true
}

func (s *fakeBodySource) Wait() <-chan struct{} {
	return s.wake
}

func TestNeedBodiesWorkerDrainsQueueUntilEmptyThenBlocks(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()

	pool := imap.NewPool(imap.DefaultPoolConfig(), func(accountID string) (*imap.ClientConfig, error) {
		return nil, fmt.Errorf("no imap server available in this test")
	})
	defer pool.CloseAll()

	source := newFakeBodySource("m1", "m2")
	w := NewNeedBodiesWorker(pool, db, "acct-1", source)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		source.mu.Lock()
		n := len(source.popped)
		source.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected both queued ids to be popped, got %d", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return after ctx cancellation")
	}
}
