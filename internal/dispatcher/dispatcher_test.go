package dispatcher

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/store"
	"github.com/hkdb/aerion/internal/task"
)

func newTestEngine(t *testing.T) *task.Engine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	pool := imap.NewPool(imap.DefaultPoolConfig(), func(accountID string) (*imap.ClientConfig, error) {
		return nil, fmt.Errorf("no imap credentials in this test")
	})
	t.Cleanup(pool.CloseAll)

	return task.NewEngine(db, pool, "acct-1", nil, nil)
}

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func TestDispatcherHandleWakeWorkers(t *testing.T) {
	d := New(strings.NewReader(""), newTestEngine(t), NewBodyQueue())
	w1, w2 := &countingWaker{}, &countingWaker{}
	d.wakers = []Waker{w1, w2}

	if err := d.handle(`{"type":"wake-workers"}`); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if w1.n != 1 || w2.n != 1 {
		t.Fatalf("expected both wakers woken once, got %d and %d", w1.n, w2.n)
	}
}

func TestDispatcherHandleNeedBodies(t *testing.T) {
	bodies := NewBodyQueue()
	d := New(strings.NewReader(""), newTestEngine(t), bodies)

	if err := d.handle(`{"type":"need-bodies","ids":["m1","m2"]}`); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, ok := bodies.Pop()
	if !ok || got != "m2" {
		t.Fatalf("expected m2 on top of the need-bodies stack, got %q ok=%v", got, ok)
	}
}

func TestDispatcherHandleCancelUnknownTaskIsNotAnError(t *testing.T) {
	d := New(strings.NewReader(""), newTestEngine(t), NewBodyQueue())
	if err := d.handle(`{"type":"cancel-task","taskId":"does-not-exist"}`); err != nil {
		t.Fatalf("handle cancel-task: %v", err)
	}
}

func TestDispatcherHandleUnknownTypeIsNotAnError(t *testing.T) {
	d := New(strings.NewReader(""), newTestEngine(t), NewBodyQueue())
	if err := d.handle(`{"type":"something-nobody-recognizes"}`); err != nil {
		t.Fatalf("expected unknown message types to be logged, not returned as errors: %v", err)
	}
}

func TestDispatcherHandleMalformedJSON(t *testing.T) {
	d := New(strings.NewReader(""), newTestEngine(t), NewBodyQueue())
	if err := d.handle(`not json`); err == nil {
		t.Fatal("expected an error for malformed input")
	}
}

func TestDispatcherHandleTestCrash(t *testing.T) {
	d := New(strings.NewReader(""), newTestEngine(t), NewBodyQueue())
	crashed := false
	d.testCrash = func() { crashed = true }

	if err := d.handle(`{"type":"test-crash"}`); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !crashed {
		t.Fatal("expected test-crash to invoke testCrash")
	}
}

func TestDispatcherRunExitsCleanlyOnCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	d := New(r, newTestEngine(t), NewBodyQueue())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if code := d.Run(ctx); code != 0 {
		t.Fatalf("Run() = %d, want 0 on cancellation", code)
	}
}
