package metadataexpiry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func saveMetadata(t *testing.T, db *store.DB, m *model.Metadata) {
	t.Helper()
	tx, err := db.Begin(nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.UpsertMetadata(m); err != nil {
		tx.Rollback()
		t.Fatalf("UpsertMetadata: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestWorkerExpiresDueMetadataAfterWake(t *testing.T) {
	db := openTestDB(t)
	past := time.Now().UTC().Add(-time.Hour)
	saveMetadata(t, db, &model.Metadata{
		AccountID: "acct-1", PluginID: "plugin-a", ObjectType: "thread", ObjectID: "t1",
		Version: 1, Attributes: []byte(`{}`), Expiration: &past,
	})

	w := New(db, "acct-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.Wake()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := db.GetMetadata("acct-1", "plugin-a", "thread", "t1")
		if err != nil {
			t.Fatalf("GetMetadata: %v", err)
		}
		if got == nil {
			return // expired and cleared, as expected
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the expired metadata record to be cleared")
}

func TestWorkerLeavesUnexpiredMetadataAlone(t *testing.T) {
	db := openTestDB(t)
	future := time.Now().UTC().Add(time.Hour)
	saveMetadata(t, db, &model.Metadata{
		AccountID: "acct-1", PluginID: "plugin-a", ObjectType: "thread", ObjectID: "t1",
		Version: 1, Attributes: []byte(`{}`), Expiration: &future,
	})

	w := New(db, "acct-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	w.Wake()
	time.Sleep(200 * time.Millisecond)

	got, err := db.GetMetadata("acct-1", "plugin-a", "thread", "t1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got == nil {
		t.Fatal("expected the not-yet-expired record to still be present")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	w := New(db, "acct-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	w.Start(ctx) // must not spawn a second loop or deadlock
	w.Stop()
}
