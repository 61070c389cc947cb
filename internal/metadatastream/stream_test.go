package metadatastream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
	"github.com/hkdb/aerion/internal/syncerr"
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

func TestCheckStatusClassification(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
		ok        bool
	}{
		{200, false, true},
		{204, false, true},
		{429, true, false},
		{503, true, false},
		{404, false, false},
	}
	for _, c := range cases {
		resp := &http.Response{StatusCode: c.code, Status: fmt.Sprintf("%d test", c.code)}
		err := checkStatus(resp)
		if c.ok {
			if err != nil {
				t.Fatalf("status %d: expected no error, got %v", c.code, err)
			}
			continue
		}
		if err == nil {
			t.Fatalf("status %d: expected an error", c.code)
		}
		if got := syncerr.IsRetryable(err); got != c.retryable {
			t.Fatalf("status %d: retryable = %v, want %v", c.code, got, c.retryable)
		}
	}
}

func TestFetchHeadCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(struct {
			Cursor string `json:"cursor"`
		}{Cursor: "cursor-123"})
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AccountID: "acct-1"}, openTestDB(t))
	cursor, err := c.fetchHeadCursor(context.Background())
	if err != nil {
		t.Fatalf("fetchHeadCursor: %v", err)
	}
	if cursor != "cursor-123" {
		t.Fatalf("cursor = %q, want cursor-123", cursor)
	}
}

func TestIngestParksDetachedWhenModelMissing(t *testing.T) {
	db := openTestDB(t)
	c := NewClient(Config{BaseURL: "http://unused", AccountID: "acct-1"}, db)

	var rec deltaRecord
	rec.Object.Type = "Thread"
	rec.Object.ID = "t1"
	rec.Object.PluginID = "plugin-a"
	rec.Object.Version = 1
	rec.Attributes = []byte(`{"starred":true}`)
	rec.Cursor = "c1"

	if err := c.ingest(rec); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	m, err := db.GetMetadata("acct-1", "plugin-a", "Thread", "t1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if m != nil {
		t.Fatal("expected no Metadata row; the referenced thread doesn't exist locally")
	}
}

func TestIngestUpsertsWhenModelExists(t *testing.T) {
	db := openTestDB(t)
	seedThread(t, db, "acct-1", "t1")

	c := NewClient(Config{BaseURL: "http://unused", AccountID: "acct-1"}, db)
	var rec deltaRecord
	rec.Object.Type = "Thread"
	rec.Object.ID = "t1"
	rec.Object.PluginID = "plugin-a"
	rec.Object.Version = 1
	rec.Attributes = []byte(`{"starred":true}`)
	rec.Cursor = "c1"

	if err := c.ingest(rec); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	m, err := db.GetMetadata("acct-1", "plugin-a", "Thread", "t1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if m == nil {
		t.Fatal("expected a Metadata row once the referenced thread exists")
	}
}

func TestSaveCursorSkipsEmpty(t *testing.T) {
	db := openTestDB(t)
	c := NewClient(Config{BaseURL: "http://unused", AccountID: "acct-1"}, db)
	if err := c.saveCursor(""); err != nil {
		t.Fatalf("saveCursor(\"\"): %v", err)
	}
	if _, ok, _ := db.GetSetting(c.cursorKey()); ok {
		t.Fatal("expected no cursor to be persisted for an empty value")
	}
}

func TestRunOnceUsesPersistedCursorOnReconnect(t *testing.T) {
	db := openTestDB(t)
	cursorKey := "metadatastream_cursor_acct-1"
	if err := db.SetSetting(cursorKey, "resume-here"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	var sawCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawCursor = r.URL.Query().Get("cursor")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AccountID: "acct-1"}, db)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.runOnce(ctx)

	if sawCursor != "resume-here" {
		t.Fatalf("stream request carried cursor %q, want resume-here (no re-fetch, no backfill)", sawCursor)
	}
}

func seedThread(t *testing.T, db *store.DB, accountID, id string) {
	t.Helper()
	tx, err := db.Begin(nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.SaveThread(&model.Thread{
		Base: model.Base{ID: id, AccountID: accountID},
	}); err != nil {
		tx.Rollback()
		t.Fatalf("SaveThread: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}
