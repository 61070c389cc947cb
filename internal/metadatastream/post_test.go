package metadatastream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetadataPosterSendsExpectedBody(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody struct {
		AccountID  string          `json:"accountId"`
		ObjectType string          `json:"type"`
		ObjectID   string          `json:"id"`
		PluginID   string          `json:"pluginId"`
		Attributes json.RawMessage `json:"attributes"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewMetadataPoster(srv.URL, srv.Client())
	err := p.PostMetadata(context.Background(), "acct-1", "Thread", "t1", "plugin-a", []byte(`{"starred":true}`))
	if err != nil {
		t.Fatalf("PostMetadata: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Fatalf("method = %q, want POST", gotMethod)
	}
	if gotPath != "/metadata" {
		t.Fatalf("path = %q, want /metadata", gotPath)
	}
	if gotBody.AccountID != "acct-1" || gotBody.ObjectType != "Thread" || gotBody.ObjectID != "t1" || gotBody.PluginID != "plugin-a" {
		t.Fatalf("unexpected posted body: %+v", gotBody)
	}
	if string(gotBody.Attributes) != `{"starred":true}` {
		t.Fatalf("attributes = %s, want {\"starred\":true}", gotBody.Attributes)
	}
}

func TestMetadataPosterPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewMetadataPoster(srv.URL, srv.Client())
	err := p.PostMetadata(context.Background(), "acct-1", "Thread", "t1", "plugin-a", []byte(`{}`))
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}
