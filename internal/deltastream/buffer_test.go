package deltastream

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hkdb/aerion/internal/store"
)

func TestLineWriterWritesOneLinePerCall(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf)

	if err := lw.WriteLine([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := lw.WriteLine([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if lines[0] != `{"a":1}` || lines[1] != `{"b":2}` {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestBufferCoalescesByTypeAndModelClass(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuffer(NewLineWriter(&buf))

	b.Accept([]store.Delta{
		{Type: "persist", ModelClass: "thread", ID: "t1", Payload: []byte(`{"subject":"hi"}`)},
		{Type: "persist", ModelClass: "thread", ID: "t2", Payload: []byte(`{"subject":"bye"}`)},
	})
	b.flushNow()

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected a single coalesced line, got %d: %q", len(lines), out)
	}

	var msg struct {
		Type        string            `json:"type"`
		ObjectClass string            `json:"objectClass"`
		ModelJSONs  []json.RawMessage `json:"modelJSONs"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &msg); err != nil {
		t.Fatalf("unmarshal flush message: %v", err)
	}
	if msg.Type != "persist" || msg.ObjectClass != "thread" {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	if len(msg.ModelJSONs) != 2 {
		t.Fatalf("expected 2 models, got %d", len(msg.ModelJSONs))
	}
}

func TestBufferFoldOverwritesLaterFieldsKeepsEarlier(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuffer(NewLineWriter(&buf))

	b.Accept([]store.Delta{
		{Type: "persist", ModelClass: "message", ID: "m1", Payload: []byte(`{"subject":"first","unread":true}`)},
	})
	b.Accept([]store.Delta{
		{Type: "persist", ModelClass: "message", ID: "m1", Payload: []byte(`{"unread":false}`)},
	})
	b.flushNow()

	var msg struct {
		ModelJSONs []json.RawMessage `json:"modelJSONs"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msg.ModelJSONs) != 1 {
		t.Fatalf("expected the two saves to fold into one model, got %d", len(msg.ModelJSONs))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.ModelJSONs[0], &fields); err != nil {
		t.Fatalf("unmarshal model: %v", err)
	}
	if string(fields["subject"]) != `"first"` {
		t.Fatalf("expected subject preserved from the first save, got %s", fields["subject"])
	}
	if string(fields["unread"]) != "false" {
		t.Fatalf("expected unread overwritten by the second save, got %s", fields["unread"])
	}
}

func TestBufferAcceptIgnoresEmptyDeltas(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuffer(NewLineWriter(&buf))
	b.Accept(nil)
	b.flushNow()
	if buf.Len() != 0 {
		t.Fatalf("expected no output for an empty delta set, got %q", buf.String())
	}
}

func TestBufferRunFlushesWithinDeadline(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuffer(NewLineWriter(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx)

	b.Accept([]store.Delta{{Type: "persist", ModelClass: "thread", ID: "t1", Payload: []byte(`{}`)}})

	deadline := time.Now().Add(time.Second)
	for buf.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if buf.Len() == 0 {
		t.Fatal("expected the background loop to flush the accepted delta")
	}
	cancel()
	b.Stop()
}
