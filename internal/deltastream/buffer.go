package deltastream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/store"
	"github.com/rs/zerolog"
)

// defaultFlushWithin bounds how long a delta can sit in the buffer before
// being written out. spec.md §4.6 doesn't name a figure for the routine
// case (only that flushWithin(ms) exists and callers can ask for sooner);
// this is chosen to keep coalescing useful during a burst of saves without
// holding the parent's view of the mailbox stale for long.
const defaultFlushWithin = 250 * time.Millisecond

type groupKey struct {
	Type       string
	ModelClass string
}

// Buffer coalesces deltas keyed by {type, modelClass} and flushes them to a
// LineWriter on a bounded schedule (spec.md §4.6). It implements
// store.Sink, so it can be installed via store.DB.SetDefaultSink.
//
// Grounded on app/sync.go's syncLastRequest per-key debounce map (the
// pattern of "remember the last scheduled time per key, only reschedule
// when an earlier one is requested"), generalized here to a single
// process-wide deadline covering every group rather than one timer per
// account.
type Buffer struct {
	writer *LineWriter
	log    zerolog.Logger

	mu      sync.Mutex // guards pending/order (the "buffer" lock)
	pending map[groupKey]map[string]map[string]json.RawMessage
	order   map[groupKey][]string

	scheduleMu  sync.Mutex // guards deadline/hasDeadline (the "notify" lock)
	deadline    time.Time
	hasDeadline bool
	wakeCh      chan struct{}

	doneCh chan struct{}
}

// NewBuffer builds a Buffer writing flushed deltas to w.
func NewBuffer(w *LineWriter) *Buffer {
	return &Buffer{
		writer:  w,
		log:     logging.WithComponent("deltastream"),
		pending: map[groupKey]map[string]map[string]json.RawMessage{},
		order:   map[groupKey][]string{},
		wakeCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}
}

// Start runs the background flush loop until ctx is cancelled.
func (b *Buffer) Start(ctx context.Context) {
	go b.run(ctx)
}

// Stop flushes whatever remains and waits for the background loop to exit.
// Call after the loop's ctx has been cancelled.
func (b *Buffer) Stop() {
	<-b.doneCh
	b.flushNow()
}

// Accept implements store.Sink: it folds a committed transaction's deltas
// into the buffer and schedules a flush within defaultFlushWithin.
func (b *Buffer) Accept(deltas []store.Delta) {
	if len(deltas) == 0 {
		return
	}
	b.mu.Lock()
	for _, d := range deltas {
		b.foldLocked(d)
	}
	b.mu.Unlock()
	b.flushWithin(defaultFlushWithin)
}

// foldLocked applies spec.md §4.6's coalescing rule: each {type,
// modelClass, id} appears once per flush, and a later emission for the
// same id merges into the earlier one — missing keys preserved, present
// keys overwritten. Callers must hold b.mu.
func (b *Buffer) foldLocked(d store.Delta) {
	key := groupKey{Type: d.Type, ModelClass: d.ModelClass}
	group := b.pending[key]
	if group == nil {
		group = map[string]map[string]json.RawMessage{}
		b.pending[key] = group
	}

	var fields map[string]json.RawMessage
	if len(d.Payload) > 0 {
		fields = map[string]json.RawMessage{}
		if err := json.Unmarshal(d.Payload, &fields); err != nil {
			b.log.Warn().Err(err).Str("modelClass", d.ModelClass).Msg("deltastream: decode payload")
			fields = map[string]json.RawMessage{}
		}
	}

	if existing, ok := group[d.ID]; ok {
		for k, v := range fields {
			existing[k] = v
		}
		return
	}
	group[d.ID] = fields
	b.order[key] = append(b.order[key], d.ID)
}

// flushWithin guarantees a flush no later than d from now (spec.md §4.6).
// If a nearer deadline is already scheduled, this is a no-op; otherwise the
// background loop is woken — outside the buffer lock, per spec.md §5's
// lock order (buffer → notify outside buffer).
func (b *Buffer) flushWithin(d time.Duration) {
	candidate := time.Now().Add(d)

	b.scheduleMu.Lock()
	wake := !b.hasDeadline || candidate.Before(b.deadline)
	if wake {
		b.deadline = candidate
		b.hasDeadline = true
	}
	b.scheduleMu.Unlock()

	if wake {
		select {
		case b.wakeCh <- struct{}{}:
		default: // a wake is already pending; the loop will see the new deadline itself
		}
	}
}

func (b *Buffer) run(ctx context.Context) {
	defer close(b.doneCh)
	for {
		b.scheduleMu.Lock()
		hasDeadline := b.hasDeadline
		deadline := b.deadline
		b.scheduleMu.Unlock()

		wait := time.Hour // idle: nothing scheduled, just wait for a wake or shutdown
		if hasDeadline {
			if wait = time.Until(deadline); wait < 0 {
				wait = 0
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-b.wakeCh:
			timer.Stop()
			continue // deadline may have moved; recompute next iteration
		case <-timer.C:
		}

		b.scheduleMu.Lock()
		b.hasDeadline = false
		b.scheduleMu.Unlock()

		b.flushNow()
	}
}

// flushNow swaps out the pending buffer and writes one line per group.
func (b *Buffer) flushNow() {
	b.mu.Lock()
	pending := b.pending
	order := b.order
	b.pending = map[groupKey]map[string]map[string]json.RawMessage{}
	b.order = map[groupKey][]string{}
	b.mu.Unlock()

	for key, group := range pending {
		ids := order[key]
		items := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			fields := group[id]
			if len(fields) == 0 {
				fields = map[string]json.RawMessage{}
				if idJSON, err := json.Marshal(id); err == nil {
					fields["id"] = idJSON
				}
			}
			raw, err := json.Marshal(fields)
			if err != nil {
				b.log.Warn().Err(err).Str("id", id).Msg("deltastream: marshal flushed entity")
				continue
			}
			items = append(items, raw)
		}
		if len(items) == 0 {
			continue
		}

		msg := struct {
			Type        string            `json:"type"`
			ObjectClass string            `json:"objectClass"`
			ModelJSONs  []json.RawMessage `json:"modelJSONs"`
		}{Type: key.Type, ObjectClass: key.ModelClass, ModelJSONs: items}

		line, err := json.Marshal(msg)
		if err != nil {
			b.log.Error().Err(err).Msg("deltastream: marshal flush message")
			continue
		}
		if err := b.writer.WriteLine(line); err != nil {
			b.log.Error().Err(err).Msg("deltastream: write flush message")
		}
	}
}
