// Package metadataexpiry runs the per-account background worker that
// retires Metadata records once their expiration passes (spec.md §4.5):
// sleep until the nearest deadline, wake, settle briefly, then clear and
// emit an expiration delta for everything that's now due.
//
// Grounded structurally on internal/carddav/scheduler.go's Start/Stop/run
// lifecycle (context+WaitGroup, running/runningMu guard), replacing its
// fixed-interval ticker with a deadline-driven wake since spec.md requires
// waking as soon as a nearer expiration is learned, not waiting out a fixed
// tick.
package metadataexpiry

import (
	"context"
	"sync"
	"time"

	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/store"
	"github.com/rs/zerolog"
)

// settleDelay is the pause after waking before clearing expired records
// (spec.md §4.5), giving a near-simultaneous metadata update a moment to
// land before the worker acts on a stale deadline.
const settleDelay = 1 * time.Second

// Worker retires one account's expired metadata on a deadline-driven loop.
type Worker struct {
	db        *store.DB
	accountID string
	log       zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex

	wakeCh chan struct{}
}

// New builds a Worker for one account.
func New(db *store.DB, accountID string) *Worker {
	return &Worker{
		db:        db,
		accountID: accountID,
		log:       logging.WithComponent("metadataexpiry"),
		wakeCh:    make(chan struct{}, 1),
	}
}

// Start begins the background loop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.running = true
	w.wg.Add(1)
	go w.run()
}

// Stop halts the loop and waits for it to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Wake nudges the worker to recompute its sleep deadline immediately — call
// this whenever metadata with a new expiration is saved, in case it's
// nearer than whatever deadline the worker is currently sleeping toward.
func (w *Worker) Wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default: // already pending
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		deadline, ok, err := w.db.NextExpirationDeadline(w.accountID)
		if err != nil {
			w.log.Error().Err(err).Msg("metadata expiry: compute deadline")
			if !w.sleep(30 * time.Second) {
				return
			}
			continue
		}

		var wait time.Duration
		if !ok {
			wait = 24 * time.Hour // nothing pending; re-poll periodically in case Wake is missed
		} else {
			wait = time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
		}

		if !w.sleep(wait) {
			return
		}

		if ok && !time.Now().Before(deadline) {
			select {
			case <-time.After(settleDelay):
			case <-w.ctx.Done():
				return
			}
			if err := w.expireDue(); err != nil {
				w.log.Error().Err(err).Msg("metadata expiry: expire due records")
			}
		}
	}
}

// sleep waits for the deadline, an explicit Wake, or cancellation, and
// reports whether the worker should continue (false means ctx was
// cancelled).
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-w.wakeCh:
		return true
	}
}

// expireDue clears every metadata record past its expiration and emits a
// metadata-expiration delta for each (spec.md §4.5/§4.6).
func (w *Worker) expireDue() error {
	now := time.Now().UTC()
	due, err := w.db.ListExpiringMetadata(w.accountID, now)
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	tx, err := w.db.Begin(nil)
	if err != nil {
		return err
	}
	for _, m := range due {
		if err := tx.ClearExpiredMetadata(m.AccountID, m.PluginID, m.ObjectType, m.ObjectID); err != nil {
			tx.Rollback()
			return err
		}
		tx.Emit(store.Delta{Type: "metadata-expiration", ModelClass: "Metadata", ID: m.ObjectID})
	}
	return tx.Commit()
}
