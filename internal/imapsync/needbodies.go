package imapsync

import (
	"context"
	"time"

	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/store"
	"github.com/rs/zerolog"
)

// BodySource is the minimal shape dispatcher.BodyQueue provides — declared
// here rather than imported to keep imapsync free of a dependency on the
// dispatcher package.
type BodySource interface {
	Pop() (string, bool)
	Wait() <-chan struct{}
}

// NeedBodiesWorker services `need-bodies` requests (spec.md §6) by draining
// source LIFO and fetching each message's body immediately, ahead of the
// background batch fetch.
type NeedBodiesWorker struct {
	pool      *imap.Pool
	db        *store.DB
	accountID string
	source    BodySource
	log       zerolog.Logger
}

// NewNeedBodiesWorker builds the worker for one account.
func NewNeedBodiesWorker(pool *imap.Pool, db *store.DB, accountID string, source BodySource) *NeedBodiesWorker {
	return &NeedBodiesWorker{
		pool:      pool,
		db:        db,
		accountID: accountID,
		source:    source,
		log:       logging.WithComponent("need-bodies").With().Str("account", accountID).Logger(),
	}
}

// Run drains the queue until ctx is cancelled.
func (w *NeedBodiesWorker) Run(ctx context.Context) {
	for {
		id, ok := w.source.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-w.source.Wait():
			}
			continue
		}

		conn, err := w.pool.GetConnection(ctx, w.accountID)
		if err != nil {
			w.log.Warn().Err(err).Msg("need-bodies: acquire connection")
			continue
		}
		if err := FetchBodyForMessage(ctx, conn.Client(), w.db, w.accountID, id, time.Now()); err != nil {
			w.log.Warn().Err(err).Str("messageId", id).Msg("need-bodies: fetch failed")
		}
		w.pool.Release(conn)
	}
}
