package imapsync

import (
	"context"
	"time"

	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
	"github.com/rs/zerolog"
)

// backgroundSyncInterval is the default worker sleep between full sweeps
// (spec.md §5: "Workers also sleep on condition variables between cycles
// (default 120 s)").
const backgroundSyncInterval = 120 * time.Second

// cleanupInterval is the cadence of the body-cache cleanup pass (spec.md
// §4.1: "On a cleanup pass (hourly)...").
const cleanupInterval = time.Hour

// BackgroundSyncWorker owns the full-sweep half of spec.md §2's Background
// Sync worker: folder-list sweep, per-folder reconciliation in role
// priority order, and periodic body-cache maintenance.
type BackgroundSyncWorker struct {
	pool      *imap.Pool
	db        *store.DB
	accountID string
	log       zerolog.Logger

	lastCleanup time.Time
	wake        chan struct{}
}

// NewBackgroundSyncWorker constructs the worker for one account's IMAP pool
// connection and local store.
func NewBackgroundSyncWorker(pool *imap.Pool, db *store.DB, accountID string) *BackgroundSyncWorker {
	return &BackgroundSyncWorker{
		pool:      pool,
		db:        db,
		accountID: accountID,
		log:       logging.WithComponent("background-sync").With().Str("account", accountID).Logger(),
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the worker to run a cycle immediately instead of waiting out
// the rest of its sleep interval (spec.md §5: "wake-workers").
func (w *BackgroundSyncWorker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drives the worker's sleep/sync loop until ctx is cancelled.
func (w *BackgroundSyncWorker) Run(ctx context.Context) {
	for {
		if err := w.runCycle(ctx); err != nil {
			w.log.Warn().Err(err).Msg("background sync cycle failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case <-time.After(backgroundSyncInterval):
		}
	}
}

func (w *BackgroundSyncWorker) runCycle(ctx context.Context) error {
	conn, err := w.pool.GetConnection(ctx, w.accountID)
	if err != nil {
		return err
	}
	defer w.pool.Release(conn)
	c := conn.Client()

	folders, err := SweepFolders(ctx, c, w.db, w.accountID)
	if err != nil {
		return err
	}

	now := time.Now()
	runCleanup := now.Sub(w.lastCleanup) >= cleanupInterval

	for _, f := range folders {
		if err := ReconcileFolder(ctx, c, w.db, w.accountID, f, now); err != nil {
			w.log.Warn().Err(err).Str("folder", f.Path).Msg("reconcile failed, continuing with next folder")
			continue
		}

		if _, err := FetchBodies(ctx, c, w.db, w.accountID, f, now); err != nil {
			w.log.Warn().Err(err).Str("folder", f.Path).Msg("body fetch failed")
		}

		if runCleanup {
			tx, err := w.db.Begin(nil)
			if err != nil {
				return err
			}
			if err := CleanupBodies(tx, w.db, w.accountID, f, now); err != nil {
				tx.Rollback()
				w.log.Warn().Err(err).Str("folder", f.Path).Msg("body cleanup failed")
				continue
			}
			if err := tx.Commit(); err != nil {
				return err
			}
		}

		// Yield to other store users between folders, mirroring spec.md §5's
		// "Heavy IMAP sync operations inside a sync loop yield ... to avoid
		// starving readers waiting for the store".
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	if runCleanup {
		w.lastCleanup = now
	}

	return nil
}

// ForegroundIDLEWorker owns spec.md §2's Foreground IDLE worker: holds an
// IMAP IDLE on the account's primary (inbox-role) folder and reconciles it
// immediately whenever the server pushes an unsolicited EXISTS/EXPUNGE.
// Remote-phase task draining is wired in by the caller via DrainRemoteTasks;
// on-demand body fetches belong to NeedBodiesWorker, not this worker, which
// only owns the IDLE-triggered reconcile loop.
type ForegroundIDLEWorker struct {
	pool        *imap.Pool
	idleManager *imap.IdleManager
	db          *store.DB
	accountID   string
	accountName string
	log         zerolog.Logger

	// DrainRemoteTasks, when set, is invoked once per IDLE-triggered wake to
	// run the foreground worker's other responsibility: draining the task
	// queue's remote phase (spec.md §4.3 performRemote).
	DrainRemoteTasks func(ctx context.Context) error
}

// NewForegroundIDLEWorker constructs the worker and starts IDLE on the
// account's inbox.
func NewForegroundIDLEWorker(pool *imap.Pool, idleManager *imap.IdleManager, db *store.DB, accountID, accountName string) *ForegroundIDLEWorker {
	return &ForegroundIDLEWorker{
		pool:        pool,
		idleManager: idleManager,
		db:          db,
		accountID:   accountID,
		accountName: accountName,
		log:         logging.WithComponent("foreground-idle").With().Str("account", accountID).Logger(),
	}
}

// Run subscribes to the IDLE manager's shared event channel and reconciles
// the primary folder whenever this account reports new mail or an expunge.
// Interrupting IDLE on a wake-workers signal is the IdleManager's own
// responsibility (RestartAccount); this loop only reacts to its events.
func (w *ForegroundIDLEWorker) Run(ctx context.Context) {
	w.idleManager.StartAccount(w.accountID, w.accountName)

	for {
		select {
		case <-ctx.Done():
			w.idleManager.StopAccount(w.accountID)
			return
		case ev, ok := <-w.idleManager.Events():
			if !ok {
				return
			}
			if ev.AccountID != w.accountID {
				continue
			}
			w.handleEvent(ctx, ev)
		}
	}
}

func (w *ForegroundIDLEWorker) handleEvent(ctx context.Context, ev imap.MailEvent) {
	folder, err := w.primaryFolder()
	if err != nil {
		w.log.Warn().Err(err).Msg("could not load primary folder for IDLE reconcile")
		return
	}
	if folder == nil {
		return
	}

	conn, err := w.pool.GetConnection(ctx, w.accountID)
	if err != nil {
		w.log.Warn().Err(err).Msg("could not get pool connection for IDLE reconcile")
		return
	}
	defer w.pool.Release(conn)

	if err := ReconcileFolder(ctx, conn.Client(), w.db, w.accountID, folder, time.Now()); err != nil {
		w.log.Warn().Err(err).Str("folder", folder.Path).Msg("IDLE-triggered reconcile failed")
	}

	if w.DrainRemoteTasks != nil {
		if err := w.DrainRemoteTasks(ctx); err != nil {
			w.log.Warn().Err(err).Msg("remote task drain failed")
		}
	}
}

func (w *ForegroundIDLEWorker) primaryFolder() (*model.Folder, error) {
	folders, err := w.db.ListFolders(w.accountID)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if f.Role == model.RoleInbox {
			return f, nil
		}
	}
	return nil, nil
}
