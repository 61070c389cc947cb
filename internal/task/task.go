// Package task implements the syncback engine (spec.md §4.3): a task record
// applies locally inside a transaction, then a foreground worker drains it
// against the remote server, releasing the optimistic lock it took.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/smtp"
	"github.com/hkdb/aerion/internal/store"
	"github.com/hkdb/aerion/internal/syncerr"
	"github.com/rs/zerolog"
)

// IdentityClient is the minimal surface SyncbackMetadata needs from the
// identity service (spec.md §4.4's POST side); a concrete HTTP
// implementation is wired in by cmd/mailsync.
type IdentityClient interface {
	PostMetadata(ctx context.Context, accountID, objectType, objectID, pluginID string, attrs json.RawMessage) error
}

// CredentialSource resolves the live IMAP/SMTP credentials for an account,
// mirroring the signature internal/imap.Pool already takes.
type CredentialSource func(accountID string) (*imap.ClientConfig, *smtp.Config, error)

// Engine owns one account's task queue: apply locally, drain remotely.
type Engine struct {
	db        *store.DB
	pool      *imap.Pool
	accountID string
	creds     CredentialSource
	identity  IdentityClient
	log       zerolog.Logger

	wake chan struct{}
}

// NewEngine builds a task Engine for one account.
func NewEngine(db *store.DB, pool *imap.Pool, accountID string, creds CredentialSource, identity IdentityClient) *Engine {
	return &Engine{
		db:        db,
		pool:      pool,
		accountID: accountID,
		creds:     creds,
		identity:  identity,
		log:       logging.WithComponent("task"),
		wake:      make(chan struct{}, 1),
	}
}

// Wake nudges the remote-drain loop without waiting for its poll interval.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// PurgeStuckLocalTasks recovers from a prior crash: any task still in
// status=local had its local side effects committed but was interrupted
// before it could be handed to the remote worker (spec.md §4.3: "Before
// starting, purge any tasks still in status = local from a prior process
// crash"). It's reclassified straight to remote so the side effects it
// already wrote aren't silently lost.
func (e *Engine) PurgeStuckLocalTasks() error {
	stuck, err := e.db.ListTasksByStatus(model.TaskStatusLocal)
	if err != nil {
		return fmt.Errorf("list stuck local tasks: %w", err)
	}
	for _, t := range stuck {
		t.Status = model.TaskStatusRemote
		tx, err := e.db.Begin(nil)
		if err != nil {
			return err
		}
		if err := tx.SaveTask(t); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		e.log.Warn().Str("taskId", t.ID).Str("constructor", string(t.ConstructorName)).
			Msg("recovered task stuck in status=local from a prior crash")
	}
	return nil
}

// Enqueue constructs a Task, runs performLocal inside one transaction, and
// leaves it in status=remote for the drain loop to pick up — unless
// performLocal fails, in which case it's immediately terminal with the
// error attached (spec.md §4.3).
func (e *Engine) Enqueue(constructor model.ConstructorName, payload any) (*model.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	now := time.Now()
	t := &model.Task{
		Base:            model.Base{ID: newTaskID(), AccountID: e.accountID},
		ConstructorName: constructor,
		Payload:         raw,
		Status:          model.TaskStatusLocal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	tx, err := e.db.Begin(nil)
	if err != nil {
		return nil, err
	}

	if err := performLocal(tx, e.db, t, now); err != nil {
		t.Status = model.TaskStatusComplete
		t.Error = classifyTaskError(err)
		if saveErr := tx.SaveTask(t); saveErr != nil {
			tx.Rollback()
			return nil, saveErr
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return t, nil
	}

	t.Status = model.TaskStatusRemote
	if err := tx.SaveTask(t); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e.Wake()
	return t, nil
}

// Cancel sets should_cancel; the remote worker checks it at dispatch and
// transitions the task to cancelled without side effects (spec.md §4.3).
func (e *Engine) Cancel(taskID string) error {
	t, err := e.db.GetTask(taskID)
	if err != nil || t == nil {
		return err
	}
	t.ShouldCancel = true
	tx, err := e.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveTask(t); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// defaultDrainInterval is the fallback poll period when nothing wakes the
// drain loop early — task completion should normally be wake-driven.
const defaultDrainInterval = 10 * time.Second

// Run drains status=remote tasks against the network until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	for {
		if err := e.drainOnce(ctx); err != nil {
			e.log.Error().Err(err).Msg("task drain pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-time.After(defaultDrainInterval):
		}
	}
}

func (e *Engine) drainOnce(ctx context.Context) error {
	tasks, err := e.db.ListTasksByStatus(model.TaskStatusRemote)
	if err != nil {
		return fmt.Errorf("list remote-pending tasks: %w", err)
	}

	for _, t := range tasks {
		if ctx.Err() != nil {
			return nil
		}
		if t.ShouldCancel {
			e.finishCancelled(t)
			continue
		}
		e.runRemote(ctx, t)
	}
	return nil
}

func (e *Engine) finishCancelled(t *model.Task) {
	t.Status = model.TaskStatusCancelled
	tx, err := e.db.Begin(nil)
	if err != nil {
		e.log.Error().Err(err).Str("taskId", t.ID).Msg("cancel task: begin tx")
		return
	}
	if err := tx.SaveTask(t); err != nil {
		tx.Rollback()
		e.log.Error().Err(err).Str("taskId", t.ID).Msg("cancel task: save")
		return
	}
	if err := tx.Commit(); err != nil {
		e.log.Error().Err(err).Str("taskId", t.ID).Msg("cancel task: commit")
	}
}

func (e *Engine) runRemote(ctx context.Context, t *model.Task) {
	conn, err := e.pool.GetConnection(ctx, e.accountID)
	if err != nil {
		e.log.Warn().Err(err).Str("taskId", t.ID).Msg("task remote: acquire connection")
		return // retried on the next drain pass
	}
	defer e.pool.Release(conn)

	rt := &remoteTools{
		client:   conn.Client(),
		db:       e.db,
		identity: e.identity,
		creds:    e.creds,
		log:      e.log,
	}

	now := time.Now()
	err = performRemote(ctx, rt, t, now)

	tx, beginErr := e.db.Begin(nil)
	if beginErr != nil {
		e.log.Error().Err(beginErr).Str("taskId", t.ID).Msg("task remote: begin finalize tx")
		return
	}

	if err != nil {
		t.Status = model.TaskStatusComplete
		t.Error = classifyTaskError(err)
		e.log.Warn().Err(err).Str("taskId", t.ID).Str("constructor", string(t.ConstructorName)).
			Msg("task remote effect failed")
	} else {
		t.Status = model.TaskStatusComplete
	}

	if saveErr := tx.SaveTask(t); saveErr != nil {
		tx.Rollback()
		e.log.Error().Err(saveErr).Str("taskId", t.ID).Msg("task remote: save")
		return
	}
	if commitErr := tx.Commit(); commitErr != nil {
		e.log.Error().Err(commitErr).Str("taskId", t.ID).Msg("task remote: commit")
	}
}

func classifyTaskError(err error) *model.TaskError {
	return &model.TaskError{
		Kind:      string(syncerr.KindOf(err)),
		Message:   err.Error(),
		Retryable: syncerr.IsRetryable(err),
	}
}

// newTaskID mints a task id. Unlike Message/Event/Contact ids, a Task has no
// natural stable identity to hash from — it's a one-shot command — so a
// random id is appropriate here where it isn't for those entities.
func newTaskID() string {
	return uuid.New().String()
}
