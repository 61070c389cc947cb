package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

// performLocal applies a task's immediate, UI-visible local effect inside
// tx (spec.md §4.3): "update local store to reflect the intended outcome
// immediately so the UI feels responsive." Every mutated Message gets an
// optimistic lock so a concurrent remote-sync pass doesn't clobber it
// before performRemote releases the lock.
func performLocal(tx *store.Tx, db *store.DB, t *model.Task, now time.Time) error {
	switch t.ConstructorName {
	case model.TaskChangeUnread:
		var p ChangeUnreadPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return applyFlagChange(tx, p.MessageIDs, now, func(m *model.Message) { m.Unread = p.Unread })

	case model.TaskChangeStarred:
		var p ChangeStarredPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return applyFlagChange(tx, p.MessageIDs, now, func(m *model.Message) { m.Starred = p.Starred })

	case model.TaskChangeFolder:
		var p ChangeFolderPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return applyFlagChange(tx, p.MessageIDs, now, func(m *model.Message) { m.ClientFolderID = p.DestFolderID })

	case model.TaskChangeLabels:
		var p ChangeLabelsPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return applyFlagChange(tx, p.MessageIDs, now, func(m *model.Message) {
			m.RemoteXGMLabels = applyLabelDiff(m.RemoteXGMLabels, p.LabelsToAdd, p.LabelsToRemove)
		})

	case model.TaskSyncbackDraft:
		var p SyncbackDraftPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		m, err := tx.FindMessageByID(p.MessageID)
		if err != nil || m == nil {
			return err
		}
		m.Draft = true
		m.ApplyOptimisticLock(now)
		if err := tx.SaveMessage(m); err != nil {
			return err
		}
		return tx.SaveBody(m.ID, p.BodyText, p.BodyHTML, now)

	case model.TaskDestroyDraft:
		var p DestroyDraftPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		m, err := tx.FindMessageByID(p.MessageID)
		if err != nil || m == nil {
			return err
		}
		m.ClientFolderID = p.TrashID
		m.ApplyOptimisticLock(now)
		return tx.SaveMessage(m)

	case model.TaskSendDraft:
		var p SendDraftPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		m, err := tx.FindMessageByID(p.MessageID)
		if err != nil || m == nil {
			return err
		}
		// "Mark non-re-runnable" (spec.md §4.3): lock it so nothing else
		// touches it until SendDraft's remote effect finishes or fails.
		m.ApplyOptimisticLock(now)
		return tx.SaveMessage(m)

	case model.TaskSyncbackCategory, model.TaskDestroyCategory:
		return nil // folder create/rename/delete has no local-only effect

	case model.TaskExpungeAllInFolder:
		return nil // batched local delete happens as part of the remote effect

	case model.TaskSyncbackMetadata:
		var p SyncbackMetadataPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		applied, err := tx.UpsertMetadata(&model.Metadata{
			AccountID:  t.AccountID,
			PluginID:   p.PluginID,
			ObjectType: p.ObjectType,
			ObjectID:   p.ObjectID,
			Version:    1,
			Attributes: p.Attributes,
		})
		if err != nil {
			return err
		}
		_ = applied
		return nil

	case model.TaskChangeRoleMapping:
		var p ChangeRoleMappingPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return swapRoleMapping(tx, t.AccountID, model.Role(p.Role), p.NewFolderID)

	case model.TaskGetMessageRFC2822:
		return nil // pure remote read, nothing to do locally

	default:
		return fmt.Errorf("performLocal: unknown constructor %q", t.ConstructorName)
	}
}

// applyFlagChange loads each message by id, applies mutate, takes the
// optimistic lock, saves it, then recomputes every distinct thread it
// belongs to from scratch (spec.md §3 invariant: thread counters equal the
// sum of message contributions).
func applyFlagChange(tx *store.Tx, messageIDs []string, now time.Time, mutate func(*model.Message)) error {
	threadIDs := map[string]struct{}{}

	for _, id := range messageIDs {
		m, err := tx.FindMessageByID(id)
		if err != nil {
			return err
		}
		if m == nil {
			continue
		}
		mutate(m)
		m.ApplyOptimisticLock(now)
		if err := tx.SaveMessage(m); err != nil {
			return err
		}
		if m.ThreadID != "" {
			threadIDs[m.ThreadID] = struct{}{}
		}
	}

	for threadID := range threadIDs {
		if err := recomputeThread(tx, threadID); err != nil {
			return err
		}
	}
	return nil
}

func recomputeThread(tx *store.Tx, threadID string) error {
	n, err := tx.CountMessagesInThreadTx(threadID)
	if err != nil {
		return err
	}
	if n == 0 {
		return tx.DeleteThread(threadID)
	}

	th, err := tx.GetThreadTx(threadID)
	if err != nil || th == nil {
		return err
	}
	contribs, err := tx.ThreadMessageContributionsTx(threadID)
	if err != nil {
		return err
	}
	th.Recompute(contribs)
	return tx.SaveThread(th)
}

// applyLabelDiff returns current with toAdd unioned in and toRemove
// subtracted, de-duplicated, order-insensitive.
func applyLabelDiff(current, toAdd, toRemove []string) []string {
	set := map[string]struct{}{}
	for _, l := range current {
		set[l] = struct{}{}
	}
	for _, l := range toAdd {
		set[l] = struct{}{}
	}
	for _, l := range toRemove {
		delete(set, l)
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	return out
}

// swapRoleMapping gives newFolderID the role and strips it from whichever
// Folder held it before (spec.md §3 invariant #2: "Exactly one Folder per
// account may hold any given non-empty role").
func swapRoleMapping(tx *store.Tx, accountID string, role model.Role, newFolderID string) error {
	folders, err := tx.ListFoldersTx(accountID)
	if err != nil {
		return err
	}
	for _, f := range folders {
		if f.Role == role && f.ID != newFolderID {
			f.Role = model.RoleNone
			if err := tx.SaveFolder(f); err != nil {
				return err
			}
		}
	}
	target, err := tx.GetFolderTx(newFolderID)
	if err != nil || target == nil {
		return err
	}
	target.Role = role
	return tx.SaveFolder(target)
}
