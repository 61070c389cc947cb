package imapsync

import (
	"context"
	"fmt"
	"sort"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
	"github.com/hkdb/aerion/internal/syncerr"
)

// Chunking and scan-cadence constants (spec.md §4.1).
const (
	firstPassChunkSize   = 750
	laterPassChunkSize   = 5000
	heavyFetchSafetyCap  = 1024
	changedSinceModSeqCap = 4000
	changedSinceUIDWindow = 12000

	shallowScanInterval = 2 * time.Minute
	deepScanInterval    = 10 * time.Minute
	shallowScanUIDCount = 400
)

// ReconcileFolder runs one pass of spec.md §4.1's per-folder reconciliation
// algorithm: STATUS fetch, first-contact seeding, UIDVALIDITY mismatch
// recovery, chunked initial backfill, then either the CONDSTORE+QRESYNC fast
// path or the 3-tier polling fallback.
func ReconcileFolder(ctx context.Context, c *imap.Client, db *store.DB, accountID string, folder *model.Folder, now time.Time) error {
	status, err := c.GetMailboxStatus(ctx, folder.Path)
	if err != nil {
		return syncerr.Network(fmt.Errorf("status %s: %w", folder.Path, err))
	}

	ls := &folder.LocalStatus

	switch {
	case !ls.IsSeeded():
		ls.UIDValidity = status.UIDValidity
		ls.HighestModSeq = status.HighestModSeq
		ls.UIDNext = status.UIDNext
		ls.SyncedMinUID = status.UIDNext
		if err := saveFolderStatus(db, folder); err != nil {
			return err
		}

	case ls.UIDValidity != status.UIDValidity:
		if err := recoverFromUIDValidityReset(db, folder, now); err != nil {
			return err
		}
		ls.UIDValidity = status.UIDValidity
		ls.HighestModSeq = status.HighestModSeq
		ls.UIDNext = status.UIDNext
		ls.SyncedMinUID = status.UIDNext // backfill below re-fetches [1, uidnext)
		ls.UIDValidityResetCount++
		if err := saveFolderStatus(db, folder); err != nil {
			return err
		}
	}

	if err := runInitialBackfill(ctx, c, db, accountID, folder, status); err != nil {
		return err
	}

	if c.SupportsCondStore() && c.SupportsQResync() {
		if err := runCondStoreFastPath(ctx, c, db, accountID, folder, status, now); err != nil {
			return err
		}
	} else {
		if err := runPollingFallback(ctx, c, db, accountID, folder, status, now); err != nil {
			return err
		}
	}

	return nil
}

func saveFolderStatus(db *store.DB, folder *model.Folder) error {
	tx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.SaveFolder(folder); err != nil {
		return err
	}
	return tx.Commit()
}

// recoverFromUIDValidityReset unlinks every active local message in folder
// without emitting a delta — the messages are rematched by Message-ID hash
// during the subsequent full backfill, so nothing user-visible should appear
// to disappear (spec.md §4.1, scenario S1).
func recoverFromUIDValidityReset(db *store.DB, folder *model.Folder, now time.Time) error {
	tx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	phase := folder.LocalStatus.UnlinkPhase
	if phase == 0 {
		phase = 1
	}
	if _, err := tx.Exec(
		`UPDATE messages SET unlinked = 1, unlink_phase = ? WHERE remote_folder_id = ? AND unlinked = 0`,
		phase, folder.ID,
	); err != nil {
		return fmt.Errorf("unlink on uidvalidity reset: %w", err)
	}
	return tx.Commit()
}

// runInitialBackfill drives the chunked backfill loop: while syncedMinUID >
// 1, fetch the next lower chunk heavy, 750 UIDs on the first pass and 5000
// thereafter, or the whole folder if messageCount is smaller than the chunk.
func runInitialBackfill(ctx context.Context, c *imap.Client, db *store.DB, accountID string, folder *model.Folder, status *imap.Mailbox) error {
	ls := &folder.LocalStatus
	firstPass := true

	for ls.SyncedMinUID > 1 {
		chunkSize := uint32(firstPassChunkSize)
		if !firstPass {
			chunkSize = laterPassChunkSize
		}

		var rangeStart uint32
		if status.Messages < chunkSize {
			rangeStart = 1
		} else if ls.SyncedMinUID > chunkSize {
			rangeStart = ls.SyncedMinUID - chunkSize
		} else {
			rangeStart = 1
		}
		rangeEnd := ls.SyncedMinUID - 1
		if rangeEnd < rangeStart {
			break
		}

		set := goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(rangeStart), Stop: goimap.UID(rangeEnd)}}
		if err := fetchAndApplyHeavy(ctx, c, db, accountID, folder, set); err != nil {
			return err
		}

		tx, err := db.Begin(nil)
		if err != nil {
			return err
		}
		ls.SyncedMinUID = rangeStart
		if err := tx.SaveFolder(folder); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		firstPass = false
	}

	return nil
}

// runCondStoreFastPath issues one CHANGEDSINCE fetch bounded by the modseq
// threshold and UID window (spec.md §4.1 CONDSTORE+QRESYNC fast path).
func runCondStoreFastPath(ctx context.Context, c *imap.Client, db *store.DB, accountID string, folder *model.Folder, status *imap.Mailbox, now time.Time) error {
	ls := &folder.LocalStatus

	if _, err := c.SelectQResync(ctx, folder.Path, &imap.QResyncState{UIDValidity: ls.UIDValidity, ModSeq: ls.HighestModSeq}); err != nil {
		return syncerr.Network(fmt.Errorf("qresync select %s: %w", folder.Path, err))
	}

	changed, err := c.FetchChangedSince(ctx, ls.HighestModSeq)
	if err != nil {
		return syncerr.Network(fmt.Errorf("changedsince %s: %w", folder.Path, err))
	}

	if status.HighestModSeq > ls.HighestModSeq && status.HighestModSeq-ls.HighestModSeq > changedSinceModSeqCap {
		changed = boundToHighestUIDs(changed, changedSinceUIDWindow)
	}

	var toFetchHeavy []goimap.UID
	tx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	for _, r := range changed {
		if r.Vanished {
			continue
		}
		existing, err := tx.FindMessageByUID(folder.ID, uint32(r.UID))
		if err != nil {
			tx.Rollback()
			return err
		}
		if existing == nil {
			toFetchHeavy = append(toFetchHeavy, r.UID)
			continue
		}
		if existing.Locked() {
			continue
		}
		existing.Unread = !hasFlag(r.Flags, goimap.FlagSeen)
		existing.Starred = hasFlag(r.Flags, goimap.FlagFlagged)
		existing.Draft = hasFlag(r.Flags, goimap.FlagDraft)
		if err := tx.SaveMessage(existing); err != nil {
			tx.Rollback()
			return err
		}
	}

	var vanishedUIDs []uint32
	for _, r := range changed {
		if r.Vanished {
			vanishedUIDs = append(vanishedUIDs, uint32(r.UID))
		}
	}
	if _, _, err := unlinkAndDeleteSpecific(tx, folder, vanishedUIDs, now); err != nil {
		tx.Rollback()
		return err
	}

	ls.HighestModSeq = status.HighestModSeq
	ls.UIDNext = status.UIDNext
	if err := tx.SaveFolder(folder); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if len(toFetchHeavy) > 0 {
		set := uidSetOf(toFetchHeavy)
		return fetchAndApplyHeavy(ctx, c, db, accountID, folder, set)
	}
	return nil
}

// runPollingFallback drives the 3-tier scan for servers without CONDSTORE:
// always-fetch new arrivals, a shallow attributes-only scan every 2 minutes,
// and a deep attributes-only scan every 10 minutes.
func runPollingFallback(ctx context.Context, c *imap.Client, db *store.DB, accountID string, folder *model.Folder, status *imap.Mailbox, now time.Time) error {
	ls := &folder.LocalStatus

	if status.UIDNext > ls.UIDNext {
		set := goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(ls.UIDNext), Stop: goimap.UID(status.UIDNext - 1)}}
		if err := fetchAndApplyHeavy(ctx, c, db, accountID, folder, set); err != nil {
			return err
		}
		ls.UIDNext = status.UIDNext
		if err := saveFolderStatus(db, folder); err != nil {
			return err
		}
	}

	lastShallow := time.Unix(ls.LastShallow, 0)
	if ls.LastShallow == 0 || now.Sub(lastShallow) >= shallowScanInterval {
		if err := runShallowScan(ctx, c, db, folder); err != nil {
			return err
		}
		ls.LastShallow = now.Unix()
		if err := saveFolderStatus(db, folder); err != nil {
			return err
		}
	}

	lastDeep := time.Unix(ls.LastDeep, 0)
	if ls.LastDeep == 0 || now.Sub(lastDeep) >= deepScanInterval {
		if err := runDeepScan(ctx, c, db, folder, now); err != nil {
			return err
		}
		ls.LastDeep = now.Unix()
		if err := saveFolderStatus(db, folder); err != nil {
			return err
		}
	}

	return nil
}

// runShallowScan re-fetches the top ~400 recent UIDs attributes-only to
// catch flag changes quickly.
func runShallowScan(ctx context.Context, c *imap.Client, db *store.DB, folder *model.Folder) error {
	ls := &folder.LocalStatus
	start := uint32(1)
	if ls.UIDNext > shallowScanUIDCount {
		start = ls.UIDNext - shallowScanUIDCount
	}
	set := goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(start), Stop: goimap.UID(ls.UIDNext)}}

	fetched, err := c.FetchAttributesOnly(ctx, set)
	if err != nil {
		return syncerr.Network(fmt.Errorf("shallow scan %s: %w", folder.Path, err))
	}

	tx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ApplyAttributesOnly(tx, folder, fetched); err != nil {
		return err
	}
	return tx.Commit()
}

// runDeepScan re-fetches [syncedMinUID, ∞) attributes-only to catch
// deletions and any changes the shallow scan missed, and drives two-phase
// deletion for anything no longer present.
func runDeepScan(ctx context.Context, c *imap.Client, db *store.DB, folder *model.Folder, now time.Time) error {
	ls := &folder.LocalStatus
	set := goimap.UIDSet{goimap.UIDRange{Start: goimap.UID(ls.SyncedMinUID), Stop: 0}}

	fetched, err := c.FetchAttributesOnly(ctx, set)
	if err != nil {
		return syncerr.Network(fmt.Errorf("deep scan %s: %w", folder.Path, err))
	}

	seen := make(map[uint32]bool, len(fetched))
	for _, fm := range fetched {
		seen[uint32(fm.UID)] = true
	}

	tx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ApplyAttributesOnly(tx, folder, fetched); err != nil {
		return err
	}

	currentPhase := ls.UnlinkPhase
	if currentPhase == 0 {
		currentPhase = 1
	}
	if _, _, err := UnlinkMissing(tx, folder, seen, currentPhase, now); err != nil {
		return err
	}
	ls.UnlinkPhase = NextUnlinkPhase(currentPhase)

	if err := tx.SaveFolder(folder); err != nil {
		return err
	}
	return tx.Commit()
}

// fetchAndApplyHeavy issues a heavy fetch for set, applying the chunk-size
// safety cap: any request over 1024 UIDs is downgraded to attributes-only,
// with only the first 1024 UIDs still needing headers re-fetched heavy in a
// second targeted request; the remainder is left for the next cycle.
func fetchAndApplyHeavy(ctx context.Context, c *imap.Client, db *store.DB, accountID string, folder *model.Folder, set goimap.UIDSet) error {
	uids := expandUIDSet(set)
	if len(uids) > heavyFetchSafetyCap {
		attrSet := set
		shallow, err := c.FetchAttributesOnly(ctx, attrSet)
		if err != nil {
			return syncerr.Network(fmt.Errorf("capped attributes fetch %s: %w", folder.Path, err))
		}
		tx, err := db.Begin(nil)
		if err != nil {
			return err
		}
		if err := ApplyAttributesOnly(tx, folder, shallow); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		capped := uids[:heavyFetchSafetyCap]
		set = uidSetOf(capped)
	}

	fetched, err := c.FetchHeavy(ctx, set)
	if err != nil {
		return syncerr.Network(fmt.Errorf("heavy fetch %s: %w", folder.Path, err))
	}

	tx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := ApplyHeavyFetch(tx, accountID, folder, fetched, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// unlinkAndDeleteSpecific marks exactly the given UIDs (reported VANISHED by
// QRESYNC) unlinked under the current phase, then deletes anything already
// unlinked under the other phase.
func unlinkAndDeleteSpecific(tx *store.Tx, folder *model.Folder, vanishedUIDs []uint32, now time.Time) (unlinked, deleted int, err error) {
	currentPhase := folder.LocalStatus.UnlinkPhase
	if currentPhase == 0 {
		currentPhase = 1
	}
	for _, uid := range vanishedUIDs {
		m, err := tx.FindMessageByUID(folder.ID, uid)
		if err != nil {
			return unlinked, deleted, err
		}
		if m == nil || m.Locked() {
			continue
		}
		m.Unlinked = true
		m.UnlinkPhase = currentPhase
		m.SyncedAt = now
		if err := tx.SaveMessage(m); err != nil {
			return unlinked, deleted, err
		}
		unlinked++
	}

	gone, err := tx.ListUnlinkedInOtherPhaseTx(folder.ID, currentPhase)
	if err != nil {
		return unlinked, deleted, err
	}
	for _, m := range gone {
		if err := tx.DeleteMessage(m.ID); err != nil {
			return unlinked, deleted, err
		}
		deleted++
	}
	folder.LocalStatus.UnlinkPhase = NextUnlinkPhase(currentPhase)
	return unlinked, deleted, nil
}

func boundToHighestUIDs(changed []imap.ChangedSinceResult, window int) []imap.ChangedSinceResult {
	if len(changed) <= window {
		return changed
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].UID > changed[j].UID })
	return changed[:window]
}

func expandUIDSet(set goimap.UIDSet) []goimap.UID {
	var out []goimap.UID
	for _, r := range set {
		if r.Stop == 0 {
			continue // unbounded range, caller must not cap-check this shape
		}
		for u := r.Start; u <= r.Stop; u++ {
			out = append(out, u)
		}
	}
	return out
}

func uidSetOf(uids []goimap.UID) goimap.UIDSet {
	set := make(goimap.UIDSet, 0, len(uids))
	for _, u := range uids {
		set = append(set, goimap.UIDRange{Start: u, Stop: u})
	}
	return set
}
