package imapsync

import (
	"time"

	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

// UnlinkMissing marks every local message in folder whose remote UID did not
// appear in the latest full-listing pass as unlinked under currentPhase, and
// permanently deletes any message that was already unlinked under the other
// phase (spec.md §4.1 two-phase deletion: "unlink with a phase tag; phase
// toggles each sync loop; truly-gone messages are deleted only once found
// unlinked under the other phase").
func UnlinkMissing(tx *store.Tx, folder *model.Folder, seenUIDs map[uint32]bool, currentPhase int, now time.Time) (unlinked, deleted int, err error) {
	known, err := tx.ListUIDsInFolderTx(folder.ID)
	if err != nil {
		return 0, 0, err
	}

	for _, uid := range known {
		if seenUIDs[uid] {
			continue
		}
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
	return unlinked, deleted, nil
}

// NextUnlinkPhase toggles between the two unlink phases each sync loop.
func NextUnlinkPhase(current int) int {
	if current == 1 {
		return 2
	}
	return 1
}
