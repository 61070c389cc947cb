package imapsync

import (
	"sort"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

// attributesOf extracts the comparable MessageAttributes from a fetched
// message (spec.md §4.1 "Attribute diff and upsert").
func attributesOf(fm imap.FetchedMessage) model.Attributes {
	labels := append([]string(nil), fm.XGMLabels...)
	sort.Strings(labels)
	return model.Attributes{
		UID:     uint32(fm.UID),
		Unread:  !hasFlag(fm.Flags, goimap.FlagSeen),
		Starred: hasFlag(fm.Flags, goimap.FlagFlagged),
		Draft:   hasFlag(fm.Flags, goimap.FlagDraft),
		Labels:  labels,
	}
}

func hasFlag(flags []goimap.Flag, want goimap.Flag) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

// ApplyHeavyFetch upserts each heavily-fetched message: insert if new,
// update if attributes changed, or rewrite remoteFolderId if the same
// logical message already exists elsewhere (a move) — all while respecting
// the syncUnsavedChanges lock (spec.md §4.1 "Insert may discover... a move.
// Respect the syncUnsavedChanges lock").
func ApplyHeavyFetch(tx *store.Tx, accountID string, folder *model.Folder, fetched []imap.FetchedMessage, now time.Time) error {
	for _, fm := range fetched {
		m, err := buildMessage(accountID, folder, fm, now)
		if err != nil {
			return err
		}

		existingByFolder, err := tx.FindMessageByUID(folder.ID, uint32(fm.UID))
		if err != nil {
			return err
		}
		existingByID, err := tx.FindMessageByID(m.ID)
		if err != nil {
			return err
		}

		switch {
		case existingByFolder != nil:
			if existingByFolder.Locked() {
				continue
			}
			m.Version = existingByFolder.Version
			m.ThreadID = existingByFolder.ThreadID
			if err := tx.SaveMessage(m); err != nil {
				return err
			}
		case existingByID != nil:
			// Same logical message now found in a different folder: a move.
			if existingByID.Locked() {
				continue
			}
			existingByID.RemoteFolderID = folder.ID
			existingByID.ClientFolderID = folder.ID
			existingByID.RemoteUID = uint32(fm.UID)
			existingByID.Unlinked = false
			existingByID.Unread = m.Unread
			existingByID.Starred = m.Starred
			existingByID.RemoteXGMLabels = m.RemoteXGMLabels
			if err := tx.SaveMessage(existingByID); err != nil {
				return err
			}
		default:
			if err := tx.SaveMessage(m); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyAttributesOnly updates only flags/labels for already-known messages,
// the shallow/deep scan path (spec.md §4.1).
func ApplyAttributesOnly(tx *store.Tx, folder *model.Folder, fetched []imap.FetchedMessage) error {
	for _, fm := range fetched {
		existing, err := tx.FindMessageByUID(folder.ID, uint32(fm.UID))
		if err != nil {
			return err
		}
		if existing == nil || existing.Locked() {
			continue
		}
		a := attributesOf(fm)
		current := model.Attributes{
			UID: existing.RemoteUID, Unread: existing.Unread,
			Starred: existing.Starred, Draft: existing.Draft, Labels: sortedCopy(existing.RemoteXGMLabels),
		}
		if current.Equal(a) {
			continue
		}
		existing.Unread = a.Unread
		existing.Starred = a.Starred
		existing.Draft = a.Draft
		existing.RemoteXGMLabels = a.Labels
		if err := tx.SaveMessage(existing); err != nil {
			return err
		}
	}
	return nil
}

func buildMessage(accountID string, folder *model.Folder, fm imap.FetchedMessage, now time.Time) (*model.Message, error) {
	m := &model.Message{Base: model.Base{AccountID: accountID}}
	m.HeaderMessageID = fm.HeaderMessageID
	m.Subject = fm.Subject
	if fm.Date != "" {
		if t, err := time.Parse(time.RFC3339, fm.Date); err == nil {
			m.Date = t
		}
	}
	m.From = toModelContacts(fm.From)
	m.To = toModelContacts(fm.To)
	m.Cc = toModelContacts(fm.Cc)
	m.Bcc = toModelContacts(fm.Bcc)
	m.ReplyTo = toModelContacts(fm.ReplyTo)
	m.GMsgID = fm.GMsgID
	a := attributesOf(fm)
	m.Unread = a.Unread
	m.Starred = a.Starred
	m.Draft = a.Draft
	m.RemoteXGMLabels = a.Labels
	m.RemoteUID = uint32(fm.UID)
	m.RemoteFolderID = folder.ID
	m.ClientFolderID = folder.ID
	m.SyncedAt = now
	m.ComputeID(folder.Path)
	return m, nil
}

func toModelContacts(addrs []imap.Address) []model.Contact {
	out := make([]model.Contact, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Contact{Name: a.Name, Email: a.Email})
	}
	return out
}

func sortedCopy(s []string) []string {
	out := append([]string(nil), s...)
	sort.Strings(out)
	return out
}
