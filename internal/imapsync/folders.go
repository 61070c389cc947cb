// Package imapsync implements IMAP folder-state reconciliation (spec.md
// §4.1): the folder-list sweep, per-folder CONDSTORE/QRESYNC fast path and
// 3-tier polling fallback, attribute diffing, two-phase deletion, and body
// fetch policy. Grounded on the teacher's internal/imap client/pool/idle
// machinery for the wire layer and internal/database's transactional store
// idiom for persistence, generalized here to the sync algorithm's semantics.
package imapsync

import (
	"context"
	"fmt"
	"sort"
	"strings"

	goimap "github.com/emersion/go-imap/v2"
	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

// SweepFolders fetches the full mailbox list, splits Folders from Gmail-style
// Labels, reconciles them against the local store by id, assigns roles in
// two passes, ensures the Mailspring container folder exists, and returns
// the account's Folders sorted by role priority (spec.md §4.1 folder-list
// sweep).
func SweepFolders(ctx context.Context, c *imap.Client, db *store.DB, accountID string) ([]*model.Folder, error) {
	mailboxes, err := c.ListMailboxes()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}

	isGmail := looksLikeGmail(mailboxes)

	seenFolderIDs := make(map[string]bool)
	seenLabelIDs := make(map[string]bool)

	tx, err := db.Begin(nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var folders []*model.Folder
	for _, mb := range mailboxes {
		if hasNoSelect(mb.Attributes) {
			continue
		}

		if isGmail && !isGmailContainerFolder(mb) {
			l := &model.Label{Base: model.Base{ID: model.FolderIdentity(accountID, mb.Name), AccountID: accountID}, Path: mb.Name}
			l.Role = roleFromAttrsOrPath(mb)
			seenLabelIDs[l.ID] = true
			if err := tx.SaveLabel(l); err != nil {
				return nil, err
			}
			continue
		}

		f := &model.Folder{Base: model.Base{ID: model.FolderIdentity(accountID, mb.Name), AccountID: accountID}, Path: mb.Name}
		f.Role = roleFromAttrsOrPath(mb)
		seenFolderIDs[f.ID] = true
		folders = append(folders, f)
	}

	existing, err := db.ListFolders(accountID)
	if err != nil {
		return nil, err
	}
	for _, ef := range existing {
		if !seenFolderIDs[ef.ID] {
			if err := tx.DeleteFolder(ef.ID); err != nil {
				return nil, err
			}
		}
	}
	existingLabels, err := db.ListLabels(accountID)
	if err != nil {
		return nil, err
	}
	for _, el := range existingLabels {
		if !seenLabelIDs[el.ID] {
			if err := tx.DeleteLabel(el.ID); err != nil {
				return nil, err
			}
		}
	}

	assignRoles(folders)

	folders, err = ensureSnoozedFolder(ctx, c, folders, accountID)
	if err != nil {
		return nil, err
	}

	for _, f := range folders {
		prior, err := db.GetFolder(f.ID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			f.LocalStatus = prior.LocalStatus
			f.Version = prior.Version
		}
		if err := tx.SaveFolder(f); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sortByRolePriority(folders)
	return folders, nil
}

func looksLikeGmail(mailboxes []*imap.Mailbox) bool {
	for _, mb := range mailboxes {
		for _, a := range mb.Attributes {
			if goimap.MailboxAttr(a) == goimap.MailboxAttrAll {
				return true
			}
		}
	}
	return false
}

func isGmailContainerFolder(mb *imap.Mailbox) bool {
	switch mb.Type {
	case imap.FolderTypeAll, imap.FolderTypeTrash, imap.FolderTypeSpam, imap.FolderTypeInbox:
		return true
	}
	return false
}

func hasNoSelect(attrs []string) bool {
	for _, a := range attrs {
		if goimap.MailboxAttr(a) == goimap.MailboxAttrNoSelect {
			return true
		}
	}
	return false
}

// roleFromAttrsOrPath is pass one of role assignment: server SPECIAL-USE
// flags take priority over path matching (spec.md §4.1 "first by server
// flags ... then by lowercased path").
func roleFromAttrsOrPath(mb *imap.Mailbox) model.Role {
	switch mb.Type {
	case imap.FolderTypeInbox:
		return model.RoleInbox
	case imap.FolderTypeSent:
		return model.RoleSent
	case imap.FolderTypeDrafts:
		return model.RoleDrafts
	case imap.FolderTypeAll:
		return model.RoleAll
	case imap.FolderTypeArchive:
		return model.RoleArchive
	case imap.FolderTypeTrash:
		return model.RoleTrash
	case imap.FolderTypeSpam:
		return model.RoleSpam
	case imap.FolderTypeStarred:
		return model.RoleStarred
	}
	return model.RoleForPath(mb.Name)
}

// assignRoles runs the second pass — path-based fallback for any folder
// that pass one left roleless — and enforces the "exactly one folder per
// role" invariant by keeping the first claimant and demoting the rest.
func assignRoles(folders []*model.Folder) {
	claimed := make(map[model.Role]bool)
	for _, f := range folders {
		if f.Role == model.RoleNone {
			f.Role = model.RoleForPath(f.Path)
		}
		if f.Role == model.RoleNone {
			continue
		}
		if claimed[f.Role] {
			f.Role = model.RoleNone
			continue
		}
		claimed[f.Role] = true
	}
}

func ensureSnoozedFolder(ctx context.Context, c *imap.Client, folders []*model.Folder, accountID string) ([]*model.Folder, error) {
	for _, f := range folders {
		if f.Path == model.SnoozedFolderPath {
			return folders, nil
		}
	}
	if err := c.CreateMailbox(ctx, model.SnoozedFolderPath); err != nil {
		return nil, fmt.Errorf("create snoozed container: %w", err)
	}
	f := &model.Folder{Base: model.Base{ID: model.FolderIdentity(accountID, model.SnoozedFolderPath), AccountID: accountID}, Path: model.SnoozedFolderPath, Role: model.RoleSnoozed}
	return append(folders, f), nil
}

func sortByRolePriority(folders []*model.Folder) {
	priority := make(map[model.Role]int, len(model.RolePriority))
	for i, r := range model.RolePriority {
		priority[r] = i
	}
	sort.SliceStable(folders, func(i, j int) bool {
		pi, oki := priority[folders[i].Role]
		pj, okj := priority[folders[j].Role]
		if !oki {
			pi = len(model.RolePriority)
		}
		if !okj {
			pj = len(model.RolePriority)
		}
		if pi != pj {
			return pi < pj
		}
		return strings.Compare(folders[i].Path, folders[j].Path) < 0
	})
}
