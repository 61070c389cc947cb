package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"
	aimap "github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/retry"
	"github.com/hkdb/aerion/internal/smtp"
	"github.com/hkdb/aerion/internal/store"
	"github.com/rs/zerolog"
)

// remoteTools bundles what performRemote needs to carry a task's effect
// against the live server (spec.md §4.3): the pooled IMAP connection
// already selected for this account, the store for folder/message lookups
// outside any transaction, the identity client for metadata syncback, and
// credentials for the one task (SendDraft) that also needs SMTP.
type remoteTools struct {
	client   *aimap.Client
	db       *store.DB
	identity IdentityClient
	creds    CredentialSource
	log      zerolog.Logger
}

// sentRelinkPolicy paces the "locate resulting Sent-folder entry by
// Message-ID" retries SendDraft needs to wait out server indexing lag
// (spec.md §4.3). Five attempts, roughly 1s doubling to 16s.
var sentRelinkPolicy = retry.Policy{Base: time.Second, Factor: 2, Cap: 16 * time.Second, StepCount: 4}

// performRemote carries out a task's effect against the live server
// (spec.md §4.3's task table), releasing the optimistic lock it took in
// performLocal on success.
func performRemote(ctx context.Context, rt *remoteTools, t *model.Task, now time.Time) error {
	switch t.ConstructorName {
	case model.TaskChangeUnread:
		var p ChangeUnreadPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteStoreFlag(ctx, rt, p.MessageIDs, now, imap.FlagSeen, !p.Unread)

	case model.TaskChangeStarred:
		var p ChangeStarredPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteStoreFlag(ctx, rt, p.MessageIDs, now, imap.FlagFlagged, p.Starred)

	case model.TaskChangeFolder:
		var p ChangeFolderPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteMoveMessages(ctx, rt, p.MessageIDs, p.DestFolderID, now)

	case model.TaskChangeLabels:
		var p ChangeLabelsPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteRelabel(ctx, rt, p.MessageIDs, p.LabelsToAdd, p.LabelsToRemove, now)

	case model.TaskSyncbackDraft:
		return releaseMessageLock(rt, mustPayloadMessageID(t), now) // no remote effect, per spec.md §4.3's task table

	case model.TaskDestroyDraft:
		var p DestroyDraftPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteDestroyDraft(ctx, rt, p, now)

	case model.TaskSendDraft:
		var p SendDraftPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteSendDraft(ctx, rt, p, now)

	case model.TaskSyncbackCategory:
		var p SyncbackCategoryPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteSyncbackCategory(ctx, rt, p)

	case model.TaskDestroyCategory:
		var p DestroyCategoryPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return rt.client.DeleteMailbox(ctx, p.Path)

	case model.TaskExpungeAllInFolder:
		var p ExpungeAllInFolderPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteExpungeAllInFolder(ctx, rt, p.FolderID)

	case model.TaskSyncbackMetadata:
		var p SyncbackMetadataPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return rt.identity.PostMetadata(ctx, t.AccountID, p.ObjectType, p.ObjectID, p.PluginID, p.Attributes)

	case model.TaskChangeRoleMapping:
		return nil // folder-to-role mapping is local-only, per spec.md §4.3's task table

	case model.TaskGetMessageRFC2822:
		var p GetMessageRFC2822Payload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			return err
		}
		return remoteGetMessageRFC2822(ctx, rt, p)

	default:
		return fmt.Errorf("performRemote: unknown constructor %q", t.ConstructorName)
	}
}

// mustPayloadMessageID pulls the bare messageId field common to several
// payload shapes without needing a type switch on the struct.
func mustPayloadMessageID(t *model.Task) string {
	var p struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(t.Payload, &p)
	return p.MessageID
}

// selectRemoteFolder resolves a local Folder id to its server mailbox and
// selects it on rt.client.
func selectRemoteFolder(ctx context.Context, rt *remoteTools, folderID string) (*model.Folder, error) {
	f, err := rt.db.GetFolder(folderID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("folder %s not found", folderID)
	}
	if _, err := rt.client.SelectMailbox(ctx, f.Path); err != nil {
		return nil, fmt.Errorf("select mailbox %s: %w", f.Path, err)
	}
	return f, nil
}

// releaseMessageLock loads a message, releases its optimistic lock, and
// saves it in its own transaction — the common tail of every task whose
// only remaining obligation is to stop shielding the message from sync.
func releaseMessageLock(rt *remoteTools, messageID string, now time.Time) error {
	if messageID == "" {
		return nil
	}
	tx, err := rt.db.Begin(nil)
	if err != nil {
		return err
	}
	m, err := tx.FindMessageByID(messageID)
	if err != nil || m == nil {
		tx.Rollback()
		return err
	}
	m.ReleaseOptimisticLock(now)
	if err := tx.SaveMessage(m); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// remoteStoreFlag applies a single IMAP flag (add or remove) to every
// message's remote UID, grouped by folder since STORE operates on one
// selected mailbox at a time, then releases each message's lock.
func remoteStoreFlag(ctx context.Context, rt *remoteTools, messageIDs []string, now time.Time, flag imap.Flag, add bool) error {
	byFolder, err := groupByRemoteFolder(rt, messageIDs)
	if err != nil {
		return err
	}
	for folderID, group := range byFolder {
		f, err := rt.db.GetFolder(folderID)
		if err != nil || f == nil {
			return err
		}
		if _, err := rt.client.SelectMailbox(ctx, f.Path); err != nil {
			return fmt.Errorf("select mailbox %s: %w", f.Path, err)
		}
		uids := uidsOf(group)
		if add {
			err = rt.client.AddMessageFlags(uids, []imap.Flag{flag})
		} else {
			err = rt.client.RemoveMessageFlags(uids, []imap.Flag{flag})
		}
		if err != nil {
			return err
		}
	}
	for _, messages := range byFolder {
		for _, m := range messages {
			if err := releaseMessageLock(rt, m.ID, now); err != nil {
				return err
			}
		}
	}
	return nil
}

// remoteRelabel issues raw STORE commands for Gmail's non-standard
// X-GM-LABELS keyword attribute (RFC flags don't cover labels), then
// releases each message's lock. go-imap/v2 models an arbitrary keyword as
// an imap.Flag, so Add/RemoveMessageFlags already carry it over the wire.
func remoteRelabel(ctx context.Context, rt *remoteTools, messageIDs []string, toAdd, toRemove []string, now time.Time) error {
	byFolder, err := groupByRemoteFolder(rt, messageIDs)
	if err != nil {
		return err
	}
	for folderID, group := range byFolder {
		f, err := rt.db.GetFolder(folderID)
		if err != nil || f == nil {
			return err
		}
		if _, err := rt.client.SelectMailbox(ctx, f.Path); err != nil {
			return fmt.Errorf("select mailbox %s: %w", f.Path, err)
		}
		uids := uidsOf(group)
		if len(toAdd) > 0 {
			if err := rt.client.AddMessageFlags(uids, labelFlags(toAdd)); err != nil {
				return err
			}
		}
		if len(toRemove) > 0 {
			if err := rt.client.RemoveMessageFlags(uids, labelFlags(toRemove)); err != nil {
				return err
			}
		}
	}
	for _, messages := range byFolder {
		for _, m := range messages {
			if err := releaseMessageLock(rt, m.ID, now); err != nil {
				return err
			}
		}
	}
	return nil
}

func labelFlags(labels []string) []imap.Flag {
	out := make([]imap.Flag, len(labels))
	for i, l := range labels {
		out[i] = imap.Flag(l)
	}
	return out
}

// remoteMoveMessages performs the RFC 6851 MOVE (native, or COPY+EXPUNGE
// fallback inside MoveMessages itself) and updates RemoteFolderID/RemoteUID
// from the destination UIDs when the server returned them via UIDPLUS —
// spec.md §4.3's "Move semantics detail": when no destination UID comes
// back, the next reconcile pass relinks the message from its attribute diff
// instead, so RemoteUID is simply left stale here.
func remoteMoveMessages(ctx context.Context, rt *remoteTools, messageIDs []string, destFolderID string, now time.Time) error {
	dest, err := rt.db.GetFolder(destFolderID)
	if err != nil || dest == nil {
		return fmt.Errorf("destination folder %s not found", destFolderID)
	}

	byFolder, err := groupByRemoteFolder(rt, messageIDs)
	if err != nil {
		return err
	}
	for folderID, group := range byFolder {
		f, err := rt.db.GetFolder(folderID)
		if err != nil || f == nil {
			return err
		}
		if _, err := rt.client.SelectMailbox(ctx, f.Path); err != nil {
			return fmt.Errorf("select mailbox %s: %w", f.Path, err)
		}
		uids := uidsOf(group)
		destUIDs, err := rt.client.MoveMessages(uids, dest.Path, nil)
		if err != nil {
			return err
		}

		tx, err := rt.db.Begin(nil)
		if err != nil {
			return err
		}
		for i, m := range group {
			m.RemoteFolderID = destFolderID
			if i < len(destUIDs) {
				m.RemoteUID = uint32(destUIDs[i])
			}
			m.ReleaseOptimisticLock(now)
			if err := tx.SaveMessage(m); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// remoteDestroyDraft marks the draft \Deleted in its current mailbox,
// expunges it, and deletes the local message row. Drafts are never moved to Trash
// first — deleting the draft outright is the folder's native semantics.
func remoteDestroyDraft(ctx context.Context, rt *remoteTools, p DestroyDraftPayload, now time.Time) error {
	m, err := rt.db.GetMessage(p.MessageID)
	if err != nil || m == nil {
		return err
	}
	f, err := rt.db.GetFolder(m.RemoteFolderID)
	if err != nil || f == nil {
		return err
	}
	if _, err := rt.client.SelectMailbox(ctx, f.Path); err != nil {
		return fmt.Errorf("select mailbox %s: %w", f.Path, err)
	}
	if err := rt.client.DeleteMessageByUID(imap.UID(m.RemoteUID)); err != nil {
		return err
	}
	tx, err := rt.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.DeleteMessage(m.ID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// remoteSendDraft builds the MIME message, sends it via SMTP, then locates
// the server-filed Sent copy by Message-ID (the SMTP submission itself
// doesn't report a UID), backing off between attempts since many servers
// take a moment to index a just-appended Sent message. If it can't be
// found, the draft's own body is manually APPENDed into Sent instead so the
// user still sees it (spec.md §4.3).
func remoteSendDraft(ctx context.Context, rt *remoteTools, p SendDraftPayload, now time.Time) error {
	m, err := rt.db.GetMessage(p.MessageID)
	if err != nil || m == nil {
		return fmt.Errorf("message %s not found", p.MessageID)
	}

	_, smtpConfig, err := rt.creds(m.AccountID)
	if err != nil {
		return fmt.Errorf("resolve smtp credentials: %w", err)
	}
	compose, body, err := buildComposeMessage(rt, m)
	if err != nil {
		return err
	}

	// Record the Message-ID buildComposeMessage stamped on compose; it is
	// saved with the message after the send, and it's the only handle
	// we'll have to find the Sent-folder copy below.
	m.HeaderMessageID = compose.MessageID

	if err := smtp.NewClient(*smtpConfig).Send(compose); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	folders, err := rt.db.ListFolders(m.AccountID)
	if err != nil {
		return err
	}
	sent := folderWithRole(folders, model.RoleSent)
	if sent == nil {
		return releaseSentMessage(rt, m, now) // no Sent folder on this account; nothing more to locate
	}

	if _, err := rt.client.SelectMailbox(ctx, sent.Path); err != nil {
		return fmt.Errorf("select sent mailbox: %w", err)
	}

	var uids []imap.UID
	for attempt := 0; attempt <= sentRelinkPolicy.StepCount; attempt++ {
		uids, err = rt.client.SearchHeader(ctx, "Message-Id", m.HeaderMessageID)
		if err == nil && len(uids) > 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sentRelinkPolicy.Delay(attempt)):
		}
	}

	if len(uids) == 0 {
		if _, err := rt.client.AppendMessage(sent.Path, nil, now, body); err != nil {
			return fmt.Errorf("append sent copy: %w", err)
		}
	} else {
		m.RemoteUID = uint32(uids[len(uids)-1])
		m.RemoteFolderID = sent.ID
	}

	if len(p.GMsgLabels) > 0 {
		if err := rt.client.AddMessageFlags(uids, labelFlags(p.GMsgLabels)); err != nil {
			rt.log.Warn().Err(err).Msg("send draft: propagate thread labels to sent copy")
		}
	}

	return releaseSentMessage(rt, m, now)
}

func releaseSentMessage(rt *remoteTools, m *model.Message, now time.Time) error {
	m.Draft = false
	m.ReleaseOptimisticLock(now)
	tx, err := rt.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveMessage(m); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func buildComposeMessage(rt *remoteTools, m *model.Message) (*smtp.ComposeMessage, []byte, error) {
	text, html, err := loadDraftBody(rt, m.ID)
	if err != nil {
		return nil, nil, err
	}
	compose := &smtp.ComposeMessage{
		MessageID: fmt.Sprintf("<%s@aerion>", uuid.New().String()),
		From:      toSMTPAddr(firstContact(m.From)),
		To:        toSMTPAddrs(m.To),
		Cc:        toSMTPAddrs(m.Cc),
		Bcc:       toSMTPAddrs(m.Bcc),
		Subject:   m.Subject,
		TextBody:  text,
		HTMLBody:  html,
	}
	body, err := compose.ToRFC822()
	if err != nil {
		return nil, nil, fmt.Errorf("encode outgoing message: %w", err)
	}
	return compose, body, nil
}

func toSMTPAddr(c model.Contact) smtp.Address {
	return smtp.Address{Name: c.Name, Address: c.Email}
}

func toSMTPAddrs(cs []model.Contact) []smtp.Address {
	out := make([]smtp.Address, len(cs))
	for i, c := range cs {
		out[i] = toSMTPAddr(c)
	}
	return out
}

func firstContact(cs []model.Contact) model.Contact {
	if len(cs) == 0 {
		return model.Contact{}
	}
	return cs[0]
}

// remoteSyncbackCategory creates a new mailbox, or renames an existing one
// when OldPath is set (spec.md §4.3).
func remoteSyncbackCategory(ctx context.Context, rt *remoteTools, p SyncbackCategoryPayload) error {
	if p.OldPath != "" {
		return rt.client.RenameMailbox(ctx, p.OldPath, p.NewPath)
	}
	return rt.client.CreateMailbox(ctx, p.NewPath)
}

// remoteExpungeAllInFolder marks every message in a folder \Deleted,
// expunges, then mirrors the deletion locally in small batches so a huge
// folder doesn't hold one transaction open for the whole operation.
func remoteExpungeAllInFolder(ctx context.Context, rt *remoteTools, folderID string) error {
	f, err := selectRemoteFolder(ctx, rt, folderID)
	if err != nil {
		return err
	}

	allUIDs, err := rt.client.UIDSearchAll(ctx)
	if err != nil {
		return err
	}
	if err := rt.client.DeleteMessagesByUID(allUIDs); err != nil {
		return err
	}

	const batchSize = 200
	localUIDs, err := rt.db.ListUIDsInFolder(f.ID)
	if err != nil {
		return err
	}
	for start := 0; start < len(localUIDs); start += batchSize {
		end := start + batchSize
		if end > len(localUIDs) {
			end = len(localUIDs)
		}
		tx, err := rt.db.Begin(nil)
		if err != nil {
			return err
		}
		for _, uid := range localUIDs[start:end] {
			m, err := tx.FindMessageByUID(f.ID, uid)
			if err != nil {
				tx.Rollback()
				return err
			}
			if m == nil {
				continue
			}
			if err := tx.DeleteMessage(m.ID); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		time.Sleep(10 * time.Millisecond) // yield between batches on a large folder
	}
	return nil
}

// remoteGetMessageRFC2822 fetches a message's raw RFC 5322 body and writes
// it to the requested path for the caller to pick up.
func remoteGetMessageRFC2822(ctx context.Context, rt *remoteTools, p GetMessageRFC2822Payload) error {
	m, err := rt.db.GetMessage(p.MessageID)
	if err != nil || m == nil {
		return fmt.Errorf("message %s not found", p.MessageID)
	}
	f, err := rt.db.GetFolder(m.RemoteFolderID)
	if err != nil || f == nil {
		return fmt.Errorf("folder %s not found", m.RemoteFolderID)
	}
	if _, err := rt.client.SelectMailbox(ctx, f.Path); err != nil {
		return fmt.Errorf("select mailbox %s: %w", f.Path, err)
	}
	raw, err := rt.client.FetchBody(ctx, imap.UID(m.RemoteUID))
	if err != nil {
		return err
	}
	return os.WriteFile(p.DestPath, raw, 0o600)
}

// loadDraftBody reads back a draft's locally stored text/HTML body.
func loadDraftBody(rt *remoteTools, messageID string) (text, html string, err error) {
	return rt.db.LoadBody(messageID)
}

func folderWithRole(folders []*model.Folder, role model.Role) *model.Folder {
	for _, f := range folders {
		if f.Role == role {
			return f
		}
	}
	return nil
}

// groupByRemoteFolder loads every message and buckets it by RemoteFolderID
// — STORE/MOVE/COPY all operate against one selected mailbox, so every
// remote effect touching multiple messages needs them grouped this way
// first.
func groupByRemoteFolder(rt *remoteTools, messageIDs []string) (map[string][]*model.Message, error) {
	out := map[string][]*model.Message{}
	for _, id := range messageIDs {
		m, err := rt.db.GetMessage(id)
		if err != nil {
			return nil, err
		}
		if m == nil {
			continue
		}
		out[m.RemoteFolderID] = append(out[m.RemoteFolderID], m)
	}
	return out, nil
}

func uidsOf(messages []*model.Message) []imap.UID {
	out := make([]imap.UID, len(messages))
	for i, m := range messages {
		out[i] = imap.UID(m.RemoteUID)
	}
	return out
}
