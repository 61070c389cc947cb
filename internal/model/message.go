package model

import (
	"encoding/json"
	"time"
)

// UnlinkedUID is the remoteUID value 0, which no real server UID takes.
// Unlinking does not write it: a sync pass that no longer finds a message on
// the server sets Message.Unlinked and UnlinkPhase instead and leaves
// RemoteUID as it was (spec.md §4.1 "Unlinked message").
const UnlinkedUID = 0

// Contact is a lightweight address used inline on Message recipient fields.
// Not to be confused with the CardDAV Contact entity in contact.go.
type Contact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a single RFC 5322 item (spec.md §3).
type Message struct {
	Base

	HeaderMessageID string `json:"headerMessageId"`
	Date            time.Time `json:"date"`
	Subject         string    `json:"subject"`

	From    []Contact `json:"from"`
	To      []Contact `json:"to"`
	Cc      []Contact `json:"cc"`
	Bcc     []Contact `json:"bcc"`
	ReplyTo []Contact `json:"replyTo"`

	GMsgID string `json:"gMsgId"`

	Unread bool `json:"unread"`
	Starred bool `json:"starred"`
	Draft   bool `json:"draft"`

	RemoteUID       uint32 `json:"remoteUID"`
	RemoteFolderID  string `json:"remoteFolderId"`
	RemoteXGMLabels []string `json:"remoteXGMLabels"`

	// ClientFolderID is the user-visible folder, which may differ from
	// RemoteFolderID while a move task is in flight (spec.md §3).
	ClientFolderID string `json:"clientFolderId"`

	ThreadID string `json:"threadId"`

	SyncedAt time.Time `json:"syncedAt"`

	// SyncUnsavedChanges locks the record against remote overwrites while
	// positive (spec.md §3 invariant, §4.3 optimistic lock).
	SyncUnsavedChanges int `json:"syncUnsavedChanges"`

	// Unlinked marks a message a sync pass no longer found on the server;
	// UnlinkPhase is set together with it to record which sync-loop phase
	// unlinked this message (spec.md §4.1).
	Unlinked    bool `json:"-"`
	UnlinkPhase int  `json:"-"`
}

func (m *Message) TableName() string { return "messages" }

func (m *Message) MarshalPayload() (json.RawMessage, error) { return json.Marshal(m) }

func (m *Message) MetadataObjectType() string { return "Message" }

// Attributes is the comparable subset of a message's server-visible state
// used for attribute diffing (spec.md §4.1 "Attribute diff and upsert"):
// MessageAttributes = {uid, unread, starred, draft, sorted-labels}.
type Attributes struct {
	UID     uint32
	Unread  bool
	Starred bool
	Draft   bool
	Labels  []string // sorted
}

// Equal compares two Attributes, treating Labels order-insensitively (the
// caller is expected to have sorted both already).
func (a Attributes) Equal(b Attributes) bool {
	if a.UID != b.UID || a.Unread != b.Unread || a.Starred != b.Starred || a.Draft != b.Draft {
		return false
	}
	if len(a.Labels) != len(b.Labels) {
		return false
	}
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			return false
		}
	}
	return true
}

// Locked reports whether a remote sync pass must not overwrite this
// message's mutable fields (spec.md §3 invariant #3).
func (m *Message) Locked() bool { return m.SyncUnsavedChanges > 0 }

// ApplyOptimisticLock is called by performLocal (spec.md §4.3): increments
// the lock counter and pushes SyncedAt 24h into the future so no concurrent
// remote-sync pass believes this record is stale.
func (m *Message) ApplyOptimisticLock(now time.Time) {
	m.SyncUnsavedChanges++
	m.SyncedAt = now.Add(24 * time.Hour)
}

// ReleaseOptimisticLock is called by performRemote on success: decrements the
// lock counter, and once it reaches zero, marks SyncedAt = now.
func (m *Message) ReleaseOptimisticLock(now time.Time) {
	if m.SyncUnsavedChanges > 0 {
		m.SyncUnsavedChanges--
	}
	if m.SyncUnsavedChanges == 0 {
		m.SyncedAt = now
	}
}

// RecipientEmails flattens To/Cc/Bcc into the slice MessageIdentity sorts.
func (m *Message) RecipientEmails() []string {
	emails := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, c := range m.To {
		emails = append(emails, c.Email)
	}
	for _, c := range m.Cc {
		emails = append(emails, c.Email)
	}
	for _, c := range m.Bcc {
		emails = append(emails, c.Email)
	}
	return emails
}

// ComputeID assigns m.ID via spec.md §3's identity scheme: scheme 1 when a
// date or message-id is available, else the folder/uid fallback.
func (m *Message) ComputeID(folderPath string) {
	dateStr := ""
	if !m.Date.IsZero() {
		dateStr = m.Date.UTC().Format(time.RFC3339)
	}
	if dateStr != "" || m.HeaderMessageID != "" {
		m.ID = MessageIdentity(m.AccountID, dateStr, m.Subject, m.RecipientEmails(), m.HeaderMessageID)
		return
	}
	m.ID = MessageIdentityFallback(m.AccountID, folderPath, m.RemoteUID)
}

// File is attachment metadata pointing at an on-disk blob (spec.md §3).
type File struct {
	Base
	MessageID   string `json:"messageId"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	PartID      string `json:"partId,omitempty"`
	UniqueID    string `json:"uniqueId,omitempty"`
	Description string `json:"description,omitempty"`
}

func (f *File) TableName() string { return "files" }

func (f *File) MarshalPayload() (json.RawMessage, error) { return json.Marshal(f) }

// ComputeID hashes {messageId, partId|uniqueId|description} per spec.md §3.
func (f *File) ComputeID() {
	key := f.PartID
	if key == "" {
		key = f.UniqueID
	}
	if key == "" {
		key = f.Description
	}
	f.ID = FileIdentity(f.MessageID, key)
}

// SafeStoragePath returns the <aa>/<bb>/<id>/<safeFilename> relative path
// spec.md §6 specifies for attachment blobs, where aa/bb are the first four
// hex-looking characters of the id (base58, so not strictly hex, but the
// spec only requires two fixed-width path-sharding prefixes).
func (f *File) SafeStoragePath() string {
	id := f.ID
	aa, bb := "00", "00"
	if len(id) >= 2 {
		aa = id[0:2]
	}
	if len(id) >= 4 {
		bb = id[2:4]
	}
	return aa + "/" + bb + "/" + id + "/" + SafeFilename(f.Filename)
}

// SafeFilename strips path separators and other characters that would let a
// malicious filename escape the per-id attachment directory.
func SafeFilename(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', 0:
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "attachment"
	}
	return string(out)
}
