// Package model defines the entities the local store persists: Folder,
// Label, Message, Thread, File, ContactBook, Contact, ContactGroup, Calendar,
// Event, Task, Metadata, and DetachedMetadata (spec.md §3).
//
// Rather than a MailModel base class with virtual dispatch (the source's
// approach — see SPEC_FULL.md §9), every persisted entity implements the
// small Persistable capability interface below and the store dispatches on
// it directly. This mirrors the teacher's preference for explicit structs
// over an object hierarchy (internal/message's typed row scanning) while
// satisfying spec.md §9's redesign note.
package model

import "encoding/json"

// Persistable is the capability every entity the store manages must satisfy.
// There is no inheritance: a struct embeds nothing and simply implements
// these methods over itself.
type Persistable interface {
	// TableName returns the SQL table this entity is stored in.
	TableName() string
	// PersistedID returns the entity's stable id.
	PersistedID() string
	// PersistedAccountID returns the owning account id.
	PersistedAccountID() string
	// PersistedVersion returns the current monotone version counter.
	PersistedVersion() int64
	// BumpVersion increments the version counter; called by the store
	// immediately before a save.
	BumpVersion()
	// MarshalPayload returns the opaque JSON payload column contents.
	MarshalPayload() (json.RawMessage, error)
}

// Base carries the four fields every persisted entity shares (spec.md §3):
// id, accountId, version, and the opaque JSON payload. Embed it, don't
// inherit from it — Go has no classes to inherit from, and that's the point.
type Base struct {
	ID        string `json:"id"`
	AccountID string `json:"accountId"`
	Version   int64  `json:"version"`
}

func (b *Base) PersistedID() string        { return b.ID }
func (b *Base) PersistedAccountID() string  { return b.AccountID }
func (b *Base) PersistedVersion() int64     { return b.Version }
func (b *Base) BumpVersion()                { b.Version++ }

// SupportsMetadata is implemented by entities that plugin Metadata can
// attach to (Message, Thread, Contact — spec.md §3 "Metadata").
type SupportsMetadata interface {
	Persistable
	MetadataObjectType() string
}
