package model

import "encoding/json"

// ContactBookSource enumerates where a ContactBook's data comes from.
type ContactBookSource string

const (
	ContactBookSourceCardDAV ContactBookSource = "carddav"
	ContactBookSourceGPeople ContactBookSource = "gpeople"
)

// ContactBook is a CardDAV address-book handle (spec.md §3).
type ContactBook struct {
	Base
	URL       string            `json:"url"`
	Source    ContactBookSource `json:"source"`
	CTag      string            `json:"ctag"`
	SyncToken string            `json:"syncToken"`
}

func (b *ContactBook) TableName() string { return "contact_books" }

func (b *ContactBook) MarshalPayload() (json.RawMessage, error) { return json.Marshal(b) }

// ContactInfo carries either the vCard text+href or the provider JSON
// (spec.md §3 "Contact.info").
type ContactInfo struct {
	VCF      string `json:"vcf,omitempty"`
	Href     string `json:"href,omitempty"`
	Provider json.RawMessage `json:"provider,omitempty"`
}

// Contact is a single address-book entry (spec.md §3).
type Contact struct {
	Base
	Name   string            `json:"name"`
	Email  string            `json:"email"`
	Source ContactBookSource `json:"source"`
	Refs   int               `json:"refs"`
	Hidden bool              `json:"hidden"`
	BookID string            `json:"bookId"`
	ETag   string            `json:"etag"`
	Info   ContactInfo       `json:"info"`
}

func (c *Contact) TableName() string { return "contacts" }

func (c *Contact) MarshalPayload() (json.RawMessage, error) { return json.Marshal(c) }

func (c *Contact) MetadataObjectType() string { return "Contact" }

// ContactGroup is a named membership set rebuilt from vCard MEMBER /
// X-ADDRESSBOOKSERVER-MEMBER properties on every save of its carrier
// contact (spec.md §3, §8 invariant #4).
type ContactGroup struct {
	Base
	Name       string   `json:"name"`
	CarrierID  string   `json:"carrierId"` // the hidden Contact carrying this group
	MemberUUIDs []string `json:"memberUUIDs"`
}

func (g *ContactGroup) TableName() string { return "contact_groups" }

func (g *ContactGroup) MarshalPayload() (json.RawMessage, error) { return json.Marshal(g) }
