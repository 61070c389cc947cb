package model

import "encoding/json"

// Calendar is a CalDAV collection handle (spec.md §3).
type Calendar struct {
	Base
	Path        string `json:"path"`
	Name        string `json:"name"`
	CTag        string `json:"ctag"`
	SyncToken   string `json:"syncToken"`
	Color       string `json:"color,omitempty"`
	Description string `json:"description,omitempty"`
	ReadOnly    bool   `json:"readOnly,omitempty"`
	Order       int    `json:"order,omitempty"`
}

func (c *Calendar) TableName() string { return "calendars" }

func (c *Calendar) MarshalPayload() (json.RawMessage, error) { return json.Marshal(c) }

// EventStatus mirrors RFC 5545 STATUS values relevant to reconciliation.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "CONFIRMED"
	EventStatusTentative EventStatus = "TENTATIVE"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// Event is a single VEVENT, including recurrence exception instances
// (spec.md §3).
type Event struct {
	Base

	CalendarID   string      `json:"calendarId"`
	ETag         string      `json:"etag"`
	Href         string      `json:"href"`
	ICSUID       string      `json:"icsuid"`
	RecurrenceID string      `json:"recurrenceId,omitempty"`
	Status       EventStatus `json:"status"`
	ICSData      string      `json:"icsData"`

	// RS/RE are start/end as unix timestamps (spec.md §3 "rs"/"re").
	RS int64 `json:"rs"`
	RE int64 `json:"re"`

	Location     string    `json:"location,omitempty"`
	Participants []Contact `json:"participants,omitempty"`
}

func (e *Event) TableName() string { return "events" }

func (e *Event) MarshalPayload() (json.RawMessage, error) { return json.Marshal(e) }

// ComputeID assigns e.ID per spec.md §3: hash(accountId, calendarId, icsuid,
// recurrenceId). The id never changes on modification — only the etag does
// (spec.md §8 invariant #6).
func (e *Event) ComputeID() {
	e.ID = EventIdentity(e.AccountID, e.CalendarID, e.ICSUID, e.RecurrenceID)
}

// FarFutureSentinel is used as an event's effective end when RRULE has no
// UNTIL (spec.md §4.2, §9 open question). COUNT is never expanded, so a
// COUNT-bounded rule also ends here — see DESIGN.md's RRULE.COUNT decision.
var FarFutureSentinel = int64(4102444800) // 2100-01-01T00:00:00Z
