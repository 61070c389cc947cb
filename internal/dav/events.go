package dav

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/emersion/go-ical"
	"github.com/hkdb/aerion/internal/model"
)

// syncWindowPast/Future bound the calendar-query time range used by the
// legacy fallback and the new-event ingestion filter (spec.md §4.2: "[now -
// 12 months, now + 18 months]").
const (
	syncWindowPast   = -12 * 30 * 24 * time.Hour
	syncWindowFuture = 18 * 30 * 24 * time.Hour
)

// ParseICSEvents decodes one calendar-object's VCALENDAR body into Events.
// An event with no DTSTART is discarded; DTEND defaults to DTSTART when
// absent; if RRULE is present the effective window end is RRULE's UNTIL, or
// FarFutureSentinel when UNTIL is absent (spec.md §4.2). incremental reports
// whether this ingestion is from incremental (non-initial) sync; when it is
// true, every event that does not overlap the sync window is dropped,
// whether or not it already exists locally.
func ParseICSEvents(accountID, calendarID, href, etag string, cal *ical.Calendar, now time.Time, incremental bool) ([]*model.Event, error) {
	var out []*model.Event
	for _, ve := range cal.Events() {
		ev, ok, err := parseOneEvent(accountID, calendarID, href, etag, ve)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if incremental && !overlapsSyncWindow(ev, now) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func parseOneEvent(accountID, calendarID, href, etag string, ve ical.Event) (*model.Event, bool, error) {
	start, err := ve.Props.Get(ical.PropDateTimeStart).DateTime(time.UTC)
	if err != nil {
		return nil, false, nil // no usable DTSTART -> discard (spec.md §4.2)
	}

	end := start
	if endProp := ve.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if t, err := endProp.DateTime(time.UTC); err == nil {
			end = t
		}
	}

	effectiveEnd := end.Unix()
	if rruleProp := ve.Props.Get(ical.PropRecurrenceRule); rruleProp != nil {
		if until, ok := ruleUntil(rruleProp.Value); ok {
			effectiveEnd = until.Unix()
		} else {
			effectiveEnd = model.FarFutureSentinel
		}
	}

	uid, _ := ve.Props.Text(ical.PropUID)
	if uid == "" {
		uid = hashHref(href)
	}
	recurrenceID := ""
	if p := ve.Props.Get(ical.PropRecurrenceID); p != nil {
		recurrenceID = p.Value
	}

	status := model.EventStatusConfirmed
	if s, err := ve.Props.Text(ical.PropStatus); err == nil && s != "" {
		switch strings.ToUpper(s) {
		case "TENTATIVE":
			status = model.EventStatusTentative
		case "CANCELLED":
			status = model.EventStatusCancelled
		}
	}
	location, _ := ve.Props.Text(ical.PropLocation)

	var raw strings.Builder
	enc := ical.NewEncoder(&raw)
	wrapper := ical.NewCalendar()
	wrapper.Children = append(wrapper.Children, ve.Component)
	if err := enc.Encode(wrapper); err != nil {
		return nil, false, fmt.Errorf("encode ics event: %w", err)
	}

	e := &model.Event{
		Base:         model.Base{AccountID: accountID},
		CalendarID:   calendarID,
		ETag:         etag,
		Href:         href,
		ICSUID:       uid,
		RecurrenceID: recurrenceID,
		Status:       status,
		ICSData:      raw.String(),
		RS:           start.Unix(),
		RE:           effectiveEnd,
		Location:     location,
	}
	e.ComputeID() // stable across edits; only etag mutates (spec.md §8 invariant #6)
	return e, true, nil
}

// ruleUntil extracts UNTIL=... from a raw RRULE value string. go-ical does
// not expand recurrence rules (no FREQ/BYDAY calendar math here — that
// would require a dedicated rrule-expansion library not present in this
// stack), so COUNT-only rules without an explicit UNTIL fall back to the
// far-future sentinel (spec.md §9 open question).
func ruleUntil(rrule string) (time.Time, bool) {
	for _, part := range strings.Split(rrule, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || !strings.EqualFold(kv[0], "UNTIL") {
			continue
		}
		for _, layout := range []string{"20060102T150405Z", "20060102T150405", "20060102"} {
			if t, err := time.Parse(layout, kv[1]); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func overlapsSyncWindow(e *model.Event, now time.Time) bool {
	windowStart := now.Add(syncWindowPast).Unix()
	windowEnd := now.Add(syncWindowFuture).Unix()
	return e.RE >= windowStart && e.RS <= windowEnd
}

// EncodeICSEvent serializes an Event's stored ICSData back out for the
// write path's PUT body (spec.md §4.2 write path).
func EncodeICSEvent(e *model.Event) []byte {
	return []byte(e.ICSData)
}
