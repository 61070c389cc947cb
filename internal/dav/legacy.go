package dav

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
)

// LegacyDiff is what comparing a local href->etag map against a fresh
// addressbook-query/calendar-query listing produces: adds-and-changes look
// identical because etags mutate on any edit (spec.md §4.2 "Legacy etag
// sync"), so both are reported together as "changed".
type LegacyDiff struct {
	ChangedHrefs []string
	DeletedHrefs []string
}

// DiffByETag compares a listing of {href, etag} against the locally known
// set and classifies every entry (spec.md §4.2: "Diff local vs remote by
// etag ... deletions are entries present locally but not remote").
func DiffByETag(remote map[string]string, local map[string]string) LegacyDiff {
	var diff LegacyDiff
	for href, etag := range remote {
		if localETag, ok := local[href]; !ok || localETag != etag {
			diff.ChangedHrefs = append(diff.ChangedHrefs, href)
		}
	}
	for href := range local {
		if _, ok := remote[href]; !ok {
			diff.DeletedHrefs = append(diff.DeletedHrefs, href)
		}
	}
	return diff
}

// ListAddressBookETags runs a depth-1 addressbook-query requesting only
// getetag, the legacy fallback's listing step (spec.md §4.2).
func ListAddressBookETags(ctx context.Context, client *carddav.Client, path string) (map[string]string, error) {
	objs, err := client.QueryAddressBook(ctx, path, &carddav.AddressBookQuery{})
	if err != nil {
		return nil, fmt.Errorf("addressbook-query: %w", err)
	}
	out := make(map[string]string, len(objs))
	for _, o := range objs {
		out[o.Path] = o.ETag
	}
	return out, nil
}

// ListCalendarETags runs a calendar-query constrained to [now-12mo, now+18mo]
// requesting only getetag (spec.md §4.2: "For calendars, constrain the
// query with a time-range filter ... events outside that window are never
// fetched and are considered deletions if present locally").
func ListCalendarETags(ctx context.Context, client *caldav.Client, path string, now time.Time) (map[string]string, error) {
	objs, err := client.QueryCalendar(ctx, path, &caldav.CalendarQuery{
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: now.Add(syncWindowPast),
				End:   now.Add(syncWindowFuture),
			}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("calendar-query: %w", err)
	}
	out := make(map[string]string, len(objs))
	for _, o := range objs {
		out[o.Path] = o.ETag
	}
	return out, nil
}
