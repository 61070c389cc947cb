package dav

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
)

// syncPageLimit bounds the sync-collection REPORT loop; past this many
// pages without exhausting the pagination signal, give up and return the
// outcome marked Incomplete (the scheduler logs it) rather than loop
// forever against a misbehaving server
// (spec.md §4.2: "a hard page limit (100) trips, logging incomplete").
const syncPageLimit = 100

// multigetChunkSize is the batch size for re-fetching resources a sync page
// only returned an etag for (spec.md §4.2: "issued in chunks of 90").
const multigetChunkSize = 90

// SyncOutcome is what one sync-collection (or legacy fallback) pass
// produced: updated resources (body present when possible, href+etag-only
// otherwise — callers multiget those), deleted hrefs, and the token to
// persist for next time.
type SyncOutcome struct {
	UpdatedHrefs []string // hrefs that need a multiget (body wasn't inlined)
	Deleted      []string
	NextToken    string
	Incomplete   bool
}

// ErrNeedsFullResync signals that the server rejected the stored sync
// token (spec.md §4.2: "On token errors ... clear the token and retry once
// with a full sync; past the retry cap, give up and fall back to legacy
// sync").
var ErrNeedsFullResync = errors.New("dav: sync token rejected, full resync required")

// isTokenError classifies a sync-collection failure as a stale-token error
// per spec.md §4.2's enumerated signals.
func isTokenError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "valid-sync-token") {
		return true
	}
	for _, code := range []string{"403", "409", "410"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

// SyncContactAddressBook runs one sync-collection pass over a CardDAV
// address book (spec.md §4.2 "sync-collection algorithm"). ingest is called
// per-resource whenever the page inlined address-data; resources that only
// came back with an etag are appended to UpdatedHrefs for the caller to
// multiget.
func SyncContactAddressBook(ctx context.Context, client *carddav.Client, path, syncToken string, ingest func(obj carddav.AddressObject) error) (*SyncOutcome, error) {
	out := &SyncOutcome{NextToken: syncToken}
	token := syncToken
	wantBody := token != "" // initial sync requests only getetag (spec.md §4.2)

	for page := 0; page < syncPageLimit; page++ {
		query := &carddav.SyncQuery{SyncToken: token}
		if wantBody {
			query.DataTypes = []carddav.AddressDataType{{ContentType: "text/vcard"}}
		}

		resp, err := client.SyncCollection(ctx, path, query)
		if err != nil {
			if isTokenError(err) {
				return nil, ErrNeedsFullResync
			}
			return nil, fmt.Errorf("sync-collection: %w", err)
		}

		for _, obj := range resp.Updated {
			if obj.Card != nil {
				if err := ingest(obj); err != nil {
					return nil, err
				}
				continue
			}
			out.UpdatedHrefs = append(out.UpdatedHrefs, obj.Path)
		}
		out.Deleted = append(out.Deleted, resp.Deleted...)

		out.NextToken = resp.SyncToken
		if resp.SyncToken == token || resp.SyncToken == "" {
			return out, nil // no pagination signal left; done
		}
		token = resp.SyncToken
	}

	out.Incomplete = true
	return out, nil
}

// SyncCalendarCollection mirrors SyncContactAddressBook for CalDAV.
func SyncCalendarCollection(ctx context.Context, client *caldav.Client, path, syncToken string) (*SyncOutcome, error) {
	out := &SyncOutcome{NextToken: syncToken}
	token := syncToken

	for page := 0; page < syncPageLimit; page++ {
		query := &caldav.SyncQuery{SyncToken: token}

		resp, err := client.SyncCollection(ctx, path, query)
		if err != nil {
			if isTokenError(err) {
				return nil, ErrNeedsFullResync
			}
			return nil, fmt.Errorf("sync-collection: %w", err)
		}

		for _, obj := range resp.Updated {
			out.UpdatedHrefs = append(out.UpdatedHrefs, obj.Path)
		}
		out.Deleted = append(out.Deleted, resp.Deleted...)

		out.NextToken = resp.SyncToken
		if resp.SyncToken == token || resp.SyncToken == "" {
			return out, nil
		}
		token = resp.SyncToken
	}

	out.Incomplete = true
	return out, nil
}

// MultigetContacts re-fetches address-data for hrefs a sync page only
// returned etags for, in chunks of multigetChunkSize, one store transaction
// per chunk (spec.md §4.2).
func MultigetContacts(ctx context.Context, client *carddav.Client, path string, hrefs []string, ingestChunk func(objects []carddav.AddressObject) error) error {
	for start := 0; start < len(hrefs); start += multigetChunkSize {
		end := start + multigetChunkSize
		if end > len(hrefs) {
			end = len(hrefs)
		}
		chunk := hrefs[start:end]

		objs, err := client.MultiGetAddressBook(ctx, path, &carddav.AddressBookMultiGet{
			Paths:    chunk,
			DataType: &carddav.AddressDataType{ContentType: "text/vcard"},
		})
		if err != nil {
			return fmt.Errorf("multiget addressbook chunk: %w", err)
		}
		if err := ingestChunk(objs); err != nil {
			return err
		}
	}
	return nil
}

// MultigetEvents mirrors MultigetContacts for calendar resources.
func MultigetEvents(ctx context.Context, client *caldav.Client, path string, hrefs []string, ingestChunk func(objects []caldav.CalendarObject) error) error {
	for start := 0; start < len(hrefs); start += multigetChunkSize {
		end := start + multigetChunkSize
		if end > len(hrefs) {
			end = len(hrefs)
		}
		chunk := hrefs[start:end]

		objs, err := client.MultiGetCalendar(ctx, path, &caldav.CalendarMultiGet{
			Paths: chunk,
			CompRequest: caldav.CalendarCompRequest{
				Name:  "VCALENDAR",
				Comps: []caldav.CalendarCompRequest{{Name: "VEVENT"}},
			},
		})
		if err != nil {
			return fmt.Errorf("multiget calendar chunk: %w", err)
		}
		if err := ingestChunk(objs); err != nil {
			return err
		}
	}
	return nil
}
