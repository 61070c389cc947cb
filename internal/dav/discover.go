package dav

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
	"github.com/google/uuid"
	"github.com/hkdb/aerion/internal/model"
)

// HostHint is one candidate CardDAV/CalDAV host, as resolved by the
// external helper spec.md §4.2 step 1 delegates to ("a remote helper for
// likely CardDAV/CalDAV hosts derived from the user's email domain and IMAP
// host (delegated because bundling DNS SRV would bind the binary to a
// specific libc)"). Producing this list is out of package scope; callers
// supply it (e.g. from a provider table or an external resolver process).
type HostHint struct {
	Host string
}

// wellKnownDeadEnds are hosts a well-known redirect is never followed to,
// because they're known generic webmail landing pages rather than a DAV
// entry point (spec.md §4.2 step 2).
var wellKnownDeadEnds = map[string]bool{
	"mail.yahoo.com": true,
	"www.icloud.com": true,
}

// ProbeWellKnown resolves host's CardDAV or CalDAV entry point by requesting
// https://<host>/.well-known/<kind> and following at most one redirect.
// A redirect back to another /.well-known path (a loop) or into a known
// dead end falls back to the bare host root (spec.md §4.2 step 2).
func ProbeWellKnown(ctx context.Context, hc *http.Client, host, kind string) (string, error) {
	wellKnown := fmt.Sprintf("https://%s/.well-known/%s", host, kind)

	noRedirectClient := &http.Client{
		Transport: hc.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", err
	}
	resp, err := noRedirectClient.Do(req)
	if err != nil {
		return fallbackRoot(host), nil //nolint:nilerr // network hiccup on discovery degrades to root probe, not a fatal error
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return wellKnown, nil
		}
		return fallbackRoot(host), nil
	}

	location := resp.Header.Get("Location")
	target, perr := url.Parse(location)
	if location == "" || perr != nil || strings.Contains(location, "/.well-known/") || wellKnownDeadEnds[target.Hostname()] {
		return fallbackRoot(host), nil
	}
	return location, nil
}

func fallbackRoot(host string) string {
	return fmt.Sprintf("https://%s/", host)
}

// DiscoverCardDAV runs spec.md §4.2's full CardDAV discovery pipeline
// against one candidate endpoint: principal PROPFIND, address-book home-set
// PROPFIND, then enumeration of the home-set's address books with ctags.
// The caller persists the returned ContactBook(s) and picks one if multiple
// come back.
func DiscoverCardDAV(ctx context.Context, hc webdav.HTTPClient, accountID, endpoint string) ([]*model.ContactBook, error) {
	client, err := carddav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("carddav client: %w", err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindAddressBookHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find addressbook home-set: %w", err)
	}

	books, err := client.FindAddressBooks(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find addressbooks: %w", err)
	}

	var out []*model.ContactBook
	for _, b := range books {
		ctag, _ := RevalidateCTag(ctx, hc, joinCollectionURL(endpoint, b.Path))
		out = append(out, &model.ContactBook{
			Base:   model.Base{ID: uuid.NewString(), AccountID: accountID},
			URL:    b.Path,
			Source: model.ContactBookSourceCardDAV,
			CTag:   ctag,
		})
	}
	return out, nil
}

// DiscoverCalDAV mirrors DiscoverCardDAV for calendars, keeping only
// collections that advertise VEVENT support (spec.md §4.2 "Calendar sweep":
// "sync only those exposing VEVENT").
func DiscoverCalDAV(ctx context.Context, hc webdav.HTTPClient, accountID, endpoint string) ([]*model.Calendar, error) {
	client, err := caldav.NewClient(hc, endpoint)
	if err != nil {
		return nil, fmt.Errorf("caldav client: %w", err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find calendar home-set: %w", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	var out []*model.Calendar
	for _, c := range cals {
		if !supportsVEvent(c) {
			continue
		}
		ctag, _ := RevalidateCTag(ctx, hc, joinCollectionURL(endpoint, c.Path))
		out = append(out, &model.Calendar{
			Base:        model.Base{ID: uuid.NewString(), AccountID: accountID},
			Path:        c.Path,
			Name:        c.Name,
			CTag:        ctag,
			Description: c.Description,
		})
	}
	return out, nil
}

func supportsVEvent(c caldav.Calendar) bool {
	if len(c.SupportedComponentSet) == 0 {
		return true // servers that omit the set are assumed to support events
	}
	for _, comp := range c.SupportedComponentSet {
		if strings.EqualFold(comp, "VEVENT") {
			return true
		}
	}
	return false
}

// ctagPropfindBody is RFC 4791/CalendarServer's getctag PROPFIND, depth 0
// (spec.md §4.2: "Revalidate the book url with a PROPFIND depth=0 for
// <getctag>").
const ctagPropfindBody = `<?xml version="1.0" encoding="UTF-8"?>
<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:prop>
    <CS:getctag/>
  </D:prop>
</D:propfind>`

type ctagMultiStatus struct {
	XMLName   xml.Name `xml:"DAV: multistatus"`
	Responses []struct {
		PropStat struct {
			Prop struct {
				CTag string `xml:"http://calendarserver.org/ns/ getctag"`
			} `xml:"DAV: prop"`
		} `xml:"DAV: propstat"`
	} `xml:"DAV: response"`
}

// RevalidateCTag issues the getctag PROPFIND described above against a
// collection URL and returns its current ctag.
func RevalidateCTag(ctx context.Context, hc webdav.HTTPClient, collectionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", collectionURL, bytes.NewBufferString(ctagPropfindBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Depth", "0")

	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMultiStatus {
		return "", fmt.Errorf("dav: getctag propfind: unexpected status %d", resp.StatusCode)
	}

	var ms ctagMultiStatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return "", fmt.Errorf("dav: decode getctag response: %w", err)
	}
	if len(ms.Responses) == 0 {
		return "", fmt.Errorf("dav: getctag response had no entries")
	}
	return ms.Responses[0].PropStat.Prop.CTag, nil
}

// joinCollectionURL resolves a (possibly relative) collection path returned
// by FindAddressBooks/FindCalendars against endpoint's origin.
func joinCollectionURL(endpoint, path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	resolved, err := ResolveHref(endpoint, path)
	if err != nil {
		return JoinHref(endpoint, path)
	}
	return resolved
}
