package dav

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/emersion/go-webdav"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/syncerr"
)

// ErrETagConflict is returned when a conditional write's If-Match fails
// (spec.md §4.2 write path: "a 412 surfaces as an etag-conflict error").
var ErrETagConflict = syncerr.Conflict("dav: etag conflict")

// PutContact writes a vCard resource. When c.ETag is empty this is a create
// (no If-Match, server assigns the href); otherwise it's a conditional
// update (spec.md §4.2: "PUT with If-Match: <etag> (for update)"). The
// caller must re-REPORT the resource afterward to pick up a possibly
// server-rewritten UID (spec.md §4.2: "some servers rewrite the UID on
// POST").
func PutContact(ctx context.Context, hc webdav.HTTPClient, collectionURL string, c *model.Contact) (href, etag string, err error) {
	body, err := EncodeVCard(c)
	if err != nil {
		return "", "", err
	}

	href = c.Info.Href
	if href == "" {
		href = JoinHref(collectionURL, c.ID+".vcf")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, bytes.NewBufferString(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "text/vcard; charset=utf-8")
	if c.ETag != "" {
		req.Header.Set("If-Match", c.ETag)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("put contact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return "", "", ErrETagConflict
	}
	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("put contact: unexpected status %d", resp.StatusCode)
	}
	return href, resp.Header.Get("ETag"), nil
}

// DeleteContact removes a vCard resource by href.
func DeleteContact(ctx context.Context, hc webdav.HTTPClient, href string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, href, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete contact: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// PutEvent writes an ICS resource at <calendarPath>/<uid>.ics with If-Match
// when updating (spec.md §4.2: "Event writes are PUT <calendarPath>/<uid>.ics
// with If-Match; a 412 surfaces as an etag-conflict error").
func PutEvent(ctx context.Context, hc webdav.HTTPClient, calendarPath string, e *model.Event) (href, etag string, err error) {
	href = e.Href
	if href == "" {
		href = JoinHref(calendarPath, e.ICSUID+".ics")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, href, bytes.NewReader(EncodeICSEvent(e)))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	if e.ETag != "" {
		req.Header.Set("If-Match", e.ETag)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("put event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusPreconditionFailed {
		return "", "", ErrETagConflict
	}
	if resp.StatusCode >= 300 {
		return "", "", fmt.Errorf("put event: unexpected status %d", resp.StatusCode)
	}
	return href, resp.Header.Get("ETag"), nil
}

// DeleteEvent removes an ICS resource by href.
func DeleteEvent(ctx context.Context, hc webdav.HTTPClient, href string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, href, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete event: unexpected status %d", resp.StatusCode)
	}
	return nil
}
