// Package dav implements CardDAV/CalDAV discovery and reconciliation
// (spec.md §4.2).
package dav

import (
	"net/url"
	"strings"
)

// NormalizeHref reduces a server-reported href to a comparable canonical
// form: strip any scheme+host, percent-decode, then strip a trailing slash.
// Some servers report hrefs as absolute URLs and others as bare paths, and
// some double a separator when a base path already ends in "/" (spec.md §9
// open question — decided to apply this normalizer everywhere a href is
// compared, on both the contacts and events ingestion paths).
func NormalizeHref(href string) string {
	if u, err := url.Parse(href); err == nil && u.Path != "" {
		href = u.Path
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	href = strings.TrimSuffix(href, "/")
	return href
}

// JoinHref joins a base URL (scheme+host, or scheme+host+path) with a
// resource path, collapsing a doubled "/" at the seam. Some providers
// (Yandex, Yahoo) return a calendar-home-set path that already ends in "/"
// and a resource href that also starts with "/", producing "//" if joined
// naively (spec.md §9 open question, decided: always collapse).
func JoinHref(base, path string) string {
	base = strings.TrimSuffix(base, "/")
	path = "/" + strings.TrimPrefix(path, "/")
	return base + path
}

// SameHref reports whether two hrefs refer to the same resource once
// normalized.
func SameHref(a, b string) bool {
	return NormalizeHref(a) == NormalizeHref(b)
}

// ResolveHref turns a (possibly relative) href returned by a REPORT or
// PROPFIND into an absolute URL against the collection's own URL.
func ResolveHref(collectionURL, href string) (string, error) {
	base, err := url.Parse(collectionURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
