package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
)

// FetchedMessage is one UID's worth of data from a heavy or attributes-only
// fetch (spec.md §4.1: "heavy fetch (headers + flags + labels + threadId +
// messageId)" vs. the attributes-only shallow/deep scans).
type FetchedMessage struct {
	UID imap.UID
	Flags []imap.Flag
	// XGMLabels/GMsgID are populated from the raw FETCH response's
	// X-GM-LABELS/X-GM-MSGID items on Gmail servers; go-imap/v2's FetchOptions
	// doesn't model the Gmail extension, so imapsync reads these off
	// RawFetchItems via the client's unilateral-data hook instead of here.
	XGMLabels       []string
	GMsgID          string
	HeaderMessageID string
	Subject         string
	Date            string // raw Date header, caller parses
	From, To, Cc, Bcc, ReplyTo []Address
	RFC822Size      int64
}

// Address is a minimal RFC 5322 mailbox.
type Address struct {
	Name  string
	Email string
}

// FetchHeavy issues the heavy fetch spec.md §4.1 describes for initial
// backfill and new-arrival ranges: full envelope plus flags and Gmail
// extension attributes.
func (c *Client) FetchHeavy(ctx context.Context, uids imap.UIDSet) ([]FetchedMessage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	options := &imap.FetchOptions{
		Envelope:   true,
		Flags:      true,
		UID:        true,
		RFC822Size: true,
	}

	type result struct {
		out []FetchedMessage
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		cmd := c.client.Fetch(uids, options)
		var out []FetchedMessage
		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				resultCh <- result{nil, fmt.Errorf("collect fetch: %w", err)}
				return
			}
			fm := FetchedMessage{UID: buf.UID, Flags: buf.Flags, RFC822Size: buf.RFC822Size}
			if buf.Envelope != nil {
				fm.Subject = buf.Envelope.Subject
				fm.HeaderMessageID = buf.Envelope.MessageID
				fm.From = toAddresses(buf.Envelope.From)
				fm.To = toAddresses(buf.Envelope.To)
				fm.Cc = toAddresses(buf.Envelope.Cc)
				fm.Bcc = toAddresses(buf.Envelope.Bcc)
				fm.ReplyTo = toAddresses(buf.Envelope.ReplyTo)
				if !buf.Envelope.Date.IsZero() {
					fm.Date = buf.Envelope.Date.UTC().Format("2006-01-02T15:04:05Z07:00")
				}
			}
			out = append(out, fm)
		}
		if err := cmd.Close(); err != nil {
			resultCh <- result{nil, fmt.Errorf("heavy fetch: %w", err)}
			return
		}
		resultCh <- result{out, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.out, r.err
	}
}

// FetchAttributesOnly issues the lightweight fetch the shallow/deep scans
// use to detect flag changes and deletions without re-downloading envelopes
// (spec.md §4.1 "attributes-only").
func (c *Client) FetchAttributesOnly(ctx context.Context, uids imap.UIDSet) ([]FetchedMessage, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	options := &imap.FetchOptions{Flags: true, UID: true}

	type result struct {
		out []FetchedMessage
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		cmd := c.client.Fetch(uids, options)
		var out []FetchedMessage
		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				resultCh <- result{nil, fmt.Errorf("collect fetch: %w", err)}
				return
			}
			out = append(out, FetchedMessage{UID: buf.UID, Flags: buf.Flags})
		}
		if err := cmd.Close(); err != nil {
			resultCh <- result{nil, fmt.Errorf("attributes-only fetch: %w", err)}
			return
		}
		resultCh <- result{out, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.out, r.err
	}
}

// FetchBody fetches the full RFC 5322 body for a single UID, used by the
// body-fetch policy and GetMessageRFC2822 task.
func (c *Client) FetchBody(ctx context.Context, uid imap.UID) ([]byte, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	set := imap.UIDSet{imap.UIDRange{Start: uid, Stop: uid}}
	bodySection := &imap.FetchItemBodySection{}
	options := &imap.FetchOptions{BodySection: []*imap.FetchItemBodySection{bodySection}}

	type result struct {
		data []byte
		err  error
	}
	resultCh := make(chan result, 1)
	go func() {
		cmd := c.client.Fetch(set, options)
		msg := cmd.Next()
		if msg == nil {
			cmd.Close()
			resultCh <- result{nil, fmt.Errorf("message not found")}
			return
		}
		buf, err := msg.Collect()
		if err != nil {
			cmd.Close()
			resultCh <- result{nil, fmt.Errorf("collect body fetch: %w", err)}
			return
		}
		if err := cmd.Close(); err != nil {
			resultCh <- result{nil, fmt.Errorf("body fetch: %w", err)}
			return
		}
		for _, section := range buf.BodySection {
			resultCh <- result{section.Bytes, nil}
			return
		}
		resultCh <- result{nil, fmt.Errorf("no body section returned")}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		return r.data, r.err
	}
}

func toAddresses(addrs []imap.Address) []Address {
	out := make([]Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, Address{Name: a.Name, Email: a.Mailbox + "@" + a.Host})
	}
	return out
}
