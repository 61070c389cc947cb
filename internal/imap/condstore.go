package imap

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// QResyncState carries the (uidValidity, modSeq, knownUIDs) triple a prior
// sync recorded for a folder, enabling the RFC 5162 QRESYNC fast path
// (spec.md §4.1: "CONDSTORE/QRESYNC fast paths").
type QResyncState struct {
	UIDValidity uint32
	ModSeq      uint64
	KnownUIDs   imap.UIDSet
}

// SelectQResync selects a mailbox with CONDSTORE enabled when state carries
// a UIDVALIDITY, falling back to a plain SELECT on servers without QRESYNC.
// It sends no QRESYNC parameters (state's ModSeq and KnownUIDs are unused),
// so the server returns no VANISHED (EARLIER) data with the SELECT.
func (c *Client) SelectQResync(ctx context.Context, name string, state *QResyncState) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	if !c.caps.Has(imap.CapQResync) {
		return c.SelectMailbox(ctx, name)
	}

	opts := &imap.SelectOptions{}
	if state != nil && state.UIDValidity != 0 {
		opts.CondStore = true
	}

	type selectResult struct {
		data *imap.SelectData
		err  error
	}
	resultCh := make(chan selectResult, 1)
	go func() {
		data, err := c.client.Select(name, opts).Wait()
		resultCh <- selectResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("failed to select mailbox (qresync): %w", result.err)
		}
		mb := &Mailbox{
			Name:        name,
			UIDValidity: result.data.UIDValidity,
			UIDNext:     uint32(result.data.UIDNext),
			Messages:    result.data.NumMessages,
		}
		if result.data.HighestModSeq != 0 {
			mb.HighestModSeq = result.data.HighestModSeq
		}
		return mb, nil
	}
}

// ChangedSinceResult is one UID's post-modseq flag state, as returned by a
// CONDSTORE FETCH ... (CHANGEDSINCE) call.
type ChangedSinceResult struct {
	UID     imap.UID
	Flags   []imap.Flag
	ModSeq  uint64
	Vanished bool // VANISHED marker; FetchChangedSince never sets it
}

// FetchChangedSince issues `UID FETCH <all> (FLAGS MODSEQ) (CHANGEDSINCE
// modseq)` — the CONDSTORE fast path that returns only messages whose
// MODSEQ exceeds the watermark, instead of re-fetching the whole mailbox
// (spec.md §4.1 CONDSTORE fast path).
func (c *Client) FetchChangedSince(ctx context.Context, modSeq uint64) ([]ChangedSinceResult, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	all := imap.UIDSet{imap.UIDRange{Start: 1, Stop: 0}}
	fetchOptions := &imap.FetchOptions{
		Flags:  true,
		ModSeq: true,
	}

	type fetchResult struct {
		out []ChangedSinceResult
		err error
	}
	resultCh := make(chan fetchResult, 1)
	go func() {
		cmd := c.client.Fetch(all, fetchOptions, &imapclient.FetchOptions{ChangedSince: modSeq})
		var out []ChangedSinceResult
		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				resultCh <- fetchResult{nil, fmt.Errorf("collect fetch message: %w", err)}
				return
			}
			out = append(out, ChangedSinceResult{
				UID:    buf.UID,
				Flags:  buf.Flags,
				ModSeq: buf.ModSeq,
			})
		}
		if err := cmd.Close(); err != nil {
			resultCh <- fetchResult{nil, fmt.Errorf("changedsince fetch: %w", err)}
			return
		}
		resultCh <- fetchResult{out, nil}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		return result.out, result.err
	}
}

// SearchHeader returns the UIDs in the selected mailbox whose header field
// matches value — used by SendDraft's Sent-folder relink (spec.md §4.3:
// "locate resulting Sent-folder entry by Message-ID").
func (c *Client) SearchHeader(ctx context.Context, field, value string) ([]imap.UID, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: field, Value: value}},
	}
	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := c.client.UIDSearch(criteria, nil).Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("uid search header %s: %w", field, result.err)
		}
		return result.data.AllUIDs(), nil
	}
}

// UIDSearchAll returns every UID currently in the selected mailbox — used
// for the deep scan's full-reconciliation pass (spec.md §4.1 3-tier scan
// policy).
func (c *Client) UIDSearchAll(ctx context.Context) ([]imap.UID, error) {
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}

	criteria := &imap.SearchCriteria{}
	type searchResult struct {
		data *imap.SearchData
		err  error
	}
	resultCh := make(chan searchResult, 1)
	go func() {
		data, err := c.client.UIDSearch(criteria, nil).Wait()
		resultCh <- searchResult{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("uid search all: %w", result.err)
		}
		return result.data.AllUIDs(), nil
	}
}
