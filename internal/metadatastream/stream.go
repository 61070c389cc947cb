// Package metadatastream implements the single long-poll connection to the
// identity service described in spec.md §4.4: a cursor-based backfill
// followed by a chunked newline-delimited JSON stream, reconciled against
// the local store's Metadata/DetachedMetadata tables.
//
// No teacher analogue exists for this — Aerion is a desktop client with no
// plugin-metadata backplane. The HTTP client shape is grounded on the
// conventions internal/credentials/store.go establishes elsewhere in the
// codebase (one small Config-built client, structured zerolog logging
// throughout); the backoff table comes from internal/retry, generalizing
// internal/imap/idle.go's reconnect fields into one shared policy.
package metadatastream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/retry"
	"github.com/hkdb/aerion/internal/store"
	"github.com/hkdb/aerion/internal/syncerr"
	"github.com/rs/zerolog"
)

const (
	backfillPageSize = 500
	idleTimeout      = 30 * time.Second
)

// Config holds the identity service connection parameters.
type Config struct {
	BaseURL   string // IDENTITY_SERVER
	AccountID string
	Client    *http.Client
}

// Client drives one account's metadata stream against the identity service.
type Client struct {
	cfg Config
	db  *store.DB
	log zerolog.Logger
}

// NewClient builds a metadata stream Client for one account.
func NewClient(cfg Config, db *store.DB) *Client {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 0} // streaming response, no blanket timeout
	}
	return &Client{cfg: cfg, db: db, log: logging.WithComponent("metadatastream")}
}

func (c *Client) cursorKey() string {
	return "metadatastream_cursor_" + c.cfg.AccountID
}

// deltaRecord is one line of the backfill/stream protocol: an object
// identity, its plugin attributes, and the cursor position it leaves the
// caller at (spec.md §4.4: "Each delta arrives as a JSON object with
// object, attributes, cursor").
type deltaRecord struct {
	Object struct {
		Type       string     `json:"type"`
		ID         string     `json:"id"`
		PluginID   string     `json:"pluginId"`
		Version    int64      `json:"version"`
		Expiration *time.Time `json:"expiration,omitempty"`
	} `json:"object"`
	Attributes json.RawMessage `json:"attributes"`
	Cursor     string          `json:"cursor"`
}

// Run drives the cursor-fetch → backfill → stream sequence until ctx is
// cancelled, reconnecting with the spec's backoff table on retryable
// errors and returning on the first fatal one.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			attempt = 0
			continue // the stream ended cleanly (EOF); reconnect immediately
		}
		if !syncerr.IsRetryable(err) {
			return fmt.Errorf("metadata stream: fatal error: %w", err)
		}
		delay := retry.MetadataStreamPolicy.Delay(attempt)
		c.log.Warn().Err(err).Dur("retryIn", delay).Msg("metadata stream: retrying after error")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		attempt++
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	cursor, ok, err := c.db.GetSetting(c.cursorKey())
	if err != nil {
		return syncerr.Fatal(fmt.Errorf("load cursor: %w", err))
	}
	if !ok {
		cursor, err = c.fetchHeadCursor(ctx)
		if err != nil {
			return err
		}
		if err := c.saveCursor(cursor); err != nil {
			return syncerr.Fatal(err)
		}
		cursor, err = c.backfill(ctx, cursor)
		if err != nil {
			return err
		}
	}
	return c.stream(ctx, cursor)
}

// fetchHeadCursor establishes the starting point the very first time an
// account connects (spec.md §4.4: "if no cursor, fetch the current head
// cursor").
func (c *Client) fetchHeadCursor(ctx context.Context) (string, error) {
	u := fmt.Sprintf("%s/metadata/cursor?account_id=%s", c.cfg.BaseURL, url.QueryEscape(c.cfg.AccountID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", syncerr.Fatal(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return "", syncerr.Network(err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var body struct {
		Cursor string `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", syncerr.Network(fmt.Errorf("decode head cursor: %w", err))
	}
	return body.Cursor, nil
}

// backfill pages through existing metadata in blocks of 500 before the
// streaming channel opens (spec.md §4.4), returning the cursor to resume
// streaming from.
func (c *Client) backfill(ctx context.Context, cursor string) (string, error) {
	for {
		u := fmt.Sprintf("%s/metadata/backfill?account_id=%s&cursor=%s&limit=%d",
			c.cfg.BaseURL, url.QueryEscape(c.cfg.AccountID), url.QueryEscape(cursor), backfillPageSize)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return "", syncerr.Fatal(err)
		}
		resp, err := c.cfg.Client.Do(req)
		if err != nil {
			return "", syncerr.Network(err)
		}
		var page struct {
			Records []deltaRecord `json:"records"`
		}
		decErr := json.NewDecoder(resp.Body).Decode(&page)
		statusErr := checkStatus(resp)
		resp.Body.Close()
		if statusErr != nil {
			return "", statusErr
		}
		if decErr != nil {
			return "", syncerr.Network(fmt.Errorf("decode backfill page: %w", decErr))
		}

		for _, rec := range page.Records {
			if err := c.ingest(rec); err != nil {
				return "", syncerr.Fatal(err)
			}
			cursor = rec.Cursor
		}
		if err := c.saveCursor(cursor); err != nil {
			return "", syncerr.Fatal(err)
		}
		if len(page.Records) < backfillPageSize {
			return cursor, nil // drained
		}
	}
}

// stream opens the chunked NDJSON channel and reads it line by line,
// treating a lone "\n" as a heartbeat and enforcing the 30s idle timeout
// (spec.md §4.4) via a reader goroutine racing a timer, since an
// *http.Response body exposes no read-deadline of its own.
func (c *Client) stream(ctx context.Context, cursor string) error {
	u := fmt.Sprintf("%s/metadata/stream?account_id=%s&cursor=%s",
		c.cfg.BaseURL, url.QueryEscape(c.cfg.AccountID), url.QueryEscape(cursor))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return syncerr.Fatal(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return syncerr.Network(err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	lines := make(chan string)
	readErrs := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErrs <- scanner.Err()
	}()

	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-idle.C:
			return syncerr.Network(fmt.Errorf("metadata stream: idle for %s", idleTimeout))
		case line, ok := <-lines:
			if !ok {
				if err := <-readErrs; err != nil {
					return syncerr.Network(err)
				}
				return nil // server closed cleanly; reconnect
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

			if len(bytes.TrimSpace([]byte(line))) == 0 {
				continue // heartbeat
			}
			var rec deltaRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				return syncerr.Fatal(fmt.Errorf("decode stream record: %w", err))
			}
			if err := c.ingest(rec); err != nil {
				return syncerr.Fatal(err)
			}
			if err := c.saveCursor(rec.Cursor); err != nil {
				return syncerr.Fatal(err)
			}
		}
	}
}

// ingest applies one delta record: upsert when the referenced model exists
// locally, park in detached_metadata otherwise (spec.md §4.4).
func (c *Client) ingest(rec deltaRecord) error {
	exists, err := c.db.ModelExists(c.cfg.AccountID, rec.Object.Type, rec.Object.ID)
	if err != nil {
		return err
	}

	tx, err := c.db.Begin(nil)
	if err != nil {
		return err
	}

	if exists {
		m := &model.Metadata{
			AccountID:  c.cfg.AccountID,
			PluginID:   rec.Object.PluginID,
			ObjectType: rec.Object.Type,
			ObjectID:   rec.Object.ID,
			Version:    rec.Object.Version,
			Attributes: rec.Attributes,
			Expiration: rec.Object.Expiration,
		}
		if _, err := tx.UpsertMetadata(m); err != nil {
			tx.Rollback()
			return err
		}
	} else {
		d := &model.DetachedMetadata{
			AccountID:  c.cfg.AccountID,
			ObjectID:   rec.Object.ID,
			PluginID:   rec.Object.PluginID,
			ObjectType: rec.Object.Type,
			Version:    rec.Object.Version,
			Attributes: rec.Attributes,
			Expiration: rec.Object.Expiration,
		}
		if err := tx.SaveDetachedMetadata(d); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *Client) saveCursor(cursor string) error {
	if cursor == "" {
		return nil
	}
	return c.db.SetSetting(c.cursorKey(), cursor)
}

// checkStatus classifies an HTTP response: 2xx is success, 429/5xx are
// retryable, everything else is fatal (spec.md §4.4: "non-retryable errors
// are fatal and log+abort").
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err := fmt.Errorf("identity server returned %s", resp.Status)
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return syncerr.Network(err)
	}
	return syncerr.Fatal(err)
}
