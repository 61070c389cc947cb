package imapsync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap/v2"
	gomessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non-UTF-8 charset decoders
	"github.com/hkdb/aerion/internal/imap"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/store"
)

// maxBodyPartSize bounds a single MIME part read, the teacher's own
// defense against memory exhaustion from malformed or hostile messages.
const maxBodyPartSize = 8 * 1024 * 1024

// bodyBatchSize and bodyMaxAge implement spec.md §4.1's body fetch policy:
// eligible folders, batches of 30 in descending date order, messages under
// 90 days old or drafts.
const (
	bodyBatchSize = 30
	bodyMaxAge    = 90 * 24 * time.Hour

	bodyCleanupAge    = 14 * 24 * time.Hour
	bodyCleanupMinAge = 90 * 24 * time.Hour
)

// FetchBodies claims and fetches up to one batch of eligible message bodies
// for folder, parsing each into text/HTML with the same claim-before-fetch
// discipline the teacher's sync engine uses for attachments (spec.md §4.1:
// "An empty body row is written before each fetch to claim the work").
func FetchBodies(ctx context.Context, c *imap.Client, db *store.DB, accountID string, folder *model.Folder, now time.Time) (int, error) {
	if !folder.BodyCacheEligible() {
		return 0, nil
	}

	candidates, err := db.ListMessagesNeedingBody(folder.ID, now.Add(-bodyMaxAge), bodyBatchSize)
	if err != nil {
		return 0, err
	}

	fetched := 0
	for _, m := range candidates {
		claimTx, err := db.Begin(nil)
		if err != nil {
			return fetched, err
		}
		if err := claimTx.ClaimBodyFetch(accountID, m.ID, now); err != nil {
			claimTx.Rollback()
			return fetched, err
		}
		if err := claimTx.Commit(); err != nil {
			return fetched, err
		}

		raw, err := c.FetchBody(ctx, goimap.UID(m.RemoteUID))
		if err != nil {
			continue // leave the claim in place; retried on the next pass
		}

		text, html := parseBody(raw)

		saveTx, err := db.Begin(nil)
		if err != nil {
			return fetched, err
		}
		if err := saveTx.SaveBody(m.ID, text, html, now); err != nil {
			saveTx.Rollback()
			return fetched, err
		}
		if err := saveTx.Commit(); err != nil {
			return fetched, err
		}
		fetched++
	}

	return fetched, nil
}

// FetchBodyForMessage fetches and saves one message's body immediately,
// independent of folder eligibility or batching — used by the foreground
// worker to service `need-bodies` requests (spec.md §6) for messages the
// user is actively looking at, LIFO-prioritized ahead of the background
// batch fetch (spec.md §5).
func FetchBodyForMessage(ctx context.Context, c *imap.Client, db *store.DB, accountID, messageID string, now time.Time) error {
	m, err := db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	folder, err := db.GetFolder(m.RemoteFolderID)
	if err != nil {
		return err
	}
	if folder == nil {
		return nil
	}

	claimTx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	if err := claimTx.ClaimBodyFetch(accountID, m.ID, now); err != nil {
		claimTx.Rollback()
		return err
	}
	if err := claimTx.Commit(); err != nil {
		return err
	}

	if _, err := c.SelectMailbox(ctx, folder.Path); err != nil {
		return err
	}
	raw, err := c.FetchBody(ctx, goimap.UID(m.RemoteUID))
	if err != nil {
		return err // leave the claim in place; retried on a later request or the next batch pass
	}
	text, html := parseBody(raw)

	saveTx, err := db.Begin(nil)
	if err != nil {
		return err
	}
	if err := saveTx.SaveBody(m.ID, text, html, now); err != nil {
		saveTx.Rollback()
		return err
	}
	return saveTx.Commit()
}

// CleanupBodies purges cached bodies older than 14 days for messages older
// than 90 days, then recomputes bodiesPresent/bodiesWanted (spec.md §4.1
// cleanup pass).
func CleanupBodies(tx *store.Tx, db *store.DB, accountID string, folder *model.Folder, now time.Time) error {
	if _, err := tx.PurgeOldBodies(accountID, now.Add(-bodyCleanupAge), now.Add(-bodyCleanupMinAge)); err != nil {
		return err
	}
	present, wanted, err := db.CountBodies(folder.ID)
	if err != nil {
		return err
	}
	folder.LocalStatus.BodiesPresent = present
	folder.LocalStatus.BodiesWanted = wanted
	folder.LocalStatus.LastCleanup = now.Unix()
	return tx.SaveFolder(folder)
}

// parseBody walks a raw RFC 5322 message for its text/plain and text/html
// parts, grounded on the teacher's internal/sync parseMessageBody (the
// engine's legacy, non-S/MIME/PGP path — this package doesn't carry
// attachment extraction or S/MIME/PGP handling, so the simpler of the
// teacher's two parsers is the fit here).
func parseBody(raw []byte) (bodyText, bodyHTML string) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return string(raw), ""
	}

	if mr := entity.MultipartReader(); mr != nil {
		walkMultipart(mr, &bodyText, &bodyHTML)
		return bodyText, bodyHTML
	}

	contentType, _, _ := mime.ParseMediaType(entity.Header.Get("Content-Type"))
	body, _ := io.ReadAll(io.LimitReader(entity.Body, maxBodyPartSize))
	if contentType == "text/html" {
		bodyHTML = string(body)
	} else {
		bodyText = string(body)
	}
	return bodyText, bodyHTML
}

func walkMultipart(mr gomessage.MultipartReader, bodyText, bodyHTML *string) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, io.EOF) && !strings.Contains(err.Error(), "EOF") {
				break
			}
			break
		}

		contentType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if disposition == "attachment" {
			continue
		}
		if strings.HasPrefix(contentType, "multipart/") {
			if nested := part.MultipartReader(); nested != nil {
				walkMultipart(nested, bodyText, bodyHTML)
			}
			continue
		}

		content, _ := io.ReadAll(io.LimitReader(part.Body, maxBodyPartSize))
		switch contentType {
		case "text/plain":
			if *bodyText == "" {
				*bodyText = string(content)
			}
		case "text/html":
			if *bodyHTML == "" {
				*bodyHTML = string(content)
			}
		}
	}
}
