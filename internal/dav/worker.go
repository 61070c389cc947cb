package dav

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/emersion/go-webdav/carddav"
	"github.com/hkdb/aerion/internal/logging"
	"github.com/hkdb/aerion/internal/model"
	"github.com/hkdb/aerion/internal/retry"
	"github.com/hkdb/aerion/internal/store"
	"github.com/rs/zerolog"
)

// authFailureTolerance is how many consecutive 401/403 ctag revalidations a
// collection survives before its cached URL is invalidated (spec.md §4.2:
// "401/403 → tolerate up to 3, then invalidate").
const authFailureTolerance = 3

// networkRetryPolicy paces revalidation of a collection that's failing with
// transient network errors, so a flaky server gets backed off instead of
// hammered every checkInterval tick. Shares internal/retry.Policy with IMAP
// IDLE reconnect and the metadata stream (spec.md §9).
var networkRetryPolicy = retry.Policy{Base: 30 * time.Second, Factor: 2, Cap: 10 * time.Minute, StepCount: 6}

// Scheduler drives periodic CardDAV/CalDAV reconciliation for one account,
// generalizing the teacher's single-purpose carddav scheduler to both
// address books and calendars (spec.md §4.2).
type Scheduler struct {
	db        *store.DB
	hc        webdav.HTTPClient
	accountID string
	log       zerolog.Logger

	isConnected func() bool

	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	running       bool
	runningMu     sync.Mutex
	checkInterval time.Duration

	failuresMu sync.Mutex
	failures   map[string]int

	netMu        sync.Mutex
	netAttempts  map[string]int
	netRetryAt   map[string]time.Time

	wake chan struct{}
}

// NewScheduler constructs a DAV scheduler for one account.
func NewScheduler(db *store.DB, hc webdav.HTTPClient, accountID string) *Scheduler {
	return &Scheduler{
		db:            db,
		hc:            hc,
		accountID:     accountID,
		log:           logging.WithComponent("dav-scheduler").With().Str("account", accountID).Logger(),
		checkInterval: time.Minute,
		failures:      make(map[string]int),
		netAttempts:   make(map[string]int),
		netRetryAt:    make(map[string]time.Time),
		wake:          make(chan struct{}, 1),
	}
}

// SetConnectivityCheck wires an offline-skip hook, mirroring the teacher's
// carddav scheduler.
func (s *Scheduler) SetConnectivityCheck(check func() bool) {
	s.isConnected = check
}

// Start begins the periodic sync loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.wg.Add(1)
	go s.run()
	s.log.Info().Msg("DAV sync scheduler started")
}

// Stop halts the scheduler and waits for the in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.running = false
}

// TriggerSync nudges the scheduler to run a reconciliation pass immediately
// instead of waiting out its tick interval (spec.md §5/§6: "wake-workers").
func (s *Scheduler) TriggerSync() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.syncAll()
	for {
		select {
		case <-ticker.C:
			s.syncAll()
		case <-s.wake:
			s.syncAll()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) syncAll() {
	if s.isConnected != nil && !s.isConnected() {
		return
	}

	books, err := s.db.ListContactBooks(s.accountID)
	if err != nil {
		s.log.Error().Err(err).Msg("list contact books")
	}
	for _, b := range books {
		if err := s.syncContactBook(s.ctx, b); err != nil {
			s.log.Warn().Err(err).Str("book", b.ID).Msg("contact book sync failed")
		}
	}

	cals, err := s.db.ListCalendars(s.accountID)
	if err != nil {
		s.log.Error().Err(err).Msg("list calendars")
	}
	for _, c := range cals {
		if err := s.syncCalendar(s.ctx, c); err != nil {
			s.log.Warn().Err(err).Str("calendar", c.ID).Msg("calendar sync failed")
		}
	}
}

// ctagErrorAction classifies a RevalidateCTag failure per spec.md §4.2:
// "404/410 → invalidate cache; 401/403 → tolerate up to 3, then invalidate;
// network → propagate and retry".
func ctagErrorAction(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "404"), strings.Contains(msg, "410"):
		return "invalidate"
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"):
		return "tolerate"
	default:
		return "network"
	}
}

func (s *Scheduler) bumpFailure(key string) int {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	s.failures[key]++
	return s.failures[key]
}

func (s *Scheduler) clearFailure(key string) {
	s.failuresMu.Lock()
	defer s.failuresMu.Unlock()
	delete(s.failures, key)
}

// networkBackedOff reports whether key is still inside its backoff window
// from a prior transient network failure, so syncAll can skip it this tick
// instead of retrying immediately.
func (s *Scheduler) networkBackedOff(key string) bool {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	until, ok := s.netRetryAt[key]
	return ok && time.Now().Before(until)
}

// bumpNetworkFailure records a transient network error for key and arms its
// next backoff window per networkRetryPolicy.
func (s *Scheduler) bumpNetworkFailure(key string) {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	attempt := s.netAttempts[key]
	s.netRetryAt[key] = time.Now().Add(networkRetryPolicy.Delay(attempt))
	s.netAttempts[key] = attempt + 1
}

// clearNetworkFailure resets key's backoff state after a successful
// revalidation.
func (s *Scheduler) clearNetworkFailure(key string) {
	s.netMu.Lock()
	defer s.netMu.Unlock()
	delete(s.netAttempts, key)
	delete(s.netRetryAt, key)
}

func (s *Scheduler) syncContactBook(ctx context.Context, book *model.ContactBook) error {
	if s.networkBackedOff(book.ID) {
		return nil
	}

	ctag, err := RevalidateCTag(ctx, s.hc, book.URL)
	if err != nil {
		switch ctagErrorAction(err) {
		case "invalidate":
			return s.invalidateContactBook(book)
		case "tolerate":
			if s.bumpFailure(book.ID) > authFailureTolerance {
				return s.invalidateContactBook(book)
			}
			return nil
		default:
			s.bumpNetworkFailure(book.ID)
			return err // network: propagate, retried per networkRetryPolicy
		}
	}
	s.clearFailure(book.ID)
	s.clearNetworkFailure(book.ID)

	if ctag == book.CTag {
		return nil
	}

	client, err := carddav.NewClient(s.hc, book.URL)
	if err != nil {
		return err
	}

	outcome, syncErr := SyncContactAddressBook(ctx, client, book.URL, book.SyncToken, func(obj carddav.AddressObject) error {
		return s.ingestContact(book, obj)
	})
	if syncErr == ErrNeedsFullResync {
		book.SyncToken = ""
		outcome, syncErr = SyncContactAddressBook(ctx, client, book.URL, "", func(obj carddav.AddressObject) error {
			return s.ingestContact(book, obj)
		})
	}
	if syncErr != nil {
		return s.syncContactBookLegacy(ctx, client, book)
	}
	if outcome.Incomplete {
		s.log.Warn().Str("book", book.ID).Msg("sync-collection hit the page limit; pass incomplete")
	}

	if len(outcome.UpdatedHrefs) > 0 {
		if err := MultigetContacts(ctx, client, book.URL, outcome.UpdatedHrefs, func(objs []carddav.AddressObject) error {
			tx, err := s.db.Begin(nil)
			if err != nil {
				return err
			}
			for _, o := range objs {
				if err := s.ingestContactTx(tx, book, o); err != nil {
					tx.Rollback()
					return err
				}
			}
			return tx.Commit()
		}); err != nil {
			return err
		}
	}

	if len(outcome.Deleted) > 0 {
		tx, err := s.db.Begin(nil)
		if err != nil {
			return err
		}
		for _, href := range outcome.Deleted {
			if err := tx.DeleteContactByHref(book.ID, NormalizeHref(href)); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	book.CTag = ctag
	book.SyncToken = outcome.NextToken
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveContactBook(book); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) ingestContact(book *model.ContactBook, obj carddav.AddressObject) error {
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := s.ingestContactTx(tx, book, obj); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) ingestContactTx(tx *store.Tx, book *model.ContactBook, obj carddav.AddressObject) error {
	parsed, err := ParseVCard(s.accountID, book.ID, NormalizeHref(obj.Path), obj.ETag, obj.Card)
	if err != nil {
		return err
	}
	return SaveParsedContact(tx, parsed)
}

// syncContactBookLegacy runs the etag-list fallback when sync-collection is
// unsupported or has exhausted its retry (spec.md §4.2 "Legacy etag sync").
func (s *Scheduler) syncContactBookLegacy(ctx context.Context, client *carddav.Client, book *model.ContactBook) error {
	remote, err := ListAddressBookETags(ctx, client, book.URL)
	if err != nil {
		return err
	}

	local := make(map[string]string)
	contacts, err := s.db.ListContactsInBook(book.ID)
	if err != nil {
		return err
	}
	for _, c := range contacts {
		if c.Info.Href != "" {
			local[NormalizeHref(c.Info.Href)] = c.ETag
		}
	}

	diff := DiffByETag(remote, local)
	if len(diff.ChangedHrefs) > 0 {
		if err := MultigetContacts(ctx, client, book.URL, diff.ChangedHrefs, func(objs []carddav.AddressObject) error {
			tx, err := s.db.Begin(nil)
			if err != nil {
				return err
			}
			for _, o := range objs {
				if err := s.ingestContactTx(tx, book, o); err != nil {
					tx.Rollback()
					return err
				}
			}
			return tx.Commit()
		}); err != nil {
			return err
		}
	}

	if len(diff.DeletedHrefs) > 0 {
		tx, err := s.db.Begin(nil)
		if err != nil {
			return err
		}
		for _, href := range diff.DeletedHrefs {
			if err := tx.DeleteContactByHref(book.ID, href); err != nil {
				tx.Rollback()
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	ctag, _ := RevalidateCTag(ctx, s.hc, book.URL)
	book.CTag = ctag
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveContactBook(book); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) invalidateContactBook(book *model.ContactBook) error {
	book.URL = ""
	book.CTag = ""
	book.SyncToken = ""
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveContactBook(book); err != nil {
		tx.Rollback()
		return err
	}
	s.clearFailure(book.ID)
	return tx.Commit()
}

func (s *Scheduler) syncCalendar(ctx context.Context, cal *model.Calendar) error {
	if s.networkBackedOff(cal.ID) {
		return nil
	}

	ctag, err := RevalidateCTag(ctx, s.hc, cal.Path)
	if err != nil {
		switch ctagErrorAction(err) {
		case "invalidate":
			return s.invalidateCalendar(cal)
		case "tolerate":
			if s.bumpFailure(cal.ID) > authFailureTolerance {
				return s.invalidateCalendar(cal)
			}
			return nil
		default:
			s.bumpNetworkFailure(cal.ID)
			return err
		}
	}
	s.clearFailure(cal.ID)
	s.clearNetworkFailure(cal.ID)

	if ctag == cal.CTag {
		return nil
	}

	client, err := caldav.NewClient(s.hc, cal.Path)
	if err != nil {
		return err
	}

	outcome, syncErr := SyncCalendarCollection(ctx, client, cal.Path, cal.SyncToken)
	if syncErr == ErrNeedsFullResync {
		cal.SyncToken = ""
		outcome, syncErr = SyncCalendarCollection(ctx, client, cal.Path, "")
	}
	if syncErr != nil {
		return s.syncCalendarLegacy(ctx, client, cal)
	}
	if outcome.Incomplete {
		s.log.Warn().Str("calendar", cal.ID).Msg("sync-collection hit the page limit; pass incomplete")
	}

	if len(outcome.UpdatedHrefs) > 0 {
		if err := s.ingestEventHrefs(ctx, client, cal, outcome.UpdatedHrefs, true); err != nil {
			return err
		}
	}
	if len(outcome.Deleted) > 0 {
		if err := s.deleteEvents(cal, outcome.Deleted); err != nil {
			return err
		}
	}

	cal.CTag = ctag
	cal.SyncToken = outcome.NextToken
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveCalendar(cal); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) syncCalendarLegacy(ctx context.Context, client *caldav.Client, cal *model.Calendar) error {
	remote, err := ListCalendarETags(ctx, client, cal.Path, time.Now())
	if err != nil {
		return err
	}

	local := make(map[string]string)
	events, err := s.db.ListEventsInCalendar(cal.ID)
	if err != nil {
		return err
	}
	for _, e := range events {
		if e.Href != "" {
			local[NormalizeHref(e.Href)] = e.ETag
		}
	}

	diff := DiffByETag(remote, local)
	if len(diff.ChangedHrefs) > 0 {
		if err := s.ingestEventHrefs(ctx, client, cal, diff.ChangedHrefs, false); err != nil {
			return err
		}
	}
	if len(diff.DeletedHrefs) > 0 {
		if err := s.deleteEvents(cal, diff.DeletedHrefs); err != nil {
			return err
		}
	}

	ctag, _ := RevalidateCTag(ctx, s.hc, cal.Path)
	cal.CTag = ctag
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveCalendar(cal); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) ingestEventHrefs(ctx context.Context, client *caldav.Client, cal *model.Calendar, hrefs []string, incremental bool) error {
	return MultigetEvents(ctx, client, cal.Path, hrefs, func(objs []caldav.CalendarObject) error {
		tx, err := s.db.Begin(nil)
		if err != nil {
			return err
		}
		for _, o := range objs {
			events, err := ParseICSEvents(s.accountID, cal.ID, NormalizeHref(o.Path), o.ETag, o.Data, time.Now(), incremental)
			if err != nil {
				tx.Rollback()
				return err
			}
			for _, e := range events {
				if err := tx.SaveEvent(e); err != nil {
					tx.Rollback()
					return err
				}
			}
		}
		return tx.Commit()
	})
}

func (s *Scheduler) deleteEvents(cal *model.Calendar, hrefs []string) error {
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	for _, href := range hrefs {
		if err := tx.DeleteEventByHref(s.db, cal.ID, NormalizeHref(href)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Scheduler) invalidateCalendar(cal *model.Calendar) error {
	cal.Path = ""
	cal.CTag = ""
	cal.SyncToken = ""
	tx, err := s.db.Begin(nil)
	if err != nil {
		return err
	}
	if err := tx.SaveCalendar(cal); err != nil {
		tx.Rollback()
		return err
	}
	s.clearFailure(cal.ID)
	return tx.Commit()
}
