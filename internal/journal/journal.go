// Package journal maintains the daily journal pages: one page per calendar
// day, titled by date, created on demand and cleaned up when it was never
// written to.
package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/pages"
	"github.com/orangetask/sync/internal/syncer"
	"go.uber.org/zap"
)

// DefaultContents is the body a fresh journal page starts with.
const DefaultContents = "- "

var (
	errMissingStore  = errors.New("local store is required")
	errMissingSyncer = errors.New("sync service is required")

	// ErrNotAJournalTitle indicates a title that does not name a calendar day.
	ErrNotAJournalTitle = errors.New("journal: title is not a journal date")
)

// ServiceError carries an operation code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

const (
	opJournalNew   = "journal.service.new"
	opEnsureToday  = "journal.service.ensure_today_page"
	opCleanupStale = "journal.service.cleanup_stale"
	opRecentPages  = "journal.service.recent_pages"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Title renders the journal title for a calendar day, e.g. "Sep 1st, 2026".
func Title(date time.Time) string {
	return fmt.Sprintf("%s %s, %d", date.Format("Jan"), ordinalDay(date.Day()), date.Year())
}

// PageDate parses a journal title back into its calendar day.
func PageDate(title string) (time.Time, error) {
	var month string
	var day, year int
	var suffix string
	count, err := fmt.Sscanf(title, "%3s %d%2s, %d", &month, &day, &suffix, &year)
	if err != nil || count != 4 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNotAJournalTitle, title)
	}
	parsed, err := time.Parse("Jan 2, 2006", fmt.Sprintf("%s %d, %d", month, day, year))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNotAJournalTitle, title)
	}
	if Title(parsed) != title {
		return time.Time{}, fmt.Errorf("%w: %q", ErrNotAJournalTitle, title)
	}
	return parsed, nil
}

// IsDefaultValueRevision reports whether a journal page at this revision can
// only hold its initial contents: nothing was ever pushed on top of the
// creation.
func IsDefaultValueRevision(revisionNumber int64) bool {
	return revisionNumber <= 1
}

func ordinalDay(day int) string {
	suffix := "th"
	switch {
	case day%100 >= 11 && day%100 <= 13:
	case day%10 == 1:
		suffix = "st"
	case day%10 == 2:
		suffix = "nd"
	case day%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", day, suffix)
}

// ServiceConfig wires the journal service dependencies.
type ServiceConfig struct {
	Store  *localstore.Store
	Syncer *syncer.Service
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service owns journal page creation and cleanup for one user.
type Service struct {
	store  *localstore.Store
	syncer *syncer.Service
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opJournalNew, "missing_store", errMissingStore)
	}
	if cfg.Syncer == nil {
		return nil, newServiceError(opJournalNew, "missing_syncer", errMissingSyncer)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		syncer: cfg.Syncer,
		clock:  clock,
		logger: logger,
	}, nil
}

// TodayTitle returns the journal title for the current day.
func (s *Service) TodayTitle() string {
	return Title(s.clock())
}

// EnsureTodayPage creates today's journal page unless a committed page or a
// queued creation already carries today's title.
func (s *Service) EnsureTodayPage(ctx context.Context) error {
	title := s.TodayTitle()
	userID := s.syncer.UserID()

	committed, err := s.store.LivePageByTitle(ctx, userID, title)
	if err != nil {
		return newServiceError(opEnsureToday, "lookup_failed", err)
	}
	if committed != nil {
		return nil
	}
	queued, err := s.store.JournalPendingWritesByUser(ctx, userID)
	if err != nil {
		return newServiceError(opEnsureToday, "queue_scan_failed", err)
	}
	for _, write := range queued {
		if write.Title == title && !write.Deleted {
			return nil
		}
	}

	_, result, err := s.syncer.InsertPage(ctx, title, DefaultContents, true)
	if err != nil {
		// another context can win the race between the check and the insert
		if errors.Is(err, pages.ErrDuplicateKey) {
			return nil
		}
		return newServiceError(opEnsureToday, "insert_failed", err)
	}
	s.logger.Info("created journal page",
		zap.String("title", title),
		zap.String("result", result.String()))
	return nil
}

// CleanupStale removes journal pages from previous days that never received
// any content: committed ones are tombstoned through the normal sync path,
// queued creations are dropped before they waste a push.
func (s *Service) CleanupStale(ctx context.Context) error {
	today := s.TodayTitle()
	userID := s.syncer.UserID()
	nowMillis := s.clock().UnixMilli()

	committed, err := s.store.JournalPagesByUser(ctx, userID)
	if err != nil {
		return newServiceError(opCleanupStale, "list_failed", err)
	}
	for _, page := range committed {
		if page.Title == today {
			continue
		}
		if !IsDefaultValueRevision(page.RevisionNumber) || page.Value != DefaultContents {
			continue
		}
		result, err := s.syncer.UpdatePage(ctx, page, page.Value, page.Title, true, nowMillis)
		if err != nil {
			return newServiceError(opCleanupStale, "tombstone_failed", err)
		}
		s.logger.Info("tombstoned empty journal page",
			zap.String("title", page.Title),
			zap.String("result", result.String()))
	}

	queued, err := s.store.JournalPendingWritesByUser(ctx, userID)
	if err != nil {
		return newServiceError(opCleanupStale, "queue_scan_failed", err)
	}
	for _, write := range queued {
		if write.Title == today || write.Deleted {
			continue
		}
		if !IsDefaultValueRevision(write.RevisionNumber) || write.Value != DefaultContents {
			continue
		}
		if err := s.store.DeletePendingWrite(ctx, write.PageID); err != nil {
			return newServiceError(opCleanupStale, "discard_failed", err)
		}
	}
	return nil
}

// RecentPages returns the user's live journal pages for the given number of
// days back from today, newest first.
func (s *Service) RecentPages(ctx context.Context, days int) ([]pages.Page, error) {
	live, err := s.store.JournalPagesByUser(ctx, s.syncer.UserID())
	if err != nil {
		return nil, newServiceError(opRecentPages, "list_failed", err)
	}

	today := s.clock()
	cutoff := today.AddDate(0, 0, -days)

	type dated struct {
		page pages.Page
		day  time.Time
	}
	var kept []dated
	for _, page := range live {
		day, err := PageDate(page.Title)
		if err != nil {
			continue
		}
		if day.Before(cutoff) || day.After(today) {
			continue
		}
		kept = append(kept, dated{page: page, day: day})
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].day.After(kept[j].day)
	})

	result := make([]pages.Page, 0, len(kept))
	for _, entry := range kept {
		result = append(result, entry.page)
	}
	return result, nil
}

// LastWeekPages returns the live journal pages of the past seven days.
func (s *Service) LastWeekPages(ctx context.Context) ([]pages.Page, error) {
	return s.RecentPages(ctx, 7)
}

// LastSixWeeksPages returns the live journal pages of the past six weeks.
func (s *Service) LastSixWeeksPages(ctx context.Context) ([]pages.Page, error) {
	return s.RecentPages(ctx, 42)
}
