// Package syncer drives reconciliation between the local durable store and
// the remote authority: pulling committed pages down and pushing the pending
// writes queue up, one write at a time.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orangetask/sync/internal/devicelock"
	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/pages"
	"github.com/orangetask/sync/internal/remote"
	"go.uber.org/zap"
)

const defaultMaxPushAttempts = 10

var (
	errMissingStore      = errors.New("local store is required")
	errMissingRemote     = errors.New("remote authority is required")
	errMissingLocks      = errors.New("device lock manager is required")
	errMissingStatuses   = errors.New("status store is required")
	errMissingUserID     = errors.New("user id is required")
	errMissingIDProvider = errors.New("id provider is required")
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
	opServiceNew    = "syncer.service.new"
	opFetchUpdated  = "syncer.service.fetch_updated_pages"
	opProcessQueued = "syncer.service.process_queued_updates"
	opUpdatePage    = "syncer.service.update_page"
	opInsertPage    = "syncer.service.insert_page"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig wires the sync service dependencies.
type ServiceConfig struct {
	Store      *localstore.Store
	Remote     remote.Authority
	Locks      *devicelock.Manager
	Statuses   *pages.StatusStore
	Conflicts  *ConflictHandler
	IDProvider pages.IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
	// Online reports whether the authority is reachable. Offline runs are
	// successful no-ops, never errors.
	Online func() bool
	UserID string
	// MaxPushAttempts caps consecutive transient failures for one queued
	// write before it is surfaced as an unresolvable conflict.
	MaxPushAttempts int64
}

// Service owns the pull and push halves of synchronization for one user.
type Service struct {
	store           *localstore.Store
	remote          remote.Authority
	locks           *devicelock.Manager
	statuses        *pages.StatusStore
	conflicts       *ConflictHandler
	idProvider      pages.IDProvider
	clock           func() time.Time
	logger          *zap.Logger
	online          func() bool
	userID          string
	maxPushAttempts int64
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, newServiceError(opServiceNew, "missing_remote", errMissingRemote)
	}
	if cfg.Locks == nil {
		return nil, newServiceError(opServiceNew, "missing_locks", errMissingLocks)
	}
	if cfg.Statuses == nil {
		return nil, newServiceError(opServiceNew, "missing_statuses", errMissingStatuses)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.UserID == "" {
		return nil, newServiceError(opServiceNew, "missing_user_id", errMissingUserID)
	}
	conflicts := cfg.Conflicts
	if conflicts == nil {
		built, err := NewConflictHandler(ConflictHandlerConfig{
			Store:    cfg.Store,
			Statuses: cfg.Statuses,
			Logger:   cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		conflicts = built
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}
	maxAttempts := cfg.MaxPushAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPushAttempts
	}
	return &Service{
		store:           cfg.Store,
		remote:          cfg.Remote,
		locks:           cfg.Locks,
		statuses:        cfg.Statuses,
		conflicts:       conflicts,
		idProvider:      cfg.IDProvider,
		clock:           clock,
		logger:          logger,
		online:          online,
		userID:          cfg.UserID,
		maxPushAttempts: maxAttempts,
	}, nil
}

// Conflicts exposes the conflict handler the service resolves rejections with.
func (s *Service) Conflicts() *ConflictHandler {
	return s.conflicts
}

// UserID returns the user this service synchronizes for.
func (s *Service) UserID() string {
	return s.userID
}

// FetchUpdatedPages pulls committed pages newer than the local watermark and
// writes them to the local store. The whole pull runs under the device-wide
// pull lock so concurrent contexts cannot interleave partial pulls. Offline
// it is a successful no-op.
func (s *Service) FetchUpdatedPages(ctx context.Context) (pages.SyncResult, error) {
	if !s.online() {
		return pages.SyncSuccess, nil
	}

	result := pages.SyncSuccess
	lockErr := s.locks.WithLock(ctx, devicelock.RegionPagesPull, func() error {
		watermark, err := s.store.Watermark(ctx, s.userID)
		if err != nil {
			return newServiceError(opFetchUpdated, "watermark_failed", err)
		}

		var fetched []pages.Page
		if watermark == 0 {
			fetched, err = s.remote.FetchAll(ctx, s.userID)
		} else {
			fetched, err = s.remote.FetchSince(ctx, s.userID, watermark)
		}
		if err != nil {
			return newServiceError(opFetchUpdated, "fetch_failed", err)
		}

		for _, page := range fetched {
			if err := page.Validate(); err != nil {
				return newServiceError(opFetchUpdated, "malformed_page", err)
			}
			if err := s.store.PutPage(ctx, page); err != nil {
				return newServiceError(opFetchUpdated, "store_failed", err)
			}
		}
		if len(fetched) > 0 {
			s.logger.Info("pulled committed pages",
				zap.String("user_id", s.userID),
				zap.Int("count", len(fetched)),
				zap.Int64("watermark", watermark))
		}
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, devicelock.ErrLockNotAcquired) {
			// Another context is pulling the same pages right now.
			return pages.SyncSuccess, nil
		}
		s.logError(opFetchUpdated, "pull_failed", lockErr)
		return pages.SyncError, lockErr
	}
	return result, nil
}

// ProcessQueuedUpdates drains the pending writes queue one write at a time
// under the device-wide push lock. Rejections are routed through the conflict
// handler; transient failures bump the write's attempt counter and leave it
// queued. The returned result is the worst outcome across the queue.
func (s *Service) ProcessQueuedUpdates(ctx context.Context) (pages.SyncResult, error) {
	if !s.online() {
		return pages.SyncSuccess, nil
	}

	result := pages.SyncSuccess
	lockErr := s.locks.WithLock(ctx, devicelock.RegionPendingPush, func() error {
		queued, err := s.store.PendingWritesByUser(ctx, s.userID)
		if err != nil {
			return newServiceError(opProcessQueued, "list_failed", err)
		}
		for _, write := range queued {
			if info, tracked := s.statuses.Get(write.PageID); tracked &&
				(info.Status == pages.StatusConflict || info.Status == pages.StatusDroppingUpdate) {
				// Already surfaced; the user has not resolved it yet.
				result = result.Worst(pages.SyncConflict)
				continue
			}
			outcome, err := s.pushWrite(ctx, write)
			if err != nil {
				return err
			}
			result = result.Worst(outcome)
		}
		return nil
	})
	if lockErr != nil {
		if errors.Is(lockErr, devicelock.ErrLockNotAcquired) {
			return pages.SyncSuccess, nil
		}
		s.logError(opProcessQueued, "push_failed", lockErr)
		return pages.SyncError, lockErr
	}
	return result, nil
}

// pushWrite pushes one queued write. The returned error is reserved for
// local-store faults; authority rejections and transient remote failures are
// absorbed into the sync result.
func (s *Service) pushWrite(ctx context.Context, write pages.PendingWrite) (pages.SyncResult, error) {
	committed, err := s.store.GetPage(ctx, write.PageID)
	if err != nil {
		return pages.SyncError, newServiceError(opProcessQueued, "lookup_failed", err)
	}

	if committed == nil {
		return s.pushCreation(ctx, write)
	}

	// A pull may have advanced the committed page past the revision this
	// edit was based on. Surface the conflict locally instead of burning a
	// round trip the authority would reject anyway.
	if committed.RevisionNumber > write.RevisionNumber {
		if err := s.conflicts.Handle(ctx, write, pages.ConflictStaleUpdate); err != nil {
			return pages.SyncError, err
		}
		return pages.SyncConflict, nil
	}

	receipt, err := s.remote.UpdateWithHistory(ctx, remote.UpdateRequest{
		ID:                     write.PageID,
		Value:                  write.Value,
		Title:                  write.Title,
		Deleted:                write.Deleted,
		ExpectedRevisionNumber: committed.RevisionNumber,
	})
	if err != nil {
		return s.resolveRejectedWrite(ctx, write, err)
	}

	acknowledged := write.ToPage()
	acknowledged.RevisionNumber = receipt.RevisionNumber
	acknowledged.LastModifiedMillis = receipt.LastModifiedMillis
	if err := s.store.CommitPendingWrite(ctx, acknowledged); err != nil {
		return pages.SyncError, newServiceError(opProcessQueued, "commit_failed", err)
	}
	s.acknowledgeWrite(write.PageID, receipt.RevisionNumber, receipt.LastModifiedMillis)
	return pages.SyncSuccess, nil
}

// pushCreation pushes a queued write for a page the authority has never seen.
func (s *Service) pushCreation(ctx context.Context, write pages.PendingWrite) (pages.SyncResult, error) {
	created, err := s.remote.Insert(ctx, remote.InsertRequest{
		ID:        write.PageID,
		Title:     write.Title,
		Value:     write.Value,
		UserID:    write.UserID,
		IsJournal: write.IsJournal,
	})
	if err != nil {
		return s.resolveRejectedWrite(ctx, write, err)
	}
	if err := s.store.CommitPendingWrite(ctx, created); err != nil {
		return pages.SyncError, newServiceError(opProcessQueued, "commit_failed", err)
	}
	s.acknowledgeWrite(write.PageID, created.RevisionNumber, created.LastModifiedMillis)
	return pages.SyncSuccess, nil
}

// acknowledgeWrite records the authority's commit in the status map. A page
// still tracked as pending_write has no newer edit in flight and leaves the
// map; a page re-edited during the push keeps its status but adopts the
// committed revision as the new base.
func (s *Service) acknowledgeWrite(pageID string, revisionNumber, lastModifiedMillis int64) {
	s.statuses.SetRevisionNumber(pageID, revisionNumber)
	s.statuses.SetLastModified(pageID, lastModifiedMillis)
	if info, tracked := s.statuses.Get(pageID); tracked && info.Status == pages.StatusPendingWrite {
		s.statuses.Remove(pageID)
	}
}

// resolveRejectedWrite classifies an authority failure for a queued write.
// Recognized rejections go to the conflict handler. Transient failures leave
// the write queued and bump its attempt counter; once the counter reaches the
// cap the write is surfaced as an unresolvable conflict so it stops retrying.
func (s *Service) resolveRejectedWrite(ctx context.Context, write pages.PendingWrite, cause error) (pages.SyncResult, error) {
	code, recognized := classifyRemoteError(cause)
	if recognized {
		if err := s.conflicts.Handle(ctx, write, code); err != nil {
			return pages.SyncError, err
		}
		if code == pages.ConflictUniquenessViolation {
			return pages.SyncError, nil
		}
		return pages.SyncConflict, nil
	}

	s.logError(opProcessQueued, "remote_failed", cause,
		zap.String("page_id", write.PageID),
		zap.Int64("attempts", write.Attempts+1))
	attempts, err := s.store.IncrementPendingAttempts(ctx, write.PageID)
	if err != nil {
		return pages.SyncError, newServiceError(opProcessQueued, "bump_attempts_failed", err)
	}
	if attempts >= s.maxPushAttempts {
		if err := s.conflicts.Handle(ctx, write, pages.ConflictUnknown); err != nil {
			return pages.SyncError, err
		}
		return pages.SyncConflict, nil
	}
	return pages.SyncError, nil
}

// PerformSync runs a full pull-then-push cycle and reports the worst outcome.
// The queue drain only runs after a clean pull; pushing against a committed
// baseline the pull failed to refresh would fork stale revisions.
func (s *Service) PerformSync(ctx context.Context) (pages.SyncResult, error) {
	pullResult, pullErr := s.FetchUpdatedPages(ctx)
	if pullErr != nil || pullResult != pages.SyncSuccess {
		return pullResult, pullErr
	}
	pushResult, pushErr := s.ProcessQueuedUpdates(ctx)
	return pullResult.Worst(pushResult), pushErr
}

// UpdatePage queues a local edit of an existing page. The page argument is
// the committed snapshot the edit was based on; if the store already holds a
// newer committed version the edit is rejected as a conflict and nothing is
// queued.
func (s *Service) UpdatePage(ctx context.Context, page pages.Page, value, title string, deleted bool, editedAtMillis int64) (pages.SyncResult, error) {
	committed, err := s.store.GetPage(ctx, page.ID)
	if err != nil {
		return pages.SyncError, newServiceError(opUpdatePage, "lookup_failed", err)
	}
	if committed != nil && committed.LastModifiedMillis > page.LastModifiedMillis {
		s.logger.Info("rejecting edit of stale snapshot",
			zap.String("page_id", page.ID),
			zap.Int64("snapshot_ms", page.LastModifiedMillis),
			zap.Int64("committed_ms", committed.LastModifiedMillis))
		return pages.SyncConflict, nil
	}

	write := pages.PendingWrite{
		PageID:             page.ID,
		UserID:             page.UserID,
		Title:              title,
		Value:              value,
		IsJournal:          page.IsJournal,
		Deleted:            deleted,
		LastModifiedMillis: editedAtMillis,
		RevisionNumber:     page.RevisionNumber,
	}
	if err := s.store.PutPendingWrite(ctx, write); err != nil {
		return pages.SyncError, newServiceError(opUpdatePage, "queue_failed", err)
	}
	return pages.SyncSuccess, nil
}

// InsertPage queues the creation of a new page and returns its local view.
// Titles already taken by a live committed page or a queued creation are
// rejected before anything is written.
func (s *Service) InsertPage(ctx context.Context, title, value string, isJournal bool) (pages.Page, pages.SyncResult, error) {
	existing, err := s.store.LivePageByTitle(ctx, s.userID, title)
	if err != nil {
		return pages.Page{}, pages.SyncError, newServiceError(opInsertPage, "lookup_failed", err)
	}
	if existing != nil {
		return pages.Page{}, pages.SyncConflict, fmt.Errorf("%w: title %q", pages.ErrDuplicateKey, title)
	}
	queued, err := s.store.PendingWritesByUser(ctx, s.userID)
	if err != nil {
		return pages.Page{}, pages.SyncError, newServiceError(opInsertPage, "queue_scan_failed", err)
	}
	for _, write := range queued {
		if write.Title == title && !write.Deleted {
			return pages.Page{}, pages.SyncConflict, fmt.Errorf("%w: title %q", pages.ErrDuplicateKey, title)
		}
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return pages.Page{}, pages.SyncError, newServiceError(opInsertPage, "id_failed", err)
	}
	write := pages.PendingWrite{
		PageID:             id,
		UserID:             s.userID,
		Title:              title,
		Value:              value,
		IsJournal:          isJournal,
		LastModifiedMillis: s.clock().UnixMilli(),
		RevisionNumber:     1,
	}
	if err := s.store.PutPendingWrite(ctx, write); err != nil {
		return pages.Page{}, pages.SyncError, newServiceError(opInsertPage, "queue_failed", err)
	}
	return write.ToPage(), pages.SyncSuccess, nil
}

func (s *Service) logError(operation, reason string, cause error, fields ...zap.Field) {
	enriched := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause),
	}, fields...)
	s.logger.Error("sync operation failed", enriched...)
}
