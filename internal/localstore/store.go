package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreError carries an operation code alongside its cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

const (
	opStoreNew      = "localstore.new"
	opGetPage       = "localstore.get_page"
	opPutPage       = "localstore.put_page"
	opDeletePage    = "localstore.delete_page"
	opListPages     = "localstore.pages_by_user"
	opWatermark     = "localstore.watermark"
	opGetPending    = "localstore.get_pending_write"
	opPutPending    = "localstore.put_pending_write"
	opDeletePending = "localstore.delete_pending_write"
	opListPending   = "localstore.pending_writes_by_user"
	opBumpAttempts  = "localstore.increment_pending_attempts"
	opCommitPending = "localstore.commit_pending_write"
	opMergedPages   = "localstore.merged_pages"
)

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig wires the durable store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the Local Durable Store: committed pages plus the pending writes
// queue, both keyed by page id. Every mutation is published to subscribers so
// dependent components observe changes without polling. The store enforces no
// cross-document invariants itself; that is the reconciler's job.
type Store struct {
	db       *gorm.DB
	notifier *Notifier
	logger   *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:       cfg.Database,
		notifier: NewNotifier(),
		logger:   logger,
	}, nil
}

// Subscribe registers for change events about one user's records.
func (s *Store) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	return s.notifier.Subscribe(ctx, userID)
}

// GetPage returns the committed page with the given id, or nil when absent.
func (s *Store) GetPage(ctx context.Context, id string) (*pages.Page, error) {
	var page pages.Page
	err := s.db.WithContext(ctx).Where("page_id = ?", id).Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opGetPage, "query_failed", err)
	}
	return &page, nil
}

// PutPage overwrites or inserts a committed page.
func (s *Store) PutPage(ctx context.Context, page pages.Page) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&page).Error; err != nil {
		return newStoreError(opPutPage, "save_failed", err)
	}
	s.notifier.Publish(Event{UserID: page.UserID, Collection: CollectionPages, PageIDs: []string{page.ID}})
	return nil
}

// DeletePage removes a committed page record entirely. Ordinary deletion is a
// synced tombstone; this hard removal exists only for pages the authority
// never knew about.
func (s *Store) DeletePage(ctx context.Context, id string) error {
	page, err := s.GetPage(ctx, id)
	if err != nil {
		return err
	}
	if page == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("page_id = ?", id).Delete(&pages.Page{}).Error; err != nil {
		return newStoreError(opDeletePage, "delete_failed", err)
	}
	s.notifier.Publish(Event{UserID: page.UserID, Collection: CollectionPages, PageIDs: []string{id}})
	return nil
}

// PagesByUser returns every committed page for the user, tombstones included.
func (s *Store) PagesByUser(ctx context.Context, userID string) ([]pages.Page, error) {
	var result []pages.Page
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_modified_ms ASC").
		Find(&result).Error; err != nil {
		return nil, newStoreError(opListPages, "query_failed", err)
	}
	return result, nil
}

// JournalPagesByUser returns the user's live journal pages.
func (s *Store) JournalPagesByUser(ctx context.Context, userID string) ([]pages.Page, error) {
	var result []pages.Page
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_journal = ? AND deleted = ?", userID, true, false).
		Find(&result).Error; err != nil {
		return nil, newStoreError(opListPages, "query_failed", err)
	}
	return result, nil
}

// LivePageByTitle returns the user's non-deleted committed page with the
// given title, or nil when absent.
func (s *Store) LivePageByTitle(ctx context.Context, userID, title string) (*pages.Page, error) {
	var page pages.Page
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND title = ? AND deleted = ?", userID, title, false).
		Take(&page).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opListPages, "query_failed", err)
	}
	return &page, nil
}

// Watermark returns the most recent last-modified timestamp across the
// user's committed pages, or zero when none exist.
func (s *Store) Watermark(ctx context.Context, userID string) (int64, error) {
	var watermark int64
	err := s.db.WithContext(ctx).
		Model(&pages.Page{}).
		Where("user_id = ?", userID).
		Select("COALESCE(MAX(last_modified_ms), 0)").
		Scan(&watermark).Error
	if err != nil {
		return 0, newStoreError(opWatermark, "query_failed", err)
	}
	return watermark, nil
}

// GetPendingWrite returns the queued mutation for a page, or nil when absent.
func (s *Store) GetPendingWrite(ctx context.Context, id string) (*pages.PendingWrite, error) {
	var write pages.PendingWrite
	err := s.db.WithContext(ctx).Where("page_id = ?", id).Take(&write).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, newStoreError(opGetPending, "query_failed", err)
	}
	return &write, nil
}

// PutPendingWrite overwrites or inserts the queued mutation for a page. The
// primary key on page id keeps at most one pending write per page.
func (s *Store) PutPendingWrite(ctx context.Context, write pages.PendingWrite) error {
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&write).Error; err != nil {
		return newStoreError(opPutPending, "save_failed", err)
	}
	s.notifier.Publish(Event{UserID: write.UserID, Collection: CollectionPendingWrites, PageIDs: []string{write.PageID}})
	return nil
}

// DeletePendingWrite removes the queued mutation for a page, if any.
func (s *Store) DeletePendingWrite(ctx context.Context, id string) error {
	write, err := s.GetPendingWrite(ctx, id)
	if err != nil {
		return err
	}
	if write == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("page_id = ?", id).Delete(&pages.PendingWrite{}).Error; err != nil {
		return newStoreError(opDeletePending, "delete_failed", err)
	}
	s.notifier.Publish(Event{UserID: write.UserID, Collection: CollectionPendingWrites, PageIDs: []string{id}})
	return nil
}

// PendingWritesByUser returns the user's queued mutations in stable order.
func (s *Store) PendingWritesByUser(ctx context.Context, userID string) ([]pages.PendingWrite, error) {
	var result []pages.PendingWrite
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_modified_ms ASC").
		Find(&result).Error; err != nil {
		return nil, newStoreError(opListPending, "query_failed", err)
	}
	return result, nil
}

// JournalPendingWritesByUser returns the user's queued journal mutations.
func (s *Store) JournalPendingWritesByUser(ctx context.Context, userID string) ([]pages.PendingWrite, error) {
	var result []pages.PendingWrite
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_journal = ?", userID, true).
		Find(&result).Error; err != nil {
		return nil, newStoreError(opListPending, "query_failed", err)
	}
	return result, nil
}

// IncrementPendingAttempts bumps the failed-push counter for a queued
// mutation and returns the new count.
func (s *Store) IncrementPendingAttempts(ctx context.Context, id string) (int64, error) {
	write, err := s.GetPendingWrite(ctx, id)
	if err != nil {
		return 0, err
	}
	if write == nil {
		return 0, nil
	}
	write.Attempts++
	if err := s.db.WithContext(ctx).Save(write).Error; err != nil {
		return 0, newStoreError(opBumpAttempts, "save_failed", err)
	}
	return write.Attempts, nil
}

// CommitPendingWrite atomically removes a page's queued mutation and
// overwrites its committed record with the acknowledged state.
func (s *Store) CommitPendingWrite(ctx context.Context, page pages.Page) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("page_id = ?", page.ID).Delete(&pages.PendingWrite{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&page).Error
	})
	if txErr != nil {
		return newStoreError(opCommitPending, "transaction_failed", txErr)
	}
	s.notifier.Publish(Event{UserID: page.UserID, Collection: CollectionPendingWrites, PageIDs: []string{page.ID}})
	s.notifier.Publish(Event{UserID: page.UserID, Collection: CollectionPages, PageIDs: []string{page.ID}})
	return nil
}

// MergedPages returns the user's pages as the editor should see them:
// committed pages overlaid with their pending writes, queued creations
// appended, and pages deleted locally or remotely excluded.
func (s *Store) MergedPages(ctx context.Context, userID string) ([]pages.Page, error) {
	committed, err := s.PagesByUser(ctx, userID)
	if err != nil {
		return nil, newStoreError(opMergedPages, "pages_query_failed", err)
	}
	queued, err := s.PendingWritesByUser(ctx, userID)
	if err != nil {
		return nil, newStoreError(opMergedPages, "pending_query_failed", err)
	}

	queuedByID := make(map[string]pages.PendingWrite, len(queued))
	for _, write := range queued {
		queuedByID[write.PageID] = write
	}

	merged := make([]pages.Page, 0, len(committed)+len(queued))
	committedIDs := make(map[string]struct{}, len(committed))
	for _, page := range committed {
		committedIDs[page.ID] = struct{}{}
		if page.Deleted {
			continue
		}
		if write, ok := queuedByID[page.ID]; ok {
			if write.Deleted {
				continue
			}
			merged = append(merged, write.ToPage())
			continue
		}
		merged = append(merged, page)
	}
	for _, write := range queued {
		if _, ok := committedIDs[write.PageID]; ok {
			continue
		}
		if write.Deleted {
			continue
		}
		merged = append(merged, write.ToPage())
	}
	return merged, nil
}
