package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
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

// Code returns the operation.reason code for the failure.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "authority.service.new"
	opFetchPages   = "authority.fetch_pages"
	opFetchUpdates = "authority.fetch_updates_since"
	opInsertPage   = "authority.insert_page"
	opUpdatePage   = "authority.update_page_with_history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the authority service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider pages.IDProvider
	Logger     *zap.Logger
}

// Service is the authoritative page store: it assigns revision numbers and
// last-modified timestamps, enforces title uniqueness among live pages, and
// keeps an audit copy of every overwritten version.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider pages.IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// FetchPages returns every page belonging to the user, tombstones included.
func (s *Service) FetchPages(ctx context.Context, userID string) ([]pages.Page, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opFetchPages, "missing_user_id", errMissingUserID)
	}

	var result []pages.Page
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_modified_ms ASC").
		Find(&result).Error; err != nil {
		s.logError(opFetchPages, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFetchPages, "query_failed", err)
	}
	return result, nil
}

// FetchUpdatesSince returns the user's pages modified strictly after the
// supplied watermark.
func (s *Service) FetchUpdatesSince(ctx context.Context, userID string, sinceMillis int64) ([]pages.Page, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newServiceError(opFetchUpdates, "missing_user_id", errMissingUserID)
	}

	var result []pages.Page
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND last_modified_ms > ?", userID, sinceMillis).
		Order("last_modified_ms ASC").
		Find(&result).Error; err != nil {
		s.logError(opFetchUpdates, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opFetchUpdates, "query_failed", err)
	}
	return result, nil
}

// InsertRequest describes a page creation proposed by a client.
type InsertRequest struct {
	ID        string
	Title     string
	Value     string
	UserID    string
	IsJournal bool
}

// InsertPage creates a page at revision 1 with a server-assigned timestamp.
// A live page with the same (user, title) rejects the insert with
// pages.ErrDuplicateKey, as does reuse of an existing id.
func (s *Service) InsertPage(ctx context.Context, request InsertRequest) (pages.Page, error) {
	if strings.TrimSpace(request.UserID) == "" {
		return pages.Page{}, newServiceError(opInsertPage, "missing_user_id", errMissingUserID)
	}
	if strings.TrimSpace(request.Title) == "" {
		return pages.Page{}, newServiceError(opInsertPage, "missing_title", errors.New("title is required"))
	}

	id := strings.TrimSpace(request.ID)
	if id == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opInsertPage, "id_generation_failed", err)
			return pages.Page{}, newServiceError(opInsertPage, "id_generation_failed", err)
		}
		id = generated
	}

	page := pages.Page{
		ID:                 id,
		UserID:             request.UserID,
		Title:              request.Title,
		Value:              request.Value,
		IsJournal:          request.IsJournal,
		Deleted:            false,
		LastModifiedMillis: s.clock().UTC().UnixMilli(),
		RevisionNumber:     1,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&pages.Page{}).
			Where("user_id = ? AND title = ? AND deleted = ?", request.UserID, request.Title, false).
			Count(&count).Error; err != nil {
			return newServiceError(opInsertPage, "uniqueness_check_failed", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: title %q", pages.ErrDuplicateKey, request.Title)
		}

		var existing pages.Page
		err := tx.Where("page_id = ?", id).Take(&existing).Error
		if err == nil {
			return fmt.Errorf("%w: id %s", pages.ErrDuplicateKey, id)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opInsertPage, "id_check_failed", err)
		}

		if err := tx.Create(&page).Error; err != nil {
			return newServiceError(opInsertPage, "insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, pages.ErrDuplicateKey) {
			s.logError(opInsertPage, "transaction_failed", txErr, zap.String("user_id", request.UserID))
		}
		return pages.Page{}, txErr
	}

	return page, nil
}

// UpdateRequest describes a full-page replacement with an optimistic check.
// UserID, when set, restricts the update to pages owned by that user.
type UpdateRequest struct {
	ID                     string
	UserID                 string
	Value                  string
	Title                  string
	Deleted                bool
	ExpectedRevisionNumber int64
}

// UpdateReceipt reports the authority-assigned metadata of a committed update.
type UpdateReceipt struct {
	RevisionNumber     int64
	LastModifiedMillis int64
}

// UpdatePageWithHistory applies a whole-page replacement if and only if the
// stored revision still equals the expected revision. The previous version is
// copied into the history table before it is overwritten.
func (s *Service) UpdatePageWithHistory(ctx context.Context, request UpdateRequest) (UpdateReceipt, error) {
	if strings.TrimSpace(request.ID) == "" {
		return UpdateReceipt{}, newServiceError(opUpdatePage, "missing_page_id", errors.New("page id is required"))
	}

	var receipt UpdateReceipt
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored pages.Page
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("page_id = ?", request.ID).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: id %s", pages.ErrPageNotFound, request.ID)
		}
		if err != nil {
			return newServiceError(opUpdatePage, "page_select_failed", err)
		}
		if request.UserID != "" && stored.UserID != request.UserID {
			// foreign pages look absent rather than forbidden
			return fmt.Errorf("%w: id %s", pages.ErrPageNotFound, request.ID)
		}

		if stored.RevisionNumber != request.ExpectedRevisionNumber {
			return fmt.Errorf("%w: expected %d, have %d",
				pages.ErrStaleRevision, request.ExpectedRevisionNumber, stored.RevisionNumber)
		}

		if !request.Deleted && request.Title != stored.Title {
			var count int64
			if err := tx.Model(&pages.Page{}).
				Where("user_id = ? AND title = ? AND deleted = ? AND page_id <> ?",
					stored.UserID, request.Title, false, stored.ID).
				Count(&count).Error; err != nil {
				return newServiceError(opUpdatePage, "uniqueness_check_failed", err)
			}
			if count > 0 {
				return fmt.Errorf("%w: title %q", pages.ErrDuplicateKey, request.Title)
			}
		}

		historyID, err := s.idProvider.NewID()
		if err != nil {
			return newServiceError(opUpdatePage, "id_generation_failed", err)
		}
		history := PageHistory{
			HistoryID:          historyID,
			PageID:             stored.ID,
			UserID:             stored.UserID,
			Title:              stored.Title,
			Value:              stored.Value,
			Deleted:            stored.Deleted,
			LastModifiedMillis: stored.LastModifiedMillis,
			RevisionNumber:     stored.RevisionNumber,
			ArchivedAtSeconds:  s.clock().UTC().Unix(),
		}
		if err := tx.Create(&history).Error; err != nil {
			return newServiceError(opUpdatePage, "history_insert_failed", err)
		}

		stored.Value = request.Value
		stored.Title = request.Title
		stored.Deleted = request.Deleted
		stored.RevisionNumber++
		stored.LastModifiedMillis = s.clock().UTC().UnixMilli()
		if err := tx.Save(&stored).Error; err != nil {
			return newServiceError(opUpdatePage, "page_save_failed", err)
		}

		receipt = UpdateReceipt{
			RevisionNumber:     stored.RevisionNumber,
			LastModifiedMillis: stored.LastModifiedMillis,
		}
		return nil
	})
	if txErr != nil {
		if !errors.Is(txErr, pages.ErrStaleRevision) &&
			!errors.Is(txErr, pages.ErrPageNotFound) &&
			!errors.Is(txErr, pages.ErrDuplicateKey) {
			s.logError(opUpdatePage, "transaction_failed", txErr, zap.String("page_id", request.ID))
		}
		return UpdateReceipt{}, txErr
	}

	return receipt, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("authority service error", attrs...)
}
