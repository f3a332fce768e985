package pages

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// DefaultNonJournalValue is the body a freshly created non-journal page
// starts with before the user types anything.
const DefaultNonJournalValue = "- "

var (
	// ErrInvalidPageID indicates that a page identifier is empty or exceeds storage bounds.
	ErrInvalidPageID = errors.New("pages: invalid page id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("pages: invalid user id")
	// ErrInvalidTimestamp indicates that a unix millisecond value is not positive.
	ErrInvalidTimestamp = errors.New("pages: invalid unix millisecond timestamp")
	// ErrMalformedPage indicates a page record that violates the storage contract.
	// It marks a data-integrity fault, not a retryable failure.
	ErrMalformedPage = errors.New("pages: malformed page record")

	// ErrDuplicateKey is reported by the remote authority when an insert or
	// update would violate the (user, title) uniqueness constraint.
	ErrDuplicateKey = errors.New("pages: duplicate key")
	// ErrStaleRevision is reported by the remote authority when an update's
	// expected revision no longer matches the stored revision.
	ErrStaleRevision = errors.New("pages: stale revision")
	// ErrPageNotFound is reported when the remote authority has no page with
	// the requested identifier.
	ErrPageNotFound = errors.New("pages: page not found")
)

// PageID represents a validated page identifier.
type PageID string

// NewPageID validates raw input and returns a PageID.
func NewPageID(rawInput string) (PageID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPageID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPageID, maxIdentifierLength)
	}
	return PageID(trimmed), nil
}

// String returns the underlying string identifier.
func (id PageID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// UnixMillis represents a validated unix timestamp in milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// Int64 exposes the raw unix millisecond value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Page models a committed page: the last state confirmed by, or freshly
// pulled from, the remote authority.
type Page struct {
	ID                 string `gorm:"column:page_id;primaryKey;size:190;not null"`
	UserID             string `gorm:"column:user_id;size:190;not null;index:idx_pages_user_modified,priority:1"`
	Title              string `gorm:"column:title;size:190;not null"`
	Value              string `gorm:"column:value;type:text;not null"`
	IsJournal          bool   `gorm:"column:is_journal;not null;default:false"`
	Deleted            bool   `gorm:"column:deleted;not null;default:false"`
	LastModifiedMillis int64  `gorm:"column:last_modified_ms;not null;index:idx_pages_user_modified,priority:2"`
	RevisionNumber     int64  `gorm:"column:revision_number;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Page) TableName() string {
	return "pages"
}

// Validate checks the fields the sync engine depends on. A page failing
// validation must never be written to the committed store.
func (p Page) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: empty page id", ErrMalformedPage)
	}
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("%w: empty user id for page %s", ErrMalformedPage, p.ID)
	}
	if p.LastModifiedMillis <= 0 {
		return fmt.Errorf("%w: non-positive last modified for page %s", ErrMalformedPage, p.ID)
	}
	if p.RevisionNumber < 1 {
		return fmt.Errorf("%w: revision %d for page %s", ErrMalformedPage, p.RevisionNumber, p.ID)
	}
	return nil
}

// PendingWrite is a durable, queued, not-yet-acknowledged local mutation to a
// page. At most one pending write exists per page id; a newer local edit
// overwrites the queued row rather than appending.
type PendingWrite struct {
	PageID    string `gorm:"column:page_id;primaryKey;size:190;not null"`
	UserID    string `gorm:"column:user_id;size:190;not null;index:idx_pending_user,priority:1"`
	Title     string `gorm:"column:title;size:190;not null"`
	Value     string `gorm:"column:value;type:text;not null"`
	IsJournal bool   `gorm:"column:is_journal;not null;default:false"`
	Deleted   bool   `gorm:"column:deleted;not null;default:false"`
	// LastModifiedMillis is the timestamp of the edit this write captures.
	LastModifiedMillis int64 `gorm:"column:last_modified_ms;not null"`
	// RevisionNumber is the revision of the committed version the edit was
	// based on. For creations it is 1 and no committed page exists yet.
	RevisionNumber int64 `gorm:"column:revision_number;not null;default:1"`
	// Attempts counts consecutive failed pushes of this write.
	Attempts int64 `gorm:"column:attempts;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PendingWrite) TableName() string {
	return "pending_writes"
}

// ToPage projects the pending write as the page it proposes.
func (w PendingWrite) ToPage() Page {
	return Page{
		ID:                 w.PageID,
		UserID:             w.UserID,
		Title:              w.Title,
		Value:              w.Value,
		IsJournal:          w.IsJournal,
		Deleted:            w.Deleted,
		LastModifiedMillis: w.LastModifiedMillis,
		RevisionNumber:     w.RevisionNumber,
	}
}

// PendingWriteFromPage captures a page snapshot as a queued mutation.
func PendingWriteFromPage(page Page) PendingWrite {
	return PendingWrite{
		PageID:             page.ID,
		UserID:             page.UserID,
		Title:              page.Title,
		Value:              page.Value,
		IsJournal:          page.IsJournal,
		Deleted:            page.Deleted,
		LastModifiedMillis: page.LastModifiedMillis,
		RevisionNumber:     page.RevisionNumber,
	}
}

// EditorNotifier receives engine events the editing surface must react to.
type EditorNotifier interface {
	// ReloadPage asks the editor to replace its buffer with the committed page.
	ReloadPage(page Page)
	// DuplicateTitle reports that a queued creation was rejected because the
	// title is already taken.
	DuplicateTitle(pageID string, title string)
}

// NopEditorNotifier discards all notifications.
type NopEditorNotifier struct{}

// ReloadPage implements EditorNotifier.
func (NopEditorNotifier) ReloadPage(Page) {}

// DuplicateTitle implements EditorNotifier.
func (NopEditorNotifier) DuplicateTitle(string, string) {}
