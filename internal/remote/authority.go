// Package remote speaks to the remote authority: the single writer allowed
// to assign revision numbers and last-modified timestamps to pages.
package remote

import (
	"context"

	"github.com/orangetask/sync/internal/pages"
)

// InsertRequest proposes a page creation to the authority.
type InsertRequest struct {
	ID        string
	Title     string
	Value     string
	UserID    string
	IsJournal bool
}

// UpdateRequest proposes a whole-page replacement guarded by an optimistic
// revision check.
type UpdateRequest struct {
	ID                     string
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

// Authority is the remote store the engine reconciles against. It may fail,
// time out, or reject on conflict; callers classify failures through the
// sentinel errors in the pages package (pages.ErrDuplicateKey,
// pages.ErrStaleRevision, pages.ErrPageNotFound, pages.ErrMalformedPage).
type Authority interface {
	FetchAll(ctx context.Context, userID string) ([]pages.Page, error)
	FetchSince(ctx context.Context, userID string, sinceMillis int64) ([]pages.Page, error)
	Insert(ctx context.Context, request InsertRequest) (pages.Page, error)
	UpdateWithHistory(ctx context.Context, request UpdateRequest) (UpdateReceipt, error)
}
