package pages

import (
	"errors"
	"fmt"
	"sync"
)

// Status is the reconciler's per-page state.
type Status string

const (
	// StatusQuiescent means the editor and the committed store agree.
	StatusQuiescent Status = "quiescent"
	// StatusUserEdit means the editor holds a local change not yet queued.
	StatusUserEdit Status = "user_edit"
	// StatusEditFromSharedNodes means the shared-node subsystem proposed a
	// change; treated like a user edit for conflict purposes.
	StatusEditFromSharedNodes Status = "edit_from_shared_nodes"
	// StatusPendingWrite means the latest local value is queued for push.
	StatusPendingWrite Status = "pending_write"
	// StatusUpdatedFromDisk means another context or the remote wrote a newer
	// committed value with no local edit in flight.
	StatusUpdatedFromDisk Status = "updated_from_disk"
	// StatusConflict means a local edit raced a newer committed write; only
	// an explicit user discard resolves it.
	StatusConflict Status = "conflict"
	// StatusDroppingUpdate means the user chose to discard local edits.
	StatusDroppingUpdate Status = "dropping_update"
	// StatusEditorUpdateRequested means the editor must reload the committed value.
	StatusEditorUpdateRequested Status = "editor_update_requested"
)

var (
	// ErrStatusNotFound indicates an update to a page with no tracked status.
	ErrStatusNotFound = errors.New("pages: no status tracked for page")
	// ErrConflictLocked indicates an attempt to move a conflicted page to any
	// status other than dropping the local update.
	ErrConflictLocked = errors.New("pages: conflicted page can only move to dropping_update")
	// ErrStatusContentRequired indicates a content-bearing status with no new
	// value or title attached.
	ErrStatusContentRequired = errors.New("pages: status requires a new value or title")
)

// StatusInfo is the tracked state for one page.
type StatusInfo struct {
	Status             Status
	LastModifiedMillis int64
	RevisionNumber     int64
	NewValue           *string
	NewTitle           *string
}

// StatusStore is the in-memory per-page status map shared by the reconciler
// and the editor boundary. One instance exists per device; it is passed by
// handle, never accessed as a package global.
type StatusStore struct {
	mu       sync.RWMutex
	statuses map[string]StatusInfo
}

// NewStatusStore constructs an empty status store.
func NewStatusStore() *StatusStore {
	return &StatusStore{statuses: make(map[string]StatusInfo)}
}

// contentExemptOnAdd lists statuses that may be added without new content.
func contentExemptOnAdd(status Status) bool {
	return status == StatusDroppingUpdate || status == StatusConflict || status == StatusQuiescent
}

// contentExemptOnSet lists statuses that may be set without new content.
func contentExemptOnSet(status Status) bool {
	return contentExemptOnAdd(status) || status == StatusEditorUpdateRequested
}

// Add records a status for a page, replacing any previous entry.
func (s *StatusStore) Add(pageID string, status Status, lastModifiedMillis int64, revisionNumber int64, newValue, newTitle *string) error {
	if !contentExemptOnAdd(status) && newValue == nil && newTitle == nil {
		return fmt.Errorf("%w: status %s for page %s", ErrStatusContentRequired, status, pageID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[pageID] = StatusInfo{
		Status:             status,
		LastModifiedMillis: lastModifiedMillis,
		RevisionNumber:     revisionNumber,
		NewValue:           newValue,
		NewTitle:           newTitle,
	}
	return nil
}

// Get returns the tracked status for a page, if any.
func (s *StatusStore) Get(pageID string) (StatusInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.statuses[pageID]
	return info, ok
}

// Remove drops the tracked status for a page.
func (s *StatusStore) Remove(pageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, pageID)
}

// Set transitions an existing entry to a new status. A conflicted page can
// only transition to StatusDroppingUpdate; every other attempt is rejected so
// conflicts are resolved exclusively through the discard-and-reload path.
func (s *StatusStore) Set(pageID string, status Status, newValue, newTitle *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.statuses[pageID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStatusNotFound, pageID)
	}
	if existing.Status == StatusConflict && status != StatusDroppingUpdate {
		return fmt.Errorf("%w: page %s to %s", ErrConflictLocked, pageID, status)
	}
	if !contentExemptOnSet(status) &&
		newValue == nil && newTitle == nil &&
		existing.NewValue == nil && existing.NewTitle == nil {
		return fmt.Errorf("%w: status %s for page %s", ErrStatusContentRequired, status, pageID)
	}

	updated := existing
	updated.Status = status
	if newValue != nil {
		updated.NewValue = newValue
	}
	if newTitle != nil {
		updated.NewTitle = newTitle
	}
	if status == StatusDroppingUpdate {
		updated.NewValue = nil
		updated.NewTitle = nil
	}
	s.statuses[pageID] = updated
	return nil
}

// SetLastModified updates the tracked timestamp of an existing entry.
func (s *StatusStore) SetLastModified(pageID string, lastModifiedMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.statuses[pageID]
	if !ok {
		return
	}
	existing.LastModifiedMillis = lastModifiedMillis
	s.statuses[pageID] = existing
}

// SetRevisionNumber updates the tracked revision of an existing entry.
func (s *StatusStore) SetRevisionNumber(pageID string, revisionNumber int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.statuses[pageID]
	if !ok {
		return
	}
	existing.RevisionNumber = revisionNumber
	s.statuses[pageID] = existing
}

// UpdatedValue returns the page body the editor should render: the tracked
// new value when one exists, otherwise the committed value.
func (s *StatusStore) UpdatedValue(page Page) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if info, ok := s.statuses[page.ID]; ok && info.NewValue != nil {
		return *info.NewValue
	}
	return page.Value
}

// Snapshot returns a copy of every tracked entry keyed by page id.
func (s *StatusStore) Snapshot() map[string]StatusInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]StatusInfo, len(s.statuses))
	for id, info := range s.statuses {
		out[id] = info
	}
	return out
}
