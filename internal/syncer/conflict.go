package syncer

import (
	"context"
	"errors"

	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/pages"
	"go.uber.org/zap"
)

const (
	opConflictNew    = "syncer.conflict_handler.new"
	opConflictHandle = "syncer.conflict_handler.handle"
)

// defaultValueRevision reports whether a queued journal write still carries
// the page's initial contents. Such writes are disposable: another context
// creating the same day's journal entry is not a conflict worth surfacing.
func defaultValueRevision(revisionNumber int64) bool {
	return revisionNumber <= 1
}

// ConflictHandlerConfig wires the conflict handler dependencies.
type ConflictHandlerConfig struct {
	Store    *localstore.Store
	Statuses *pages.StatusStore
	Notifier pages.EditorNotifier
	Logger   *zap.Logger
}

// ConflictHandler decides what happens to a queued write the authority
// rejected. Most rejections park the page in the conflict state until the
// user discards their local edit; a few well understood cases resolve
// silently.
type ConflictHandler struct {
	store    *localstore.Store
	statuses *pages.StatusStore
	notifier pages.EditorNotifier
	logger   *zap.Logger
}

// NewConflictHandler validates the configuration and returns a ConflictHandler.
func NewConflictHandler(cfg ConflictHandlerConfig) (*ConflictHandler, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opConflictNew, "missing_store", errMissingStore)
	}
	if cfg.Statuses == nil {
		return nil, newServiceError(opConflictNew, "missing_statuses", errMissingStatuses)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = pages.NopEditorNotifier{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictHandler{
		store:    cfg.Store,
		statuses: cfg.Statuses,
		notifier: notifier,
		logger:   logger,
	}, nil
}

// Handle resolves a rejected queued write according to the rejection code.
func (h *ConflictHandler) Handle(ctx context.Context, write pages.PendingWrite, code pages.ConflictCode) error {
	h.logger.Info("handling rejected write",
		zap.String("page_id", write.PageID),
		zap.String("code", string(code)))

	switch {
	case code == pages.ConflictNotFound && write.Deleted:
		// We queued a delete for a page the authority no longer has. The
		// outcome the user wanted already holds; erase every local trace.
		return h.discardPage(ctx, write.PageID)

	case write.IsJournal && defaultValueRevision(write.RevisionNumber):
		// A journal entry another context already created. The local copy
		// never held user content, so drop the queued write quietly.
		return h.discardWrite(ctx, write.PageID)

	case code == pages.ConflictUniquenessViolation && !write.IsJournal && write.Value == pages.DefaultNonJournalValue:
		// A brand new, still empty page whose title is already taken. Tell
		// the editor so it can prompt for a different title, then drop.
		h.notifier.DuplicateTitle(write.PageID, write.Title)
		return h.discardPage(ctx, write.PageID)

	default:
		err := h.statuses.Add(write.PageID, pages.StatusConflict, write.LastModifiedMillis, write.RevisionNumber, nil, nil)
		if err != nil {
			return newServiceError(opConflictHandle, "mark_conflict_failed", err)
		}
		return nil
	}
}

// discardWrite removes the queued mutation and its tracked status.
func (h *ConflictHandler) discardWrite(ctx context.Context, pageID string) error {
	h.statuses.Remove(pageID)
	if err := h.store.DeletePendingWrite(ctx, pageID); err != nil {
		return newServiceError(opConflictHandle, "discard_write_failed", err)
	}
	return nil
}

// discardPage removes the queued mutation, the tracked status, and any
// committed record the authority never acknowledged.
func (h *ConflictHandler) discardPage(ctx context.Context, pageID string) error {
	if err := h.discardWrite(ctx, pageID); err != nil {
		return err
	}
	if err := h.store.DeletePage(ctx, pageID); err != nil {
		return newServiceError(opConflictHandle, "discard_page_failed", err)
	}
	return nil
}

// classifyRemoteError maps an authority failure to a conflict code, or
// reports that the failure is transient.
func classifyRemoteError(err error) (pages.ConflictCode, bool) {
	switch {
	case errors.Is(err, pages.ErrStaleRevision):
		return pages.ConflictStaleUpdate, true
	case errors.Is(err, pages.ErrDuplicateKey):
		return pages.ConflictUniquenessViolation, true
	case errors.Is(err, pages.ErrPageNotFound):
		return pages.ConflictNotFound, true
	default:
		return pages.ConflictUnknown, false
	}
}
