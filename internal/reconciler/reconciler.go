// Package reconciler keeps the editor, the status map, and the durable store
// agreeing with each other. It debounces user edits into the pending writes
// queue, classifies committed changes arriving from other contexts, and walks
// every tracked page through the status state machine on a fixed tick.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/pages"
	"github.com/orangetask/sync/internal/syncer"
	"go.uber.org/zap"
)

var (
	errMissingStore    = errors.New("local store is required")
	errMissingStatuses = errors.New("status store is required")
	errMissingSyncer   = errors.New("sync service is required")
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
	opReconcilerNew = "reconciler.new"
	opRecordEdit    = "reconciler.record_edit"
	opDropConflict  = "reconciler.drop_conflict"
	opClassify      = "reconciler.classify"
	opTick          = "reconciler.tick"
	opRun           = "reconciler.run"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// JournalMaintainer is the periodic journal upkeep the run loop drives.
type JournalMaintainer interface {
	EnsureTodayPage(ctx context.Context) error
	CleanupStale(ctx context.Context) error
}

// Config wires the reconciler dependencies.
type Config struct {
	Store    *localstore.Store
	Statuses *pages.StatusStore
	Syncer   *syncer.Service
	Journal  JournalMaintainer
	Notifier pages.EditorNotifier
	Clock    func() time.Time
	Logger   *zap.Logger

	// FlushWindow is how long an edit may keep accumulating keystrokes
	// before it is promoted to a pending write.
	FlushWindow time.Duration
	// StatusTick is the cadence of the state machine walk.
	StatusTick time.Duration
	// PushInterval is the cadence of pending queue drains.
	PushInterval time.Duration
	// PullInterval is the cadence of remote pulls.
	PullInterval time.Duration
	// JournalInterval is the cadence of journal upkeep.
	JournalInterval time.Duration
}

// Reconciler owns the per-page status state machine.
type Reconciler struct {
	store    *localstore.Store
	statuses *pages.StatusStore
	syncer   *syncer.Service
	journal  JournalMaintainer
	notifier pages.EditorNotifier
	clock    func() time.Time
	logger   *zap.Logger

	flushWindow     time.Duration
	statusTick      time.Duration
	pushInterval    time.Duration
	pullInterval    time.Duration
	journalInterval time.Duration
}

// New validates the configuration and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opReconcilerNew, "missing_store", errMissingStore)
	}
	if cfg.Statuses == nil {
		return nil, newServiceError(opReconcilerNew, "missing_statuses", errMissingStatuses)
	}
	if cfg.Syncer == nil {
		return nil, newServiceError(opReconcilerNew, "missing_syncer", errMissingSyncer)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = pages.NopEditorNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	flushWindow := cfg.FlushWindow
	if flushWindow <= 0 {
		flushWindow = 500 * time.Millisecond
	}
	statusTick := cfg.StatusTick
	if statusTick <= 0 {
		statusTick = 250 * time.Millisecond
	}
	pushInterval := cfg.PushInterval
	if pushInterval <= 0 {
		pushInterval = 8 * time.Second
	}
	pullInterval := cfg.PullInterval
	if pullInterval <= 0 {
		pullInterval = 30 * time.Second
	}
	journalInterval := cfg.JournalInterval
	if journalInterval <= 0 {
		journalInterval = 30 * time.Second
	}
	return &Reconciler{
		store:           cfg.Store,
		statuses:        cfg.Statuses,
		syncer:          cfg.Syncer,
		journal:         cfg.Journal,
		notifier:        notifier,
		clock:           clock,
		logger:          logger,
		flushWindow:     flushWindow,
		statusTick:      statusTick,
		pushInterval:    pushInterval,
		pullInterval:    pullInterval,
		journalInterval: journalInterval,
	}, nil
}

// RecordUserEdit captures a keystroke-level edit against a committed
// snapshot. Consecutive edits within the flush window coalesce; the tick
// promotes the final state to a pending write once typing pauses.
func (r *Reconciler) RecordUserEdit(page pages.Page, newValue, newTitle *string, editedAtMillis int64) error {
	return r.recordEdit(page, pages.StatusUserEdit, newValue, newTitle, editedAtMillis)
}

// RecordSharedNodeEdit captures a change proposed by the shared-node
// subsystem. It participates in conflict detection exactly like a user edit.
func (r *Reconciler) RecordSharedNodeEdit(page pages.Page, newValue, newTitle *string, editedAtMillis int64) error {
	return r.recordEdit(page, pages.StatusEditFromSharedNodes, newValue, newTitle, editedAtMillis)
}

func (r *Reconciler) recordEdit(page pages.Page, status pages.Status, newValue, newTitle *string, editedAtMillis int64) error {
	if _, tracked := r.statuses.Get(page.ID); tracked {
		if err := r.statuses.Set(page.ID, status, newValue, newTitle); err != nil {
			return newServiceError(opRecordEdit, "transition_failed", err)
		}
		r.statuses.SetLastModified(page.ID, editedAtMillis)
		return nil
	}
	if err := r.statuses.Add(page.ID, status, editedAtMillis, page.RevisionNumber, newValue, newTitle); err != nil {
		return newServiceError(opRecordEdit, "track_failed", err)
	}
	return nil
}

// DropConflict is the user's explicit choice to discard their local edit of
// a conflicted page and reload the committed state.
func (r *Reconciler) DropConflict(pageID string) error {
	if err := r.statuses.Set(pageID, pages.StatusDroppingUpdate, nil, nil); err != nil {
		return newServiceError(opDropConflict, "transition_failed", err)
	}
	return nil
}

// ClassifyCommitted reacts to a committed page changing underneath the
// editor. A change on top of a clean page is a reload; a change racing a
// local edit in flight is a conflict.
func (r *Reconciler) ClassifyCommitted(page pages.Page) error {
	info, tracked := r.statuses.Get(page.ID)
	if !tracked {
		err := r.statuses.Add(page.ID, pages.StatusUpdatedFromDisk,
			page.LastModifiedMillis, page.RevisionNumber, &page.Value, &page.Title)
		if err != nil {
			return newServiceError(opClassify, "track_failed", err)
		}
		return nil
	}

	if info.Status == pages.StatusConflict || info.Status == pages.StatusDroppingUpdate {
		// the discard path owns conflicted pages
		return nil
	}

	switch {
	case page.RevisionNumber > info.RevisionNumber:
		if localEditInFlight(info.Status) {
			if err := r.statuses.Set(page.ID, pages.StatusConflict, nil, nil); err != nil {
				return newServiceError(opClassify, "mark_conflict_failed", err)
			}
			r.statuses.SetRevisionNumber(page.ID, page.RevisionNumber)
			return nil
		}
		return r.markUpdatedFromDisk(page)

	case page.RevisionNumber == info.RevisionNumber && page.LastModifiedMillis > info.LastModifiedMillis:
		if localEditInFlight(info.Status) {
			return nil
		}
		return r.markUpdatedFromDisk(page)

	default:
		return nil
	}
}

func localEditInFlight(status pages.Status) bool {
	switch status {
	case pages.StatusUserEdit, pages.StatusEditFromSharedNodes, pages.StatusPendingWrite:
		return true
	default:
		return false
	}
}

func (r *Reconciler) markUpdatedFromDisk(page pages.Page) error {
	if err := r.statuses.Set(page.ID, pages.StatusUpdatedFromDisk, &page.Value, &page.Title); err != nil {
		return newServiceError(opClassify, "transition_failed", err)
	}
	r.statuses.SetLastModified(page.ID, page.LastModifiedMillis)
	r.statuses.SetRevisionNumber(page.ID, page.RevisionNumber)
	return nil
}

// Tick advances every tracked page one step through the state machine.
func (r *Reconciler) Tick(ctx context.Context) error {
	nowMillis := r.clock().UnixMilli()
	var firstErr error
	for pageID, info := range r.statuses.Snapshot() {
		if err := r.advance(ctx, pageID, info, nowMillis); err != nil {
			r.logger.Error("status transition failed",
				zap.String("page_id", pageID),
				zap.String("status", string(info.Status)),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) advance(ctx context.Context, pageID string, info pages.StatusInfo, nowMillis int64) error {
	switch info.Status {
	case pages.StatusUserEdit, pages.StatusEditFromSharedNodes:
		if nowMillis-info.LastModifiedMillis < r.flushWindow.Milliseconds() {
			return nil
		}
		return r.flushPendingWrite(ctx, pageID)

	case pages.StatusPendingWrite:
		queued, err := r.store.GetPendingWrite(ctx, pageID)
		if err != nil {
			return newServiceError(opTick, "lookup_failed", err)
		}
		if queued == nil {
			// the push acknowledged the write
			r.statuses.Remove(pageID)
		}
		return nil

	case pages.StatusUpdatedFromDisk:
		committed, err := r.store.GetPage(ctx, pageID)
		if err != nil {
			return newServiceError(opTick, "lookup_failed", err)
		}
		if committed == nil {
			r.statuses.Remove(pageID)
			return nil
		}
		r.notifier.ReloadPage(*committed)
		if err := r.statuses.Set(pageID, pages.StatusEditorUpdateRequested, nil, nil); err != nil {
			return newServiceError(opTick, "transition_failed", err)
		}
		return nil

	case pages.StatusEditorUpdateRequested:
		// the reload callback already fired; the page is clean again
		r.statuses.Remove(pageID)
		return nil

	case pages.StatusDroppingUpdate:
		return r.dropLocalUpdate(ctx, pageID)

	case pages.StatusQuiescent:
		r.statuses.Remove(pageID)
		return nil

	default:
		// StatusConflict holds until the user discards
		return nil
	}
}

// flushPendingWrite queues the tracked edit through the sync service and, once
// the write is durable, promotes the status to pending_write. The status holds
// there until a push acknowledges the write, so a committed change arriving
// in that window is classified as a conflict rather than a plain reload.
func (r *Reconciler) flushPendingWrite(ctx context.Context, pageID string) error {
	info, tracked := r.statuses.Get(pageID)
	if !tracked {
		return nil
	}

	committed, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return newServiceError(opTick, "lookup_failed", err)
	}
	var snapshot pages.Page
	if committed != nil {
		snapshot = *committed
	} else {
		// Never committed: the creation itself is still queued. The edit
		// overwrites the queued write instead of being discarded.
		queued, err := r.store.GetPendingWrite(ctx, pageID)
		if err != nil {
			return newServiceError(opTick, "lookup_failed", err)
		}
		if queued == nil {
			// the page vanished underneath the edit; nothing to flush against
			r.statuses.Remove(pageID)
			return nil
		}
		snapshot = queued.ToPage()
	}

	value := snapshot.Value
	if info.NewValue != nil {
		value = *info.NewValue
	}
	title := snapshot.Title
	if info.NewTitle != nil {
		title = *info.NewTitle
	}

	snapshot.RevisionNumber = info.RevisionNumber
	result, err := r.syncer.UpdatePage(ctx, snapshot, value, title, false, info.LastModifiedMillis)
	if err != nil {
		return newServiceError(opTick, "queue_failed", err)
	}
	if result == pages.SyncConflict {
		if err := r.statuses.Set(pageID, pages.StatusConflict, nil, nil); err != nil {
			return newServiceError(opTick, "mark_conflict_failed", err)
		}
		return nil
	}
	if err := r.statuses.Set(pageID, pages.StatusPendingWrite, nil, nil); err != nil {
		return newServiceError(opTick, "promote_failed", err)
	}
	return nil
}

// dropLocalUpdate discards the queued edit of a conflicted page and reloads
// the committed state into the editor.
func (r *Reconciler) dropLocalUpdate(ctx context.Context, pageID string) error {
	if err := r.store.DeletePendingWrite(ctx, pageID); err != nil {
		return newServiceError(opTick, "discard_failed", err)
	}
	committed, err := r.store.GetPage(ctx, pageID)
	if err != nil {
		return newServiceError(opTick, "lookup_failed", err)
	}
	if committed == nil {
		r.statuses.Remove(pageID)
		return nil
	}
	r.notifier.ReloadPage(*committed)
	if err := r.statuses.Set(pageID, pages.StatusEditorUpdateRequested, nil, nil); err != nil {
		return newServiceError(opTick, "transition_failed", err)
	}
	return nil
}

// Run drives the reconciler until the context ends: the status tick, the
// push and pull cadences, journal upkeep, and classification of committed
// changes published by the store.
func (r *Reconciler) Run(ctx context.Context) error {
	events, cleanup := r.store.Subscribe(ctx, r.syncer.UserID())
	defer cleanup()

	statusTicker := time.NewTicker(r.statusTick)
	defer statusTicker.Stop()
	pushTicker := time.NewTicker(r.pushInterval)
	defer pushTicker.Stop()
	pullTicker := time.NewTicker(r.pullInterval)
	defer pullTicker.Stop()
	journalTicker := time.NewTicker(r.journalInterval)
	defer journalTicker.Stop()

	r.runJournalUpkeep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-statusTicker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("tick failed", zap.Error(err))
			}

		case <-pushTicker.C:
			if _, err := r.syncer.ProcessQueuedUpdates(ctx); err != nil {
				r.logger.Error("queue drain failed", zap.Error(err))
			}

		case <-pullTicker.C:
			if _, err := r.syncer.FetchUpdatedPages(ctx); err != nil {
				r.logger.Error("pull failed", zap.Error(err))
			}

		case <-journalTicker.C:
			r.runJournalUpkeep(ctx)

		case event, ok := <-events:
			if !ok {
				return newServiceError(opRun, "subscription_closed", nil)
			}
			if event.Collection != localstore.CollectionPages {
				continue
			}
			for _, pageID := range event.PageIDs {
				committed, err := r.store.GetPage(ctx, pageID)
				if err != nil || committed == nil {
					continue
				}
				if err := r.ClassifyCommitted(*committed); err != nil {
					r.logger.Error("classification failed",
						zap.String("page_id", pageID), zap.Error(err))
				}
			}
		}
	}
}

func (r *Reconciler) runJournalUpkeep(ctx context.Context) {
	if r.journal == nil {
		return
	}
	if err := r.journal.EnsureTodayPage(ctx); err != nil {
		r.logger.Error("journal upkeep failed", zap.Error(err))
	}
	if err := r.journal.CleanupStale(ctx); err != nil {
		r.logger.Error("journal cleanup failed", zap.Error(err))
	}
}
