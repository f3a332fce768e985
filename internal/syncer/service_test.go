package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/orangetask/sync/internal/devicelock"
	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/pages"
	"github.com/orangetask/sync/internal/remote"
	"gorm.io/gorm"
)

const testUserID = "user-1"

// fakeAuthority is an in-memory authority with the same commit semantics as
// the real one: it alone assigns revision numbers and timestamps.
type fakeAuthority struct {
	mu        sync.Mutex
	pages     map[string]pages.Page
	nowMillis int64

	insertErr error
	updateErr error
	fetchErr  error

	fetchAllCalls   int
	fetchSinceCalls int
	insertCalls     int
	updateCalls     int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		pages:     make(map[string]pages.Page),
		nowMillis: 1700000000000,
	}
}

func (f *fakeAuthority) tick() int64 {
	f.nowMillis += 1000
	return f.nowMillis
}

func (f *fakeAuthority) seed(page pages.Page) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[page.ID] = page
}

func (f *fakeAuthority) FetchAll(_ context.Context, userID string) ([]pages.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchAllCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var result []pages.Page
	for _, page := range f.pages {
		if page.UserID == userID {
			result = append(result, page)
		}
	}
	return result, nil
}

func (f *fakeAuthority) FetchSince(_ context.Context, userID string, sinceMillis int64) ([]pages.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchSinceCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var result []pages.Page
	for _, page := range f.pages {
		if page.UserID == userID && page.LastModifiedMillis > sinceMillis {
			result = append(result, page)
		}
	}
	return result, nil
}

func (f *fakeAuthority) Insert(_ context.Context, request remote.InsertRequest) (pages.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	if f.insertErr != nil {
		return pages.Page{}, f.insertErr
	}
	for _, page := range f.pages {
		if page.UserID == request.UserID && page.Title == request.Title && !page.Deleted {
			return pages.Page{}, fmt.Errorf("%w: title %q", pages.ErrDuplicateKey, request.Title)
		}
	}
	page := pages.Page{
		ID:                 request.ID,
		UserID:             request.UserID,
		Title:              request.Title,
		Value:              request.Value,
		IsJournal:          request.IsJournal,
		LastModifiedMillis: f.tick(),
		RevisionNumber:     1,
	}
	f.pages[page.ID] = page
	return page, nil
}

func (f *fakeAuthority) UpdateWithHistory(_ context.Context, request remote.UpdateRequest) (remote.UpdateReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return remote.UpdateReceipt{}, f.updateErr
	}
	page, ok := f.pages[request.ID]
	if !ok {
		return remote.UpdateReceipt{}, fmt.Errorf("%w: %s", pages.ErrPageNotFound, request.ID)
	}
	if page.RevisionNumber != request.ExpectedRevisionNumber {
		return remote.UpdateReceipt{}, fmt.Errorf("%w: expected %d, stored %d",
			pages.ErrStaleRevision, request.ExpectedRevisionNumber, page.RevisionNumber)
	}
	page.Value = request.Value
	page.Title = request.Title
	page.Deleted = request.Deleted
	page.RevisionNumber++
	page.LastModifiedMillis = f.tick()
	f.pages[request.ID] = page
	return remote.UpdateReceipt{
		RevisionNumber:     page.RevisionNumber,
		LastModifiedMillis: page.LastModifiedMillis,
	}, nil
}

type recordingNotifier struct {
	mu         sync.Mutex
	duplicates []string
	reloads    []string
}

func (n *recordingNotifier) ReloadPage(page pages.Page) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reloads = append(n.reloads, page.ID)
}

func (n *recordingNotifier) DuplicateTitle(pageID, title string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.duplicates = append(n.duplicates, pageID)
}

type staticIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *staticIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("generated-%d", g.next), nil
}

type testHarness struct {
	service   *Service
	store     *localstore.Store
	statuses  *pages.StatusStore
	authority *fakeAuthority
	notifier  *recordingNotifier
	online    bool
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(&pages.Page{}, &pages.PendingWrite{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := localstore.NewStore(localstore.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	locks, err := devicelock.NewManager(devicelock.ManagerConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to build lock manager: %v", err)
	}

	harness := &testHarness{
		store:     store,
		statuses:  pages.NewStatusStore(),
		authority: newFakeAuthority(),
		notifier:  &recordingNotifier{},
		online:    true,
	}
	conflicts, err := NewConflictHandler(ConflictHandlerConfig{
		Store:    store,
		Statuses: harness.statuses,
		Notifier: harness.notifier,
	})
	if err != nil {
		t.Fatalf("failed to build conflict handler: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Store:           store,
		Remote:          harness.authority,
		Locks:           locks,
		Statuses:        harness.statuses,
		Conflicts:       conflicts,
		IDProvider:      &staticIDGenerator{},
		Clock:           func() time.Time { return time.UnixMilli(1700000000000) },
		Online:          func() bool { return harness.online },
		UserID:          testUserID,
		MaxPushAttempts: 3,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	harness.service = service
	return harness
}

func mustGetPage(t *testing.T, store *localstore.Store, id string) pages.Page {
	t.Helper()
	page, err := store.GetPage(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page == nil {
		t.Fatalf("expected committed page %s", id)
	}
	return *page
}

func mustPendingCount(t *testing.T, store *localstore.Store) int {
	t.Helper()
	writes, err := store.PendingWritesByUser(context.Background(), testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return len(writes)
}

func TestInsertPageRoundTrip(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	created, result, err := harness.service.InsertPage(ctx, "Trip", "- pack bags", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncSuccess {
		t.Fatalf("unexpected result %s", result)
	}
	if created.RevisionNumber != 1 {
		t.Fatalf("queued creation must start at revision 1, got %d", created.RevisionNumber)
	}
	if mustPendingCount(t, harness.store) != 1 {
		t.Fatalf("expected one queued write")
	}

	result, err = harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncSuccess {
		t.Fatalf("unexpected result %s", result)
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("expected queue to drain")
	}
	committed := mustGetPage(t, harness.store, created.ID)
	if committed.RevisionNumber != 1 || committed.Value != "- pack bags" {
		t.Fatalf("unexpected committed page %#v", committed)
	}
	if harness.authority.insertCalls != 1 {
		t.Fatalf("expected one insert call, got %d", harness.authority.insertCalls)
	}
}

func TestUpdatePageRoundTrip(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	base := pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- v1",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	}
	harness.authority.seed(base)
	if err := harness.store.PutPage(ctx, base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := harness.service.UpdatePage(ctx, base, "- v2", "Trip", false, 1700000005000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncSuccess {
		t.Fatalf("unexpected result %s", result)
	}

	result, err = harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncSuccess {
		t.Fatalf("unexpected result %s", result)
	}

	committed := mustGetPage(t, harness.store, "page-1")
	if committed.RevisionNumber != 2 || committed.Value != "- v2" {
		t.Fatalf("unexpected committed page %#v", committed)
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("expected queue to drain")
	}
}

func TestUpdatePageRejectsStaleSnapshot(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	committed := pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- newer",
		LastModifiedMillis: 1700000009000, RevisionNumber: 3,
	}
	if err := harness.store.PutPage(ctx, committed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stale := committed
	stale.LastModifiedMillis = 1700000001000
	result, err := harness.service.UpdatePage(ctx, stale, "- from stale", "Trip", false, 1700000010000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("expected conflict result, got %s", result)
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("stale edit must not be queued")
	}
}

func TestStaleBaseRevisionSurfacesConflictWithoutRoundTrip(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	// the edit was based on revision 1, but a pull advanced the committed
	// page to revision 2 in the meantime
	if err := harness.store.PutPage(ctx, pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- remote",
		LastModifiedMillis: 1700000009000, RevisionNumber: 2,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	write := pages.PendingWrite{
		PageID: "page-1", UserID: testUserID, Title: "Trip", Value: "- local",
		LastModifiedMillis: 1700000005000, RevisionNumber: 1,
	}
	if err := harness.store.PutPendingWrite(ctx, write); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("expected conflict result, got %s", result)
	}
	if harness.authority.updateCalls != 0 {
		t.Fatalf("stale base must not reach the authority")
	}
	info, ok := harness.statuses.Get("page-1")
	if !ok || info.Status != pages.StatusConflict {
		t.Fatalf("expected conflict status, got %#v", info)
	}
	if mustPendingCount(t, harness.store) != 1 {
		t.Fatalf("conflicted write must stay queued")
	}
}

func TestRemoteStaleRejectionRaisesConflictOnce(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	harness.authority.seed(pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- remote",
		LastModifiedMillis: 1700000009000, RevisionNumber: 5,
	})
	local := pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- v1",
		LastModifiedMillis: 1700000001000, RevisionNumber: 4,
	}
	if err := harness.store.PutPage(ctx, local); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := harness.store.PutPendingWrite(ctx, pages.PendingWriteFromPage(local)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("expected conflict result, got %s", result)
	}
	if harness.authority.updateCalls != 1 {
		t.Fatalf("expected one authority call, got %d", harness.authority.updateCalls)
	}
	info, ok := harness.statuses.Get("page-1")
	if !ok || info.Status != pages.StatusConflict {
		t.Fatalf("expected conflict status, got %#v", info)
	}
	if mustPendingCount(t, harness.store) != 1 {
		t.Fatalf("conflicted write must stay queued")
	}

	// a second drain must not push the conflicted write again
	result, err = harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("expected conflict result on re-drain, got %s", result)
	}
	if harness.authority.updateCalls != 1 {
		t.Fatalf("conflicted write must not be retried, got %d calls", harness.authority.updateCalls)
	}
}

func TestOfflineSyncIsANoOp(t *testing.T) {
	harness := newTestHarness(t)
	harness.online = false
	ctx := context.Background()

	if err := harness.store.PutPendingWrite(ctx, pages.PendingWrite{
		PageID: "page-1", UserID: testUserID, Title: "Trip", Value: "- v1",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := harness.service.PerformSync(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncSuccess {
		t.Fatalf("offline sync must report success, got %s", result)
	}
	total := harness.authority.fetchAllCalls + harness.authority.fetchSinceCalls +
		harness.authority.insertCalls + harness.authority.updateCalls
	if total != 0 {
		t.Fatalf("offline sync must not reach the authority, got %d calls", total)
	}
	if mustPendingCount(t, harness.store) != 1 {
		t.Fatalf("queued write must survive offline sync")
	}
}

func TestTransientFailureBumpsAttemptsThenSurfaces(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	seeded := pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- v1",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	}
	harness.authority.seed(seeded)
	if err := harness.store.PutPage(ctx, seeded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := harness.store.PutPendingWrite(ctx, pages.PendingWriteFromPage(seeded)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	harness.authority.updateErr = errors.New("authority unavailable")

	// MaxPushAttempts is 3; the first two failures leave the write queued
	for attempt := 1; attempt <= 2; attempt++ {
		result, err := harness.service.ProcessQueuedUpdates(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != pages.SyncError {
			t.Fatalf("expected error result on attempt %d, got %s", attempt, result)
		}
		if _, tracked := harness.statuses.Get("page-1"); tracked {
			t.Fatalf("transient failure must not mark a conflict on attempt %d", attempt)
		}
	}

	// the third failure reaches the cap and surfaces the write
	result, err := harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("expected conflict at attempt cap, got %s", result)
	}
	info, ok := harness.statuses.Get("page-1")
	if !ok || info.Status != pages.StatusConflict {
		t.Fatalf("expected conflict status at cap, got %#v", info)
	}
}

func TestDuplicateTitleOnEmptyPageNotifiesAndDiscards(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	harness.authority.seed(pages.Page{
		ID: "other-id", UserID: testUserID, Title: "Trip", Value: "- theirs",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	})
	if err := harness.store.PutPendingWrite(ctx, pages.PendingWrite{
		PageID: "page-local", UserID: testUserID, Title: "Trip",
		Value:              pages.DefaultNonJournalValue,
		LastModifiedMillis: 1700000002000, RevisionNumber: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := harness.service.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != pages.SyncError {
		t.Fatalf("unexpected result %s", result)
	}
	if len(harness.notifier.duplicates) != 1 || harness.notifier.duplicates[0] != "page-local" {
		t.Fatalf("expected duplicate title notification, got %#v", harness.notifier.duplicates)
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("empty duplicate creation must be discarded")
	}
	if _, tracked := harness.statuses.Get("page-local"); tracked {
		t.Fatalf("discarded page must not keep a status")
	}
}

func TestDuplicateJournalCreationIsDroppedSilently(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	// another context already created today's journal entry
	harness.authority.seed(pages.Page{
		ID: "their-journal", UserID: testUserID, Title: "Sep 1st, 2026", Value: "- their notes",
		IsJournal: true, LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	})
	if err := harness.store.PutPendingWrite(ctx, pages.PendingWrite{
		PageID: "our-journal", UserID: testUserID, Title: "Sep 1st, 2026", Value: "- ",
		IsJournal: true, LastModifiedMillis: 1700000002000, RevisionNumber: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := harness.service.ProcessQueuedUpdates(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("duplicate journal creation must be dropped")
	}
	if len(harness.notifier.duplicates) != 0 {
		t.Fatalf("journal dedup must not notify, got %#v", harness.notifier.duplicates)
	}

	// the pull then converges on the surviving entry
	if _, err := harness.service.FetchUpdatedPages(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	committed := mustGetPage(t, harness.store, "their-journal")
	if committed.Value != "- their notes" {
		t.Fatalf("unexpected surviving journal page %#v", committed)
	}
}

func TestQueuedDeleteOfForgottenPageCleansUpLocally(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	orphan := pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- v1",
		LastModifiedMillis: 1700000001000, RevisionNumber: 2,
	}
	if err := harness.store.PutPage(ctx, orphan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tombstone := pages.PendingWriteFromPage(orphan)
	tombstone.Deleted = true
	if err := harness.store.PutPendingWrite(ctx, tombstone); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := harness.service.ProcessQueuedUpdates(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("queued delete must be discarded")
	}
	page, err := harness.store.GetPage(ctx, "page-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if page != nil {
		t.Fatalf("committed record of forgotten page must be removed, got %#v", page)
	}
}

func TestFetchUpdatedPagesUsesWatermark(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	harness.authority.seed(pages.Page{
		ID: "page-1", UserID: testUserID, Title: "A", Value: "- a",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	})
	harness.authority.seed(pages.Page{
		ID: "page-2", UserID: testUserID, Title: "B", Value: "- b",
		LastModifiedMillis: 1700000002000, RevisionNumber: 1,
	})

	// empty store pulls everything
	if _, err := harness.service.FetchUpdatedPages(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if harness.authority.fetchAllCalls != 1 || harness.authority.fetchSinceCalls != 0 {
		t.Fatalf("expected full fetch, got all=%d since=%d",
			harness.authority.fetchAllCalls, harness.authority.fetchSinceCalls)
	}
	mustGetPage(t, harness.store, "page-1")
	mustGetPage(t, harness.store, "page-2")

	// later pulls are incremental
	harness.authority.seed(pages.Page{
		ID: "page-3", UserID: testUserID, Title: "C", Value: "- c",
		LastModifiedMillis: 1700000003000, RevisionNumber: 1,
	})
	if _, err := harness.service.FetchUpdatedPages(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if harness.authority.fetchSinceCalls != 1 {
		t.Fatalf("expected incremental fetch, got %d", harness.authority.fetchSinceCalls)
	}
	mustGetPage(t, harness.store, "page-3")
}

func TestFetchUpdatedPagesRejectsMalformedPage(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	harness.authority.seed(pages.Page{
		ID: "page-1", UserID: testUserID, Title: "A", Value: "- a",
		LastModifiedMillis: 0, RevisionNumber: 1,
	})

	result, err := harness.service.FetchUpdatedPages(ctx)
	if !errors.Is(err, pages.ErrMalformedPage) {
		t.Fatalf("expected malformed page error, got %v", err)
	}
	if result != pages.SyncError {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestInsertPageRejectsTakenTitles(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	if err := harness.store.PutPage(ctx, pages.Page{
		ID: "page-1", UserID: testUserID, Title: "Trip", Value: "- v1",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, result, err := harness.service.InsertPage(ctx, "Trip", "- again", false)
	if !errors.Is(err, pages.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("unexpected result %s", result)
	}

	// queued creations reserve their title too
	if _, _, err := harness.service.InsertPage(ctx, "Fresh", "- new", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, result, err = harness.service.InsertPage(ctx, "Fresh", "- other", false); !errors.Is(err, pages.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key error for queued title, got %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("unexpected result %s", result)
	}
}

func TestPerformSyncIsIdempotent(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	harness.authority.seed(pages.Page{
		ID: "page-1", UserID: testUserID, Title: "A", Value: "- a",
		LastModifiedMillis: 1700000001000, RevisionNumber: 1,
	})
	if _, _, err := harness.service.InsertPage(ctx, "Fresh", "- new", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for round := 0; round < 2; round++ {
		result, err := harness.service.PerformSync(ctx)
		if err != nil {
			t.Fatalf("unexpected error on round %d: %v", round, err)
		}
		if result != pages.SyncSuccess {
			t.Fatalf("unexpected result on round %d: %s", round, result)
		}
	}

	listed, err := harness.store.PagesByUser(ctx, testUserID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected two committed pages, got %d", len(listed))
	}
	if mustPendingCount(t, harness.store) != 0 {
		t.Fatalf("expected empty queue after sync")
	}
	if harness.authority.insertCalls != 1 {
		t.Fatalf("repeated sync must not re-insert, got %d calls", harness.authority.insertCalls)
	}
}

func TestPerformSyncSkipsPushAfterFailedPull(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()

	if _, _, err := harness.service.InsertPage(ctx, "Fresh", "- new", false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	harness.authority.fetchErr = errors.New("authority unavailable")

	result, err := harness.service.PerformSync(ctx)
	if err == nil {
		t.Fatalf("expected pull failure to surface")
	}
	if result != pages.SyncError {
		t.Fatalf("unexpected result %s", result)
	}
	// the drain must not push against a baseline the pull failed to refresh
	if harness.authority.insertCalls != 0 || harness.authority.updateCalls != 0 {
		t.Fatalf("push must not run after a failed pull, got insert=%d update=%d",
			harness.authority.insertCalls, harness.authority.updateCalls)
	}
	if mustPendingCount(t, harness.store) != 1 {
		t.Fatalf("queued write must survive the failed cycle")
	}

	// the next clean cycle drains the queue
	harness.authority.fetchErr = nil
	result, err = harness.service.PerformSync(ctx)
	if err != nil || result != pages.SyncSuccess {
		t.Fatalf("recovery sync failed: result=%s err=%v", result, err)
	}
	if harness.authority.insertCalls != 1 {
		t.Fatalf("expected one insert after recovery, got %d", harness.authority.insertCalls)
	}
}
