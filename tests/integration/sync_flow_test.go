package integration_test

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/orangetask/sync/internal/auth"
	"github.com/orangetask/sync/internal/authority"
	"github.com/orangetask/sync/internal/devicelock"
	"github.com/orangetask/sync/internal/localstore"
	"github.com/orangetask/sync/internal/pages"
	"github.com/orangetask/sync/internal/remote"
	"github.com/orangetask/sync/internal/server"
	"github.com/orangetask/sync/internal/syncer"
	"gorm.io/gorm"
)

const (
	signingSecret = "integration-secret"
	syncUserID    = "user-abc"
)

func startAuthority(t *testing.T) (*httptest.Server, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&pages.Page{}, &authority.PageHistory{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// a strictly advancing clock so every commit lands past the previous
	// watermark even when the test runs inside one millisecond
	var clockMu sync.Mutex
	nowMillis := int64(1700000000000)
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		nowMillis += 1000
		return time.UnixMilli(nowMillis)
	}

	pagesService, err := authority.NewService(authority.ServiceConfig{
		Database:   db,
		Clock:      clock,
		IDProvider: pages.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("failed to build authority service: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(signingSecret),
		TokenTTL:      time.Hour,
	})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: issuer,
		PagesService:   pagesService,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer, issuer
}

type engine struct {
	syncer   *syncer.Service
	store    *localstore.Store
	statuses *pages.StatusStore
}

// newEngine builds an independent local context: own database, own lock
// directory, same user and authority.
func newEngine(t *testing.T, baseURL string, issuer *auth.TokenIssuer) *engine {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
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
	token, _, err := issuer.IssueToken(syncUserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: baseURL,
		Token:   token,
	})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	statuses := pages.NewStatusStore()
	syncService, err := syncer.NewService(syncer.ServiceConfig{
		Store:      store,
		Remote:     client,
		Locks:      locks,
		Statuses:   statuses,
		IDProvider: pages.NewUUIDProvider(),
		UserID:     syncUserID,
	})
	if err != nil {
		t.Fatalf("failed to build sync service: %v", err)
	}
	return &engine{syncer: syncService, store: store, statuses: statuses}
}

func TestTwoContextsConvergeThroughAuthority(t *testing.T) {
	testServer, issuer := startAuthority(t)
	ctx := context.Background()

	first := newEngine(t, testServer.URL, issuer)
	second := newEngine(t, testServer.URL, issuer)

	// the first context creates a page and pushes it
	created, result, err := first.syncer.InsertPage(ctx, "Trip", "- pack bags", false)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if result != pages.SyncSuccess {
		t.Fatalf("unexpected insert result %s", result)
	}
	if result, err := first.syncer.PerformSync(ctx); err != nil || result != pages.SyncSuccess {
		t.Fatalf("first sync failed: result=%s err=%v", result, err)
	}

	// the second context pulls it down
	if result, err := second.syncer.PerformSync(ctx); err != nil || result != pages.SyncSuccess {
		t.Fatalf("second sync failed: result=%s err=%v", result, err)
	}
	pulled, err := second.store.GetPage(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pulled == nil || pulled.Value != "- pack bags" || pulled.RevisionNumber != 1 {
		t.Fatalf("unexpected pulled page %#v", pulled)
	}

	// the second context edits and pushes
	if result, err := second.syncer.UpdatePage(ctx, *pulled, "- tickets booked", "Trip", false,
		pulled.LastModifiedMillis+1000); err != nil || result != pages.SyncSuccess {
		t.Fatalf("update failed: result=%s err=%v", result, err)
	}
	if result, err := second.syncer.PerformSync(ctx); err != nil || result != pages.SyncSuccess {
		t.Fatalf("second push failed: result=%s err=%v", result, err)
	}

	// the first context converges on the new revision
	if result, err := first.syncer.PerformSync(ctx); err != nil || result != pages.SyncSuccess {
		t.Fatalf("first re-sync failed: result=%s err=%v", result, err)
	}
	converged, err := first.store.GetPage(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if converged == nil || converged.Value != "- tickets booked" || converged.RevisionNumber != 2 {
		t.Fatalf("contexts did not converge, got %#v", converged)
	}
}

func TestConcurrentEditsSurfaceAConflict(t *testing.T) {
	testServer, issuer := startAuthority(t)
	ctx := context.Background()

	first := newEngine(t, testServer.URL, issuer)
	second := newEngine(t, testServer.URL, issuer)

	created, _, err := first.syncer.InsertPage(ctx, "Shared", "- base", false)
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := first.syncer.PerformSync(ctx); err != nil {
		t.Fatalf("first sync failed: %v", err)
	}
	if _, err := second.syncer.PerformSync(ctx); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}

	// both contexts edit revision 1; the second pushes first and wins
	firstBase, err := first.store.GetPage(ctx, created.ID)
	if err != nil || firstBase == nil {
		t.Fatalf("missing page in first context: %v", err)
	}
	secondBase, err := second.store.GetPage(ctx, created.ID)
	if err != nil || secondBase == nil {
		t.Fatalf("missing page in second context: %v", err)
	}

	if _, err := second.syncer.UpdatePage(ctx, *secondBase, "- theirs", "Shared", false,
		secondBase.LastModifiedMillis+1000); err != nil {
		t.Fatalf("second update failed: %v", err)
	}
	if result, err := second.syncer.ProcessQueuedUpdates(ctx); err != nil || result != pages.SyncSuccess {
		t.Fatalf("second push failed: result=%s err=%v", result, err)
	}

	if _, err := first.syncer.UpdatePage(ctx, *firstBase, "- ours", "Shared", false,
		firstBase.LastModifiedMillis+2000); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	result, err := first.syncer.ProcessQueuedUpdates(ctx)
	if err != nil {
		t.Fatalf("first push failed: %v", err)
	}
	if result != pages.SyncConflict {
		t.Fatalf("expected conflict, got %s", result)
	}

	info, ok := first.statuses.Get(created.ID)
	if !ok || info.Status != pages.StatusConflict {
		t.Fatalf("expected conflict status, got %#v", info)
	}
	// the losing edit stays queued until the user discards it
	write, err := first.store.GetPendingWrite(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if write == nil || write.Value != "- ours" {
		t.Fatalf("losing edit must stay intact, got %#v", write)
	}

	// the committed copy is still the authority's truth after a pull
	if _, err := first.syncer.FetchUpdatedPages(ctx); err != nil {
		t.Fatalf("pull failed: %v", err)
	}
	committed, err := first.store.GetPage(ctx, created.ID)
	if err != nil || committed == nil {
		t.Fatalf("missing committed page: %v", err)
	}
	if committed.Value != "- theirs" || committed.RevisionNumber != 2 {
		t.Fatalf("unexpected committed page %#v", committed)
	}
}
