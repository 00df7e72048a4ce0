package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/store"
)

type fakeAPI struct {
	mu      sync.Mutex
	items   []json.RawMessage
	total   int
	pages   int
	err     error
	lists   int
	gets    int
	getResp json.RawMessage
}

func (f *fakeAPI) List(_ context.Context, _ string, _, _ int, _ string) (*ListResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.err != nil {
		return nil, f.err
	}
	return &ListResult{Items: f.items, Total: f.total, Pages: f.pages}, nil
}

func (f *fakeAPI) Get(_ context.Context, _, _ string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	return f.getResp, nil
}

func (f *fakeAPI) Create(_ context.Context, _ string, body json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return body, nil
}

func (f *fakeAPI) Update(_ context.Context, _, _ string, body json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return body, nil
}

func (f *fakeAPI) Delete(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeAPI) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lists
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func cacheDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "edge.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func customerJSON(id, name, email string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"_id":%q,"name":%q,"email":%q}`, id, name, email))
}

func customerAPI(n int) *fakeAPI {
	api := &fakeAPI{total: n, pages: 1}
	for i := 1; i <= n; i++ {
		api.items = append(api.items, customerJSON(
			fmt.Sprintf("c-%d", i),
			fmt.Sprintf("Customer %d", i),
			fmt.Sprintf("c%d@example.com", i)))
	}
	return api
}

func newTestStore(t *testing.T, api API) (*Store, *fakeClock) {
	t.Helper()
	s, err := NewStore(
		Definition{Collection: "customers", SearchFields: []string{"name", "email"}},
		cacheDB(t), api, bus.New(), zap.NewNop(),
		Options{FreshWindow: 5 * time.Minute, StaleThreshold: 4 * time.Minute},
	)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	return s, clock
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFetchColdHitsNetwork(t *testing.T) {
	api := customerAPI(3)
	s, _ := newTestStore(t, api)

	res := s.Fetch(context.Background(), 1, 10, "", false)
	if res.Err != "" {
		t.Fatalf("unexpected error: %s", res.Err)
	}
	if res.FromCache {
		t.Fatal("cold fetch should not be served from cache")
	}
	if len(res.Items) != 3 || res.Total != 3 {
		t.Fatalf("got %d items total %d, want 3/3", len(res.Items), res.Total)
	}
	if api.listCount() != 1 {
		t.Fatalf("list calls = %d, want 1", api.listCount())
	}
}

func TestFetchInsideStaleWindowServesCacheOnly(t *testing.T) {
	api := customerAPI(3)
	s, clock := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	clock.advance(3*time.Minute + 59*time.Second)
	res := s.Fetch(context.Background(), 1, 10, "", false)
	if !res.FromCache {
		t.Fatal("expected cached response")
	}
	if res.Refreshing {
		t.Fatal("no background refresh expected inside the stale threshold")
	}
	time.Sleep(50 * time.Millisecond)
	if api.listCount() != 1 {
		t.Fatalf("list calls = %d, want 1", api.listCount())
	}
}

func TestFetchPastStaleThresholdRefreshesInBackground(t *testing.T) {
	api := customerAPI(3)
	s, clock := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	clock.advance(4*time.Minute + 1*time.Second)
	res := s.Fetch(context.Background(), 1, 10, "", false)
	if !res.FromCache {
		t.Fatal("stale-but-fresh read should return cached data immediately")
	}
	if !res.Refreshing {
		t.Fatal("expected a background refresh to be triggered")
	}
	waitFor(t, func() bool { return api.listCount() == 2 }, "background refresh never ran")
	time.Sleep(50 * time.Millisecond)
	if api.listCount() != 2 {
		t.Fatalf("list calls = %d, want exactly 2", api.listCount())
	}
}

func TestFetchPastFreshWindowIsSynchronous(t *testing.T) {
	api := customerAPI(3)
	s, clock := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	clock.advance(5*time.Minute + 1*time.Second)
	res := s.Fetch(context.Background(), 1, 10, "", false)
	if res.FromCache {
		t.Fatal("expired cache should fetch synchronously")
	}
	if api.listCount() != 2 {
		t.Fatalf("list calls = %d, want 2", api.listCount())
	}
}

func TestFetchFallsBackToCacheOnNetworkFailure(t *testing.T) {
	api := customerAPI(3)
	s, clock := newTestStore(t, api)
	primed := s.Fetch(context.Background(), 1, 10, "", false)

	clock.advance(6 * time.Minute)
	api.setErr(errors.New("connection refused"))
	res := s.Fetch(context.Background(), 1, 10, "", false)
	if !res.FromCache || !res.Stale {
		t.Fatal("failed refresh should fall back to the stale cached snapshot")
	}
	if res.Err == "" {
		t.Fatal("fallback must carry the fetch error")
	}
	if !reflect.DeepEqual(res.Items, primed.Items) {
		t.Fatal("fallback items differ from the cached snapshot")
	}
}

func TestFetchColdFailureReturnsError(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	s, _ := newTestStore(t, api)

	res := s.Fetch(context.Background(), 1, 10, "", false)
	if res.Err == "" {
		t.Fatal("expected an error with no cache to fall back on")
	}
	if len(res.Items) != 0 {
		t.Fatalf("got %d items, want none", len(res.Items))
	}
}

func TestUnauthorizedIsAnErrorNotALogout(t *testing.T) {
	api := customerAPI(2)
	s, clock := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	clock.advance(6 * time.Minute)
	api.setErr(ErrUnauthorized)
	res := s.Fetch(context.Background(), 1, 10, "", false)
	if res.Err == "" {
		t.Fatal("expected an error result")
	}
	if len(res.Items) != 2 {
		t.Fatal("cached data must survive an authorization failure")
	}
}

func TestFetchFiltersAndPaginatesLocally(t *testing.T) {
	api := customerAPI(5)
	api.items = append(api.items, customerJSON("c-6", "Ada Lovelace", "ada@example.com"))
	api.total = 6
	s, _ := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	res := s.Fetch(context.Background(), 2, 2, "", false)
	if res.Total != 6 || res.Pages != 3 || len(res.Items) != 2 {
		t.Fatalf("page 2: total=%d pages=%d items=%d", res.Total, res.Pages, len(res.Items))
	}
	if entityID(res.Items[0]) != "c-3" {
		t.Fatalf("page 2 starts at %s, want c-3", entityID(res.Items[0]))
	}

	// Search is case-insensitive across the configured fields.
	found := s.Fetch(context.Background(), 1, 10, "ADA", false)
	if len(found.Items) != 1 || entityID(found.Items[0]) != "c-6" {
		t.Fatalf("search returned %d items", len(found.Items))
	}
	byEmail := s.Fetch(context.Background(), 1, 10, "c3@example", false)
	if len(byEmail.Items) != 1 {
		t.Fatalf("email search returned %d items", len(byEmail.Items))
	}
}

func TestRepeatedFetchIsIdempotent(t *testing.T) {
	api := customerAPI(4)
	s, _ := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	first := s.Fetch(context.Background(), 1, 2, "customer", false)
	second := s.Fetch(context.Background(), 1, 2, "customer", false)
	if !reflect.DeepEqual(first, second) {
		t.Fatal("identical fetches produced different results")
	}
}

func TestGetByIDPrefersCache(t *testing.T) {
	api := customerAPI(2)
	api.getResp = customerJSON("c-9", "Niner", "nine@example.com")
	s, _ := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	if _, err := s.GetByID(context.Background(), "c-1"); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if api.gets != 0 {
		t.Fatal("cache hit should not touch the network")
	}

	// Miss fetches from the server and merges into the cache.
	if _, err := s.GetByID(context.Background(), "c-9"); err != nil {
		t.Fatalf("miss get: %v", err)
	}
	if api.gets != 1 {
		t.Fatalf("get calls = %d, want 1", api.gets)
	}
	if _, err := s.GetByID(context.Background(), "c-9"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if api.gets != 1 {
		t.Fatal("merged entity should be served from cache")
	}
	res := s.Fetch(context.Background(), 1, 10, "", false)
	if res.Total != 3 {
		t.Fatalf("total = %d after merge, want 3", res.Total)
	}
}

func TestMutationsAreServerFirst(t *testing.T) {
	api := customerAPI(2)
	s, _ := newTestStore(t, api)
	s.Fetch(context.Background(), 1, 10, "", false)

	if _, err := s.Create(context.Background(), customerJSON("c-3", "Three", "three@example.com")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res := s.Fetch(context.Background(), 1, 10, "", false); res.Total != 3 {
		t.Fatalf("total = %d after create, want 3", res.Total)
	}

	if _, err := s.Update(context.Background(), "c-1", customerJSON("c-1", "Renamed", "c1@example.com")); err != nil {
		t.Fatalf("update: %v", err)
	}
	data, err := s.GetByID(context.Background(), "c-1")
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	var got struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(data, &got)
	if got.Name != "Renamed" {
		t.Fatalf("name = %q, want Renamed", got.Name)
	}

	if err := s.Delete(context.Background(), "c-2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res := s.Fetch(context.Background(), 1, 10, "", false); res.Total != 2 {
		t.Fatalf("total = %d after delete, want 2", res.Total)
	}

	// A rejected mutation leaves the cache untouched.
	api.setErr(errors.New("validation failed"))
	if err := s.Delete(context.Background(), "c-1"); err == nil {
		t.Fatal("expected delete to fail")
	}
	api.setErr(nil)
	if res := s.Fetch(context.Background(), 1, 10, "", false); res.Total != 2 {
		t.Fatalf("total = %d after failed delete, want 2", res.Total)
	}
}

func TestConcurrentColdFetchesCoalesce(t *testing.T) {
	api := customerAPI(3)
	db := cacheDB(t)
	s, err := NewStore(
		Definition{Collection: "customers", SearchFields: []string{"name", "email"}},
		db, api, bus.New(), zap.NewNop(),
		Options{FreshWindow: 5 * time.Minute, StaleThreshold: 4 * time.Minute, Debounce: 50 * time.Millisecond},
	)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Fetch(context.Background(), 1, 10, "", false)
		}()
	}
	wg.Wait()
	if api.listCount() != 1 {
		t.Fatalf("list calls = %d, want 1 coalesced fetch", api.listCount())
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	api := customerAPI(3)
	db := cacheDB(t)
	def := Definition{Collection: "customers", SearchFields: []string{"name", "email"}}
	opts := Options{FreshWindow: 5 * time.Minute, StaleThreshold: 4 * time.Minute}

	first, err := NewStore(def, db, api, bus.New(), zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	first.Fetch(context.Background(), 1, 10, "", false)

	// A second store over the same database starts warm.
	reborn, err := NewStore(def, db, api, bus.New(), zap.NewNop(), opts)
	if err != nil {
		t.Fatalf("reborn store: %v", err)
	}
	res := reborn.Fetch(context.Background(), 1, 10, "", false)
	if !res.FromCache || res.Total != 3 {
		t.Fatalf("rehydrated fetch: fromCache=%v total=%d", res.FromCache, res.Total)
	}
	if api.listCount() != 1 {
		t.Fatalf("list calls = %d, want 1", api.listCount())
	}
}

func TestRegistryKnowsAllCollections(t *testing.T) {
	db := cacheDB(t)
	r, err := NewRegistry(db, &fakeAPI{}, bus.New(), zap.NewNop(), Options{FreshWindow: 5 * time.Minute, StaleThreshold: 4 * time.Minute})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	want := []string{"campaigns", "collections", "customers", "products"}
	if !reflect.DeepEqual(r.Names(), want) {
		t.Fatalf("names = %v", r.Names())
	}
	if _, ok := r.Get("products"); !ok {
		t.Fatal("products store missing")
	}
	if _, ok := r.Get("orders"); ok {
		t.Fatal("unknown collection should not resolve")
	}
}
