package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/store"
)

// fetchLimit is the page size used when refreshing a collection from the
// server. The daemon caches the whole collection and serves filtered,
// paginated slices locally.
const fetchLimit = 500

// Definition describes one cached collection and the entity fields its
// local search matches against.
type Definition struct {
	Collection   string
	SearchFields []string
}

// Options carries the freshness tuning for a store.
type Options struct {
	FreshWindow    time.Duration
	StaleThreshold time.Duration
	Debounce       time.Duration
}

// Result is one locally filtered, paginated view of a collection.
type Result struct {
	Items      []json.RawMessage `json:"items"`
	Total      int               `json:"total"`
	Page       int               `json:"page"`
	Pages      int               `json:"pages"`
	FromCache  bool              `json:"fromCache"`
	Stale      bool              `json:"stale,omitempty"`
	Refreshing bool              `json:"refreshing"`
	Err        string            `json:"error,omitempty"`
}

type item struct {
	id     string
	search string
	data   json.RawMessage
}

// Store keeps one collection's entities in memory, mirrored to sqlite so
// the cache survives daemon restarts. Reads inside the fresh window are
// served locally; past the stale threshold a background refresh is
// kicked off; past the fresh window the read fetches synchronously.
type Store struct {
	def    Definition
	db     *store.DB
	api    API
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options
	group  *coalescer
	now    func() time.Time

	mu         sync.Mutex
	items      []item
	meta       store.CacheMeta
	refreshing bool
}

// NewStore creates a store for one collection, rehydrating any rows a
// previous daemon run persisted.
func NewStore(def Definition, db *store.DB, api API, b *bus.Bus, logger *zap.Logger, opts Options) (*Store, error) {
	s := &Store{
		def:    def,
		db:     db,
		api:    api,
		bus:    b,
		logger: logger.With(zap.String("collection", def.Collection)),
		opts:   opts,
		group:  newCoalescer(opts.Debounce),
		now:    time.Now,
	}
	entries, err := db.ListCollection(def.Collection)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s: %w", def.Collection, err)
	}
	for _, e := range entries {
		s.items = append(s.items, item{id: e.EntityID, search: e.SearchText, data: json.RawMessage(e.Data)})
	}
	s.meta, err = db.GetCacheMeta(def.Collection)
	if err != nil {
		return nil, fmt.Errorf("rehydrate %s meta: %w", def.Collection, err)
	}
	return s, nil
}

// Collection returns the collection name this store serves.
func (s *Store) Collection() string { return s.def.Collection }

// Fetch returns a page of the collection. Cached data inside the fresh
// window is returned immediately; when the cache is older than the stale
// threshold a single background refresh is triggered alongside. Cold or
// expired caches fetch synchronously, falling back to the last snapshot
// when the network fails.
func (s *Store) Fetch(ctx context.Context, page, limit int, search string, force bool) Result {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}

	s.mu.Lock()
	if !force && s.meta.LastFetchMS > 0 && s.ageLocked() <= s.opts.FreshWindow {
		res := s.sliceLocked(page, limit, search)
		if s.ageLocked() > s.opts.StaleThreshold && !s.refreshing {
			s.refreshing = true
			res.Refreshing = true
			go s.backgroundRefresh()
		}
		s.mu.Unlock()
		return res
	}
	s.mu.Unlock()

	err := s.group.Do(func() error { return s.refresh(ctx) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.meta.LastFetchMS > 0 {
			res := s.sliceLocked(page, limit, search)
			res.Stale = true
			last := time.UnixMilli(s.meta.LastFetchMS).Format(time.RFC3339)
			res.Err = fmt.Sprintf("using cached data from %s: %v", last, err)
			return res
		}
		return Result{Page: page, Err: err.Error()}
	}
	res := s.sliceLocked(page, limit, search)
	res.FromCache = false
	return res
}

// GetByID returns one entity, from cache when present, else from the
// server, merging the fetched entity into the cache.
func (s *Store) GetByID(ctx context.Context, id string) (json.RawMessage, error) {
	s.mu.Lock()
	for _, it := range s.items {
		if it.id == id {
			s.mu.Unlock()
			return it.data, nil
		}
	}
	s.mu.Unlock()

	data, err := s.api.Get(ctx, s.def.Collection, id)
	if err != nil {
		return nil, err
	}
	s.mergeEntity(data)
	return data, nil
}

// Create posts a new entity to the server and merges the created entity
// into the cache. Nothing changes locally when the server rejects it.
func (s *Store) Create(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	data, err := s.api.Create(ctx, s.def.Collection, body)
	if err != nil {
		return nil, err
	}
	s.mergeEntity(data)
	return data, nil
}

// Update writes an entity to the server and replaces the cached copy.
func (s *Store) Update(ctx context.Context, id string, body json.RawMessage) (json.RawMessage, error) {
	data, err := s.api.Update(ctx, s.def.Collection, id, body)
	if err != nil {
		return nil, err
	}
	s.mergeEntity(data)
	return data, nil
}

// Delete removes an entity on the server, then locally.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.api.Delete(ctx, s.def.Collection, id); err != nil {
		return err
	}
	s.mu.Lock()
	for i, it := range s.items {
		if it.id == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	if err := s.db.DeleteCacheEntry(s.def.Collection, id); err != nil {
		s.logger.Warn("failed to delete cached entity", zap.String("id", id), zap.Error(err))
	}
	return nil
}

func (s *Store) backgroundRefresh() {
	err := s.group.Do(func() error { return s.refresh(context.Background()) })
	s.mu.Lock()
	s.refreshing = false
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("background refresh failed", zap.Error(err))
	}
}

// refresh fetches the whole collection and atomically replaces the cache.
func (s *Store) refresh(ctx context.Context) error {
	resp, err := s.api.List(ctx, s.def.Collection, 1, fetchLimit, "")
	if err != nil {
		s.bus.Emit(bus.KindCacheError, map[string]string{
			"collection": s.def.Collection,
			"error":      err.Error(),
		})
		return fmt.Errorf("fetch %s: %w", s.def.Collection, err)
	}

	items := make([]item, 0, len(resp.Items))
	entries := make([]store.CacheEntry, 0, len(resp.Items))
	for _, raw := range resp.Items {
		id := entityID(raw)
		if id == "" {
			continue
		}
		it := item{id: id, search: searchText(raw, s.def.SearchFields), data: raw}
		items = append(items, it)
		entries = append(entries, store.CacheEntry{
			Collection: s.def.Collection,
			EntityID:   it.id,
			SearchText: it.search,
			Data:       it.data,
		})
	}
	meta := store.CacheMeta{
		Collection:  s.def.Collection,
		LastFetchMS: s.now().UnixMilli(),
		Total:       resp.Total,
		Page:        1,
		Pages:       resp.Pages,
	}
	if err := s.db.ReplaceCollection(entries, meta); err != nil {
		return fmt.Errorf("persist %s: %w", s.def.Collection, err)
	}

	s.mu.Lock()
	s.items = items
	s.meta = meta
	s.mu.Unlock()

	s.bus.Emit(bus.KindCacheRefreshed, map[string]any{
		"collection": s.def.Collection,
		"count":      len(items),
	})
	return nil
}

func (s *Store) mergeEntity(data json.RawMessage) {
	id := entityID(data)
	if id == "" {
		return
	}
	it := item{id: id, search: searchText(data, s.def.SearchFields), data: data}

	s.mu.Lock()
	found := false
	for i := range s.items {
		if s.items[i].id == id {
			s.items[i] = it
			found = true
			break
		}
	}
	if !found {
		s.items = append(s.items, it)
	}
	s.mu.Unlock()

	if err := s.db.UpsertCacheEntry(store.CacheEntry{
		Collection: s.def.Collection,
		EntityID:   it.id,
		SearchText: it.search,
		Data:       it.data,
	}); err != nil {
		s.logger.Warn("failed to persist cached entity", zap.String("id", id), zap.Error(err))
	}
}

func (s *Store) ageLocked() time.Duration {
	return time.Duration(s.now().UnixMilli()-s.meta.LastFetchMS) * time.Millisecond
}

// sliceLocked applies the local search filter and pagination to the
// in-memory snapshot. Caller holds s.mu.
func (s *Store) sliceLocked(page, limit int, search string) Result {
	var filtered []item
	if search == "" {
		filtered = s.items
	} else {
		needle := strings.ToLower(search)
		for _, it := range s.items {
			if strings.Contains(it.search, needle) {
				filtered = append(filtered, it)
			}
		}
	}

	total := len(filtered)
	pages := (total + limit - 1) / limit
	if pages < 1 {
		pages = 1
	}
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]json.RawMessage, 0, end-start)
	for _, it := range filtered[start:end] {
		out = append(out, it.data)
	}
	return Result{
		Items:     out,
		Total:     total,
		Page:      page,
		Pages:     pages,
		FromCache: true,
	}
}

// entityID extracts the identifier from a raw entity, accepting either
// the Mongo-style _id or a plain id field.
func entityID(data json.RawMessage) string {
	var probe struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	if probe.MongoID != "" {
		return probe.MongoID
	}
	return probe.ID
}

// searchText concatenates the lowercase values of the searchable fields.
func searchText(data json.RawMessage, fields []string) string {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		if v, ok := m[f].(string); ok && v != "" {
			parts = append(parts, strings.ToLower(v))
		}
	}
	return strings.Join(parts, " ")
}
