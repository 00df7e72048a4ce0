package cache

import (
	"sort"

	"go.uber.org/zap"

	"github.com/sinosply/edge/internal/bus"
	"github.com/sinosply/edge/internal/store"
)

// Definitions lists the storefront collections the daemon caches and the
// fields their local search matches against.
func Definitions() []Definition {
	return []Definition{
		{Collection: "customers", SearchFields: []string{"name", "email"}},
		{Collection: "campaigns", SearchFields: []string{"title", "subject"}},
		{Collection: "collections", SearchFields: []string{"name"}},
		{Collection: "products", SearchFields: []string{"name", "sku"}},
	}
}

// Registry holds one Store per cached collection.
type Registry struct {
	stores map[string]*Store
}

// NewRegistry builds a store for every known collection.
func NewRegistry(db *store.DB, api API, b *bus.Bus, logger *zap.Logger, opts Options) (*Registry, error) {
	r := &Registry{stores: make(map[string]*Store)}
	for _, def := range Definitions() {
		s, err := NewStore(def, db, api, b, logger, opts)
		if err != nil {
			return nil, err
		}
		r.stores[def.Collection] = s
	}
	return r, nil
}

// Get returns the store for a collection, or false for unknown names.
func (r *Registry) Get(collection string) (*Store, bool) {
	s, ok := r.stores[collection]
	return s, ok
}

// Names returns the known collection names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
