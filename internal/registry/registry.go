// Package registry keeps the named queries clients have registered.
// State lives in memory for the lifetime of the process.
package registry

import (
	"slices"
	"sync"

	"github.com/koustreak/pgdispatch/internal/errs"
)

// Registry maps query names to SQL text. Lookups run concurrently; Save is
// exclusive and the last writer wins.
type Registry struct {
	mu      sync.RWMutex
	queries map[string]string
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{queries: make(map[string]string)}
}

// Save stores sql under name, replacing any previous text. The SQL is not
// inspected.
func (r *Registry) Save(name, sql string) error {
	if name == "" {
		return errs.New(errs.ErrKindInvalidInput, "query name must not be empty")
	}
	r.mu.Lock()
	r.queries[name] = sql
	r.mu.Unlock()
	return nil
}

// Lookup returns the SQL registered under name.
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sql, ok := r.queries[name]
	return sql, ok
}

// Len returns the number of registered queries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.queries)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.queries))
	for name := range r.queries {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}
