// Package memory is an in-process, mutex-guarded Component store backend,
// grounded on the teacher's pkg/storage/memory.Store (one map per entity
// type, sync.RWMutex, monotonic id counter). It is the reference backend
// used by tests, the shell REPL and single-process deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

type storedRow struct {
	values  schema.Values
	version schema.Version
}

type componentState struct {
	rows   map[schema.RowID]*storedRow
	nextID uint64

	// ordered[index] is kept sorted by (value, rowID) ascending.
	ordered map[string][]indexEntry
	// unique[index][value] -> rowID, for O(1) uniqueness checks.
	unique map[string]map[any]schema.RowID
}

type indexEntry struct {
	value any
	id    schema.RowID
}

func newComponentState(c *schema.Component) *componentState {
	cs := &componentState{
		rows:    make(map[schema.RowID]*storedRow),
		ordered: make(map[string][]indexEntry),
		unique:  make(map[string]map[any]schema.RowID),
	}
	for _, idx := range c.Indices {
		cs.ordered[idx.Field] = nil
		if idx.Kind == schema.IndexUnique {
			cs.unique[idx.Field] = make(map[any]schema.RowID)
		}
	}
	return cs
}

// Backend is the in-memory store.Backend implementation.
type Backend struct {
	mu    sync.RWMutex
	reg   *schema.Registry
	state map[string]*componentState
	bus   *store.EventBus
}

// New constructs a memory Backend over a frozen schema registry.
func New(reg *schema.Registry) *Backend {
	b := &Backend{
		reg:   reg,
		state: make(map[string]*componentState),
		bus:   store.NewEventBus(256),
	}
	for _, name := range reg.Names() {
		c := reg.MustLookup(name)
		b.state[name] = newComponentState(c)
	}
	return b
}

func (b *Backend) Events() *store.EventBus { return b.bus }

func (b *Backend) Close() error { return nil }

// ClearTransient deletes every row of every Component flagged
// schema.Transient, called once at startup per spec.md §3.
func (b *Backend) ClearTransient(_ context.Context, reg *schema.Registry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range reg.Names() {
		c := reg.MustLookup(name)
		if c.Persistency != schema.Transient {
			continue
		}
		b.state[name] = newComponentState(c)
	}
	return nil
}

func (b *Backend) Begin(_ context.Context, identity schema.Permission) (store.Transaction, error) {
	return &Tx{
		backend:  b,
		identity: identity,
		reads:    make(map[string]map[schema.RowID]schema.Version),
		writes:   make(map[string]map[schema.RowID]*writeOp),
		ranges:   nil,
	}, nil
}

// component looks up both the schema definition and the live state for a
// Component name, returning a *errors.CoreError if it's unknown.
func (b *Backend) component(name string) (*schema.Component, *componentState, error) {
	c, ok := b.reg.Lookup(name)
	if !ok {
		return nil, nil, errors.Internal(componentNotFound(name))
	}
	cs := b.state[name]
	return c, cs, nil
}

type notFoundErr string

func (e notFoundErr) Error() string { return "component not found: " + string(e) }

func componentNotFound(name string) error { return notFoundErr(name) }

// insertIndexEntries and removeIndexEntries keep the sorted per-index
// slices and the unique-index maps consistent with committed row state.
// Callers must hold b.mu (write lock).
func (cs *componentState) insertIndexEntries(c *schema.Component, id schema.RowID, vals schema.Values) {
	for _, idx := range c.Indices {
		fi := c.FieldIndex(idx.Field)
		if fi < 0 || fi >= len(vals) {
			continue
		}
		v := vals[fi]
		entries := cs.ordered[idx.Field]
		pos := sort.Search(len(entries), func(i int) bool {
			cmp := store.Compare(entries[i].value, v)
			if cmp != 0 {
				return cmp >= 0
			}
			return store.CompareRowID(uint64(entries[i].id), uint64(id)) >= 0
		})
		entries = append(entries, indexEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = indexEntry{value: v, id: id}
		cs.ordered[idx.Field] = entries

		if idx.Kind == schema.IndexUnique {
			cs.unique[idx.Field][v] = id
		}
	}
}

func (cs *componentState) removeIndexEntries(c *schema.Component, id schema.RowID, vals schema.Values) {
	for _, idx := range c.Indices {
		fi := c.FieldIndex(idx.Field)
		if fi < 0 || fi >= len(vals) {
			continue
		}
		v := vals[fi]
		entries := cs.ordered[idx.Field]
		for i, e := range entries {
			if e.id == id {
				cs.ordered[idx.Field] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if idx.Kind == schema.IndexUnique {
			if cur, ok := cs.unique[idx.Field][v]; ok && cur == id {
				delete(cs.unique[idx.Field], v)
			}
		}
	}
}
