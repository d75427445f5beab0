// Package broker implements the subscription broker from spec.md §4.3: it
// turns store.ChangeEvent terms into per-subscription insert/update/delete
// deltas for row subscriptions (point lookup) and range subscriptions
// (ordered windows), each individually FIFO and gap-free. Grounded on
// spec.md §4.3 directly; the publish/consume vocabulary follows the
// teacher's system/framework.BusClient (PublishEvent/PushData shape),
// generalized from a pub/sub bus to a typed delta stream.
package broker

import (
	"context"
	"sort"
	"sync"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

// Delta is one subscription-visible change. Position is the row's 0-based
// index in the subscription's current ordered window after the delta is
// applied; it is meaningless (left at -1) for row subscriptions. For a
// range-subscription delete it is the index the row occupied just before
// it was removed from the window.
type Delta struct {
	SubID    uint64
	Op       store.Op
	RowID    schema.RowID
	Row      schema.Row
	Position int
}

type rowSubscription struct {
	id        uint64
	component string
	field     string
	value     any
	matchedID schema.RowID // 0 means currently unmatched
}

type windowEntry struct {
	id  schema.RowID
	key any
}

type rangeSubscription struct {
	id        uint64
	component string
	identity  schema.Permission
	r         store.Range
	window    []windowEntry
}

// Broker owns one connection's subscription set and the goroutine that
// drains its EventBus subscriber, emitting Deltas on Out. One Broker is
// created per connection, per spec.md §4.3's "per connection, the broker
// maintains...".
type Broker struct {
	backend store.Backend
	reg     *schema.Registry
	events  *store.Subscriber

	mu        sync.Mutex
	nextSubID uint64
	rowSubs   map[uint64]*rowSubscription
	rangeSubs map[uint64]*rangeSubscription
	// componentSubs maps a component name to the set of subscription ids
	// (drawn from both rowSubs and rangeSubs) interested in it, so the run
	// loop doesn't scan every subscription for every event.
	componentSubs map[string]map[uint64]bool

	Out chan Delta

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Broker bound to backend's change-event bus.
func New(backend store.Backend, reg *schema.Registry) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		backend:       backend,
		reg:           reg,
		events:        backend.Events().Subscribe(),
		rowSubs:       make(map[uint64]*rowSubscription),
		rangeSubs:     make(map[uint64]*rangeSubscription),
		componentSubs: make(map[string]map[uint64]bool),
		Out:           make(chan Delta, 256),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go b.run(ctx)
	return b
}

// Close unsubscribes from the bus and stops the run loop. Safe to call
// once; per spec.md §4.4's CLOSED state, "unsubscribe all, drop session".
func (b *Broker) Close() {
	b.cancel()
	<-b.done
	b.backend.Events().Unsubscribe(b.events)
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case term, ok := <-b.events.C():
			if !ok {
				return
			}
			b.handleTerm(ctx, term)
		}
	}
}

func (b *Broker) addComponentInterest(component string, subID uint64) {
	m, ok := b.componentSubs[component]
	if !ok {
		m = make(map[uint64]bool)
		b.componentSubs[component] = m
	}
	m[subID] = true
}

func (b *Broker) removeComponentInterest(component string, subID uint64) {
	if m, ok := b.componentSubs[component]; ok {
		delete(m, subID)
	}
}

func (b *Broker) nextID() uint64 {
	b.nextSubID++
	return b.nextSubID
}

// SubscribeRow registers a row subscription on (component, field, value)
// and returns its subscription id plus the initial snapshot (0 or 1 rows),
// per spec.md §4.3 step 1.
func (b *Broker) SubscribeRow(ctx context.Context, identity schema.Permission, component, field string, value any) (uint64, []schema.Row, error) {
	c, ok := b.reg.Lookup(component)
	if !ok {
		return 0, nil, errors.BadArgs("unknown component " + component)
	}
	if identity < c.Permission {
		return 0, nil, errors.Forbidden("identity level below component's read permission")
	}
	if _, hasIdx := c.IndexFor(field); !hasIdx {
		return 0, nil, errors.BadArgs("row subscription field " + field + " has no declared index")
	}

	row, matchedID, err := b.findByField(ctx, identity, c, field, value)
	if err != nil {
		return 0, nil, err
	}

	b.mu.Lock()
	id := b.nextID()
	b.rowSubs[id] = &rowSubscription{id: id, component: component, field: field, value: value, matchedID: matchedID}
	b.addComponentInterest(component, id)
	b.mu.Unlock()

	if matchedID == 0 {
		return id, nil, nil
	}
	return id, []schema.Row{row}, nil
}

// SubscribeRange registers a range subscription and returns its id plus
// the initial ordered snapshot, per spec.md §4.3 step 1.
func (b *Broker) SubscribeRange(ctx context.Context, identity schema.Permission, component string, r store.Range) (uint64, []schema.Row, error) {
	c, ok := b.reg.Lookup(component)
	if !ok {
		return 0, nil, errors.BadArgs("unknown component " + component)
	}
	if identity < c.Permission {
		return 0, nil, errors.Forbidden("identity level below component's read permission")
	}

	rows, err := b.query(ctx, identity, component, r)
	if err != nil {
		return 0, nil, err
	}

	win := make([]windowEntry, 0, len(rows))
	fi := c.FieldIndex(r.Index)
	for _, row := range rows {
		win = append(win, windowEntry{id: row.ID, key: row.Values[fi]})
	}

	b.mu.Lock()
	id := b.nextID()
	b.rangeSubs[id] = &rangeSubscription{id: id, component: component, identity: identity, r: r, window: win}
	b.addComponentInterest(component, id)
	b.mu.Unlock()

	return id, rows, nil
}

// Unsubscribe removes a subscription (row or range). Idempotent, per the
// Testable Properties' "idempotent unsubscribe" requirement.
func (b *Broker) Unsubscribe(subID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.rowSubs[subID]; ok {
		b.removeComponentInterest(s.component, subID)
		delete(b.rowSubs, subID)
		return
	}
	if s, ok := b.rangeSubs[subID]; ok {
		b.removeComponentInterest(s.component, subID)
		delete(b.rangeSubs, subID)
	}
}

func (b *Broker) query(ctx context.Context, identity schema.Permission, component string, r store.Range) ([]schema.Row, error) {
	tx, err := b.backend.Begin(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.Query(component, r)
}

// findByField locates the (assumed unique) row whose field equals value,
// by scanning the index ascending from value and taking the leading run
// of exact matches.
func (b *Broker) findByField(ctx context.Context, identity schema.Permission, c *schema.Component, field string, value any) (schema.Row, schema.RowID, error) {
	rows, err := b.query(ctx, identity, c.Name, store.Range{Index: field, Left: value, Limit: 64, Direction: store.Asc})
	if err != nil {
		return schema.Row{}, 0, err
	}
	fi := c.FieldIndex(field)
	for _, row := range rows {
		if fi < 0 || fi >= len(row.Values) {
			continue
		}
		if store.Compare(row.Values[fi], value) == 0 {
			return row, row.ID, nil
		}
		break // index-sorted, so once we pass `value` there's no match left
	}
	return schema.Row{}, 0, nil
}

func (b *Broker) handleTerm(ctx context.Context, term store.Term) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range term.Events {
		subs, ok := b.componentSubs[ev.Component]
		if !ok {
			continue
		}
		for subID := range subs {
			if s, ok := b.rowSubs[subID]; ok {
				b.applyRowEvent(ctx, s, ev)
				continue
			}
			if s, ok := b.rangeSubs[subID]; ok {
				b.applyRangeEvent(ctx, s, ev)
			}
		}
	}
}

func (b *Broker) applyRowEvent(ctx context.Context, s *rowSubscription, ev store.ChangeEvent) {
	c, ok := b.reg.Lookup(s.component)
	if !ok {
		return
	}
	fi := c.FieldIndex(s.field)

	if ev.RowID == s.matchedID {
		switch ev.Op {
		case store.OpUpdate:
			if fi >= 0 && fi < len(ev.Row.Values) && store.Compare(ev.Row.Values[fi], s.value) == 0 {
				b.emit(ctx, Delta{SubID: s.id, Op: store.OpUpdate, RowID: ev.RowID, Row: ev.Row, Position: -1})
			} else {
				b.emit(ctx, Delta{SubID: s.id, Op: store.OpDelete, RowID: ev.RowID, Position: -1})
				s.matchedID = 0
			}
		case store.OpDelete:
			b.emit(ctx, Delta{SubID: s.id, Op: store.OpDelete, RowID: ev.RowID, Position: -1})
			s.matchedID = 0
		}
		return
	}

	if ev.Op == store.OpInsert || ev.Op == store.OpUpdate {
		if fi < 0 || fi >= len(ev.Row.Values) || store.Compare(ev.Row.Values[fi], s.value) != 0 {
			return
		}
		if s.matchedID != 0 {
			b.emit(ctx, Delta{SubID: s.id, Op: store.OpDelete, RowID: s.matchedID, Position: -1})
		}
		b.emit(ctx, Delta{SubID: s.id, Op: store.OpInsert, RowID: ev.RowID, Row: ev.Row, Position: -1})
		s.matchedID = ev.RowID
	}
}

func (b *Broker) indexOfWindow(win []windowEntry, id schema.RowID) int {
	for i, e := range win {
		if e.id == id {
			return i
		}
	}
	return -1
}

func (b *Broker) sortLess(r store.Range, a, bEntry windowEntry) bool {
	cmp := store.Compare(a.key, bEntry.key)
	if cmp != 0 {
		if r.Direction == store.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	if r.Direction == store.Desc {
		return a.id > bEntry.id
	}
	return a.id < bEntry.id
}

// insertSorted inserts e into win (already sorted per r) and returns the
// new slice and e's resulting index.
func (b *Broker) insertSorted(r store.Range, win []windowEntry, e windowEntry) ([]windowEntry, int) {
	pos := sort.Search(len(win), func(i int) bool { return !b.sortLess(r, win[i], e) })
	win = append(win, windowEntry{})
	copy(win[pos+1:], win[pos:])
	win[pos] = e
	return win, pos
}

func (b *Broker) applyRangeEvent(ctx context.Context, s *rangeSubscription, ev store.ChangeEvent) {
	c, ok := b.reg.Lookup(s.component)
	if !ok {
		return
	}
	fi := c.FieldIndex(s.r.Index)
	idx := b.indexOfWindow(s.window, ev.RowID)

	switch ev.Op {
	case store.OpDelete:
		if idx < 0 {
			return
		}
		s.window = append(s.window[:idx], s.window[idx+1:]...)
		b.emit(ctx, Delta{SubID: s.id, Op: store.OpDelete, RowID: ev.RowID, Position: idx})
		b.topUp(ctx, s)

	case store.OpInsert, store.OpUpdate:
		if fi < 0 || fi >= len(ev.Row.Values) {
			return
		}
		newKey := ev.Row.Values[fi]
		matches := store.InRange(newKey, s.r.Left, s.r.Right)

		if idx >= 0 {
			if !matches {
				s.window = append(s.window[:idx], s.window[idx+1:]...)
				b.emit(ctx, Delta{SubID: s.id, Op: store.OpDelete, RowID: ev.RowID, Position: idx})
				b.topUp(ctx, s)
				return
			}
			if store.Compare(newKey, s.window[idx].key) != 0 {
				s.window = append(s.window[:idx], s.window[idx+1:]...)
				var newIdx int
				s.window, newIdx = b.insertSorted(s.r, s.window, windowEntry{id: ev.RowID, key: newKey})
				b.emit(ctx, Delta{SubID: s.id, Op: store.OpUpdate, RowID: ev.RowID, Row: ev.Row, Position: newIdx})
				return
			}
			b.emit(ctx, Delta{SubID: s.id, Op: store.OpUpdate, RowID: ev.RowID, Row: ev.Row, Position: idx})
			return
		}

		if !matches {
			return
		}
		cand := windowEntry{id: ev.RowID, key: newKey}
		if len(s.window) < s.r.Limit {
			var newIdx int
			s.window, newIdx = b.insertSorted(s.r, s.window, cand)
			b.emit(ctx, Delta{SubID: s.id, Op: store.OpInsert, RowID: ev.RowID, Row: ev.Row, Position: newIdx})
			return
		}
		boundary := s.window[len(s.window)-1]
		if b.sortLess(s.r, cand, boundary) {
			s.window = s.window[:len(s.window)-1]
			b.emit(ctx, Delta{SubID: s.id, Op: store.OpDelete, RowID: boundary.id, Position: len(s.window)})
			var newIdx int
			s.window, newIdx = b.insertSorted(s.r, s.window, cand)
			b.emit(ctx, Delta{SubID: s.id, Op: store.OpInsert, RowID: ev.RowID, Row: ev.Row, Position: newIdx})
		}
	}
}

// topUp re-queries a range subscription's full window when it has shrunk
// below its declared limit, emitting insert deltas only for rows not
// already present. This is the "re-snapshot on miss" fallback described in
// SPEC_FULL.md §4.3 and DESIGN.md's resolved Open Question, scoped here to
// the concrete case of a window shrinking below limit rather than every
// event.
func (b *Broker) topUp(ctx context.Context, s *rangeSubscription) {
	if len(s.window) >= s.r.Limit {
		return
	}
	rows, err := b.query(ctx, s.identity, s.component, s.r)
	if err != nil {
		return
	}
	c, ok := b.reg.Lookup(s.component)
	if !ok {
		return
	}
	fi := c.FieldIndex(s.r.Index)

	existing := make(map[schema.RowID]bool, len(s.window))
	for _, e := range s.window {
		existing[e.id] = true
	}
	for _, row := range rows {
		if existing[row.ID] {
			continue
		}
		if len(s.window) >= s.r.Limit {
			break
		}
		e := windowEntry{id: row.ID, key: row.Values[fi]}
		var newIdx int
		s.window, newIdx = b.insertSorted(s.r, s.window, e)
		b.emit(ctx, Delta{SubID: s.id, Op: store.OpInsert, RowID: row.ID, Row: row, Position: newIdx})
	}
}

// emit delivers a Delta to Out, blocking until the connection's own drain
// goroutine (forwardDeltas) makes room or the Broker itself is closed.
// Per spec.md §4.3/§8's "no missed transitions" guarantee, a delta must
// never be silently discarded just because one connection's consumer is
// momentarily behind — store.EventBus already protects commits from a
// stalled connection by dropping that connection's whole subscriber
// (forceDrop) rather than blocking the writer, so blocking here only ever
// stalls this Broker's own run loop, never another connection or a commit.
func (b *Broker) emit(ctx context.Context, d Delta) {
	select {
	case b.Out <- d:
	case <-ctx.Done():
	}
}
