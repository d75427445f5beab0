package memory

import (
	"sort"
	"sync/atomic"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

// writeOp is one staged mutation, keyed by (component, rowID) in Tx.writes.
type writeOp struct {
	op     store.Op
	values schema.Values // full post-mutation values; nil for delete
	fields []string      // changed field names, for Update's ChangeEvent
}

// consultedRange remembers a Query call so Commit can detect that rows
// entering or leaving the window would have changed the returned page.
type consultedRange struct {
	component string
	r         store.Range
	rowIDs    []schema.RowID // ids observed in the window at query time
}

// Tx is the memory backend's optimistic Transaction. It is not safe for
// concurrent use, mirroring database/sql's *Tx contract.
type Tx struct {
	backend  *Backend
	identity schema.Permission

	reads   map[string]map[schema.RowID]schema.Version
	writes  map[string]map[schema.RowID]*writeOp
	ranges  []consultedRange
	pending []schema.RowID // ids allocated by Insert in this tx, in order

	done bool
	err  error // sticky error from a permission violation; poisons the tx
}

func (tx *Tx) componentWrites(name string) map[schema.RowID]*writeOp {
	m, ok := tx.writes[name]
	if !ok {
		m = make(map[schema.RowID]*writeOp)
		tx.writes[name] = m
	}
	return m
}

func (tx *Tx) recordRead(component string, id schema.RowID, v schema.Version) {
	m, ok := tx.reads[component]
	if !ok {
		m = make(map[schema.RowID]schema.Version)
		tx.reads[component] = m
	}
	if _, exists := m[id]; !exists {
		m[id] = v
	}
}

func (tx *Tx) Select(component string, id schema.RowID) (schema.Row, bool, error) {
	if tx.err != nil {
		return schema.Row{}, false, tx.err
	}
	c, cs, err := tx.backend.component(component)
	if err != nil {
		return schema.Row{}, false, err
	}

	if w, ok := tx.componentWrites(component)[id]; ok {
		if w.op == store.OpDelete {
			return schema.Row{}, false, nil
		}
		return schema.Row{Component: component, ID: id, Values: w.values.Clone()}, true, nil
	}

	tx.backend.mu.RLock()
	defer tx.backend.mu.RUnlock()

	sr, ok := cs.rows[id]
	if !ok {
		return schema.Row{}, false, nil
	}
	tx.recordRead(component, id, sr.version)
	_ = c
	return schema.Row{Component: component, ID: id, Version: sr.version, Values: sr.values.Clone()}, true, nil
}

func (tx *Tx) Query(component string, r store.Range) ([]schema.Row, error) {
	if tx.err != nil {
		return nil, tx.err
	}
	if r.Limit <= 0 {
		return nil, errors.BadArgs("range limit must be >= 1")
	}
	c, cs, err := tx.backend.component(component)
	if err != nil {
		return nil, err
	}
	if c.FieldIndex(r.Index) < 0 {
		return nil, errors.BadArgs("unknown index " + r.Index + " on component " + component)
	}

	tx.backend.mu.RLock()
	entries := append([]indexEntry(nil), cs.ordered[r.Index]...)
	rows := make(map[schema.RowID]*storedRow, len(cs.rows))
	for id, sr := range cs.rows {
		rows[id] = sr
	}
	tx.backend.mu.RUnlock()

	type cand struct {
		id  schema.RowID
		val any
	}
	var candidates []cand
	for _, e := range entries {
		if store.InRange(e.value, r.Left, r.Right) {
			candidates = append(candidates, cand{id: e.id, val: e.value})
		}
	}

	// Splice in this transaction's own staged writes so Query observes
	// read-your-own-writes, per spec.md §4.1.
	writes := tx.componentWrites(component)
	seen := make(map[schema.RowID]bool, len(candidates))
	merged := make([]cand, 0, len(candidates)+len(writes))
	for _, cd := range candidates {
		if w, ok := writes[cd.id]; ok {
			seen[cd.id] = true
			if w.op == store.OpDelete {
				continue
			}
			fi := c.FieldIndex(r.Index)
			merged = append(merged, cand{id: cd.id, val: w.values[fi]})
			continue
		}
		merged = append(merged, cd)
	}
	for id, w := range writes {
		if seen[id] || w.op == store.OpDelete {
			continue
		}
		fi := c.FieldIndex(r.Index)
		if fi < 0 || fi >= len(w.values) {
			continue
		}
		if store.InRange(w.values[fi], r.Left, r.Right) {
			merged = append(merged, cand{id: id, val: w.values[fi]})
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		cmp := store.Compare(merged[i].val, merged[j].val)
		if cmp != 0 {
			if r.Direction == store.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		if r.Direction == store.Desc {
			return merged[i].id > merged[j].id
		}
		return merged[i].id < merged[j].id
	})

	if r.Limit < len(merged) {
		merged = merged[:r.Limit]
	}

	observed := make([]schema.RowID, 0, len(merged))
	out := make([]schema.Row, 0, len(merged))
	for _, m := range merged {
		observed = append(observed, m.id)
		var vals schema.Values
		var version schema.Version
		if w, ok := writes[m.id]; ok {
			vals = w.values.Clone()
		} else if sr, ok := rows[m.id]; ok {
			vals = sr.values.Clone()
			version = sr.version
			tx.recordRead(component, m.id, version)
		}
		out = append(out, schema.Row{Component: component, ID: m.id, Version: version, Values: vals})
	}

	tx.ranges = append(tx.ranges, consultedRange{component: component, r: r, rowIDs: observed})
	return out, nil
}

func (tx *Tx) Insert(component string, fields schema.Values) (schema.RowID, error) {
	if tx.err != nil {
		return 0, tx.err
	}
	c, cs, err := tx.backend.component(component)
	if err != nil {
		return 0, err
	}
	if perr := checkPermissionAndPoison(tx, tx.identity, c); perr != nil {
		return 0, perr
	}

	id := schema.RowID(atomic.AddUint64(&cs.nextID, 1))
	vals := fields.Clone()
	tx.componentWrites(component)[id] = &writeOp{op: store.OpInsert, values: vals}
	tx.pending = append(tx.pending, id)
	return id, nil
}

func (tx *Tx) Update(component string, id schema.RowID, fields map[string]any) error {
	if tx.err != nil {
		return tx.err
	}
	c, cs, err := tx.backend.component(component)
	if err != nil {
		return err
	}
	if perr := checkPermissionAndPoison(tx, tx.identity, c); perr != nil {
		return perr
	}

	writes := tx.componentWrites(component)
	var base schema.Values
	if w, ok := writes[id]; ok {
		if w.op == store.OpDelete {
			return errors.ConstraintViolated("cannot update a row deleted in the same transaction")
		}
		base = w.values.Clone()
	} else {
		tx.backend.mu.RLock()
		sr, ok := cs.rows[id]
		tx.backend.mu.RUnlock()
		if !ok {
			return errors.ConstraintViolated("row does not exist")
		}
		tx.recordRead(component, id, sr.version)
		base = sr.values.Clone()
	}

	changed := make([]string, 0, len(fields))
	for name, v := range fields {
		fi := c.FieldIndex(name)
		if fi < 0 {
			return errors.BadArgs("unknown field " + name + " on component " + component)
		}
		base[fi] = v
		changed = append(changed, name)
	}
	writes[id] = &writeOp{op: store.OpUpdate, values: base, fields: changed}
	return nil
}

func (tx *Tx) Delete(component string, id schema.RowID) error {
	if tx.err != nil {
		return tx.err
	}
	c, cs, err := tx.backend.component(component)
	if err != nil {
		return err
	}
	if perr := checkPermissionAndPoison(tx, tx.identity, c); perr != nil {
		return perr
	}

	writes := tx.componentWrites(component)
	if _, staged := writes[id]; !staged {
		tx.backend.mu.RLock()
		sr, ok := cs.rows[id]
		tx.backend.mu.RUnlock()
		if !ok {
			return errors.ConstraintViolated("row does not exist")
		}
		tx.recordRead(component, id, sr.version)
	}
	writes[id] = &writeOp{op: store.OpDelete}
	return nil
}

func checkPermissionAndPoison(tx *Tx, identity schema.Permission, c *schema.Component) error {
	if identity < c.Permission {
		err := errors.Forbidden("identity level " + identity.String() + " below required " + c.Permission.String() + " for component " + c.Name)
		tx.err = err
		return err
	}
	return nil
}

func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.writes = nil
	tx.reads = nil
	tx.ranges = nil
	tx.pending = nil
}

// Commit validates the read set, consulted ranges and uniqueness
// constraints against current committed state, then applies every staged
// write atomically under the backend's global lock, per spec.md §4.1.
func (tx *Tx) Commit() error {
	if tx.done {
		return errors.Internal(errCommitAfterDone)
	}
	if tx.err != nil {
		return tx.err
	}

	tx.backend.mu.Lock()
	defer tx.backend.mu.Unlock()

	// 1. Read-set validation: every row read must still be at the version
	// observed, i.e. no one else committed a conflicting write since.
	for name, reads := range tx.reads {
		_, cs, err := tx.backend.component(name)
		if err != nil {
			return err
		}
		for id, seenVersion := range reads {
			sr, ok := cs.rows[id]
			switch {
			case !ok && seenVersion == 0:
				// row didn't exist when read and still doesn't: fine.
			case !ok:
				return errors.ConflictExhausted(0).WithSubReason("row deleted concurrently")
			case sr.version != seenVersion:
				return errors.ConflictExhausted(0).WithSubReason("row version changed concurrently")
			}
		}
	}

	// 2. Phantom-range validation: a consulted range's membership must be
	// unchanged (no committed insert/delete within its bounds since).
	for _, cr := range tx.ranges {
		_, cs, err := tx.backend.component(cr.component)
		if err != nil {
			return err
		}
		current := cs.ordered[cr.r.Index]
		var curIDs []schema.RowID
		for _, e := range current {
			if store.InRange(e.value, cr.r.Left, cr.r.Right) {
				curIDs = append(curIDs, e.id)
			}
		}
		if !sameRowIDSet(committedOnly(cr.rowIDs, tx.pending), curIDs) {
			return errors.ConflictExhausted(0).WithSubReason("range membership changed concurrently")
		}
	}

	// 3. Uniqueness validation across all staged writes.
	for name, writes := range tx.writes {
		c, cs, err := tx.backend.component(name)
		if err != nil {
			return err
		}
		for _, idx := range c.Indices {
			if idx.Kind != schema.IndexUnique {
				continue
			}
			fi := c.FieldIndex(idx.Field)
			seenVals := make(map[any]schema.RowID)
			for id, w := range writes {
				if w.op == store.OpDelete {
					continue
				}
				v := w.values[fi]
				if other, ok := seenVals[v]; ok && other != id {
					return errors.ConstraintViolated("duplicate value for unique index " + idx.Field + " on " + name)
				}
				seenVals[v] = id
				if existing, ok := cs.unique[idx.Field][v]; ok && existing != id {
					return errors.ConstraintViolated("value already present for unique index " + idx.Field + " on " + name)
				}
			}
		}
	}

	// All validations passed: apply staged writes, bump versions, build and
	// publish the commit Term.
	seq := tx.backend.bus.NextSeq()
	var events []store.ChangeEvent
	for name, writes := range tx.writes {
		c, cs, _ := tx.backend.component(name)
		for id, w := range writes {
			switch w.op {
			case store.OpInsert:
				cs.rows[id] = &storedRow{values: w.values, version: 1}
				cs.insertIndexEntries(c, id, w.values)
				events = append(events, store.ChangeEvent{
					Component: name, RowID: id, Op: store.OpInsert, NewVersion: 1, TxSeq: seq,
					Row: schema.Row{Component: name, ID: id, Version: 1, Values: w.values.Clone()},
				})
			case store.OpUpdate:
				old := cs.rows[id]
				newVersion := old.version + 1
				cs.removeIndexEntries(c, id, old.values)
				cs.rows[id] = &storedRow{values: w.values, version: newVersion}
				cs.insertIndexEntries(c, id, w.values)
				events = append(events, store.ChangeEvent{
					Component: name, RowID: id, Op: store.OpUpdate, NewVersion: newVersion, ChangedFields: w.fields, TxSeq: seq,
					Row: schema.Row{Component: name, ID: id, Version: newVersion, Values: w.values.Clone()},
				})
			case store.OpDelete:
				old := cs.rows[id]
				if old != nil {
					cs.removeIndexEntries(c, id, old.values)
				}
				delete(cs.rows, id)
				events = append(events, store.ChangeEvent{
					Component: name, RowID: id, Op: store.OpDelete, TxSeq: seq,
				})
			}
		}
	}

	tx.done = true
	if len(events) > 0 {
		tx.backend.bus.Publish(store.Term{Seq: seq, Events: events})
	}
	return nil
}

// committedOnly strips ids this same transaction allocated via Insert from
// a previously-observed id set, since those never existed in committed
// state and so can't represent a phantom.
func committedOnly(ids []schema.RowID, pending []schema.RowID) []schema.RowID {
	if len(pending) == 0 {
		return ids
	}
	skip := make(map[schema.RowID]bool, len(pending))
	for _, id := range pending {
		skip[id] = true
	}
	out := make([]schema.RowID, 0, len(ids))
	for _, id := range ids {
		if !skip[id] {
			out = append(out, id)
		}
	}
	return out
}

func sameRowIDSet(a, b []schema.RowID) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[schema.RowID]int, len(a))
	for _, id := range a {
		am[id]++
	}
	for _, id := range b {
		am[id]--
	}
	for _, c := range am {
		if c != 0 {
			return false
		}
	}
	return true
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errCommitAfterDone = sentinelErr("transaction already committed or rolled back")
