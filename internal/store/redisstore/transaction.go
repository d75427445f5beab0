package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

type writeOp struct {
	op     store.Op
	values schema.Values
	fields []string
	old    schema.Values // pre-transaction values, needed to evict stale unique-index keys
}

type consultedRange struct {
	component string
	r         store.Range
	rowIDs    []schema.RowID
}

// Tx is the redisstore Transaction. It stages all mutations locally and
// only talks to Redis on Select/Query (reads), on Insert (to allocate a row
// id from the next_id counter) and once more, atomically, on Commit.
type Tx struct {
	ctx      context.Context
	backend  *Backend
	identity schema.Permission

	reads   map[string]map[schema.RowID]schema.Version
	writes  map[string]map[schema.RowID]*writeOp
	ranges  []consultedRange
	pending []schema.RowID

	done bool
	err  error
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
	if _, err := tx.backend.component(component); err != nil {
		return schema.Row{}, false, err
	}

	if w, ok := tx.componentWrites(component)[id]; ok {
		if w.op == store.OpDelete {
			return schema.Row{}, false, nil
		}
		return schema.Row{Component: component, ID: id, Values: w.values.Clone()}, true, nil
	}

	res, err := tx.backend.client.HMGet(tx.ctx, tx.backend.ks.row(component, id), "v", "ver").Result()
	if err != nil {
		return schema.Row{}, false, errors.BackendUnavailable(err)
	}
	if res[0] == nil {
		return schema.Row{}, false, nil
	}
	vals, ver, err := decodeStored(res)
	if err != nil {
		return schema.Row{}, false, errors.Internal(err)
	}
	tx.recordRead(component, id, ver)
	return schema.Row{Component: component, ID: id, Version: ver, Values: vals}, true, nil
}

func (tx *Tx) Query(component string, r store.Range) ([]schema.Row, error) {
	if tx.err != nil {
		return nil, tx.err
	}
	if r.Limit <= 0 {
		return nil, errors.BadArgs("range limit must be >= 1")
	}
	c, err := tx.backend.component(component)
	if err != nil {
		return nil, err
	}
	fi := c.FieldIndex(r.Index)
	if fi < 0 {
		return nil, errors.BadArgs("unknown index " + r.Index + " on component " + component)
	}

	minScore, err := scoreBound(r.Left, false)
	if err != nil {
		return nil, err
	}
	maxScore, err := scoreBound(r.Right, true)
	if err != nil {
		return nil, err
	}

	key := tx.backend.ks.idx(component, r.Index)
	by := &redis.ZRangeBy{Min: minScore, Max: maxScore, Count: int64(r.Limit)}
	var members []string
	if r.Direction == store.Desc {
		members, err = tx.backend.client.ZRevRangeByScore(tx.ctx, key, by).Result()
	} else {
		members, err = tx.backend.client.ZRangeByScore(tx.ctx, key, by).Result()
	}
	if err != nil {
		return nil, errors.BackendUnavailable(err)
	}

	writes := tx.componentWrites(component)
	type cand struct {
		id  schema.RowID
		val any
	}
	var candidates []cand
	seen := make(map[schema.RowID]bool, len(members))
	for _, m := range members {
		idU, perr := strconv.ParseUint(m, 10, 64)
		if perr != nil {
			continue
		}
		id := schema.RowID(idU)
		seen[id] = true
		if w, ok := writes[id]; ok {
			if w.op == store.OpDelete {
				continue
			}
			candidates = append(candidates, cand{id: id, val: w.values[fi]})
			continue
		}
		candidates = append(candidates, cand{id: id})
	}
	for id, w := range writes {
		if seen[id] || w.op == store.OpDelete {
			continue
		}
		if fi >= len(w.values) {
			continue
		}
		if store.InRange(w.values[fi], r.Left, r.Right) {
			candidates = append(candidates, cand{id: id, val: w.values[fi]})
		}
	}

	pipe := tx.backend.client.Pipeline()
	cmds := make(map[schema.RowID]*redis.SliceCmd, len(candidates))
	for _, cd := range candidates {
		if _, ok := writes[cd.id]; ok {
			continue
		}
		cmds[cd.id] = pipe.HMGet(tx.ctx, tx.backend.ks.row(component, cd.id), "v", "ver")
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(tx.ctx); err != nil && err != redis.Nil {
			return nil, errors.BackendUnavailable(err)
		}
	}

	rows := make([]schema.Row, 0, len(candidates))
	observed := make([]schema.RowID, 0, len(candidates))
	for _, cd := range candidates {
		observed = append(observed, cd.id)
		if w, ok := writes[cd.id]; ok {
			rows = append(rows, schema.Row{Component: component, ID: cd.id, Values: w.values.Clone()})
			continue
		}
		cmd := cmds[cd.id]
		res, cerr := cmd.Result()
		if cerr != nil || res[0] == nil {
			continue
		}
		vals, ver, derr := decodeStored(res)
		if derr != nil {
			return nil, errors.Internal(derr)
		}
		tx.recordRead(component, cd.id, ver)
		rows = append(rows, schema.Row{Component: component, ID: cd.id, Version: ver, Values: vals})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i].Values[fi], rows[j].Values[fi]
		cmp := store.Compare(a, b)
		if cmp != 0 {
			if r.Direction == store.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		if r.Direction == store.Desc {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].ID < rows[j].ID
	})
	if len(rows) > r.Limit {
		rows = rows[:r.Limit]
	}

	tx.ranges = append(tx.ranges, consultedRange{component: component, r: r, rowIDs: observed})
	return rows, nil
}

func (tx *Tx) Insert(component string, fields schema.Values) (schema.RowID, error) {
	if tx.err != nil {
		return 0, tx.err
	}
	c, err := tx.backend.component(component)
	if err != nil {
		return 0, err
	}
	if perr := tx.checkPermission(c); perr != nil {
		return 0, perr
	}

	id, err := tx.backend.client.Incr(tx.ctx, tx.backend.ks.nextID(component)).Result()
	if err != nil {
		return 0, errors.BackendUnavailable(err)
	}
	rowID := schema.RowID(id)
	tx.componentWrites(component)[rowID] = &writeOp{op: store.OpInsert, values: fields.Clone()}
	tx.pending = append(tx.pending, rowID)
	return rowID, nil
}

func (tx *Tx) Update(component string, id schema.RowID, fields map[string]any) error {
	if tx.err != nil {
		return tx.err
	}
	c, err := tx.backend.component(component)
	if err != nil {
		return err
	}
	if perr := tx.checkPermission(c); perr != nil {
		return perr
	}

	writes := tx.componentWrites(component)
	var base, old schema.Values
	if w, ok := writes[id]; ok {
		if w.op == store.OpDelete {
			return errors.ConstraintViolated("cannot update a row deleted in the same transaction")
		}
		base = w.values.Clone()
		old = w.old
	} else {
		row, found, serr := tx.Select(component, id)
		if serr != nil {
			return serr
		}
		if !found {
			return errors.ConstraintViolated("row does not exist")
		}
		base = row.Values.Clone()
		old = row.Values.Clone()
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
	writes[id] = &writeOp{op: store.OpUpdate, values: base, fields: changed, old: old}
	return nil
}

func (tx *Tx) Delete(component string, id schema.RowID) error {
	if tx.err != nil {
		return tx.err
	}
	c, err := tx.backend.component(component)
	if err != nil {
		return err
	}
	if perr := tx.checkPermission(c); perr != nil {
		return perr
	}

	writes := tx.componentWrites(component)
	var old schema.Values
	if w, ok := writes[id]; ok {
		old = w.old
	} else {
		row, found, serr := tx.Select(component, id)
		if serr != nil {
			return serr
		}
		if !found {
			return errors.ConstraintViolated("row does not exist")
		}
		old = row.Values.Clone()
	}
	writes[id] = &writeOp{op: store.OpDelete, old: old}
	return nil
}

func (tx *Tx) checkPermission(c *schema.Component) error {
	if tx.identity < c.Permission {
		err := errors.Forbidden("identity level " + tx.identity.String() + " below required " + c.Permission.String() + " for component " + c.Name)
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

// commitPayload mirrors commitScript's expected JSON shape.
type commitPayload struct {
	Reads   []readEntry   `json:"reads"`
	Uniques []uniqueEntry `json:"uniques"`
	Ranges  []rangeEntry  `json:"ranges"`
	Writes  []writeEntry  `json:"writes"`
}

type readEntry struct {
	Key    string `json:"key"`
	Expect uint64 `json:"expect"`
}

type uniqueEntry struct {
	Key string `json:"key"`
	ID  string `json:"id"`
}

type rangeEntry struct {
	Key string   `json:"key"`
	Min string   `json:"min"`
	Max string   `json:"max"`
	IDs []string `json:"ids"`
}

type writeEntry struct {
	Op         string     `json:"op"`
	RowKey     string     `json:"rowkey"`
	BlobArg    int        `json:"blobarg"`
	NewVersion uint64     `json:"newversion"`
	ZRem       [][]string `json:"zrem"`
	ZAdd       [][]string `json:"zadd"`
	UniqDel    []string   `json:"uniqdel"`
	UniqSet    [][]string `json:"uniqset"`
}

var errConflictPrefixes = []string{"conflict:"}

func isConflict(s string) bool {
	for _, p := range errConflictPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// Commit builds the full commitPayload (read-set, consulted ranges,
// uniqueness obligations, staged writes) and evaluates commitScript as a
// single atomic Redis operation, per SPEC_FULL.md §4.1.
func (tx *Tx) Commit() error {
	if tx.done {
		return errors.Internal(fmt.Errorf("transaction already committed or rolled back"))
	}
	if tx.err != nil {
		return tx.err
	}

	var payload commitPayload
	var blobs []string

	ks := tx.backend.ks
	for name, reads := range tx.reads {
		for id, v := range reads {
			payload.Reads = append(payload.Reads, readEntry{Key: ks.row(name, id), Expect: uint64(v)})
		}
	}

	pendingSet := make(map[schema.RowID]bool, len(tx.pending))
	for _, id := range tx.pending {
		pendingSet[id] = true
	}
	for _, cr := range tx.ranges {
		if _, err := tx.backend.component(cr.component); err != nil {
			return err
		}
		minScore, _ := scoreBound(cr.r.Left, false)
		maxScore, _ := scoreBound(cr.r.Right, true)
		var ids []string
		for _, id := range cr.rowIDs {
			if pendingSet[id] {
				continue
			}
			ids = append(ids, strconv.FormatUint(uint64(id), 10))
		}
		payload.Ranges = append(payload.Ranges, rangeEntry{
			Key: ks.idx(cr.component, cr.r.Index), Min: minScore, Max: maxScore, IDs: ids,
		})
	}

	for name, writes := range tx.writes {
		c, err := tx.backend.component(name)
		if err != nil {
			return err
		}
		for id, w := range writes {
			idStr := strconv.FormatUint(uint64(id), 10)
			if w.op == store.OpDelete {
				we := writeEntry{Op: "delete", RowKey: ks.row(name, id)}
				for _, idx := range c.Indices {
					we.ZRem = append(we.ZRem, []string{ks.idx(name, idx.Field), idStr})
					if idx.Kind == schema.IndexUnique {
						fi := c.FieldIndex(idx.Field)
						if fi >= 0 && fi < len(w.old) {
							we.UniqDel = append(we.UniqDel, ks.uniq(name, idx.Field, w.old[fi]))
						}
					}
				}
				payload.Writes = append(payload.Writes, we)
				continue
			}

			newVersion := uint64(1)
			if w.op == store.OpUpdate {
				if v, ok := tx.reads[name][id]; ok {
					newVersion = uint64(v) + 1
				}
			}
			blob, err := encodeValues(w.values)
			if err != nil {
				return errors.Internal(err)
			}
			blobs = append(blobs, base64.StdEncoding.EncodeToString(blob))
			we := writeEntry{
				Op: "set", RowKey: ks.row(name, id), BlobArg: len(blobs), NewVersion: newVersion,
			}
			for _, idx := range c.Indices {
				fi := c.FieldIndex(idx.Field)
				if fi < 0 || fi >= len(w.values) {
					continue
				}
				score, ok := indexScore(w.values[fi])
				if !ok {
					return errors.ConstraintViolated("index field " + idx.Field + " is not an orderable numeric Kind in the Redis backend")
				}
				we.ZAdd = append(we.ZAdd, []string{ks.idx(name, idx.Field), strconv.FormatFloat(score, 'f', -1, 64), idStr})
				if idx.Kind == schema.IndexUnique {
					uniqKey := ks.uniq(name, idx.Field, w.values[fi])
					we.UniqSet = append(we.UniqSet, []string{uniqKey, idStr})
					payload.Uniques = append(payload.Uniques, uniqueEntry{Key: uniqKey, ID: idStr})
					if fi < len(w.old) && w.old[fi] != nil && store.Compare(w.old[fi], w.values[fi]) != 0 {
						we.UniqDel = append(we.UniqDel, ks.uniq(name, idx.Field, w.old[fi]))
					}
				}
			}
			payload.Writes = append(payload.Writes, we)
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Internal(err)
	}
	args := make([]any, 0, len(blobs)+1)
	args = append(args, string(body))
	for _, b := range blobs {
		args = append(args, b)
	}

	result, err := tx.backend.script.Run(tx.ctx, tx.backend.client, nil, args...).Text()
	if err != nil {
		return errors.BackendUnavailable(err)
	}
	if result != "OK" {
		if isConflict(result) {
			return errors.ConflictExhausted(0).WithSubReason(result)
		}
		return errors.ConstraintViolated(result)
	}

	tx.done = true
	tx.publishEvents()
	return nil
}

// publishEvents fans the committed writes out on the backend's EventBus.
// Redis itself has already committed by the time this runs, so a crash
// here only costs missed live-subscriber notifications, not correctness.
func (tx *Tx) publishEvents() {
	seq := tx.backend.bus.NextSeq()
	var events []store.ChangeEvent
	for name, writes := range tx.writes {
		for id, w := range writes {
			switch w.op {
			case store.OpInsert:
				events = append(events, store.ChangeEvent{
					Component: name, RowID: id, Op: store.OpInsert, NewVersion: 1, TxSeq: seq,
					Row: schema.Row{Component: name, ID: id, Version: 1, Values: w.values.Clone()},
				})
			case store.OpUpdate:
				v := tx.reads[name][id] + 1
				events = append(events, store.ChangeEvent{
					Component: name, RowID: id, Op: store.OpUpdate, NewVersion: v, ChangedFields: w.fields, TxSeq: seq,
					Row: schema.Row{Component: name, ID: id, Version: v, Values: w.values.Clone()},
				})
			case store.OpDelete:
				events = append(events, store.ChangeEvent{Component: name, RowID: id, Op: store.OpDelete, TxSeq: seq})
			}
		}
	}
	if len(events) > 0 {
		tx.backend.bus.Publish(store.Term{Seq: seq, Events: events})
	}
}

func decodeStored(res []any) (schema.Values, schema.Version, error) {
	vStr, ok := res[0].(string)
	if !ok {
		return nil, 0, fmt.Errorf("redisstore: malformed row value field")
	}
	blob, err := base64.StdEncoding.DecodeString(vStr)
	if err != nil {
		return nil, 0, err
	}
	vals, err := decodeValues(blob)
	if err != nil {
		return nil, 0, err
	}
	var ver uint64
	if verStr, ok := res[1].(string); ok {
		ver, _ = strconv.ParseUint(verStr, 10, 64)
	}
	return vals, schema.Version(ver), nil
}

func scoreBound(v any, exclusive bool) (string, error) {
	if v == nil {
		if exclusive {
			return "+inf", nil
		}
		return "-inf", nil
	}
	score, ok := indexScore(v)
	if !ok {
		return "", errors.ConstraintViolated("range bound is not an orderable numeric Kind in the Redis backend")
	}
	s := strconv.FormatFloat(score, 'f', -1, 64)
	if exclusive {
		return "(" + s, nil
	}
	return s, nil
}
