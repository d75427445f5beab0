package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/store/memory"
)

func positionRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Component{
		Name: "Position",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.KindInt64},
			{Name: "x", Kind: schema.KindFloat64},
		},
		Indices: []schema.Index{
			{Field: "owner", Kind: schema.IndexUnique},
			{Field: "x", Kind: schema.IndexOrdered},
		},
		Persistency: schema.Persistent,
		Permission:  schema.User,
	}))
	reg.Freeze()
	return reg
}

func insertPosition(t *testing.T, b store.Backend, owner int64, x float64) schema.RowID {
	t.Helper()
	tx, err := b.Begin(context.Background(), schema.User)
	require.NoError(t, err)
	id, err := tx.Insert("Position", schema.Values{owner, x})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func updatePosition(t *testing.T, b store.Backend, id schema.RowID, fields map[string]any) {
	t.Helper()
	tx, err := b.Begin(context.Background(), schema.User)
	require.NoError(t, err)
	require.NoError(t, tx.Update("Position", id, fields))
	require.NoError(t, tx.Commit())
}

func deletePosition(t *testing.T, b store.Backend, id schema.RowID) {
	t.Helper()
	tx, err := b.Begin(context.Background(), schema.User)
	require.NoError(t, err)
	require.NoError(t, tx.Delete("Position", id))
	require.NoError(t, tx.Commit())
}

func drain(t *testing.T, br *Broker, n int) []Delta {
	t.Helper()
	out := make([]Delta, 0, n)
	for len(out) < n {
		select {
		case d := <-br.Out:
			out = append(out, d)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %d deltas, got %d", n, len(out))
		}
	}
	return out
}

func TestRowSubscriptionSnapshotAndUpdate(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)
	id := insertPosition(t, b, 1, 10.0)

	br := New(b, reg)
	defer br.Close()

	subID, snap, err := br.SubscribeRow(context.Background(), schema.User, "Position", "owner", int64(1))
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, id, snap[0].ID)

	updatePosition(t, b, id, map[string]any{"x": 20.0})
	deltas := drain(t, br, 1)
	assert.Equal(t, subID, deltas[0].SubID)
	assert.Equal(t, store.OpUpdate, deltas[0].Op)
	assert.Equal(t, id, deltas[0].RowID)
}

func TestRowSubscriptionDeleteAndRetarget(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)
	id := insertPosition(t, b, 1, 10.0)

	br := New(b, reg)
	defer br.Close()

	subID, snap, err := br.SubscribeRow(context.Background(), schema.User, "Position", "owner", int64(1))
	require.NoError(t, err)
	require.Len(t, snap, 1)

	// The matched row's owner changes away: subscriber should see a delete.
	updatePosition(t, b, id, map[string]any{"owner": int64(99)})
	deltas := drain(t, br, 1)
	assert.Equal(t, store.OpDelete, deltas[0].Op)
	assert.Equal(t, id, deltas[0].RowID)

	// A fresh row claims the subscribed value: subscriber should see an insert.
	newID := insertPosition(t, b, 1, 30.0)
	deltas = drain(t, br, 1)
	assert.Equal(t, subID, deltas[0].SubID)
	assert.Equal(t, store.OpInsert, deltas[0].Op)
	assert.Equal(t, newID, deltas[0].RowID)
}

func TestRangeSubscriptionInitialSnapshotOrdered(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)
	insertPosition(t, b, 1, 30.0)
	insertPosition(t, b, 2, 10.0)
	insertPosition(t, b, 3, 20.0)

	br := New(b, reg)
	defer br.Close()

	_, snap, err := br.SubscribeRange(context.Background(), schema.User, "Position",
		store.Range{Index: "x", Limit: 10, Direction: store.Asc})
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Equal(t, 10.0, snap[0].Values[1])
	assert.Equal(t, 20.0, snap[1].Values[1])
	assert.Equal(t, 30.0, snap[2].Values[1])
}

func TestRangeSubscriptionDisplacesBoundaryOnInsert(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)
	idA := insertPosition(t, b, 1, 10.0)
	idB := insertPosition(t, b, 2, 20.0)

	br := New(b, reg)
	defer br.Close()

	subID, snap, err := br.SubscribeRange(context.Background(), schema.User, "Position",
		store.Range{Index: "x", Limit: 2, Direction: store.Asc})
	require.NoError(t, err)
	require.Len(t, snap, 2)

	// A new row with a smaller x than both current window members should
	// displace the window's worst (highest x) member.
	newID := insertPosition(t, b, 3, 5.0)
	deltas := drain(t, br, 2)

	var sawDelete, sawInsert bool
	for _, d := range deltas {
		assert.Equal(t, subID, d.SubID)
		if d.Op == store.OpDelete {
			assert.Equal(t, idB, d.RowID)
			sawDelete = true
		}
		if d.Op == store.OpInsert {
			assert.Equal(t, newID, d.RowID)
			sawInsert = true
		}
	}
	assert.True(t, sawDelete)
	assert.True(t, sawInsert)
	_ = idA
}

func TestRangeSubscriptionTopsUpAfterDelete(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)
	idA := insertPosition(t, b, 1, 10.0)
	insertPosition(t, b, 2, 20.0)
	insertPosition(t, b, 3, 30.0)

	br := New(b, reg)
	defer br.Close()

	_, snap, err := br.SubscribeRange(context.Background(), schema.User, "Position",
		store.Range{Index: "x", Limit: 2, Direction: store.Asc})
	require.NoError(t, err)
	require.Len(t, snap, 2)

	deletePosition(t, b, idA)
	deltas := drain(t, br, 2) // delete of idA, then top-up insert of the x=30 row
	var sawDelete, sawInsert bool
	for _, d := range deltas {
		if d.Op == store.OpDelete {
			sawDelete = true
		}
		if d.Op == store.OpInsert {
			sawInsert = true
		}
	}
	assert.True(t, sawDelete)
	assert.True(t, sawInsert)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)
	insertPosition(t, b, 1, 10.0)

	br := New(b, reg)
	defer br.Close()

	subID, _, err := br.SubscribeRow(context.Background(), schema.User, "Position", "owner", int64(1))
	require.NoError(t, err)

	br.Unsubscribe(subID)
	br.Unsubscribe(subID) // must not panic
}

func TestSubscribeRowUnknownFieldRejected(t *testing.T) {
	reg := positionRegistry(t)
	b := memory.New(reg)

	br := New(b, reg)
	defer br.Close()

	_, _, err := br.SubscribeRow(context.Background(), schema.User, "Position", "unindexed", int64(1))
	require.Error(t, err)
}
