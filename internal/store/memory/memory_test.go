package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
)

func positionRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Component{
		Name: "Position",
		Fields: []schema.Field{
			{Name: "owner", Kind: schema.KindInt64},
			{Name: "x", Kind: schema.KindFloat64},
			{Name: "y", Kind: schema.KindFloat64},
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

func TestInsertThenSelect(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, err := b.Begin(ctx, schema.User)
	require.NoError(t, err)
	id, err := tx.Insert("Position", schema.Values{int64(1), 1.0, 2.0})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, err := b.Begin(ctx, schema.User)
	require.NoError(t, err)
	row, found, err := tx2.Select("Position", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, schema.Version(1), row.Version)
	assert.Equal(t, int64(1), row.Values[0])
}

func TestVersionMonotonicAcrossUpdates(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, _ := b.Begin(ctx, schema.User)
	id, _ := tx.Insert("Position", schema.Values{int64(1), 1.0, 2.0})
	require.NoError(t, tx.Commit())

	for i := 0; i < 3; i++ {
		tx, _ := b.Begin(ctx, schema.User)
		require.NoError(t, tx.Update("Position", id, map[string]any{"x": float64(i)}))
		require.NoError(t, tx.Commit())
	}

	tx2, _ := b.Begin(ctx, schema.User)
	row, _, _ := tx2.Select("Position", id)
	assert.Equal(t, schema.Version(4), row.Version)
}

func TestUniqueIndexRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, _ := b.Begin(ctx, schema.User)
	_, err := tx.Insert("Position", schema.Values{int64(42), 1.0, 2.0})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx2, _ := b.Begin(ctx, schema.User)
	_, err = tx2.Insert("Position", schema.Values{int64(42), 9.0, 9.0})
	require.NoError(t, err)
	err = tx2.Commit()
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeConstraintViolated, ce.Code)
}

func TestOptimisticConflictOnConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, _ := b.Begin(ctx, schema.User)
	id, _ := tx.Insert("Position", schema.Values{int64(1), 1.0, 2.0})
	require.NoError(t, tx.Commit())

	txA, _ := b.Begin(ctx, schema.User)
	_, _, err := txA.Select("Position", id)
	require.NoError(t, err)

	txB, _ := b.Begin(ctx, schema.User)
	require.NoError(t, txB.Update("Position", id, map[string]any{"x": 5.0}))
	require.NoError(t, txB.Commit())

	require.NoError(t, txA.Update("Position", id, map[string]any{"y": 6.0}))
	err = txA.Commit()
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeConflictExhausted, ce.Code)
}

func TestPermissionViolationPoisonsTransaction(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, _ := b.Begin(ctx, schema.Guest)
	_, err := tx.Insert("Position", schema.Values{int64(1), 1.0, 2.0})
	require.Error(t, err)

	_, _, err2 := tx.Select("Position", 1)
	require.Error(t, err2)
}

func TestQueryReadYourOwnWrites(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, _ := b.Begin(ctx, schema.User)
	_, err := tx.Insert("Position", schema.Values{int64(1), 1.0, 2.0})
	require.NoError(t, err)

	rows, err := tx.Query("Position", store.Range{Index: "x", Left: nil, Right: nil, Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].Values[0])
}

func TestPhantomRangeDetected(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	txA, _ := b.Begin(ctx, schema.User)
	_, err := txA.Query("Position", store.Range{Index: "x", Left: 0.0, Right: 100.0, Limit: 10})
	require.NoError(t, err)

	txB, _ := b.Begin(ctx, schema.User)
	_, err = txB.Insert("Position", schema.Values{int64(1), 5.0, 2.0})
	require.NoError(t, err)
	require.NoError(t, txB.Commit())

	err = txA.Commit()
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeConflictExhausted, ce.Code)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	b := New(positionRegistry(t))

	tx, _ := b.Begin(ctx, schema.User)
	id, _ := tx.Insert("Position", schema.Values{int64(1), 1.0, 2.0})
	tx.Rollback()

	tx2, _ := b.Begin(ctx, schema.User)
	_, found, err := tx2.Select("Position", id)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestClearTransientRemovesTransientRows(t *testing.T) {
	ctx := context.Background()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Component{
		Name:        "Session",
		Fields:      []schema.Field{{Name: "token", Kind: schema.KindString}},
		Persistency: schema.Transient,
		Permission:  schema.User,
	}))
	reg.Freeze()
	b := New(reg)

	tx, _ := b.Begin(ctx, schema.User)
	id, _ := tx.Insert("Session", schema.Values{"abc"})
	require.NoError(t, tx.Commit())

	require.NoError(t, b.ClearTransient(ctx, reg))

	tx2, _ := b.Begin(ctx, schema.User)
	_, found, err := tx2.Select("Session", id)
	require.NoError(t, err)
	assert.False(t, found)
}
