package system

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/errors"
	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/store/memory"
)

func counterRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Component{
		Name:        "Counter",
		Fields:      []schema.Field{{Name: "v", Kind: schema.KindInt64}},
		Indices:     []schema.Index{{Field: "v", Kind: schema.IndexOrdered}},
		Persistency: schema.Persistent,
		Permission:  schema.User,
	}))
	reg.Freeze()
	return reg
}

func seedCounter(t *testing.T, b store.Backend) schema.RowID {
	t.Helper()
	tx, err := b.Begin(context.Background(), schema.Owner)
	require.NoError(t, err)
	id, err := tx.Insert("Counter", schema.Values{int64(0)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return id
}

func incrSystem(id schema.RowID) Def {
	return Def{
		Name:       "incr_counter",
		Permission: schema.User,
		Fn: func(tx store.Transaction, args map[string]any) (any, error) {
			row, found, err := tx.Select("Counter", id)
			if err != nil {
				return nil, err
			}
			if !found {
				return nil, errors.ConstraintViolated("counter missing")
			}
			v := row.Values[0].(int64)
			if err := tx.Update("Counter", id, map[string]any{"v": v + 1}); err != nil {
				return nil, err
			}
			return v + 1, nil
		},
	}
}

func TestCallSystemUnknown(t *testing.T) {
	reg := NewRegistry()
	exec := NewExecutor(Config{Backend: memory.New(counterRegistry(t)), Registry: reg})
	_, err := exec.Call(context.Background(), "nope", nil, schema.User)
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeUnknownSystem, ce.Code)
}

func TestCallSystemForbidden(t *testing.T) {
	schemaReg := counterRegistry(t)
	b := memory.New(schemaReg)
	id := seedCounter(t, b)

	reg := NewRegistry()
	require.NoError(t, reg.Register(incrSystem(id)))
	exec := NewExecutor(Config{Backend: b, Registry: reg})

	_, err := exec.Call(context.Background(), "incr_counter", nil, schema.Guest)
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeForbidden, ce.Code)
}

func TestCallSystemBadArgs(t *testing.T) {
	b := memory.New(counterRegistry(t))
	reg := NewRegistry()
	require.NoError(t, reg.Register(Def{
		Name:       "needs_arg",
		Permission: schema.User,
		Params:     []ParamSpec{{Name: "n", Kind: schema.KindInt64}},
		Fn:         func(tx store.Transaction, args map[string]any) (any, error) { return nil, nil },
	}))
	exec := NewExecutor(Config{Backend: b, Registry: reg})

	_, err := exec.Call(context.Background(), "needs_arg", map[string]any{}, schema.User)
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeBadArgs, ce.Code)
}

func TestCallSystemSuccess(t *testing.T) {
	schemaReg := counterRegistry(t)
	b := memory.New(schemaReg)
	id := seedCounter(t, b)

	reg := NewRegistry()
	require.NoError(t, reg.Register(incrSystem(id)))
	exec := NewExecutor(Config{Backend: b, Registry: reg})

	result, err := exec.Call(context.Background(), "incr_counter", nil, schema.User)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result)
	assert.Equal(t, int64(1), exec.Stats().Calls)
}

func TestCallSystemRetriesOnConflictThenSucceeds(t *testing.T) {
	schemaReg := counterRegistry(t)
	b := memory.New(schemaReg)
	id := seedCounter(t, b)

	reg := NewRegistry()
	require.NoError(t, reg.Register(incrSystem(id)))
	exec := NewExecutor(Config{Backend: b, Registry: reg})

	// Two concurrent calls contending on the same row: both should
	// eventually succeed, with the final value reflecting both increments,
	// per spec.md §8's "write-write conflict & retry" testable property.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := exec.Call(context.Background(), "incr_counter", nil, schema.User)
			errs[i] = err
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	tx, err := b.Begin(context.Background(), schema.User)
	require.NoError(t, err)
	row, found, err := tx.Select("Counter", id)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(2), row.Values[0])
}

func TestCallSystemConflictExhaustedAfterMaxRetries(t *testing.T) {
	schemaReg := counterRegistry(t)
	b := memory.New(schemaReg)
	id := seedCounter(t, b)

	reg := NewRegistry()
	require.NoError(t, reg.Register(Def{
		Name:       "stubborn",
		Permission: schema.User,
		Fn: func(tx store.Transaction, args map[string]any) (any, error) {
			if err := tx.Update("Counter", id, map[string]any{"v": int64(1)}); err != nil {
				return nil, err
			}
			// A competing writer commits to the same row before this
			// attempt commits, so every attempt conflicts.
			other, err := b.Begin(context.Background(), schema.Owner)
			if err != nil {
				return nil, err
			}
			if err := other.Update("Counter", id, map[string]any{"v": int64(2)}); err != nil {
				return nil, err
			}
			return nil, other.Commit()
		},
	}))
	exec := NewExecutor(Config{Backend: b, Registry: reg, MaxRetries: 1})

	_, err := exec.Call(context.Background(), "stubborn", nil, schema.User)
	require.Error(t, err)
	ce, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.CodeConflictExhausted, ce.Code)
	assert.Equal(t, int64(1), exec.Stats().RetriesExhausted)
}
