package housekeeping

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hetu-io/hetu/internal/schema"
	"github.com/hetu-io/hetu/internal/store"
	"github.com/hetu-io/hetu/internal/store/memory"
)

type fakeSweeper struct {
	calls  int32
	closed int
}

func (f *fakeSweeper) SweepIdle(idleTimeout time.Duration) int {
	atomic.AddInt32(&f.calls, 1)
	return f.closed
}

func TestRegisterIdleSessionSweepRuns(t *testing.T) {
	s := New(nil)
	sweeper := &fakeSweeper{closed: 2}
	require.NoError(t, s.RegisterIdleSessionSweep("*/1 * * * * *", sweeper, time.Minute))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&sweeper.calls) > 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestClearTransientAtStartup(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(schema.Component{
		Name:        "Ephemeral",
		Fields:      []schema.Field{{Name: "x", Kind: schema.KindInt64}},
		Indices:     []schema.Index{{Field: "x", Kind: schema.IndexOrdered}},
		Persistency: schema.Transient,
		Permission:  schema.Guest,
	}))
	reg.Freeze()
	backend := memory.New(reg)

	tx, err := backend.Begin(context.Background(), schema.Owner)
	require.NoError(t, err)
	_, err = tx.Insert("Ephemeral", schema.Values{int64(1)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.NoError(t, ClearTransientAtStartup(context.Background(), backend, reg))

	tx2, err := backend.Begin(context.Background(), schema.Owner)
	require.NoError(t, err)
	rows, err := tx2.Query("Ephemeral", store.Range{Index: "x", Limit: 10, Direction: store.Asc})
	require.NoError(t, err)
	require.Empty(t, rows)
	tx2.Rollback()
}
