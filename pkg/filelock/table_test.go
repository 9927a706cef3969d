package filelock

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readyInodes bool

func (r readyInodes) Ready() bool { return bool(r) }

func newTable(t *testing.T, cfg Config) *Table {
	t.Helper()
	tbl := NewTable(cfg, readyInodes(true), nil)
	tbl.Initialize()
	return tbl
}

func TestInitializeRequiresInodes(t *testing.T) {
	assert.Panics(t, func() { NewTable(DefaultConfig(), readyInodes(false), nil).Initialize() })
	assert.Panics(t, func() { NewTable(DefaultConfig(), nil, nil).Initialize() })

	tbl := NewTable(DefaultConfig(), readyInodes(true), nil)
	assert.ErrorIs(t, tbl.Lock(1, Lock{Owner: "a", Type: Shared}), ErrNotInitialized)

	tbl.Initialize()
	tbl.Initialize()
	assert.True(t, tbl.Ready())
}

func TestConflicts(t *testing.T) {
	tests := []struct {
		name     string
		held     Lock
		req      Lock
		conflict bool
	}{
		{"SharedShared", Lock{Owner: "a", Type: Shared, Length: 10}, Lock{Owner: "b", Type: Shared, Length: 10}, false},
		{"SharedExclusive", Lock{Owner: "a", Type: Shared, Length: 10}, Lock{Owner: "b", Type: Exclusive, Offset: 5, Length: 10}, true},
		{"ExclusiveDisjoint", Lock{Owner: "a", Type: Exclusive, Length: 10}, Lock{Owner: "b", Type: Exclusive, Offset: 10, Length: 10}, false},
		{"ToEOF", Lock{Owner: "a", Type: Exclusive, Offset: 100}, Lock{Owner: "b", Type: Shared, Offset: 1 << 40, Length: 1}, true},
		{"SameOwner", Lock{Owner: "a", Type: Exclusive, Length: 10}, Lock{Owner: "a", Type: Exclusive, Length: 10}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := newTable(t, DefaultConfig())
			require.NoError(t, tbl.Lock(7, tt.held))

			err := tbl.Lock(7, tt.req)
			if !tt.conflict {
				assert.NoError(t, err)
				return
			}
			var ce *ConflictError
			require.True(t, errors.As(err, &ce))
			assert.ErrorIs(t, err, ErrConflict)
			assert.Equal(t, "a", ce.Holder.Owner)
			assert.Equal(t, uint64(7), ce.InodeID)
		})
	}
}

func TestSameOwnerReplacesRange(t *testing.T) {
	tbl := newTable(t, DefaultConfig())
	require.NoError(t, tbl.Lock(1, Lock{Owner: "a", Type: Shared, Offset: 0, Length: 100}))
	require.NoError(t, tbl.Lock(1, Lock{Owner: "a", Type: Exclusive, Offset: 25, Length: 50}))

	locks := tbl.List(1)
	require.Len(t, locks, 3)
	assert.Equal(t, Lock{Owner: "a", Type: Shared, Offset: 0, Length: 25}, withoutTime(locks[0]))
	assert.Equal(t, Lock{Owner: "a", Type: Exclusive, Offset: 25, Length: 50}, withoutTime(locks[1]))
	assert.Equal(t, Lock{Owner: "a", Type: Shared, Offset: 75, Length: 25}, withoutTime(locks[2]))
	assert.Equal(t, Stats{Files: 1, Total: 3, Shared: 2, Exclusive: 1}, tbl.Stats())
}

func withoutTime(l Lock) Lock {
	return Lock{Owner: l.Owner, Type: l.Type, Offset: l.Offset, Length: l.Length}
}

func TestUnlockSplits(t *testing.T) {
	tbl := newTable(t, DefaultConfig())
	require.NoError(t, tbl.Lock(1, Lock{Owner: "a", Type: Exclusive, Offset: 0, Length: 100}))

	require.NoError(t, tbl.Unlock(1, "a", 40, 20))
	locks := tbl.List(1)
	require.Len(t, locks, 2)
	assert.Equal(t, uint64(40), locks[0].Length)
	assert.Equal(t, uint64(60), locks[1].Offset)

	// The hole is now free for another owner.
	assert.NoError(t, tbl.Lock(1, Lock{Owner: "b", Type: Exclusive, Offset: 45, Length: 10}))

	assert.ErrorIs(t, tbl.Unlock(1, "c", 0, 0), ErrNotFound)

	require.NoError(t, tbl.Unlock(1, "a", 0, 0))
	require.NoError(t, tbl.Unlock(1, "b", 0, 0))
	assert.Empty(t, tbl.List(1))
	assert.Equal(t, Stats{}, tbl.Stats())
}

func TestSplitUnboundedLock(t *testing.T) {
	parts := splitLock(Lock{Owner: "a", Type: Shared, Offset: 10}, 20, 5)
	require.Len(t, parts, 2)
	assert.Equal(t, uint64(10), parts[0].Length)
	assert.Equal(t, uint64(25), parts[1].Offset)
	assert.Zero(t, parts[1].Length)

	assert.Empty(t, splitLock(Lock{Owner: "a", Offset: 10, Length: 5}, 0, 0))
}

func TestTest(t *testing.T) {
	tbl := newTable(t, DefaultConfig())
	require.NoError(t, tbl.Lock(3, Lock{Owner: "a", Type: Shared, Length: 10}))

	holder, err := tbl.Test(3, Lock{Owner: "b", Type: Exclusive, Offset: 9, Length: 1})
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, "a", holder.Owner)

	holder, err = tbl.Test(3, Lock{Owner: "b", Type: Shared, Length: 10})
	require.NoError(t, err)
	assert.Nil(t, holder)

	_, err = tbl.Test(3, Lock{Type: Shared})
	assert.ErrorIs(t, err, ErrInvalidLock)
}

func TestLimits(t *testing.T) {
	tbl := newTable(t, Config{MaxLocksPerFile: 2, MaxTotalLocks: 3})

	require.NoError(t, tbl.Lock(1, Lock{Owner: "a", Type: Shared, Length: 1}))
	require.NoError(t, tbl.Lock(1, Lock{Owner: "b", Type: Shared, Length: 1}))
	assert.ErrorIs(t, tbl.Lock(1, Lock{Owner: "c", Type: Shared, Length: 1}), ErrLimitExceeded)

	require.NoError(t, tbl.Lock(2, Lock{Owner: "a", Type: Shared, Length: 1}))
	assert.ErrorIs(t, tbl.Lock(3, Lock{Owner: "a", Type: Shared, Length: 1}), ErrLimitExceeded)
	assert.Equal(t, 3, tbl.Stats().Total)
}

func TestReleaseOwnerAndRemoveInode(t *testing.T) {
	tbl := newTable(t, DefaultConfig())
	require.NoError(t, tbl.Lock(1, Lock{Owner: "a", Type: Shared, Length: 10}))
	require.NoError(t, tbl.Lock(2, Lock{Owner: "a", Type: Shared, Length: 10}))
	require.NoError(t, tbl.Lock(2, Lock{Owner: "b", Type: Shared, Length: 10}))

	assert.Equal(t, 2, tbl.ReleaseOwner("a"))
	assert.Equal(t, 0, tbl.ReleaseOwner("a"))
	assert.Equal(t, Stats{Files: 1, Total: 1, Shared: 1}, tbl.Stats())

	assert.Equal(t, 1, tbl.RemoveInode(2))
	assert.Equal(t, 0, tbl.RemoveInode(2))
	assert.Equal(t, Stats{}, tbl.Stats())
}

func TestMetricsTrackState(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	tbl := NewTable(DefaultConfig(), readyInodes(true), m)
	tbl.Initialize()

	require.NoError(t, tbl.Lock(1, Lock{Owner: "a", Type: Exclusive, Length: 10}))
	assert.Error(t, tbl.Lock(1, Lock{Owner: "b", Type: Shared, Length: 10}))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.acquireTotal.WithLabelValues("exclusive", StatusGranted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.acquireTotal.WithLabelValues("shared", StatusDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeGauge.WithLabelValues("exclusive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.filesGauge))

	tbl.ReleaseOwner("a")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.filesGauge))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.releaseTotal.WithLabelValues(ReasonOwner)))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observeAcquire(Shared, true)
		m.observeRelease(ReasonExplicit, 1)
		m.observeLimit("file")
		m.setState(Stats{})
	})
}
