package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
	"github.com/marmos91/vfsinit/pkg/writeback/store/storetest"
)

func newStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := New(Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.RunConformanceSuite(t, func(t *testing.T) store.Store {
		return newStore(t, filepath.Join(t.TempDir(), "blocks.db"))
	})
}

func TestDataSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	ctx := context.Background()

	s, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.WriteBlock(ctx, store.BlockKey(3, 1), []byte("persisted")))
	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	reopened := newStore(t, path)
	got, err := reopened.ReadBlock(ctx, store.BlockKey(3, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)

	keys, err := reopened.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{store.BlockKey(3, 1)}, keys)
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
