// Package storetest is a conformance suite every block store backend must
// pass. Backend tests call RunConformanceSuite with a factory producing a
// fresh, empty store.
package storetest

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// StoreFactory creates a fresh Store for each test. It can use t.TempDir()
// and t.Cleanup() for setup and teardown.
type StoreFactory func(t *testing.T) store.Store

// RunConformanceSuite runs every conformance test against factory.
func RunConformanceSuite(t *testing.T, factory StoreFactory) {
	t.Helper()

	t.Run("WriteRead", func(t *testing.T) { testWriteRead(t, factory) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, factory) })
	t.Run("ReadMissing", func(t *testing.T) { testReadMissing(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
	t.Run("SyncIdempotent", func(t *testing.T) { testSyncIdempotent(t, factory) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, factory) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, factory) })
}

func testWriteRead(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	data := bytes.Repeat([]byte("vfs"), 1000)
	require.NoError(t, s.WriteBlock(ctx, store.BlockKey(1, 0), data))

	got, err := s.ReadBlock(ctx, store.BlockKey(1, 0))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The store must not alias the caller's buffer.
	data[0] = 'X'
	got, err = s.ReadBlock(ctx, store.BlockKey(1, 0))
	require.NoError(t, err)
	assert.Equal(t, byte('v'), got[0])
}

func testOverwrite(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	key := store.BlockKey(2, 3)

	require.NoError(t, s.WriteBlock(ctx, key, []byte("first version")))
	require.NoError(t, s.WriteBlock(ctx, key, []byte("second")))

	got, err := s.ReadBlock(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func testReadMissing(t *testing.T, factory StoreFactory) {
	s := factory(t)
	_, err := s.ReadBlock(context.Background(), store.BlockKey(9, 9))
	assert.ErrorIs(t, err, store.ErrBlockNotFound)
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()
	key := store.BlockKey(4, 0)

	require.NoError(t, s.WriteBlock(ctx, key, []byte("gone soon")))
	require.NoError(t, s.DeleteBlock(ctx, key))
	require.NoError(t, s.DeleteBlock(ctx, key), "deleting a missing block is not an error")

	_, err := s.ReadBlock(ctx, key)
	assert.ErrorIs(t, err, store.ErrBlockNotFound)
}

func testSyncIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.WriteBlock(ctx, store.BlockKey(5, 0), []byte("durable")))
	require.NoError(t, s.Sync(ctx))
	require.NoError(t, s.Sync(ctx))

	got, err := s.ReadBlock(ctx, store.BlockKey(5, 0))
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}

func testConcurrentWrites(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.WriteBlock(ctx, store.BlockKey(6, uint64(i)), []byte(fmt.Sprintf("block-%d", i)))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		got, err := s.ReadBlock(ctx, store.BlockKey(6, uint64(i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("block-%d", i), string(got))
	}
}

func testClosed(t *testing.T, factory StoreFactory) {
	s := factory(t)
	require.NoError(t, s.Close())

	err := s.WriteBlock(context.Background(), store.BlockKey(7, 0), []byte("x"))
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}
