package writeback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
	"github.com/marmos91/vfsinit/pkg/writeback/store/memory"
)

const testBlock = 16

func newCache(t *testing.T) (*Cache, *memory.Store) {
	t.Helper()
	st := memory.New()
	c := New(Config{BlockSize: testBlock}, st, WithAllocator(bufpool.NewPool(bufpool.Config{SmallSize: testBlock})))
	return c, st
}

func TestWriteReadAcrossBlocks(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	data := []byte("the quick brown fox jumps over the lazy dog")
	n, err := c.Write(ctx, 1, 5, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, int64(5+len(data)), c.Size(1))

	got, err := c.Read(ctx, 1, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 5), data...), got)

	_, err = c.Read(ctx, 1, c.Size(1), 1)
	assert.ErrorIs(t, err, io.EOF)
	_, err = c.Read(ctx, 99, 0, 1)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSyncFlushesDirtyBlocks(t *testing.T) {
	c, st := newCache(t)
	ctx := context.Background()

	_, err := c.Write(ctx, 7, 0, bytes.Repeat([]byte("a"), 40))
	require.NoError(t, err)
	assert.Equal(t, 3, c.Dirty())

	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, int64(40), res.Bytes)
	assert.Zero(t, c.Dirty())
	assert.Equal(t, 1, st.Syncs())

	last, err := st.ReadBlock(ctx, store.BlockKey(7, 2))
	require.NoError(t, err)
	assert.Len(t, last, 8, "the last block is stored only up to the file size")
}

func TestSyncIsIdempotent(t *testing.T) {
	c, st := newCache(t)
	ctx := context.Background()

	_, err := c.Write(ctx, 1, 0, []byte("hello"))
	require.NoError(t, err)

	first, err := c.Sync(ctx)
	require.NoError(t, err)
	keys := st.Keys()

	second, err := c.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Blocks)
	assert.Zero(t, second.Blocks)
	assert.Zero(t, second.Bytes)
	assert.Equal(t, keys, st.Keys())
	assert.Equal(t, uint64(2), c.Stats().Syncs)
}

func TestTruncateDeletesBlocksOnSync(t *testing.T) {
	c, st := newCache(t)
	ctx := context.Background()

	_, err := c.Write(ctx, 2, 0, bytes.Repeat([]byte("x"), 48))
	require.NoError(t, err)
	_, err = c.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, st.Keys(), 3)

	require.NoError(t, c.Truncate(ctx, 2, 20))
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, []string{store.BlockKey(2, 0), store.BlockKey(2, 1)}, st.Keys())

	// Growing again exposes zeros, not the old bytes.
	require.NoError(t, c.Truncate(ctx, 2, 40))
	got, err := c.Read(ctx, 2, 16, 24)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Repeat([]byte("x"), 4), make([]byte, 20)...), got)
}

func TestRemoveDeletesEverything(t *testing.T) {
	c, st := newCache(t)
	ctx := context.Background()

	_, err := c.Write(ctx, 3, 0, bytes.Repeat([]byte("y"), 20))
	require.NoError(t, err)
	_, err = c.Sync(ctx)
	require.NoError(t, err)

	c.Remove(3)
	assert.Equal(t, 2, c.Dirty())
	_, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Keys())
	assert.Zero(t, c.Size(3))
}

func TestReadLoadsFromStore(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	require.NoError(t, st.WriteBlock(ctx, store.BlockKey(4, 0), []byte("persisted data!!")))

	c := New(Config{BlockSize: testBlock}, st, WithAllocator(bufpool.NewPool(bufpool.Config{SmallSize: testBlock})))
	// Writing past the first block makes the file span the stored block.
	_, err := c.Write(ctx, 4, 16, []byte("tail"))
	require.NoError(t, err)

	got, err := c.Read(ctx, 4, 0, 20)
	require.NoError(t, err)
	assert.Equal(t, "persisted data!!tail", string(got))
}

type failingStore struct {
	*memory.Store
	fail bool
}

func (f *failingStore) WriteBlock(ctx context.Context, key string, data []byte) error {
	if f.fail {
		return errors.New("disk unavailable")
	}
	return f.Store.WriteBlock(ctx, key, data)
}

func TestFailedSyncKeepsBlocksDirty(t *testing.T) {
	st := &failingStore{Store: memory.New(), fail: true}
	c := New(Config{BlockSize: testBlock}, st, WithAllocator(bufpool.NewPool(bufpool.Config{SmallSize: testBlock})))
	ctx := context.Background()

	var hookErr error
	c.OnSync(func(_ SyncResult, err error) { hookErr = err })

	_, err := c.Write(ctx, 1, 0, []byte("data"))
	require.NoError(t, err)

	_, err = c.Sync(ctx)
	require.Error(t, err)
	assert.Equal(t, hookErr, err)
	assert.Equal(t, 1, c.Dirty())
	assert.Equal(t, uint64(1), c.Stats().SyncFailures)

	st.fail = false
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Blocks)
}

func TestConcurrentWritesAndSyncs(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(id uint64) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = c.Write(ctx, id, int64(j*4), []byte("abcd"))
			}
		}(uint64(i))
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_, _ = c.Sync(ctx)
			}
		}()
	}
	wg.Wait()

	_, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, c.Dirty())
}

func TestInvalidArguments(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	_, err := c.Write(ctx, 1, -1, nil)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	_, err = c.Read(ctx, 1, -1, 1)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	assert.ErrorIs(t, c.Truncate(ctx, 1, -1), ErrInvalidOffset)
}

func TestClose(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Write(ctx, 1, 0, []byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Sync(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFlusherSyncsPeriodically(t *testing.T) {
	c, st := newCache(t)
	ctx := context.Background()

	_, err := c.Write(ctx, 1, 0, []byte("background"))
	require.NoError(t, err)

	f := NewFlusher(c, 10*time.Millisecond)
	f.Start(ctx)
	defer f.Stop(time.Second)

	assert.Eventually(t, func() bool { return c.Dirty() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, st.Keys())
}

func TestFlusherDisabledAndDoubleStop(t *testing.T) {
	c, _ := newCache(t)
	f := NewFlusher(c, 0)
	f.Start(context.Background())
	assert.NotPanics(t, func() {
		f.Stop(time.Millisecond)
		f.Stop(time.Millisecond)
	})
}
