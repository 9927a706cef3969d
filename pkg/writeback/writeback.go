// Package writeback is the filesystem layer's write-back cache and its
// durable-flush primitive.
//
// File contents are held in fixed-size blocks drawn from the allocator.
// Writes only touch memory and mark blocks dirty; Sync drains every dirty
// block to the backing store, makes the store durable and, when configured,
// asks the host kernel to flush its own buffers. Sync is what the lifecycle
// observer calls before power-off and restart.
package writeback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// DefaultBlockSize is the cache block size when none is configured.
const DefaultBlockSize = 64 << 10

var (
	// ErrInvalidOffset is returned for negative offsets and sizes.
	ErrInvalidOffset = errors.New("writeback: invalid offset")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("writeback: cache closed")
)

// Config configures the cache.
type Config struct {
	// BlockSize is the size of a cache block and of a stored block.
	BlockSize int `mapstructure:"block_size" yaml:"block_size" validate:"gte=0"`

	// FlushInterval enables a periodic background Sync. Zero disables it.
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"gte=0"`

	// OSSync calls the host sync(2) after the store is durable.
	OSSync bool `mapstructure:"os_sync" yaml:"os_sync"`
}

// Allocator supplies block buffers.
type Allocator interface {
	Get(size int) []byte
	Put(buf []byte)
}

// processAllocator draws from the process-wide bufpool.
type processAllocator struct{}

func (processAllocator) Get(size int) []byte { return bufpool.Get(size) }
func (processAllocator) Put(buf []byte)      { bufpool.Put(buf) }

// SyncResult describes one Sync run.
type SyncResult struct {
	Blocks   int           `json:"blocks"`
	Bytes    int64         `json:"bytes"`
	Deleted  int           `json:"deleted"`
	Duration time.Duration `json:"duration"`
}

// Stats is a snapshot of cache state.
type Stats struct {
	Files        int       `json:"files"`
	Blocks       int       `json:"blocks"`
	DirtyBlocks  int       `json:"dirty_blocks"`
	DirtyBytes   int64     `json:"dirty_bytes"`
	Syncs        uint64    `json:"syncs"`
	SyncFailures uint64    `json:"sync_failures"`
	LastSync     time.Time `json:"last_sync"`
}

type block struct {
	data  []byte
	dirty bool
	gen   uint64
}

type file struct {
	size   int64
	blocks map[uint64]*block
}

// Cache is the write-back cache.
type Cache struct {
	blockSize int
	store     store.Store
	alloc     Allocator
	osSync    bool

	mu      sync.Mutex
	files   map[uint64]*file
	deletes map[string]struct{}
	gen     uint64
	closed  bool

	// syncMu serializes Sync runs.
	syncMu       sync.Mutex
	syncs        uint64
	syncFailures uint64
	lastSync     time.Time
	hooks        []func(SyncResult, error)
}

// Option customizes a Cache.
type Option func(*Cache)

// WithAllocator overrides the process-wide bufpool allocator.
func WithAllocator(a Allocator) Option {
	return func(c *Cache) { c.alloc = a }
}

// New creates a cache in front of st.
func New(cfg Config, st store.Store, opts ...Option) *Cache {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	c := &Cache{
		blockSize: cfg.BlockSize,
		store:     st,
		alloc:     processAllocator{},
		osSync:    cfg.OSSync,
		files:     make(map[uint64]*file),
		deletes:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnSync registers fn to be called after every Sync with its outcome.
func (c *Cache) OnSync(fn func(SyncResult, error)) {
	c.syncMu.Lock()
	c.hooks = append(c.hooks, fn)
	c.syncMu.Unlock()
}

// BlockSize returns the cache block size.
func (c *Cache) BlockSize() int {
	return c.blockSize
}

func (c *Cache) fileLocked(id uint64, create bool) *file {
	f, ok := c.files[id]
	if !ok && create {
		f = &file{blocks: make(map[uint64]*block)}
		c.files[id] = f
	}
	return f
}

// blockLocked returns the cached block, loading it from the store when the
// file already extends into it. The returned buffer is always blockSize long.
func (c *Cache) blockLocked(ctx context.Context, id uint64, f *file, idx uint64) (*block, error) {
	if b, ok := f.blocks[idx]; ok {
		return b, nil
	}

	buf := c.alloc.Get(c.blockSize)
	clear(buf)
	b := &block{data: buf}

	key := store.BlockKey(id, idx)
	_, deleted := c.deletes[key]
	if !deleted && int64(idx)*int64(c.blockSize) < f.size {
		stored, err := c.store.ReadBlock(ctx, key)
		switch {
		case errors.Is(err, store.ErrBlockNotFound):
		case err != nil:
			c.alloc.Put(buf)
			return nil, fmt.Errorf("load block %d of inode %d: %w", idx, id, err)
		default:
			copy(buf, stored)
		}
	}

	f.blocks[idx] = b
	return b, nil
}

// Write copies data into the cache at off and marks the touched blocks dirty.
func (c *Cache) Write(ctx context.Context, id uint64, off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, ErrInvalidOffset
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}

	f := c.fileLocked(id, true)
	bs := int64(c.blockSize)
	written := 0
	for written < len(data) {
		pos := off + int64(written)
		idx := uint64(pos / bs)
		inBlock := int(pos % bs)

		b, err := c.blockLocked(ctx, id, f, idx)
		if err != nil {
			return written, err
		}
		n := copy(b.data[inBlock:], data[written:])
		c.gen++
		b.dirty, b.gen = true, c.gen
		delete(c.deletes, store.BlockKey(id, idx))
		written += n
	}

	if end := off + int64(written); end > f.size {
		f.size = end
	}
	return written, nil
}

// Read returns up to n bytes at off. It returns io.EOF when off is at or
// beyond the end of the file. Holes read as zeros.
func (c *Cache) Read(ctx context.Context, id uint64, off int64, n int) ([]byte, error) {
	if off < 0 || n < 0 {
		return nil, ErrInvalidOffset
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	f := c.fileLocked(id, false)
	if f == nil || off >= f.size {
		return nil, io.EOF
	}
	if remain := f.size - off; int64(n) > remain {
		n = int(remain)
	}

	out := make([]byte, n)
	bs := int64(c.blockSize)
	done := 0
	for done < n {
		pos := off + int64(done)
		idx := uint64(pos / bs)
		b, err := c.blockLocked(ctx, id, f, idx)
		if err != nil {
			return out[:done], err
		}
		done += copy(out[done:], b.data[pos%bs:])
	}
	return out, nil
}

// Size returns the cached size of inode id.
func (c *Cache) Size(id uint64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.fileLocked(id, false); f != nil {
		return f.size
	}
	return 0
}

// Truncate sets the size of inode id. Blocks past the new end are dropped
// from the cache and deleted from the store on the next Sync.
func (c *Cache) Truncate(ctx context.Context, id uint64, size int64) error {
	if size < 0 {
		return ErrInvalidOffset
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	f := c.fileLocked(id, true)
	bs := int64(c.blockSize)
	keep := uint64((size + bs - 1) / bs) // blocks [0, keep) survive
	oldBlocks := uint64((f.size + bs - 1) / bs)

	for idx, b := range f.blocks {
		if idx >= keep {
			c.alloc.Put(b.data)
			delete(f.blocks, idx)
		}
	}
	for idx := keep; idx < oldBlocks; idx++ {
		c.deletes[store.BlockKey(id, idx)] = struct{}{}
	}

	// Zero the tail of a partial last block so a later extension reads zeros.
	if tail := size % bs; tail != 0 && size < f.size {
		b, err := c.blockLocked(ctx, id, f, keep-1)
		if err != nil {
			return err
		}
		clear(b.data[tail:])
		c.gen++
		b.dirty, b.gen = true, c.gen
	}

	f.size = size
	return nil
}

// Remove forgets inode id and deletes its blocks from the store on the
// next Sync.
func (c *Cache) Remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := c.fileLocked(id, false)
	if f == nil {
		return
	}
	bs := int64(c.blockSize)
	for idx := uint64(0); idx < uint64((f.size+bs-1)/bs); idx++ {
		c.deletes[store.BlockKey(id, idx)] = struct{}{}
	}
	for _, b := range f.blocks {
		c.alloc.Put(b.data)
	}
	delete(c.files, id)
}

// Dirty returns the number of dirty blocks plus pending block deletes; zero
// means the store holds everything the cache knows.
func (c *Cache) Dirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.files {
		for _, b := range f.blocks {
			if b.dirty {
				n++
			}
		}
	}
	return n + len(c.deletes)
}

type pendingBlock struct {
	id, idx uint64
	gen     uint64
	data    []byte
}

// Sync writes every dirty block to the store, applies pending deletes,
// syncs the store and, when configured, the host. Concurrent calls are
// serialized; a Sync over a clean cache writes nothing and succeeds.
//
// Sync is safe to call concurrently with Write: data written after the
// snapshot stays dirty for the next run.
func (c *Cache) Sync(ctx context.Context) (SyncResult, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	start := time.Now()
	pending, deletes, err := c.snapshot()
	if err != nil {
		return SyncResult{}, err
	}

	var (
		res  SyncResult
		errs []error
	)
	for _, p := range pending {
		if err := c.store.WriteBlock(ctx, store.BlockKey(p.id, p.idx), p.data); err != nil {
			errs = append(errs, fmt.Errorf("flush block %d of inode %d: %w", p.idx, p.id, err))
			continue
		}
		c.markClean(p)
		res.Blocks++
		res.Bytes += int64(len(p.data))
	}

	for _, key := range deletes {
		if err := c.store.DeleteBlock(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete block %s: %w", key, err))
			c.mu.Lock()
			c.deletes[key] = struct{}{}
			c.mu.Unlock()
			continue
		}
		res.Deleted++
	}

	if err := c.store.Sync(ctx); err != nil {
		errs = append(errs, fmt.Errorf("store sync: %w", err))
	}
	if c.osSync {
		if err := hostSync(); err != nil {
			errs = append(errs, fmt.Errorf("host sync: %w", err))
		}
	}

	res.Duration = time.Since(start)
	err = errors.Join(errs...)

	c.syncs++
	c.lastSync = time.Now()
	if err != nil {
		c.syncFailures++
	}
	for _, hook := range c.hooks {
		hook(res, err)
	}

	if res.Blocks > 0 || res.Deleted > 0 {
		logger.Debug("Write-back sync",
			logger.KeyBlocks, res.Blocks,
			logger.Bytes(uint64(res.Bytes)),
			"deleted", res.Deleted,
			logger.KeyDurationMs, float64(res.Duration.Microseconds())/1000.0)
	}
	return res, err
}

func (c *Cache) snapshot() ([]pendingBlock, []string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClosed
	}

	bs := int64(c.blockSize)
	var pending []pendingBlock
	for id, f := range c.files {
		for idx, b := range f.blocks {
			if !b.dirty {
				continue
			}
			valid := f.size - int64(idx)*bs
			if valid <= 0 {
				continue
			}
			valid = min(valid, bs)
			data := make([]byte, valid)
			copy(data, b.data[:valid])
			pending = append(pending, pendingBlock{id: id, idx: idx, gen: b.gen, data: data})
		}
	}

	deletes := make([]string, 0, len(c.deletes))
	for key := range c.deletes {
		deletes = append(deletes, key)
	}
	clear(c.deletes)
	return pending, deletes, nil
}

func (c *Cache) markClean(p pendingBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.fileLocked(p.id, false)
	if f == nil {
		return
	}
	if b, ok := f.blocks[p.idx]; ok && b.gen == p.gen {
		b.dirty = false
	}
}

// Stats returns a snapshot of the cache.
func (c *Cache) Stats() Stats {
	c.syncMu.Lock()
	s := Stats{Syncs: c.syncs, SyncFailures: c.syncFailures, LastSync: c.lastSync}
	c.syncMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	s.Files = len(c.files)
	for _, f := range c.files {
		s.Blocks += len(f.blocks)
		for _, b := range f.blocks {
			if b.dirty {
				s.DirtyBlocks++
				s.DirtyBytes += int64(c.blockSize)
			}
		}
	}
	return s
}

// Close releases every buffer and closes the store. Dirty data not synced
// before Close is lost.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, f := range c.files {
		for _, b := range f.blocks {
			c.alloc.Put(b.data)
		}
	}
	c.files = nil
	c.mu.Unlock()

	return c.store.Close()
}
