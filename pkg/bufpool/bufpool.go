// Package bufpool is the filesystem layer's heap: a tiered buffer allocator
// every other subsystem draws its I/O and cache buffers from.
//
// # Size classes
//
// Requests are served from one of three sync.Pool tiers:
//   - small (default 4KB): control messages, path components
//   - medium (default 64KB): directory listings, small files
//   - large (default 1MB): bulk transfers and write-back buffers
//
// Requests larger than the large tier are allocated directly and never pooled.
//
// # Process-wide allocator
//
// Initialize configures the process-wide pool exactly once; it is the first
// step of the bring-up sequence. Until then Ready reports false and the
// package-level Get/Put panic, so a subsystem that skips the dependency
// fails loudly instead of running on an unconfigured heap.
//
//	bufpool.Initialize(bufpool.DefaultConfig())
//	buf := bufpool.Get(size)
//	defer bufpool.Put(buf)
package bufpool

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// Default size classes.
const (
	DefaultSmallSize  = 4 << 10
	DefaultMediumSize = 64 << 10
	DefaultLargeSize  = 1 << 20
)

// ErrNotInitialized is the panic value used when the process-wide pool is
// used before Initialize.
var ErrNotInitialized = errors.New("bufpool: allocator used before Initialize")

// Config holds the size classes of a pool. Zero values take the defaults.
type Config struct {
	SmallSize  int `mapstructure:"small_size" yaml:"small_size"`
	MediumSize int `mapstructure:"medium_size" yaml:"medium_size"`
	LargeSize  int `mapstructure:"large_size" yaml:"large_size"`
}

// DefaultConfig returns the default size classes.
func DefaultConfig() Config {
	return Config{
		SmallSize:  DefaultSmallSize,
		MediumSize: DefaultMediumSize,
		LargeSize:  DefaultLargeSize,
	}
}

func (c Config) withDefaults() Config {
	if c.SmallSize <= 0 {
		c.SmallSize = DefaultSmallSize
	}
	if c.MediumSize <= 0 {
		c.MediumSize = DefaultMediumSize
	}
	if c.LargeSize <= 0 {
		c.LargeSize = DefaultLargeSize
	}
	return c
}

// Stats is a snapshot of allocator activity.
type Stats struct {
	Gets      uint64 // buffers handed out from a tier
	Puts      uint64 // buffers returned to a tier
	Oversized uint64 // direct allocations above the large tier
	Dropped   uint64 // Put calls with a foreign capacity
}

// Outstanding returns pooled buffers handed out and not yet returned.
func (s Stats) Outstanding() int64 {
	return int64(s.Gets) - int64(s.Puts)
}

type class struct {
	size int
	pool sync.Pool
}

// Pool hands out byte slices from fixed size classes.
type Pool struct {
	classes []*class // ascending by size

	gets      atomic.Uint64
	puts      atomic.Uint64
	oversized atomic.Uint64
	dropped   atomic.Uint64
}

// NewPool creates a pool with the size classes in cfg.
func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()

	sizes := []int{cfg.SmallSize, cfg.MediumSize, cfg.LargeSize}
	sort.Ints(sizes)

	p := &Pool{}
	for _, size := range sizes {
		if n := len(p.classes); n > 0 && p.classes[n-1].size == size {
			continue
		}
		c := &class{size: size}
		c.pool.New = func() any {
			buf := make([]byte, c.size)
			return &buf
		}
		p.classes = append(p.classes, c)
	}
	return p
}

// Get returns a slice of length size. Its capacity is that of the smallest
// class that fits; the caller must return it with Put.
func (p *Pool) Get(size int) []byte {
	if size < 0 {
		size = 0
	}
	for _, c := range p.classes {
		if size <= c.size {
			p.gets.Add(1)
			buf := *(c.pool.Get().(*[]byte))
			return buf[:size]
		}
	}
	p.oversized.Add(1)
	return make([]byte, size)
}

// Put returns buf to its class. Buffers whose capacity does not match a
// class (oversized or foreign slices) are left to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}
	capacity := cap(buf)
	for _, c := range p.classes {
		if capacity == c.size {
			p.puts.Add(1)
			full := buf[:capacity]
			c.pool.Put(&full)
			return
		}
	}
	if capacity < p.MaxPooled() {
		p.dropped.Add(1)
	}
}

// MaxPooled returns the largest size served from a class.
func (p *Pool) MaxPooled() int {
	return p.classes[len(p.classes)-1].size
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Gets:      p.gets.Load(),
		Puts:      p.puts.Load(),
		Oversized: p.oversized.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// =============================================================================
// Process-wide pool
// =============================================================================

var (
	initOnce sync.Once
	global   atomic.Pointer[Pool]
)

// Initialize configures the process-wide pool. Only the first call has an
// effect; later calls return the pool created by the first one.
func Initialize(cfg Config) *Pool {
	initOnce.Do(func() {
		global.Store(NewPool(cfg))
	})
	return global.Load()
}

// Ready reports whether Initialize has completed.
func Ready() bool {
	return global.Load() != nil
}

// Default returns the process-wide pool. It panics with ErrNotInitialized
// before Initialize.
func Default() *Pool {
	p := global.Load()
	if p == nil {
		panic(ErrNotInitialized)
	}
	return p
}

// Get returns a buffer from the process-wide pool.
func Get(size int) []byte {
	return Default().Get(size)
}

// Put returns a buffer to the process-wide pool.
func Put(buf []byte) {
	Default().Put(buf)
}
