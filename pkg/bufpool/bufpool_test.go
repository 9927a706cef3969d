package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetGlobal forgets the process-wide pool so Initialize can be exercised
// more than once in this package's tests.
func resetGlobal(t *testing.T) {
	t.Helper()
	initOnce = sync.Once{}
	global.Store(nil)
	t.Cleanup(func() {
		initOnce = sync.Once{}
		global.Store(nil)
	})
}

func TestPoolSizeClasses(t *testing.T) {
	p := NewPool(DefaultConfig())

	tests := []struct {
		name    string
		size    int
		wantCap int
	}{
		{"Zero", 0, DefaultSmallSize},
		{"Small", 100, DefaultSmallSize},
		{"SmallBoundary", DefaultSmallSize, DefaultSmallSize},
		{"Medium", DefaultSmallSize + 1, DefaultMediumSize},
		{"Large", 100 << 10, DefaultLargeSize},
		{"Oversized", 2 << 20, 2 << 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := p.Get(tt.size)
			defer p.Put(buf)

			assert.Len(t, buf, tt.size)
			assert.Equal(t, tt.wantCap, cap(buf))
		})
	}
}

func TestPoolStats(t *testing.T) {
	p := NewPool(Config{SmallSize: 16, MediumSize: 32, LargeSize: 64})

	a := p.Get(10)
	b := p.Get(40)
	big := p.Get(128)
	p.Put(a)
	p.Put(big)
	p.Put(make([]byte, 20)) // foreign capacity below the large class

	s := p.Stats()
	assert.Equal(t, uint64(2), s.Gets)
	assert.Equal(t, uint64(1), s.Puts)
	assert.Equal(t, uint64(1), s.Oversized)
	assert.Equal(t, uint64(1), s.Dropped)
	assert.Equal(t, int64(1), s.Outstanding())

	p.Put(b)
	assert.Equal(t, int64(0), p.Stats().Outstanding())
}

func TestPoolDeduplicatesClasses(t *testing.T) {
	p := NewPool(Config{SmallSize: 64, MediumSize: 64, LargeSize: 32})

	require.Len(t, p.classes, 2)
	assert.Equal(t, 32, p.classes[0].size)
	assert.Equal(t, 64, p.MaxPooled())
}

func TestPutNilIsNoop(t *testing.T) {
	p := NewPool(DefaultConfig())
	assert.NotPanics(t, func() { p.Put(nil) })
	assert.Zero(t, p.Stats().Puts)
}

func TestInitializeOnce(t *testing.T) {
	resetGlobal(t)

	assert.False(t, Ready())
	assert.PanicsWithValue(t, ErrNotInitialized, func() { Get(1) })

	first := Initialize(Config{SmallSize: 128})
	second := Initialize(Config{SmallSize: 256})

	assert.True(t, Ready())
	assert.Same(t, first, second)
	assert.Equal(t, 128, cap(Get(1)))
}

func TestGlobalGetPut(t *testing.T) {
	resetGlobal(t)
	Initialize(DefaultConfig())

	buf := Get(512)
	require.Len(t, buf, 512)
	Put(buf)

	assert.Equal(t, int64(0), Default().Stats().Outstanding())
}

func TestConcurrentAccess(t *testing.T) {
	p := NewPool(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				buf := p.Get((n*j)%(DefaultLargeSize+1) + 1)
				buf[0] = byte(j)
				p.Put(buf)
			}
		}(i)
	}
	wg.Wait()

	s := p.Stats()
	assert.Equal(t, s.Gets, s.Puts)
}
