package writeback

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/vfsinit/internal/logger"
)

// Flusher periodically syncs a Cache in the background so that dirty data
// does not wait for a lifecycle event to reach the store.
type Flusher struct {
	cache    *Cache
	interval time.Duration

	mu        sync.Mutex
	started   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewFlusher creates a flusher syncing cache every interval.
func NewFlusher(cache *Cache, interval time.Duration) *Flusher {
	return &Flusher{
		cache:     cache,
		interval:  interval,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Start begins periodic syncing. A non-positive interval or a second call
// does nothing.
func (f *Flusher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.interval <= 0 {
		return
	}
	f.started = true

	logger.Info("Starting write-back flusher", "interval", f.interval.String())
	go f.run(ctx)
}

func (f *Flusher) run(ctx context.Context) {
	defer close(f.stoppedCh)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if f.cache.Dirty() == 0 {
				continue
			}
			if _, err := f.cache.Sync(ctx); err != nil {
				logger.Warn("Background write-back sync failed", logger.Err(err))
			}
		}
	}
}

// Stop halts the flusher, waiting up to timeout for an in-flight sync.
func (f *Flusher) Stop(timeout time.Duration) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	f.mu.Unlock()

	close(f.stopCh)
	select {
	case <-f.stoppedCh:
		logger.Debug("Write-back flusher stopped")
	case <-time.After(timeout):
		logger.Warn("Write-back flusher stop timed out")
	}
}
