// Package aio is the asynchronous I/O subsystem: a bounded request queue
// served by a fixed pool of workers that perform reads, writes and fsyncs
// against the write-back cache and report completion through a callback.
package aio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/writeback"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = errors.New("aio: request queue full")
	// ErrNotRunning is returned by Submit before Initialize or after Stop.
	ErrNotRunning = errors.New("aio: subsystem not running")
	// ErrUnknownOp is reported for requests with an unknown operation.
	ErrUnknownOp = errors.New("aio: unknown operation")
)

// Op is an asynchronous operation.
type Op uint8

const (
	OpRead Op = iota + 1
	OpWrite
	OpFsync
)

func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpFsync:
		return "fsync"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Backend is what the workers perform I/O against.
type Backend interface {
	Write(ctx context.Context, id uint64, off int64, data []byte) (int, error)
	Read(ctx context.Context, id uint64, off int64, n int) ([]byte, error)
	Sync(ctx context.Context) (writeback.SyncResult, error)
}

// Request is one queued operation. Data is the payload of a write; Length
// is the byte count of a read. Done, when set, is called from a worker
// goroutine once the operation completes.
type Request struct {
	Op     Op
	Inode  uint64
	Offset int64
	Data   []byte
	Length int
	Done   func(Result)
}

// Result is the outcome of a Request.
type Result struct {
	Request Request
	N       int    // bytes transferred
	Data    []byte // read payload
	Err     error
}

// Config configures the subsystem.
type Config struct {
	// QueueSize is the maximum number of pending requests.
	// Default: 1024
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=0"`

	// Workers is the number of concurrent workers.
	// Default: 4
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
}

// DefaultConfig returns the default queue and pool sizes.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, Workers: 4}
}

// Stats is a snapshot of request counters.
type Stats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Engine runs asynchronous requests.
type Engine struct {
	backend Backend
	queue   chan Request
	workers int

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu        sync.Mutex
	running   bool
	stopped   bool
	pending   int
	completed int
	failed    int
}

// New creates an engine; Initialize starts it.
func New(cfg Config, backend Backend) *Engine {
	d := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = d.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	return &Engine{
		backend:   backend,
		queue:     make(chan Request, cfg.QueueSize),
		workers:   cfg.Workers,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Initialize starts the workers. It panics when no backend is configured.
// Later calls, including calls after Stop, are no-ops.
func (e *Engine) Initialize() {
	if e.backend == nil {
		panic(errors.New("aio: no I/O backend configured"))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.stopped {
		return
	}
	e.running = true

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	go func() {
		e.wg.Wait()
		close(e.stoppedCh)
	}()

	logger.Debug("Async I/O ready", logger.KeyWorkers, e.workers, logger.KeyQueue, cap(e.queue))
}

// Submit enqueues r without blocking.
func (e *Engine) Submit(r Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return ErrNotRunning
	}

	select {
	case e.queue <- r:
		e.pending++
		return nil
	default:
		logger.Warn("Async I/O queue full", logger.KeyQueue, cap(e.queue), "op", r.Op.String())
		return ErrQueueFull
	}
}

// Stop stops accepting requests, lets the workers drain the queue and waits
// up to timeout for them.
func (e *Engine) Stop(timeout time.Duration) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.stopped = true
	pending := e.pending
	e.mu.Unlock()

	logger.Debug("Stopping async I/O", "pending", pending)
	close(e.stopCh)

	select {
	case <-e.stoppedCh:
	case <-time.After(timeout):
		logger.Warn("Async I/O stop timed out", "pending", e.Stats().Pending)
		e.cancel()
		return
	}
	e.cancel()
}

// Running reports whether the engine accepts requests.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns request counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Pending: e.pending, Completed: e.completed, Failed: e.failed}
}

// QueueDepth returns the number of queued requests not yet picked up.
func (e *Engine) QueueDepth() int {
	return len(e.queue)
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			e.drain(ctx)
			return
		case <-ctx.Done():
			return
		case r := <-e.queue:
			e.process(ctx, r)
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for {
		select {
		case r := <-e.queue:
			e.process(ctx, r)
		default:
			return
		}
	}
}

func (e *Engine) process(ctx context.Context, r Request) {
	res := Result{Request: r}

	switch r.Op {
	case OpWrite:
		res.N, res.Err = e.backend.Write(ctx, r.Inode, r.Offset, r.Data)
	case OpRead:
		res.Data, res.Err = e.backend.Read(ctx, r.Inode, r.Offset, r.Length)
		res.N = len(res.Data)
	case OpFsync:
		_, res.Err = e.backend.Sync(ctx)
	default:
		res.Err = fmt.Errorf("%w: %d", ErrUnknownOp, r.Op)
	}

	e.mu.Lock()
	e.pending--
	if res.Err != nil {
		e.failed++
	} else {
		e.completed++
	}
	e.mu.Unlock()

	if res.Err != nil {
		logger.Debug("Async I/O request failed", "op", r.Op.String(), logger.InodeID(r.Inode), logger.Err(res.Err))
	}
	if r.Done != nil {
		r.Done(res)
	}
}
