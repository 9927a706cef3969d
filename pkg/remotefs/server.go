// Package remotefs is the remote filesystem server: an HTTP service that
// exposes the inode namespace, file contents, byte-range locks and the
// durable flush to other processes.
package remotefs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/inode"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/writeback"
)

// Namespace is the inode registry as seen by the server.
type Namespace interface {
	Ready() bool
	Reserve(p string, kind inode.Kind) (*inode.Inode, error)
	Find(p string) (*inode.Inode, error)
	Stat(p string) (inode.Info, error)
	List(p string) ([]inode.Info, error)
	Remove(p string) error
	Touch(id uint64, size int64) error
}

// Data holds file contents.
type Data interface {
	Write(ctx context.Context, id uint64, off int64, data []byte) (int, error)
	Read(ctx context.Context, id uint64, off int64, n int) ([]byte, error)
	Size(id uint64) int64
	Truncate(ctx context.Context, id uint64, size int64) error
	Remove(id uint64)
	Sync(ctx context.Context) (writeback.SyncResult, error)
}

// Locks is the byte-range lock table.
type Locks interface {
	Lock(id uint64, l filelock.Lock) error
	Unlock(id uint64, owner string, offset, length uint64) error
	List(id uint64) []filelock.Lock
	RemoveInode(id uint64) int
}

// Lifecycle delivers lifecycle events.
type Lifecycle interface {
	Notify(ctx context.Context, action reboot.Action, data any) reboot.Status
}

// Submitter queues asynchronous I/O.
type Submitter interface {
	Submit(r aio.Request) error
}

// Deps are the server's collaborators. Inodes and Data are required; the
// rest are optional and their routes answer 404 when absent.
type Deps struct {
	Inodes    Namespace
	Data      Data
	Locks     Locks
	Lifecycle Lifecycle

	// Async, when set, carries file reads and writes through the
	// asynchronous I/O queue.
	Async Submitter
}

// Server is the remote filesystem HTTP server.
type Server struct {
	cfg  Config
	deps Deps

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}

	shutdownOnce sync.Once
}

// New creates a server; Initialize binds and starts it.
func New(cfg Config, deps Deps) *Server {
	cfg.applyDefaults()
	return &Server{cfg: cfg, deps: deps}
}

// Initialize binds the listener and serves in the background. It panics if
// a required collaborator is missing or the address cannot be bound. Later
// calls are no-ops.
func (s *Server) Initialize() {
	if s.deps.Inodes == nil || s.deps.Data == nil {
		panic(errors.New("remotefs: namespace and data collaborators are required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		panic(fmt.Errorf("remotefs: listen on %s: %w", s.cfg.Listen, err))
	}

	s.listener = ln
	s.done = make(chan struct{})
	s.server = &http.Server{
		Handler:      s.newRouter(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Remote filesystem server failed", logger.KeyAddr, ln.Addr().String(), logger.Err(err))
		}
	}(s.server, s.done)

	logger.Info("Remote filesystem server listening", logger.KeyAddr, ln.Addr().String())
}

// Addr returns the bound address, or "" before Initialize.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler, for mounting or testing without a
// listener.
func (s *Server) Handler() http.Handler {
	return s.newRouter()
}

// Stop gracefully shuts the server down. It is safe to call more than once
// and before Initialize.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("Remote filesystem server shutdown initiated")
		if err := srv.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("remote filesystem server shutdown: %w", err)
			logger.Error("Remote filesystem server shutdown error", logger.Err(err))
			return
		}
		<-done
		logger.Info("Remote filesystem server stopped")
	})
	return shutdownErr
}
