// Package fs provides a filesystem-backed block store implementation.
package fs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// Store is a filesystem-backed implementation of store.Store.
// Blocks are stored as files with the block key as the path.
//
// Writes go to a temporary file that is renamed into place. The files and
// directories touched since the last Sync are fsynced by Sync.
type Store struct {
	mu       sync.Mutex
	basePath string
	dirMode  os.FileMode
	fileMode os.FileMode
	pending  map[string]struct{} // files written since last Sync
	dirs     map[string]struct{} // directories changed since last Sync
	closed   bool
}

var _ store.Store = (*Store)(nil)

// Config holds configuration for the filesystem block store.
type Config struct {
	// BasePath is the root directory for block storage.
	BasePath string `mapstructure:"path" yaml:"path"`

	// DirMode is the permission mode for created directories.
	// Default: 0755
	DirMode os.FileMode `mapstructure:"dir_mode" yaml:"dir_mode"`

	// FileMode is the permission mode for created files.
	// Default: 0644
	FileMode os.FileMode `mapstructure:"file_mode" yaml:"file_mode"`
}

// New creates a filesystem block store, creating BasePath if needed.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}

	if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
		return nil, err
	}
	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base path %q is not a directory", cfg.BasePath)
	}

	return &Store{
		basePath: cfg.BasePath,
		dirMode:  cfg.DirMode,
		fileMode: cfg.FileMode,
		pending:  make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
	}, nil
}

// blockPath returns the full filesystem path for a block key.
func (s *Store) blockPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// WriteBlock writes a single block to the filesystem.
func (s *Store) WriteBlock(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	path := s.blockPath(key)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirMode); err != nil {
		return err
	}

	// Write to a temporary file first, then rename for atomicity
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, s.fileMode); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	s.pending[path] = struct{}{}
	s.dirs[dir] = struct{}{}
	return nil
}

// ReadBlock reads a complete block from the filesystem.
func (s *Store) ReadBlock(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, store.ErrStoreClosed
	}

	data, err := os.ReadFile(s.blockPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrBlockNotFound
		}
		return nil, err
	}
	return data, nil
}

// DeleteBlock removes a block file.
func (s *Store) DeleteBlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	path := s.blockPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.pending, path)
	s.dirs[filepath.Dir(path)] = struct{}{}
	return nil
}

// Sync fsyncs every block file and directory changed since the last Sync.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return store.ErrStoreClosed
	}

	var errs []error
	for path := range s.pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fsync(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		delete(s.pending, path)
	}
	for dir := range s.dirs {
		if err := fsync(dir); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		delete(s.dirs, dir)
	}
	return errors.Join(errs...)
}

func fsync(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("fsync %s: %w", path, err)
	}
	return nil
}

// Close marks the store closed. Files remain on disk.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Pending returns the number of files awaiting fsync.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
