// Package badger provides a BadgerDB-backed block store.
//
// Blocks are values keyed by "blk/" + block key. Writes are committed
// transactions; Sync calls DB.Sync so the value log reaches disk even when
// SyncWrites is off.
package badger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

const keyPrefix = "blk/"

// Config configures the badger store.
type Config struct {
	// Path is the database directory.
	Path string `mapstructure:"path" yaml:"path"`

	// SyncWrites makes every commit durable before returning.
	// Default: false (durability comes from Sync)
	SyncWrites bool `mapstructure:"sync_writes" yaml:"sync_writes"`
}

// Store is a badger implementation of store.Store.
type Store struct {
	db *badgerdb.DB

	mu     sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database at cfg.Path.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("badger path is required")
	}

	opts := badgerdb.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", cfg.Path, err)
	}

	logger.Debug("Badger block store opened", logger.Path(cfg.Path), "sync_writes", cfg.SyncWrites)
	return &Store{db: db}, nil
}

func dbKey(key string) []byte {
	return []byte(keyPrefix + key)
}

func (s *Store) check() error {
	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

func (s *Store) WriteBlock(ctx context.Context, key string, data []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value := make([]byte, len(data))
	copy(value, data)
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(dbKey(key), value)
	})
}

func (s *Store) ReadBlock(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(dbKey(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, store.ErrBlockNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Store) DeleteBlock(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(dbKey(key))
	})
}

// Sync flushes the value log to disk.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("badger sync: %w", err)
	}
	return nil
}

// Close closes the database. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Keys returns every stored block key in order.
func (s *Store) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	return keys, err
}

// badgerLogger routes badger's internal logging through the process logger.
// Badger is chatty at info level, so info is demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error("badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyStoreType, "badger")
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn("badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyStoreType, "badger")
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug("badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyStoreType, "badger")
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug("badger: "+strings.TrimSpace(fmt.Sprintf(format, args...)), logger.KeyStoreType, "badger")
}
