// Package postgres provides a PostgreSQL-backed block store.
//
// Each block is a row of the blocks table. Every statement commits on
// return, so Sync only checks that the server is still reachable.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// Store is a PostgreSQL implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// New connects to PostgreSQL, running migrations first when cfg.AutoMigrate
// is set.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.AutoMigrate {
		if err := RunMigrations(ctx, &cfg); err != nil {
			return nil, err
		}
	}

	pool, err := createConnectionPool(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	return nil
}

func (s *Store) WriteBlock(ctx context.Context, key string, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}
	id, index, err := store.ParseBlockKey(key)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO blocks (block_key, inode_id, block_index, data, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (block_key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		key, int64(id), int64(index), data)
	if err != nil {
		return fmt.Errorf("postgres write block: %w", err)
	}
	return nil
}

func (s *Store) ReadBlock(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM blocks WHERE block_key = $1`, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres read block: %w", err)
	}
	return data, nil
}

func (s *Store) DeleteBlock(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM blocks WHERE block_key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete block: %w", err)
	}
	return nil
}

// Sync pings the server.
func (s *Store) Sync(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres sync: %w", err)
	}
	return nil
}

// Close closes the connection pool. Later calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}
