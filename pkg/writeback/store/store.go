// Package store defines the durable block storage the write-back cache
// flushes into.
//
// Backends live in subpackages: memory (tests and volatile setups), fs
// (local directory, fsync on Sync), badger (embedded LSM), s3 (object
// storage) and postgres (relational table).
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrBlockNotFound is returned when a requested block doesn't exist.
	ErrBlockNotFound = errors.New("block not found")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Store is durable block storage keyed by BlockKey strings.
//
// Implementations must be safe for concurrent use. WriteBlock replaces any
// existing block. DeleteBlock of a missing block is not an error. Sync
// returns once every completed WriteBlock and DeleteBlock is durable.
type Store interface {
	WriteBlock(ctx context.Context, key string, data []byte) error
	ReadBlock(ctx context.Context, key string) ([]byte, error)
	DeleteBlock(ctx context.Context, key string) error
	Sync(ctx context.Context) error
	Close() error
}

// Type names a backend in configuration.
type Type string

const (
	TypeMemory     Type = "memory"
	TypeFilesystem Type = "filesystem"
	TypeBadger     Type = "badger"
	TypeS3         Type = "s3"
	TypePostgres   Type = "postgres"
)

// BlockKey returns the storage key of block index of inode id. Keys sort by
// inode then block index.
func BlockKey(id, index uint64) string {
	return fmt.Sprintf("%016x/%012d", id, index)
}

// ParseBlockKey is the inverse of BlockKey.
func ParseBlockKey(key string) (id, index uint64, err error) {
	inode, block, ok := strings.Cut(key, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed block key %q", key)
	}
	if id, err = strconv.ParseUint(inode, 16, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed block key %q: %w", key, err)
	}
	if index, err = strconv.ParseUint(block, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed block key %q: %w", key, err)
	}
	return id, index, nil
}
