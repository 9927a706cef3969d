// Package memory provides an in-memory block store.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// Store keeps blocks in a map. Data does not survive the process.
type Store struct {
	mu     sync.RWMutex
	blocks map[string][]byte
	syncs  int
	closed bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{blocks: make(map[string][]byte)}
}

func (s *Store) WriteBlock(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	s.blocks[key] = slices.Clone(data)
	return nil
}

func (s *Store) ReadBlock(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	data, ok := s.blocks[key]
	if !ok {
		return nil, store.ErrBlockNotFound
	}
	return slices.Clone(data), nil
}

func (s *Store) DeleteBlock(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	delete(s.blocks, key)
	return nil
}

// Sync counts calls; memory has nothing to make durable.
func (s *Store) Sync(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	s.syncs++
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.blocks = nil
	return nil
}

// Keys returns the stored keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blocks))
	for k := range s.blocks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Syncs returns how many times Sync was called.
func (s *Store) Syncs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncs
}
