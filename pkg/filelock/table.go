// Package filelock is the advisory byte-range lock table.
//
// Locks are keyed by inode number and follow POSIX record-lock semantics:
// an owner's locks never conflict with each other, a new request replaces
// whatever the owner held in the range, and unlocking part of a range splits
// the remaining record. Locks are in-memory only and do not survive a restart.
package filelock

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/marmos91/vfsinit/internal/logger"
)

// InodeRegistry is the part of the inode registry the table depends on.
type InodeRegistry interface {
	Ready() bool
}

// Stats summarizes the table.
type Stats struct {
	Files     int `json:"files"`
	Total     int `json:"total"`
	Shared    int `json:"shared"`
	Exclusive int `json:"exclusive"`
}

// Table holds the advisory locks of every inode.
type Table struct {
	cfg     Config
	inodes  InodeRegistry
	metrics *Metrics

	mu          sync.Mutex
	locks       map[uint64][]Lock
	total       int
	initialized bool
}

// NewTable creates a lock table. metrics may be nil.
func NewTable(cfg Config, inodes InodeRegistry, metrics *Metrics) *Table {
	return &Table{
		cfg:     cfg.withDefaults(),
		inodes:  inodes,
		metrics: metrics,
	}
}

// Initialize readies the table. Lock records reference inode numbers, so the
// inode registry must be ready first; Initialize panics otherwise. Later
// calls are no-ops.
func (t *Table) Initialize() {
	if t.inodes == nil || !t.inodes.Ready() {
		panic(fmt.Errorf("file lock table: inode registry is not ready"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.initialized {
		return
	}
	t.locks = make(map[uint64][]Lock)
	t.initialized = true

	logger.Debug("File lock table ready",
		"max_locks_per_file", t.cfg.MaxLocksPerFile,
		"max_total_locks", t.cfg.MaxTotalLocks)
}

// Ready reports whether Initialize has completed.
func (t *Table) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.initialized
}

func validate(l Lock) error {
	if l.Owner == "" {
		return fmt.Errorf("%w: empty owner", ErrInvalidLock)
	}
	if l.Type != Shared && l.Type != Exclusive {
		return fmt.Errorf("%w: unknown type %d", ErrInvalidLock, l.Type)
	}
	if l.Length != 0 && l.Offset+l.Length < l.Offset {
		return fmt.Errorf("%w: range overflows", ErrInvalidLock)
	}
	return nil
}

// Lock acquires l on inode id without blocking. A conflict with another
// owner returns a *ConflictError.
func (t *Table) Lock(id uint64, l Lock) error {
	if err := validate(l); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}

	existing := t.locks[id]
	for _, held := range existing {
		if held.ConflictsWith(l) {
			t.metrics.observeAcquire(l.Type, false)
			logger.Debug("Lock conflict",
				logger.InodeID(id),
				logger.KeyLockOwner, l.Owner,
				logger.KeyLockOffset, l.Offset,
				logger.KeyLockLength, l.Length,
				"holder", held.Owner)
			return &ConflictError{InodeID: id, Holder: held}
		}
	}

	// Carve the requested range out of the owner's own records, then add it.
	next := make([]Lock, 0, len(existing)+1)
	for _, held := range existing {
		if held.Owner == l.Owner {
			next = append(next, splitLock(held, l.Offset, l.Length)...)
		} else {
			next = append(next, held)
		}
	}
	if l.AcquiredAt.IsZero() {
		l.AcquiredAt = time.Now()
	}
	next = append(next, l)

	if len(next) > t.cfg.MaxLocksPerFile {
		t.metrics.observeLimit("file")
		return fmt.Errorf("%w: %d locks on inode %d", ErrLimitExceeded, len(next), id)
	}
	newTotal := t.total - len(existing) + len(next)
	if newTotal > t.cfg.MaxTotalLocks {
		t.metrics.observeLimit("total")
		return fmt.Errorf("%w: %d locks in table", ErrLimitExceeded, newTotal)
	}

	slices.SortFunc(next, compareLocks)
	t.locks[id] = next
	t.total = newTotal
	t.metrics.observeAcquire(l.Type, true)
	t.metrics.setState(t.statsLocked())
	return nil
}

func compareLocks(a, b Lock) int {
	switch {
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	switch {
	case a.Owner < b.Owner:
		return -1
	case a.Owner > b.Owner:
		return 1
	}
	return 0
}

// Unlock releases owner's locks over [offset, offset+length) on inode id,
// splitting records that extend beyond the range.
func (t *Table) Unlock(id uint64, owner string, offset, length uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return ErrNotInitialized
	}

	existing := t.locks[id]
	found := false
	next := make([]Lock, 0, len(existing))
	for _, held := range existing {
		if held.Owner == owner && held.Overlaps(offset, length) {
			found = true
			next = append(next, splitLock(held, offset, length)...)
			continue
		}
		next = append(next, held)
	}
	if !found {
		return fmt.Errorf("%w: inode %d owner %q", ErrNotFound, id, owner)
	}

	t.replaceLocked(id, existing, next)
	t.metrics.observeRelease(ReasonExplicit, 1)
	t.metrics.setState(t.statsLocked())
	return nil
}

func (t *Table) replaceLocked(id uint64, old, next []Lock) {
	t.total += len(next) - len(old)
	if len(next) == 0 {
		delete(t.locks, id)
		return
	}
	t.locks[id] = next
}

// Test reports the first lock that would block l, or nil if l could be
// acquired.
func (t *Table) Test(id uint64, l Lock) (*Lock, error) {
	if err := validate(l); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.initialized {
		return nil, ErrNotInitialized
	}

	for _, held := range t.locks[id] {
		if held.ConflictsWith(l) {
			c := held
			return &c, nil
		}
	}
	return nil, nil
}

// List returns a copy of the locks on inode id in offset order.
func (t *Table) List(id uint64) []Lock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.locks[id])
}

// RemoveInode drops every lock on inode id (the inode was removed).
func (t *Table) RemoveInode(id uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.locks[id])
	if n == 0 {
		return 0
	}
	t.replaceLocked(id, t.locks[id], nil)
	t.metrics.observeRelease(ReasonExplicit, n)
	t.metrics.setState(t.statsLocked())
	return n
}

// ReleaseOwner drops every lock held by owner, on every inode, and returns
// how many records were released.
func (t *Table) ReleaseOwner(owner string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	released := 0
	for id, existing := range t.locks {
		next := slices.DeleteFunc(slices.Clone(existing), func(l Lock) bool { return l.Owner == owner })
		if removed := len(existing) - len(next); removed > 0 {
			released += removed
			t.replaceLocked(id, existing, next)
		}
	}

	if released > 0 {
		logger.Debug("Released owner locks", logger.KeyLockOwner, owner, logger.KeyCount, released)
		t.metrics.observeRelease(ReasonOwner, released)
		t.metrics.setState(t.statsLocked())
	}
	return released
}

// Stats returns the current table summary.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

func (t *Table) statsLocked() Stats {
	s := Stats{Files: len(t.locks), Total: t.total}
	for _, locks := range t.locks {
		for _, l := range locks {
			if l.Type == Exclusive {
				s.Exclusive++
			} else {
				s.Shared++
			}
		}
	}
	return s
}
