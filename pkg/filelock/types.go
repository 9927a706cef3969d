package filelock

import (
	"errors"
	"fmt"
	"time"
)

// Type is the kind of an advisory lock.
type Type uint8

const (
	// Shared (read) locks may overlap other shared locks.
	Shared Type = iota + 1
	// Exclusive (write) locks may not overlap any lock of another owner.
	Exclusive
)

func (t Type) String() string {
	switch t {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType returns the Type named s ("shared"/"read" or "exclusive"/"write").
func ParseType(s string) (Type, error) {
	switch s {
	case "shared", "read":
		return Shared, nil
	case "exclusive", "write":
		return Exclusive, nil
	default:
		return 0, fmt.Errorf("%w: unknown lock type %q", ErrInvalidLock, s)
	}
}

var (
	// ErrConflict is matched by every *ConflictError.
	ErrConflict = errors.New("filelock: conflicting lock held")
	// ErrLimitExceeded is returned when a per-file or table-wide limit is hit.
	ErrLimitExceeded = errors.New("filelock: lock limit exceeded")
	// ErrNotFound is returned by Unlock when the owner holds nothing in range.
	ErrNotFound = errors.New("filelock: no lock held in range")
	// ErrInvalidLock is returned for malformed requests.
	ErrInvalidLock = errors.New("filelock: invalid lock request")
	// ErrNotInitialized is returned before Initialize.
	ErrNotInitialized = errors.New("filelock: table not initialized")
)

// Lock is a byte-range advisory lock.
//
// Length 0 means "to end of file". Locks held by the same Owner never
// conflict with each other: a new request from an owner replaces whatever
// that owner held in the range, POSIX style.
type Lock struct {
	Owner      string    `json:"owner"`
	Type       Type      `json:"type"`
	Offset     uint64    `json:"offset"`
	Length     uint64    `json:"length"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// End returns the exclusive end of the range (max uint64 when unbounded).
func (l Lock) End() uint64 {
	return rangeEnd(l.Offset, l.Length)
}

// Overlaps reports whether l covers any byte of [offset, offset+length).
func (l Lock) Overlaps(offset, length uint64) bool {
	return RangesOverlap(l.Offset, l.Length, offset, length)
}

// ConflictsWith reports whether l and other cannot be held together.
func (l Lock) ConflictsWith(other Lock) bool {
	if l.Owner == other.Owner {
		return false
	}
	if !l.Overlaps(other.Offset, other.Length) {
		return false
	}
	return l.Type == Exclusive || other.Type == Exclusive
}

// ConflictError reports the lock that blocked a request.
type ConflictError struct {
	InodeID uint64
	Holder  Lock
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("filelock: inode %d range [%d,+%d) held %s by %q",
		e.InodeID, e.Holder.Offset, e.Holder.Length, e.Holder.Type, e.Holder.Owner)
}

// Is makes errors.Is(err, ErrConflict) true.
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// RangesOverlap returns true if two byte ranges overlap.
// Length of 0 means "to end of file" (unbounded).
func RangesOverlap(offset1, length1, offset2, length2 uint64) bool {
	end1 := rangeEnd(offset1, length1)
	end2 := rangeEnd(offset2, length2)
	return end1 > offset2 && end2 > offset1
}

func rangeEnd(offset, length uint64) uint64 {
	if length == 0 {
		return ^uint64(0)
	}
	return offset + length
}

// splitLock removes [offset, offset+length) from existing and returns what
// remains: nothing, one piece, or two pieces around a hole.
//
//   - Lock [0-100], Unlock [0-100] -> []
//   - Lock [0-100], Unlock [0-50] -> [[50-100]]
//   - Lock [0-100], Unlock [25-75] -> [[0-25], [75-100]]
func splitLock(existing Lock, offset, length uint64) []Lock {
	if !existing.Overlaps(offset, length) {
		return []Lock{existing}
	}

	lockEnd := existing.End()
	unlockEnd := rangeEnd(offset, length)

	if offset <= existing.Offset && unlockEnd >= lockEnd {
		return nil
	}

	var result []Lock
	if offset > existing.Offset {
		before := existing
		before.Length = offset - existing.Offset
		result = append(result, before)
	}
	if unlockEnd < lockEnd {
		after := existing
		after.Offset = unlockEnd
		if existing.Length == 0 {
			after.Length = 0
		} else {
			after.Length = lockEnd - unlockEnd
		}
		result = append(result, after)
	}
	return result
}
