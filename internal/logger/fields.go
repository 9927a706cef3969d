package logger

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// Standard field keys. Use these consistently so logs can be aggregated
// and queried across subsystems.
const (
	// Tracing
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// Bring-up
	KeyBootID     = "boot_id"
	KeyStep       = "step"
	KeySubsystem  = "subsystem"
	KeyStepIndex  = "step_index"
	KeySteps      = "steps"
	KeyFeature    = "feature"
	KeyEnabled    = "enabled"
	KeyDurationMs = "duration_ms"

	// Lifecycle notification
	KeyEvent        = "event"
	KeySubscription = "subscription"
	KeyPriority     = "priority"
	KeySubscribers  = "subscribers"

	// Filesystem
	KeyPath    = "path"
	KeyInodeID = "inode_id"
	KeyKind    = "kind"
	KeySize    = "size"
	KeyOffset  = "offset"
	KeyCount   = "count"

	// Write-back and durable storage
	KeyStoreType = "store_type"
	KeyBlocks    = "blocks"
	KeyBytes     = "bytes"
	KeyDirty     = "dirty"

	// Locking
	KeyLockType   = "lock_type"
	KeyLockOwner  = "lock_owner"
	KeyLockOffset = "lock_offset"
	KeyLockLength = "lock_length"

	// Workers and servers
	KeyWorkers = "workers"
	KeyQueue   = "queue"
	KeyAddr    = "addr"
	KeyMethod  = "method"
	KeyStatus  = "status"

	KeyError = "error"
)

// Step returns an attr naming a sequencer step.
func Step(name string) slog.Attr {
	return slog.String(KeyStep, name)
}

// Event returns an attr naming a lifecycle event.
func Event(name string) slog.Attr {
	return slog.String(KeyEvent, name)
}

// Path returns an attr for a filesystem path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// InodeID returns an attr for an inode number.
func InodeID(id uint64) slog.Attr {
	return slog.Uint64(KeyInodeID, id)
}

// Bytes returns a human readable byte count ("1.2 MB").
func Bytes(n uint64) slog.Attr {
	return slog.String(KeyBytes, humanize.Bytes(n))
}

// Err returns an attr for an error; nil errors produce an empty attr
// that handlers drop.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
