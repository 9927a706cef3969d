// Package notify is the change-notification subsystem. Clients watch a path
// for a set of operations; every mutation of the inode registry, and
// optionally of a host directory, is published to the matching watchers.
package notify

import (
	"errors"
	"fmt"
	"path"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/inode"
)

// Mask selects the operations a watch receives.
type Mask uint32

const (
	OpCreate Mask = 1 << iota
	OpRemove
	OpModify
	OpAttrib

	OpAll = OpCreate | OpRemove | OpModify | OpAttrib
)

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	var parts []string
	for _, op := range []struct {
		bit  Mask
		name string
	}{{OpCreate, "create"}, {OpRemove, "remove"}, {OpModify, "modify"}, {OpAttrib, "attrib"}} {
		if m&op.bit != 0 {
			parts = append(parts, op.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseMask parses a "|" or "," separated list of operation names.
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "create":
			m |= OpCreate
		case "remove", "delete":
			m |= OpRemove
		case "modify", "write":
			m |= OpModify
		case "attrib", "chmod":
			m |= OpAttrib
		case "all":
			m |= OpAll
		default:
			return 0, fmt.Errorf("unknown notify operation %q", name)
		}
	}
	return m, nil
}

var (
	// ErrInvalidWatch is returned for an empty mask or nil callback.
	ErrInvalidWatch = errors.New("notify: invalid watch")
	// ErrTooManyWatches is returned when MaxWatches is reached.
	ErrTooManyWatches = errors.New("notify: too many watches")
)

// Event is a change delivered to watchers. Op has exactly one bit set.
type Event struct {
	Op    Mask      `json:"op"`
	Path  string    `json:"path"`
	Inode uint64    `json:"inode,omitempty"`
	IsDir bool      `json:"is_dir,omitempty"`
	Time  time.Time `json:"time"`
}

// WatchID identifies a registered watch.
type WatchID string

// Config configures the subsystem.
type Config struct {
	// MaxWatches caps the number of concurrent watches.
	// Default: 8192
	MaxWatches int `mapstructure:"max_watches" yaml:"max_watches" validate:"gte=0"`

	// HostDir, when set, is a host directory whose changes are republished
	// under HostPrefix.
	HostDir string `mapstructure:"host_dir" yaml:"host_dir"`

	// HostPrefix is where host changes appear in the namespace.
	// Default: /host
	HostPrefix string `mapstructure:"host_prefix" yaml:"host_prefix"`
}

// InodeSource is the inode registry hook the subsystem attaches to.
type InodeSource interface {
	SetObserver(func(inode.Change))
}

// WatchOption customizes a watch.
type WatchOption func(*watch)

// Recursive makes a directory watch see events anywhere below it instead of
// only its direct children.
func Recursive() WatchOption {
	return func(w *watch) { w.recursive = true }
}

type watch struct {
	id        WatchID
	path      string
	mask      Mask
	recursive bool
	fn        func(Event)
}

func (w *watch) matches(ev Event) bool {
	if w.mask&ev.Op == 0 {
		return false
	}
	if ev.Path == w.path {
		return true
	}
	prefix := w.path
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(ev.Path, prefix) {
		return false
	}
	return w.recursive || path.Dir(ev.Path) == w.path
}

// Notifier is the change-notification registry.
type Notifier struct {
	cfg    Config
	inodes InodeSource

	mu      sync.RWMutex
	watches map[WatchID]*watch

	initOnce sync.Once
	host     *hostBridge

	published uint64
	delivered uint64
}

// New creates a notifier. inodes may be nil when only explicit Publish
// calls are wanted.
func New(cfg Config, inodes InodeSource) *Notifier {
	if cfg.MaxWatches <= 0 {
		cfg.MaxWatches = 8192
	}
	if cfg.HostPrefix == "" {
		cfg.HostPrefix = "/host"
	}
	return &Notifier{
		cfg:     cfg,
		inodes:  inodes,
		watches: make(map[WatchID]*watch),
	}
}

// Initialize attaches to the inode registry and starts the host directory
// bridge when configured. It panics if the bridge cannot be started. Later
// calls are no-ops.
func (n *Notifier) Initialize() {
	n.initOnce.Do(func() {
		if n.inodes != nil {
			n.inodes.SetObserver(n.publishInodeChange)
		}
		if n.cfg.HostDir != "" {
			bridge, err := newHostBridge(n.cfg.HostDir, n.cfg.HostPrefix, n.Publish)
			if err != nil {
				panic(fmt.Errorf("change notification: host bridge on %s: %w", n.cfg.HostDir, err))
			}
			n.mu.Lock()
			n.host = bridge
			n.mu.Unlock()
		}
		logger.Debug("Change notification ready", "max_watches", n.cfg.MaxWatches, "host_dir", n.cfg.HostDir)
	})
}

func (n *Notifier) publishInodeChange(c inode.Change) {
	var op Mask
	switch c.Op {
	case inode.OpCreate:
		op = OpCreate
	case inode.OpRemove:
		op = OpRemove
	case inode.OpModify:
		op = OpModify
	default:
		return
	}
	n.Publish(Event{Op: op, Path: c.Path, Inode: c.ID, IsDir: c.Kind == inode.KindDir})
}

// Watch registers fn for events on p matching mask.
func (n *Notifier) Watch(p string, mask Mask, fn func(Event), opts ...WatchOption) (WatchID, error) {
	clean, err := inode.Clean(p)
	if err != nil {
		return "", err
	}
	if mask&OpAll == 0 || fn == nil {
		return "", ErrInvalidWatch
	}

	w := &watch{id: WatchID(uuid.NewString()), path: clean, mask: mask & OpAll, fn: fn}
	for _, opt := range opts {
		opt(w)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.watches) >= n.cfg.MaxWatches {
		return "", ErrTooManyWatches
	}
	n.watches[w.id] = w

	logger.Debug("Watch added", logger.Path(clean), "mask", w.mask.String(), "recursive", w.recursive)
	return w.id, nil
}

// Unwatch removes a watch and reports whether it existed.
func (n *Notifier) Unwatch(id WatchID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.watches[id]; !ok {
		return false
	}
	delete(n.watches, id)
	return true
}

// Publish delivers ev synchronously to every matching watch and returns the
// number of watches notified.
func (n *Notifier) Publish(ev Event) int {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	n.mu.Lock()
	n.published++
	targets := make([]*watch, 0, 4)
	for _, w := range n.watches {
		if w.matches(ev) {
			targets = append(targets, w)
		}
	}
	n.delivered += uint64(len(targets))
	n.mu.Unlock()

	for _, w := range targets {
		deliver(w, ev)
	}
	return len(targets)
}

func deliver(w *watch, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Watch callback panicked",
				logger.Path(w.path),
				"watch", string(w.id),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	w.fn(ev)
}

// Count returns the number of registered watches.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.watches)
}

// Stats returns the number of published events and watcher deliveries.
func (n *Notifier) Stats() (published, delivered uint64) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.published, n.delivered
}

// Close stops the host bridge.
func (n *Notifier) Close() error {
	n.mu.Lock()
	host := n.host
	n.host = nil
	n.mu.Unlock()

	if host != nil {
		return host.Close()
	}
	return nil
}
