// Package reboot is the process-wide lifecycle notification registry.
//
// Components that must react to an imminent power-state transition register
// a Handler for the actions they care about. Whoever initiates the
// transition (a signal handler, the remote control API, a test) calls
// Notify, which invokes every matching subscriber synchronously on the
// caller's goroutine, highest priority first. The initiator needs no
// knowledge of what the subscribers do.
package reboot

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/marmos91/vfsinit/internal/logger"
)

// Action identifies a lifecycle event.
type Action int

const (
	// ActionPowerOff announces that the system is about to lose power.
	ActionPowerOff Action = iota + 1
	// ActionRestart announces that the system is about to restart.
	ActionRestart
	// ActionHalt announces that the system stops without powering off.
	ActionHalt
)

func (a Action) String() string {
	switch a {
	case ActionPowerOff:
		return "power_off"
	case ActionRestart:
		return "restart"
	case ActionHalt:
		return "halt"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction returns the Action named s.
func ParseAction(s string) (Action, error) {
	switch s {
	case "power_off", "poweroff":
		return ActionPowerOff, nil
	case "restart", "reboot":
		return ActionRestart, nil
	case "halt":
		return ActionHalt, nil
	default:
		return 0, fmt.Errorf("unknown lifecycle action: %q", s)
	}
}

// Status is what a Handler reports back to the chain.
type Status int

const (
	// StatusDone means the subscriber has nothing to report.
	StatusDone Status = iota
	// StatusOK means the subscriber acted on the event.
	StatusOK
	// StatusStop means the subscriber acted and no later subscriber
	// should see the event. It only cuts off subscribers ordered after the
	// one that returned it.
	StatusStop
)

// PriorityFirst is the highest delivery priority. It is reserved for
// handlers that must see every event they subscribed to.
const PriorityFirst = math.MaxInt32

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "done"
	case StatusOK:
		return "ok"
	case StatusStop:
		return "stop"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Handler is invoked for each delivered action. data is whatever the
// initiator passed to Notify (for example a reason string) and may be nil.
type Handler func(ctx context.Context, action Action, data any) Status

// Subscription is the opaque handle returned by Register.
type Subscription struct {
	id uuid.UUID
}

// ID returns the subscription identifier.
func (s Subscription) ID() string {
	return s.id.String()
}

// IsZero reports whether s was never returned by Register.
func (s Subscription) IsZero() bool {
	return s.id == uuid.Nil
}

// Info describes a registered subscriber.
type Info struct {
	ID       string
	Name     string
	Actions  []Action // empty means every action
	Priority int
}

// Option customizes a registration.
type Option func(*entry)

// WithPriority orders delivery: higher priorities are notified first.
// Subscribers of equal priority are notified in registration order.
func WithPriority(p int) Option {
	return func(e *entry) { e.priority = p }
}

// WithName attaches a name used in logs and Info.
func WithName(name string) Option {
	return func(e *entry) { e.name = name }
}

type entry struct {
	id       uuid.UUID
	name     string
	actions  []Action
	priority int
	seq      uint64
	handler  Handler
}

func (e *entry) wants(a Action) bool {
	return len(e.actions) == 0 || slices.Contains(e.actions, a)
}

// Registry is a notifier chain. The zero value is not usable; use
// NewRegistry or Default.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry // sorted by priority desc, then seq asc
	nextSeq uint64

	// observe, when set, is called once per Notify with the number of
	// subscribers invoked.
	observe func(action Action, delivered int)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry.
func Default() *Registry {
	return defaultRegistry
}

// SetObserver installs fn to be told about each dispatch (used for metrics).
func (r *Registry) SetObserver(fn func(action Action, delivered int)) {
	r.mu.Lock()
	r.observe = fn
	r.mu.Unlock()
}

// Register subscribes h to actions. An empty actions list subscribes to
// every action. Registration never fails.
func (r *Registry) Register(actions []Action, h Handler, opts ...Option) Subscription {
	if h == nil {
		panic("reboot: nil handler")
	}

	e := &entry{
		id:      uuid.New(),
		actions: slices.Clone(actions),
		handler: h,
	}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	r.nextSeq++
	e.seq = r.nextSeq
	idx, _ := slices.BinarySearchFunc(r.entries, e, compareEntries)
	r.entries = slices.Insert(r.entries, idx, e)
	count := len(r.entries)
	r.mu.Unlock()

	logger.Debug("Lifecycle subscriber registered",
		logger.KeySubscription, e.id.String(),
		"name", e.name,
		logger.KeyPriority, e.priority,
		logger.KeySubscribers, count)

	return Subscription{id: e.id}
}

func compareEntries(a, b *entry) int {
	if a.priority != b.priority {
		return cmp.Compare(b.priority, a.priority)
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// Unregister removes sub. It reports whether the subscription was present.
func (r *Registry) Unregister(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.id == sub.id {
			r.entries = slices.Delete(r.entries, i, i+1)
			return true
		}
	}
	return false
}

// Notify delivers action to every matching subscriber, synchronously and in
// priority order, and returns the last non-Done status. Delivery ends early
// when a subscriber returns StatusStop. A panicking subscriber is logged and
// skipped.
//
// The subscriber list is snapshotted before delivery, so handlers may
// register or unregister without deadlocking.
func (r *Registry) Notify(ctx context.Context, action Action, data any) Status {
	r.mu.RLock()
	snapshot := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.wants(action) {
			snapshot = append(snapshot, e)
		}
	}
	observe := r.observe
	r.mu.RUnlock()

	logger.Info("Delivering lifecycle event", logger.KeyEvent, action.String(), logger.KeySubscribers, len(snapshot))

	result := StatusDone
	delivered := 0
	for _, e := range snapshot {
		delivered++
		st := r.call(ctx, e, action, data)
		if st != StatusDone {
			result = st
		}
		if st == StatusStop {
			logger.Debug("Lifecycle chain stopped", logger.KeyEvent, action.String(), "name", e.name)
			break
		}
	}

	if observe != nil {
		observe(action, delivered)
	}
	return result
}

func (r *Registry) call(ctx context.Context, e *entry, action Action, data any) (st Status) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Lifecycle subscriber panicked",
				logger.KeySubscription, e.id.String(),
				"name", e.name,
				logger.KeyEvent, action.String(),
				"panic", rec,
				"stack", string(debug.Stack()))
			st = StatusDone
		}
	}()
	return e.handler(ctx, action, data)
}

// Count returns the number of registered subscribers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Subscriptions describes the registered subscribers in delivery order.
func (r *Registry) Subscriptions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Info{
			ID:       e.id.String(),
			Name:     e.name,
			Actions:  slices.Clone(e.actions),
			Priority: e.priority,
		})
	}
	return out
}
