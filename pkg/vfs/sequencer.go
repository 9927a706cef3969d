// Package vfs brings up the virtual filesystem layer.
//
// A Sequencer runs the subsystem initializers in dependency order:
//
//	heap -> inode registry -> file locks -> [async I/O] -> [remote server]
//	     -> [change notification] -> lifecycle observer
//
// Bracketed steps are gated by Features. The sequence runs at most once per
// Sequencer; later calls to Run are no-ops. Initializers report failure by
// panicking; the sequencer hands the failure to its HaltFunc and runs no
// further steps.
package vfs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/internal/telemetry"
	"github.com/marmos91/vfsinit/pkg/metrics"
	"github.com/marmos91/vfsinit/pkg/reboot"
)

// Step names, in bring-up order.
const (
	StepHeap         = "heap"
	StepInode        = "inode"
	StepFileLock     = "filelock"
	StepAsyncIO      = "aio"
	StepRemoteServer = "remotefs"
	StepChangeNotify = "notify"
	StepObserver     = "observer"
)

// Initializer brings one subsystem to its ready state. It either returns
// with the subsystem ready or panics.
type Initializer interface {
	Initialize()
}

// InitFunc adapts a function to Initializer.
type InitFunc func()

// Initialize calls f.
func (f InitFunc) Initialize() { f() }

// Registrar is the lifecycle notification registry.
type Registrar interface {
	Register(actions []reboot.Action, h reboot.Handler, opts ...reboot.Option) reboot.Subscription
	Unregister(sub reboot.Subscription) bool
}

// Features selects the optional steps.
type Features struct {
	AsyncIO      bool
	RemoteServer bool
	ChangeNotify bool
}

// Subsystems are the collaborators the sequencer initializes. Heap, Inodes,
// Locks and Registry are required, as is the initializer of every enabled
// feature.
type Subsystems struct {
	Heap   Initializer
	Inodes Initializer
	Locks  Initializer

	AsyncIO      Initializer
	RemoteServer Initializer
	ChangeNotify Initializer

	Registry Registrar
	Observer *SyncObserver
}

// Step is one entry of the bring-up sequence.
type Step struct {
	Name string
	// Feature is the gating flag of an optional step, empty for mandatory ones.
	Feature string
	Enabled bool

	run func()
}

// HaltFunc receives a bring-up failure. The default logs it and exits the
// process; a HaltFunc that returns stops the sequence where it failed.
type HaltFunc func(step string, err error)

// DefaultHalt logs the failure and exits with status 1.
func DefaultHalt(step string, err error) {
	logger.Error("Filesystem bring-up failed, halting", logger.Step(step), logger.Err(err))
	os.Exit(1)
}

// BringUpError is what the HaltFunc receives when an initializer panics.
type BringUpError struct {
	Step  string
	Cause any
}

func (e *BringUpError) Error() string {
	return fmt.Sprintf("initialize %s: %v", e.Step, e.Cause)
}

// Unwrap returns the panic value when it is an error.
func (e *BringUpError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// Option customizes a Sequencer.
type Option func(*Sequencer)

// WithHalt replaces DefaultHalt.
func WithHalt(h HaltFunc) Option {
	return func(s *Sequencer) { s.halt = h }
}

// WithMetrics records step outcomes and durations.
func WithMetrics(m *metrics.BootMetrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// Sequencer runs the bring-up sequence once.
type Sequencer struct {
	subs     Subsystems
	features Features
	halt     HaltFunc
	metrics  *metrics.BootMetrics

	started     atomic.Bool
	initialized atomic.Bool
	bootID      string

	mu  sync.Mutex
	sub reboot.Subscription
}

// NewSequencer creates a sequencer. Nothing runs until Run.
func NewSequencer(subs Subsystems, features Features, opts ...Option) *Sequencer {
	s := &Sequencer{
		subs:     subs,
		features: features,
		halt:     DefaultHalt,
		bootID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Steps returns the bring-up sequence for the configured features,
// including disabled optional steps.
func (s *Sequencer) Steps() []Step {
	return []Step{
		{Name: StepHeap, Enabled: true, run: initializer(s.subs.Heap)},
		{Name: StepInode, Enabled: true, run: initializer(s.subs.Inodes)},
		{Name: StepFileLock, Enabled: true, run: initializer(s.subs.Locks)},
		{Name: StepAsyncIO, Feature: "async_io", Enabled: s.features.AsyncIO, run: initializer(s.subs.AsyncIO)},
		{Name: StepRemoteServer, Feature: "remote_server", Enabled: s.features.RemoteServer, run: initializer(s.subs.RemoteServer)},
		{Name: StepChangeNotify, Feature: "change_notify", Enabled: s.features.ChangeNotify, run: initializer(s.subs.ChangeNotify)},
		{Name: StepObserver, Enabled: true, run: s.registerObserver},
	}
}

func initializer(i Initializer) func() {
	return func() {
		if i == nil {
			panic("no initializer configured")
		}
		i.Initialize()
	}
}

// Run executes the bring-up sequence. Only the first call does anything.
// Steps are not interruptible: ctx carries the trace only.
func (s *Sequencer) Run(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		logger.DebugCtx(ctx, "Filesystem bring-up already ran, ignoring")
		return
	}

	steps := s.Steps()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanInitialize)
	defer span.End()
	span.SetAttributes(
		attribute.Int(telemetry.AttrSteps, len(steps)),
		attribute.String("vfs.boot_id", s.bootID),
	)

	logger.InfoCtx(ctx, "Bringing up filesystem layer",
		logger.KeyBootID, s.bootID,
		"async_io", s.features.AsyncIO,
		"remote_server", s.features.RemoteServer,
		"change_notify", s.features.ChangeNotify)

	start := time.Now()
	ran := 0
	for i, st := range steps {
		if !st.Enabled {
			logger.DebugCtx(ctx, "Bring-up step skipped", logger.Step(st.Name), logger.KeyFeature, st.Feature)
			s.metrics.ObserveStep(st.Name, metrics.ResultSkipped, 0)
			continue
		}
		if err := s.runStep(ctx, i, st); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bring-up failed")
			s.halt(st.Name, err)
			return
		}
		ran++
	}

	s.initialized.Store(true)
	s.metrics.ObserveBoot(time.Since(start))
	logger.InfoCtx(ctx, "Filesystem layer initialized",
		logger.KeySteps, ran,
		logger.KeyDurationMs, logger.Duration(start))
}

// runStep runs one step inside its span, converting a panic into an error.
func (s *Sequencer) runStep(ctx context.Context, index int, st Step) (err error) {
	var attrs []attribute.KeyValue
	if st.Feature != "" {
		attrs = append(attrs, telemetry.Feature(st.Feature))
	}
	ctx, span := telemetry.StartStepSpan(ctx, st.Name, index, attrs...)
	defer span.End()

	start := time.Now()
	logger.DebugCtx(ctx, "Bring-up step starting", logger.Step(st.Name), logger.KeyStepIndex, index)

	defer func() {
		if r := recover(); r != nil {
			err = &BringUpError{Step: st.Name, Cause: r}
			span.RecordError(err)
			span.SetStatus(codes.Error, "initializer panicked")
			s.metrics.ObserveStep(st.Name, metrics.ResultFailed, time.Since(start))
			return
		}
		s.metrics.ObserveStep(st.Name, metrics.ResultOK, time.Since(start))
		logger.DebugCtx(ctx, "Bring-up step complete", logger.Step(st.Name), logger.KeyDurationMs, logger.Duration(start))
	}()

	st.run()
	return nil
}

// registerObserver subscribes the sync observer to power-off and restart.
func (s *Sequencer) registerObserver() {
	if s.subs.Registry == nil {
		panic("no lifecycle registry configured")
	}
	if s.subs.Observer == nil {
		panic("no sync observer configured")
	}

	sub := s.subs.Registry.Register(
		[]reboot.Action{reboot.ActionPowerOff, reboot.ActionRestart},
		s.subs.Observer.Handle,
		reboot.WithName("vfs-sync"),
		reboot.WithPriority(reboot.PriorityFirst),
	)

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	logger.Debug("Lifecycle observer registered", logger.KeySubscription, sub.ID())
}

// Initialized reports whether the whole sequence completed.
func (s *Sequencer) Initialized() bool {
	return s.initialized.Load()
}

// BootID identifies this bring-up in logs and traces.
func (s *Sequencer) BootID() string {
	return s.bootID
}

// Subscription returns the observer's registration, zero before it is made.
func (s *Sequencer) Subscription() reboot.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// Shutdown unregisters the lifecycle observer. It reports whether a
// registration was removed. The sequence itself cannot be run again.
func (s *Sequencer) Shutdown() bool {
	s.mu.Lock()
	sub := s.sub
	s.sub = reboot.Subscription{}
	s.mu.Unlock()

	if sub.IsZero() {
		return false
	}
	return s.subs.Registry.Unregister(sub)
}
