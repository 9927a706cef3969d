package vfs

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/pkg/aio"
	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/config"
	"github.com/marmos91/vfsinit/pkg/filelock"
	"github.com/marmos91/vfsinit/pkg/inode"
	"github.com/marmos91/vfsinit/pkg/metrics"
	"github.com/marmos91/vfsinit/pkg/notify"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/remotefs"
	"github.com/marmos91/vfsinit/pkg/writeback"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// Layer is the filesystem layer assembled from configuration: every
// subsystem plus the sequencer that brings them up.
type Layer struct {
	cfg *config.Config

	Inodes   *inode.Registry
	Locks    *filelock.Table
	Cache    *writeback.Cache
	Registry *reboot.Registry
	Observer *SyncObserver

	// Optional subsystems are nil when their feature is disabled.
	AIO      *aio.Engine
	Remote   *remotefs.Server
	Notifier *notify.Notifier

	seq     *Sequencer
	flusher *writeback.Flusher
	boot    *metrics.BootMetrics
}

// LayerOption customizes New.
type LayerOption func(*layerOptions)

type layerOptions struct {
	registry *reboot.Registry
	prom     prometheus.Registerer
	store    store.Store
	seqOpts  []Option
}

// WithRegistry delivers lifecycle events through r instead of
// reboot.Default().
func WithRegistry(r *reboot.Registry) LayerOption {
	return func(o *layerOptions) { o.registry = r }
}

// WithPrometheus registers the layer's collectors on reg instead of the
// process registry.
func WithPrometheus(reg prometheus.Registerer) LayerOption {
	return func(o *layerOptions) { o.prom = reg }
}

// WithStore uses st as the durable store instead of opening the configured
// one.
func WithStore(st store.Store) LayerOption {
	return func(o *layerOptions) { o.store = st }
}

// WithSequencerOptions passes opts to the sequencer.
func WithSequencerOptions(opts ...Option) LayerOption {
	return func(o *layerOptions) { o.seqOpts = append(o.seqOpts, opts...) }
}

// New builds the layer described by cfg. It opens the durable store but
// initializes nothing; Run performs the bring-up.
func New(ctx context.Context, cfg *config.Config, opts ...LayerOption) (*Layer, error) {
	if cfg == nil {
		return nil, errors.New("vfs: nil configuration")
	}
	o := layerOptions{registry: reboot.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		boot      *metrics.BootMetrics
		storeM    *metrics.StoreMetrics
		lockM     *filelock.Metrics
		storeType = store.Type(cfg.Writeback.Store.Type)
	)
	switch {
	case o.prom != nil:
		boot = metrics.NewBootMetricsWith(o.prom)
		storeM = metrics.NewStoreMetricsWith(o.prom)
		lockM = filelock.NewMetrics(o.prom)
	case metrics.IsEnabled():
		boot = metrics.NewBootMetrics()
		storeM = metrics.NewStoreMetrics()
		lockM = filelock.NewMetrics(metrics.GetRegistry())
	}

	st := o.store
	if st == nil {
		var err error
		st, err = config.CreateStore(ctx, cfg.Writeback.Store)
		if err != nil {
			return nil, fmt.Errorf("vfs: open %s store: %w", storeType, err)
		}
	}
	st = storeM.Instrument(st, storeType)

	l := &Layer{
		cfg:      cfg,
		Inodes:   inode.NewRegistry(),
		Registry: o.registry,
		boot:     boot,
	}
	l.Locks = filelock.NewTable(cfg.Lock, l.Inodes, lockM)
	l.Cache = writeback.New(cfg.Cache(), st)
	l.Observer = NewSyncObserver(l.Cache, cfg.Sync.Timeout)
	l.flusher = writeback.NewFlusher(l.Cache, cfg.Writeback.FlushInterval)

	if boot != nil {
		l.Cache.OnSync(boot.ObserveSync)
		l.Registry.SetObserver(boot.ObserveLifecycle)
		boot.WatchDirty(l.Cache.Dirty)
	}

	subs := Subsystems{
		Heap:     InitFunc(l.initHeap),
		Inodes:   InitFunc(l.initInodes),
		Locks:    l.Locks,
		Registry: l.Registry,
		Observer: l.Observer,
	}

	if cfg.Features.AsyncIO {
		l.AIO = aio.New(cfg.AIO, l.Cache)
		subs.AsyncIO = l.AIO
		if boot != nil {
			boot.WatchQueue(l.AIO.QueueDepth)
		}
	}
	if cfg.Features.RemoteServer {
		deps := remotefs.Deps{
			Inodes:    l.Inodes,
			Data:      l.Cache,
			Locks:     l.Locks,
			Lifecycle: l.Registry,
		}
		if l.AIO != nil {
			deps.Async = l.AIO
		}
		l.Remote = remotefs.New(cfg.Remote, deps)
		subs.RemoteServer = l.Remote
	}
	if cfg.Features.ChangeNotify {
		l.Notifier = notify.New(cfg.Notify, l.Inodes)
		subs.ChangeNotify = l.Notifier
	}

	seqOpts := append([]Option{WithMetrics(boot)}, o.seqOpts...)
	l.seq = NewSequencer(subs, Features{
		AsyncIO:      cfg.Features.AsyncIO,
		RemoteServer: cfg.Features.RemoteServer,
		ChangeNotify: cfg.Features.ChangeNotify,
	}, seqOpts...)

	return l, nil
}

func (l *Layer) initHeap() {
	pool := bufpool.Initialize(l.cfg.BufferPool())
	if l.boot != nil {
		l.boot.WatchBufferPool(pool.Stats)
	}
}

// initInodes brings up the registry and reserves the configured directories.
func (l *Layer) initInodes() {
	l.Inodes.Initialize()
	for _, dir := range l.cfg.Inode.Directories {
		if _, err := l.Inodes.Reserve(dir, inode.KindDir); err != nil {
			panic(fmt.Errorf("reserve %s: %w", dir, err))
		}
	}
}

// Run brings the layer up and starts the background flusher. Only the
// first call has an effect.
func (l *Layer) Run(ctx context.Context) {
	l.seq.Run(ctx)
	if l.seq.Initialized() {
		l.flusher.Start(context.WithoutCancel(ctx))
	}
}

// Sequencer returns the layer's sequencer.
func (l *Layer) Sequencer() *Sequencer {
	return l.seq
}

// Initialized reports whether bring-up completed.
func (l *Layer) Initialized() bool {
	return l.seq.Initialized()
}

// Notify delivers a lifecycle event through the layer's registry.
func (l *Layer) Notify(ctx context.Context, action reboot.Action, data any) reboot.Status {
	return l.Registry.Notify(ctx, action, data)
}

// Shutdown unregisters the observer and stops every subsystem that was
// started, in reverse bring-up order. It does not flush; deliver
// ActionPowerOff first for that. The store is closed last.
func (l *Layer) Shutdown(ctx context.Context) error {
	l.seq.Shutdown()

	timeout := l.cfg.ShutdownTimeout
	l.flusher.Stop(timeout)

	var errs []error
	if l.Notifier != nil {
		if err := l.Notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("change notification: %w", err))
		}
	}
	if l.Remote != nil {
		if err := l.Remote.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("remote server: %w", err))
		}
	}
	if l.AIO != nil {
		l.AIO.Stop(timeout)
	}

	if dirty := l.Cache.Dirty(); dirty > 0 {
		logger.WarnCtx(ctx, "Closing write-back cache with unflushed data", logger.KeyDirty, dirty)
	}
	if err := l.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("write-back cache: %w", err))
	}
	return errors.Join(errs...)
}
