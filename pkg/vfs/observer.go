package vfs

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/marmos91/vfsinit/internal/logger"
	"github.com/marmos91/vfsinit/internal/telemetry"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/writeback"
)

// Flusher drains dirty write-back state to durable storage. Calling it on
// a clean state must succeed and write nothing.
type Flusher interface {
	Sync(ctx context.Context) (writeback.SyncResult, error)
}

// SyncObserver flushes the write-back cache when the system is about to
// power off or restart. It holds no locks of its own; concurrent flushes
// are serialized by the Flusher.
type SyncObserver struct {
	flusher Flusher
	timeout time.Duration

	flushes atomic.Int64
	failed  atomic.Int64
}

// NewSyncObserver creates an observer. A positive timeout bounds each flush.
func NewSyncObserver(f Flusher, timeout time.Duration) *SyncObserver {
	return &SyncObserver{flusher: f, timeout: timeout}
}

// Handle is the reboot.Handler. Every power-off or restart triggers one
// flush; other actions are ignored. Flush errors are logged, never
// escalated, and the status is always StatusDone.
func (o *SyncObserver) Handle(ctx context.Context, action reboot.Action, _ any) reboot.Status {
	switch action {
	case reboot.ActionPowerOff, reboot.ActionRestart:
		o.flush(ctx, action)
	}
	return reboot.StatusDone
}

func (o *SyncObserver) flush(ctx context.Context, action reboot.Action) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSync,
		trace.WithAttributes(telemetry.Event(action.String())))
	defer span.End()

	o.flushes.Add(1)
	res, err := o.flusher.Sync(ctx)
	span.SetAttributes(telemetry.FlushedBlocks(res.Blocks), telemetry.FlushedBytes(res.Bytes))
	if err != nil {
		o.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		logger.ErrorCtx(ctx, "Durable flush failed", logger.Event(action.String()), logger.Err(err))
		return
	}

	logger.InfoCtx(ctx, "Durable flush complete",
		logger.Event(action.String()),
		logger.KeyBlocks, res.Blocks,
		logger.Bytes(uint64(res.Bytes)),
		logger.KeyDurationMs, res.Duration.Milliseconds())
}

// Flushes returns how many flushes the observer has started.
func (o *SyncObserver) Flushes() int64 {
	return o.flushes.Load()
}

// Failures returns how many flushes returned an error.
func (o *SyncObserver) Failures() int64 {
	return o.failed.Load()
}
