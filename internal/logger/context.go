package logger

import (
	"context"
	"time"
)

type contextKey struct{}

// BootContext carries the fields that identify one bring-up or lifecycle
// dispatch across the log records it produces.
type BootContext struct {
	TraceID   string
	BootID    string // unique per process start
	Step      string // sequencer step currently running
	Event     string // lifecycle event being delivered
	StartTime time.Time
}

// WithContext returns ctx carrying bc.
func WithContext(ctx context.Context, bc *BootContext) context.Context {
	return context.WithValue(ctx, contextKey{}, bc)
}

// FromContext returns the BootContext stored in ctx, or nil.
func FromContext(ctx context.Context) *BootContext {
	if ctx == nil {
		return nil
	}
	bc, _ := ctx.Value(contextKey{}).(*BootContext)
	return bc
}

// Clone returns a copy of bc.
func (bc *BootContext) Clone() *BootContext {
	if bc == nil {
		return nil
	}
	c := *bc
	return &c
}

// WithStep returns a copy with Step set.
func (bc *BootContext) WithStep(step string) *BootContext {
	c := bc.Clone()
	if c != nil {
		c.Step = step
	}
	return c
}

// WithEvent returns a copy with Event set.
func (bc *BootContext) WithEvent(event string) *BootContext {
	c := bc.Clone()
	if c != nil {
		c.Event = event
	}
	return c
}

// DurationMs returns milliseconds since StartTime.
func (bc *BootContext) DurationMs() float64 {
	if bc == nil || bc.StartTime.IsZero() {
		return 0
	}
	return Duration(bc.StartTime)
}

func withContextFields(ctx context.Context, args []any) []any {
	bc := FromContext(ctx)
	if bc == nil {
		return args
	}

	out := make([]any, 0, 8+len(args))
	if bc.TraceID != "" {
		out = append(out, KeyTraceID, bc.TraceID)
	}
	if bc.BootID != "" {
		out = append(out, KeyBootID, bc.BootID)
	}
	if bc.Step != "" {
		out = append(out, KeyStep, bc.Step)
	}
	if bc.Event != "" {
		out = append(out, KeyEvent, bc.Event)
	}
	return append(out, args...)
}
