package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys for bring-up and lifecycle spans.
const (
	AttrStep      = "vfs.step"
	AttrStepIndex = "vfs.step_index"
	AttrSubsystem = "vfs.subsystem"
	AttrFeature   = "vfs.feature"
	AttrSteps     = "vfs.steps"
	AttrEvent     = "vfs.lifecycle_event"
	AttrBlocks    = "vfs.flushed_blocks"
	AttrBytes     = "vfs.flushed_bytes"
	AttrStoreType = "store.type"
	AttrPath      = "fs.path"
	AttrInode     = "fs.inode"
)

// Span names.
const (
	// SpanInitialize covers the whole bring-up sequence.
	SpanInitialize = "fs.initialize"
	// SpanStepPrefix prefixes one child span per bring-up step.
	SpanStepPrefix = "fs.initialize."
	// SpanSync covers a lifecycle-triggered durable flush.
	SpanSync = "fs.sync"
	// SpanStoreSync covers the store's own durability barrier.
	SpanStoreSync = "store.sync"
)

// Step returns an attribute naming a bring-up step.
func Step(name string) attribute.KeyValue {
	return attribute.String(AttrStep, name)
}

// StepIndex returns an attribute for the position of a step.
func StepIndex(i int) attribute.KeyValue {
	return attribute.Int(AttrStepIndex, i)
}

// Feature returns an attribute naming the feature flag gating a step.
func Feature(name string) attribute.KeyValue {
	return attribute.String(AttrFeature, name)
}

// Event returns an attribute naming a lifecycle event.
func Event(name string) attribute.KeyValue {
	return attribute.String(AttrEvent, name)
}

// FlushedBlocks returns an attribute for the number of blocks a sync wrote.
func FlushedBlocks(n int) attribute.KeyValue {
	return attribute.Int(AttrBlocks, n)
}

// FlushedBytes returns an attribute for the number of bytes a sync wrote.
func FlushedBytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrBytes, n)
}

// StoreType returns an attribute for the durable store type.
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// Path returns an attribute for a filesystem path.
func Path(p string) attribute.KeyValue {
	return attribute.String(AttrPath, p)
}

// Inode returns an attribute for an inode number.
func Inode(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrInode, int64(id))
}

// StartStepSpan starts the child span of one bring-up step.
func StartStepSpan(ctx context.Context, step string, index int, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	all := append([]attribute.KeyValue{Step(step), StepIndex(index)}, attrs...)
	return StartSpan(ctx, SpanStepPrefix+step, trace.WithAttributes(all...))
}
