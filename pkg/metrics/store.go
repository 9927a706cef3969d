package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/vfsinit/pkg/writeback/store"
)

// StoreMetrics records durable store operations.
type StoreMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
	bytes    *prometheus.CounterVec
}

// NewStoreMetrics returns collectors on the process registry, or nil when
// metrics are not enabled.
func NewStoreMetrics() *StoreMetrics {
	reg := GetRegistry()
	if reg == nil {
		return nil
	}
	return NewStoreMetricsWith(reg)
}

// NewStoreMetricsWith registers the collectors on reg.
func NewStoreMetricsWith(reg prometheus.Registerer) *StoreMetrics {
	f := promauto.With(reg)
	return &StoreMetrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_operations_total",
			Help:      "Durable store operations by store type, operation and status",
		}, []string{"store_type", "operation", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Duration of durable store operations",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"store_type", "operation"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_bytes_total",
			Help:      "Bytes moved to and from the durable store",
		}, []string{"store_type", "direction"}),
	}
}

// Instrument wraps st so that every call is recorded under typ. A nil
// receiver returns st unchanged.
func (m *StoreMetrics) Instrument(st store.Store, typ store.Type) store.Store {
	if m == nil {
		return st
	}
	return &instrumentedStore{Store: st, m: m, typ: string(typ)}
}

func (m *StoreMetrics) observe(typ, op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, store.ErrBlockNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	m.ops.WithLabelValues(typ, op, status).Inc()
	m.duration.WithLabelValues(typ, op).Observe(time.Since(start).Seconds())
}

type instrumentedStore struct {
	store.Store
	m   *StoreMetrics
	typ string
}

func (s *instrumentedStore) WriteBlock(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	err := s.Store.WriteBlock(ctx, key, data)
	s.m.observe(s.typ, "write", start, err)
	if err == nil {
		s.m.bytes.WithLabelValues(s.typ, "write").Add(float64(len(data)))
	}
	return err
}

func (s *instrumentedStore) ReadBlock(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.Store.ReadBlock(ctx, key)
	s.m.observe(s.typ, "read", start, err)
	if err == nil {
		s.m.bytes.WithLabelValues(s.typ, "read").Add(float64(len(data)))
	}
	return data, err
}

func (s *instrumentedStore) DeleteBlock(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.DeleteBlock(ctx, key)
	s.m.observe(s.typ, "delete", start, err)
	return err
}

func (s *instrumentedStore) Sync(ctx context.Context) error {
	start := time.Now()
	err := s.Store.Sync(ctx)
	s.m.observe(s.typ, "sync", start, err)
	return err
}
