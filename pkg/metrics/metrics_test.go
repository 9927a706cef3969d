package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/vfsinit/pkg/bufpool"
	"github.com/marmos91/vfsinit/pkg/reboot"
	"github.com/marmos91/vfsinit/pkg/writeback"
	"github.com/marmos91/vfsinit/pkg/writeback/store"
	"github.com/marmos91/vfsinit/pkg/writeback/store/memory"
)

func TestConstructorsNilWhenDisabled(t *testing.T) {
	resetRegistry()
	assert.False(t, IsEnabled())
	assert.Nil(t, NewBootMetrics())
	assert.Nil(t, NewStoreMetrics())

	var m *BootMetrics
	assert.NotPanics(t, func() {
		m.ObserveStep("heap", ResultOK, time.Millisecond)
		m.ObserveBoot(time.Second)
		m.ObserveLifecycle(reboot.ActionRestart, 1)
		m.ObserveSync(writeback.SyncResult{}, nil)
		m.WatchQueue(func() int { return 0 })
		m.WatchDirty(func() int { return 0 })
		m.WatchBufferPool(func() bufpool.Stats { return bufpool.Stats{} })
	})

	st := memory.New()
	var sm *StoreMetrics
	assert.Same(t, st, sm.Instrument(st, store.TypeMemory))
}

func TestInitRegistryIsIdempotent(t *testing.T) {
	resetRegistry()
	t.Cleanup(resetRegistry)

	reg := InitRegistry()
	assert.Same(t, reg, InitRegistry())
	assert.True(t, IsEnabled())
	assert.NotNil(t, NewBootMetrics())
}

func TestBootMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBootMetricsWith(reg)

	m.ObserveStep("heap", ResultOK, time.Millisecond)
	m.ObserveStep("aio", ResultSkipped, 0)
	m.ObserveBoot(50 * time.Millisecond)
	m.ObserveLifecycle(reboot.ActionPowerOff, 2)
	m.ObserveSync(writeback.SyncResult{Blocks: 3, Bytes: 300, Deleted: 1}, nil)
	m.ObserveSync(writeback.SyncResult{}, errors.New("disk gone"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("heap", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("aio", ResultSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.initialized))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.lifecycleDeliveries.WithLabelValues("power_off")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncs.WithLabelValues(ResultFailed)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.syncBlocks))
	assert.Equal(t, 300.0, testutil.ToFloat64(m.syncBytes))
}

func TestGaugeFuncs(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBootMetricsWith(reg)

	depth := 4
	m.WatchQueue(func() int { return depth })
	m.WatchDirty(func() int { return 2 })
	m.WatchBufferPool(func() bufpool.Stats { return bufpool.Stats{Gets: 10, Puts: 7} })

	expected := `
# HELP vfsinit_aio_queue_depth Asynchronous I/O requests queued and not yet picked up
# TYPE vfsinit_aio_queue_depth gauge
vfsinit_aio_queue_depth 4
# HELP vfsinit_bufpool_outstanding Pooled buffers currently handed out
# TYPE vfsinit_bufpool_outstanding gauge
vfsinit_bufpool_outstanding 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"vfsinit_aio_queue_depth", "vfsinit_bufpool_outstanding"))
}

func TestInstrumentedStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetricsWith(reg)
	st := m.Instrument(memory.New(), store.TypeMemory)
	ctx := context.Background()

	require.NoError(t, st.WriteBlock(ctx, "k", []byte("abcd")))
	_, err := st.ReadBlock(ctx, "k")
	require.NoError(t, err)
	_, err = st.ReadBlock(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrBlockNotFound)
	require.NoError(t, st.Sync(ctx))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("memory", "write", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("memory", "read", "not_found")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.bytes.WithLabelValues("memory", "write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ops.WithLabelValues("memory", "sync", "success")))
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewBootMetricsWith(reg).ObserveBoot(time.Second)

	srv := httptest.NewServer(NewServer(Config{}, reg).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "vfsinit_initialized 1")
}

func TestServerStartStop(t *testing.T) {
	s := NewServer(Config{Listen: "127.0.0.1:0"}, prometheus.NewRegistry())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
