package reboot

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(calls *[]string, name string, st Status) Handler {
	return func(_ context.Context, action Action, _ any) Status {
		*calls = append(*calls, name+":"+action.String())
		return st
	}
}

func TestRegisterAndNotify(t *testing.T) {
	r := NewRegistry()
	var calls []string

	sub := r.Register([]Action{ActionPowerOff, ActionRestart}, record(&calls, "sync", StatusDone), WithName("sync"))
	require.False(t, sub.IsZero())
	assert.Equal(t, 1, r.Count())

	assert.Equal(t, StatusDone, r.Notify(context.Background(), ActionPowerOff, nil))
	assert.Equal(t, StatusDone, r.Notify(context.Background(), ActionHalt, nil))
	r.Notify(context.Background(), ActionRestart, nil)

	assert.Equal(t, []string{"sync:power_off", "sync:restart"}, calls)
}

func TestEmptyActionsReceivesEverything(t *testing.T) {
	r := NewRegistry()
	var calls []string
	r.Register(nil, record(&calls, "all", StatusDone))

	for _, a := range []Action{ActionPowerOff, ActionRestart, ActionHalt} {
		r.Notify(context.Background(), a, nil)
	}
	assert.Len(t, calls, 3)
}

func TestPriorityOrder(t *testing.T) {
	r := NewRegistry()
	var calls []string

	r.Register(nil, record(&calls, "low", StatusDone), WithPriority(-5))
	r.Register(nil, record(&calls, "first-default", StatusDone))
	r.Register(nil, record(&calls, "high", StatusDone), WithPriority(10))
	r.Register(nil, record(&calls, "second-default", StatusDone))

	r.Notify(context.Background(), ActionHalt, nil)

	assert.Equal(t, []string{"high:halt", "first-default:halt", "second-default:halt", "low:halt"}, calls)

	infos := r.Subscriptions()
	require.Len(t, infos, 4)
	assert.Equal(t, 10, infos[0].Priority)
}

func TestPriorityFirstIsDeliveredAheadOfExtremes(t *testing.T) {
	r := NewRegistry()
	var calls []string

	r.Register(nil, record(&calls, "min", StatusDone), WithPriority(math.MinInt))
	r.Register(nil, record(&calls, "stopper", StatusStop), WithPriority(1<<20))
	r.Register(nil, record(&calls, "durable", StatusDone), WithPriority(PriorityFirst))

	assert.Equal(t, StatusStop, r.Notify(context.Background(), ActionPowerOff, nil))
	assert.Equal(t, []string{"durable:power_off", "stopper:power_off"}, calls)
}

func TestStopStatusEndsChain(t *testing.T) {
	r := NewRegistry()
	var calls []string

	r.Register(nil, record(&calls, "a", StatusOK), WithPriority(2))
	r.Register(nil, record(&calls, "b", StatusStop), WithPriority(1))
	r.Register(nil, record(&calls, "c", StatusOK))

	assert.Equal(t, StatusStop, r.Notify(context.Background(), ActionPowerOff, nil))
	assert.Equal(t, []string{"a:power_off", "b:power_off"}, calls)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	var calls []string

	sub := r.Register(nil, record(&calls, "x", StatusDone))
	assert.True(t, r.Unregister(sub))
	assert.False(t, r.Unregister(sub))
	assert.False(t, r.Unregister(Subscription{}))

	r.Notify(context.Background(), ActionRestart, nil)
	assert.Empty(t, calls)
	assert.Zero(t, r.Count())
}

func TestPanickingSubscriberIsSkipped(t *testing.T) {
	r := NewRegistry()
	var calls []string

	r.Register(nil, func(context.Context, Action, any) Status { panic("boom") }, WithPriority(1))
	r.Register(nil, record(&calls, "after", StatusOK))

	var st Status
	require.NotPanics(t, func() { st = r.Notify(context.Background(), ActionPowerOff, nil) })
	assert.Equal(t, StatusOK, st)
	assert.Equal(t, []string{"after:power_off"}, calls)
}

func TestHandlerMayUnregisterDuringDelivery(t *testing.T) {
	r := NewRegistry()
	var sub Subscription
	var n atomic.Int32

	sub = r.Register(nil, func(context.Context, Action, any) Status {
		n.Add(1)
		r.Unregister(sub)
		return StatusDone
	})

	r.Notify(context.Background(), ActionRestart, nil)
	r.Notify(context.Background(), ActionRestart, nil)
	assert.Equal(t, int32(1), n.Load())
}

func TestDataIsPassedThrough(t *testing.T) {
	r := NewRegistry()
	var got any
	r.Register(nil, func(_ context.Context, _ Action, data any) Status {
		got = data
		return StatusDone
	})

	r.Notify(context.Background(), ActionRestart, "operator request")
	assert.Equal(t, "operator request", got)
}

func TestObserver(t *testing.T) {
	r := NewRegistry()
	r.Register([]Action{ActionPowerOff}, func(context.Context, Action, any) Status { return StatusDone })

	var delivered []int
	r.SetObserver(func(_ Action, n int) { delivered = append(delivered, n) })

	r.Notify(context.Background(), ActionPowerOff, nil)
	r.Notify(context.Background(), ActionHalt, nil)
	assert.Equal(t, []int{1, 0}, delivered)
}

func TestConcurrentNotify(t *testing.T) {
	r := NewRegistry()
	var n atomic.Int64
	r.Register(nil, func(context.Context, Action, any) Status {
		n.Add(1)
		return StatusDone
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Notify(context.Background(), ActionPowerOff, nil)
			r.Register([]Action{ActionHalt}, func(context.Context, Action, any) Status { return StatusDone })
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(20), n.Load())
	assert.Equal(t, 21, r.Count())
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{
		"poweroff":  ActionPowerOff,
		"power_off": ActionPowerOff,
		"reboot":    ActionRestart,
		"restart":   ActionRestart,
		"halt":      ActionHalt,
	} {
		got, err := ParseAction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseAction("suspend")
	assert.Error(t, err)
	assert.Equal(t, "action(9)", Action(9).String())
}

func TestDefaultRegistryIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}

func TestRegisterNilHandlerPanics(t *testing.T) {
	assert.Panics(t, func() { NewRegistry().Register(nil, nil) })
}
