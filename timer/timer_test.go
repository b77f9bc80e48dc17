package timer_test

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"
	"weak"

	"github.com/joeycumines/corio/timer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(m *timer.Manager) int {
	n := 0
	for _, cb := range m.ListExpired() {
		cb()
		n++
	}
	return n
}

func TestOneShotFiresOnce(t *testing.T) {
	m := timer.New()
	var fired atomic.Int32
	m.Add(10, func() { fired.Add(1) }, false)

	require.Eventually(t, func() bool {
		drain(m)
		return fired.Load() == 1
	}, time.Second, time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	drain(m)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, 0, m.Len())
}

func TestCancelPreventsFiring(t *testing.T) {
	m := timer.New()
	var fired atomic.Bool
	tm := m.Add(10, func() { fired.Store(true) }, false)
	tm.Cancel()

	time.Sleep(30 * time.Millisecond)
	drain(m)
	assert.False(t, fired.Load())
}

func TestRecurringTimerApprox10Fires(t *testing.T) {
	m := timer.New()
	var count atomic.Int32
	tm := m.Add(50, func() { count.Add(1) }, true)

	deadline := time.Now().Add(525 * time.Millisecond)
	for time.Now().Before(deadline) {
		drain(m)
		time.Sleep(5 * time.Millisecond)
	}
	tm.Cancel()

	got := count.Load()
	assert.GreaterOrEqual(t, got, int32(9))
	assert.LessOrEqual(t, got, int32(11))
}

func TestTimerFIFOWithinSameDeadline(t *testing.T) {
	m := timer.New()
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		m.Add(20, func() { order = append(order, i) }, false)
	}

	require.Eventually(t, func() bool {
		drain(m)
		return len(order) == 5
	}, time.Second, time.Millisecond)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestConditionalTimerDroppedWhenTokenDead(t *testing.T) {
	m := timer.New()
	var fired atomic.Bool

	token := new(timer.CancelToken)
	m.AddConditional(10, func() { fired.Store(true) }, weak.Make(token), false)
	token = nil
	runtime.GC()

	time.Sleep(30 * time.Millisecond)
	drain(m)
	assert.False(t, fired.Load())
}

func TestConditionalTimerFiresWhenTokenAlive(t *testing.T) {
	m := timer.New()
	var fired atomic.Bool

	token := new(timer.CancelToken)
	m.AddConditional(10, func() { fired.Store(true) }, weak.Make(token), false)

	require.Eventually(t, func() bool {
		drain(m)
		return fired.Load()
	}, time.Second, time.Millisecond)
	_ = token
}

func TestResetReschedulesFromNow(t *testing.T) {
	m := timer.New()
	var fired atomic.Bool
	tm := m.Add(10, func() { fired.Store(true) }, false)
	tm.Reset(200, true)

	time.Sleep(30 * time.Millisecond)
	drain(m)
	assert.False(t, fired.Load())

	require.Eventually(t, func() bool {
		drain(m)
		return fired.Load()
	}, time.Second, 5*time.Millisecond)
}

func TestOnInsertedAtFrontCalledOnlyWhenEarlier(t *testing.T) {
	m := timer.New()
	var hits atomic.Int32
	m.OnInsertedAtFront = func() { hits.Add(1) }

	m.Add(100, func() {}, false)
	assert.Equal(t, int32(1), hits.Load())

	m.Add(200, func() {}, false)
	assert.Equal(t, int32(1), hits.Load(), "later deadline should not trigger the front hook")

	m.Add(10, func() {}, false)
	assert.Equal(t, int32(2), hits.Load(), "earlier deadline should trigger the front hook")
}

func TestNextDeadlineEmptyHeap(t *testing.T) {
	m := timer.New()
	_, ok := m.NextDeadline()
	assert.False(t, ok)
}
