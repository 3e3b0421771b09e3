package msgthread

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// cycle runs one delivery cycle by hand, without a worker goroutine.
func cycle(th *Thread, now time.Time) int {
	th.mu.Lock()
	defer th.mu.Unlock()
	batch := th.collectDueLocked(now)
	th.deliverLocked(batch)
	return len(batch)
}

func TestInsertKeepsOrderAndTies(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	th := New(WithClock(clk))

	var got []string
	post := func(name string, delay time.Duration) {
		th.Post(func() { got = append(got, name) }, delay, 0)
	}
	post("30ms", 30*time.Millisecond)
	post("10ms-a", 10*time.Millisecond)
	post("now-a", 0)
	post("20ms", 20*time.Millisecond)
	post("10ms-b", 10*time.Millisecond)
	post("now-b", 0)

	require.Equal(t, 6, th.Len())
	require.Equal(t, 6, cycle(th, clk.Now().Add(time.Hour)))
	assert.Equal(t, []string{"now-a", "now-b", "10ms-a", "10ms-b", "20ms", "30ms"}, got)
	assert.Zero(t, th.Len())
}

func TestCollectDueTakesOnlyDuePrefix(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	th := New(WithClock(clk))

	var got []int
	for i, d := range []time.Duration{0, 5 * time.Millisecond, 10 * time.Millisecond, 50 * time.Millisecond} {
		i := i
		th.Post(func() { got = append(got, i) }, d, 0)
	}

	require.Equal(t, 3, cycle(th, clk.Now().Add(10*time.Millisecond)))
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, 1, th.Len())

	assert.Zero(t, cycle(th, clk.Now().Add(49*time.Millisecond)))
	require.Equal(t, 1, cycle(th, clk.Now().Add(50*time.Millisecond)))
	assert.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestCancelRemovesOnlyMatchingID(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	th := New(WithClock(clk))

	ran := map[string]bool{}
	a := th.Post(func() { ran["a"] = true }, time.Millisecond, 0)
	th.Post(func() { ran["b"] = true }, time.Millisecond, 0)
	th.Cancel(a)
	th.Cancel(a)
	th.Cancel(12345)

	cycle(th, clk.Now().Add(time.Second))
	assert.Equal(t, map[string]bool{"b": true}, ran)
	assert.Equal(t, uint64(1), th.Snapshot().Cancelled)
}

func TestIntervalIsDriftFree(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	start := clk.Now()

	var intended []time.Time
	th := New(WithClock(clk), WithObserver(func(d Delivery) {
		intended = append(intended, d.DeliverAt)
	}))

	const every = 10 * time.Millisecond
	th.Post(func() {
		// Each run is slow; the schedule must not absorb it.
		clk.Advance(3 * time.Millisecond)
	}, every, every)

	for i := 1; i <= 5; i++ {
		// Wake a little late every time.
		clk.Set(start.Add(time.Duration(i)*every + time.Millisecond))
		require.Equal(t, 1, cycle(th, clk.Now()))
	}

	require.Len(t, intended, 5)
	for i, at := range intended {
		assert.Equal(t, start.Add(time.Duration(i+1)*every), at, "run %d", i)
	}
	for i := 1; i < len(intended); i++ {
		assert.Equal(t, every, intended[i].Sub(intended[i-1]))
	}
}

func TestImmediateRepeatingStampsActualTime(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	th := New(WithClock(clk))

	th.Post(func() {}, 0, 25*time.Millisecond)
	clk.Advance(7 * time.Millisecond)
	now := clk.Now()
	require.Equal(t, 1, cycle(th, now))

	th.mu.Lock()
	defer th.mu.Unlock()
	require.Len(t, th.queue, 1)
	assert.Equal(t, now.Add(25*time.Millisecond), th.queue[0].deliverAt)
}

func TestNextWait(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	th := New(WithClock(clk))

	th.mu.Lock()
	_, bounded := th.nextWaitLocked(clk.Now())
	th.mu.Unlock()
	assert.False(t, bounded)

	th.Post(func() {}, 40*time.Millisecond, 0)
	th.mu.Lock()
	wait, bounded := th.nextWaitLocked(clk.Now())
	th.mu.Unlock()
	assert.True(t, bounded)
	assert.Equal(t, 40*time.Millisecond, wait)

	th.Post(func() {}, 0, 0)
	th.mu.Lock()
	wait, bounded = th.nextWaitLocked(clk.Now())
	th.mu.Unlock()
	assert.True(t, bounded)
	assert.Zero(t, wait)
}

func TestPostIDsIncrease(t *testing.T) {
	t.Parallel()
	th := New()
	a := th.Post(func() {}, time.Hour, 0)
	b := th.Post(func() {}, time.Hour, 0)
	assert.NotZero(t, a)
	assert.Greater(t, b, a)

	th.lastID = ^uint32(0)
	assert.Equal(t, uint32(1), th.Post(func() {}, time.Hour, 0))
}

func TestPreconditionsPanic(t *testing.T) {
	t.Parallel()
	th := New()
	assert.Panics(t, func() { th.Post(func() {}, -time.Millisecond, 0) })
	assert.Panics(t, func() { th.Post(func() {}, 0, -time.Millisecond) })
	assert.Panics(t, func() { th.Post(nil, 0, 0) })
	assert.Panics(t, func() { th.CancelSelf() })
}
