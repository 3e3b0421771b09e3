package msgthread

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func startThread(t *testing.T, opts ...Option) *Thread {
	t.Helper()
	th := New(opts...)
	require.NoError(t, th.Start())
	t.Cleanup(func() {
		th.HardStop()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = th.Join(ctx)
	})
	return th
}

func join(t *testing.T, th *Thread) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	err := th.Join(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "worker did not exit")
	return err
}

func TestDeliveryOrderMatchesDeliverAt(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []Delivery
	)
	done := make(chan struct{})
	const total = 40
	th := startThread(t, WithObserver(func(d Delivery) {
		mu.Lock()
		seen = append(seen, d)
		if len(seen) == total {
			close(done)
		}
		mu.Unlock()
	}))

	// Posts with equal delays back to back: ties resolve in posting order.
	// Every delay is positive: a zero-delay post is stamped when it runs, which
	// may be later than a delayed post sharing its batch.
	for i := 0; i < total; i++ {
		th.Post(func() {}, time.Duration(i%4+1)*5*time.Millisecond, 0)
	}

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("deliveries did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		prev, cur := seen[i-1], seen[i]
		require.False(t, cur.DeliverAt.Before(prev.DeliverAt), "delivery %d ran before %d", cur.ID, prev.ID)
		if cur.DeliverAt.Equal(prev.DeliverAt) {
			require.Greater(t, cur.ID, prev.ID, "tie broken out of posting order")
		}
	}
	assert.Len(t, seen, total)
}

func TestImmediatePostRuns(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	ran := make(chan struct{})
	th.Post(func() { close(ran) }, 0, 0)
	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatal("immediate message never ran")
	}
}

func TestPostBeforeStartIsDelivered(t *testing.T) {
	t.Parallel()
	th := New()
	ran := make(chan struct{})
	th.Post(func() { close(ran) }, 0, 0)
	require.NoError(t, th.Start())
	t.Cleanup(th.HardStop)
	select {
	case <-ran:
	case <-time.After(waitFor):
		t.Fatal("message posted before Start never ran")
	}
}

func TestEarlierPostWakesWorker(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	th.Post(func() {}, time.Hour, 0)
	// Let the worker settle into the long wait.
	time.Sleep(20 * time.Millisecond)

	ran := make(chan struct{})
	posted := time.Now()
	th.Post(func() { close(ran) }, 10*time.Millisecond, 0)
	select {
	case <-ran:
		assert.GreaterOrEqual(t, time.Since(posted), 10*time.Millisecond)
	case <-time.After(waitFor):
		t.Fatal("worker was not woken for the earlier message")
	}
}

func TestCancelBeforeDue(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	var ran atomic.Bool
	id := th.Post(func() { ran.Store(true) }, 30*time.Millisecond, 0)
	th.Cancel(id)

	time.Sleep(100 * time.Millisecond)
	assert.False(t, ran.Load())
	assert.Zero(t, th.Len())
}

func TestCancelUnknownIsNoop(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	ran := make(chan struct{})
	id := th.Post(func() { close(ran) }, 0, 0)
	<-ran
	th.Cancel(id)
	th.Cancel(99999)
	assert.Zero(t, th.Snapshot().Cancelled)
}

func TestRepeatWithCancelSelf(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	var runs atomic.Int32
	th.Post(func() {
		if runs.Add(1) == 3 {
			th.CancelSelf()
		}
	}, 0, 10*time.Millisecond)

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, waitFor, 5*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())
	assert.Zero(t, th.Len())
}

func TestCancelSelfOnlyAffectsCurrentRun(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	var a, b atomic.Int32
	th.Post(func() {
		a.Add(1)
		th.CancelSelf()
	}, 0, 5*time.Millisecond)
	th.Post(func() { b.Add(1) }, 0, 5*time.Millisecond)

	require.Eventually(t, func() bool { return b.Load() >= 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, int32(1), a.Load())
}

func TestCallbackCanPostAndCancel(t *testing.T) {
	t.Parallel()
	th := startThread(t)

	var victimRan atomic.Bool
	victim := th.Post(func() { victimRan.Store(true) }, 50*time.Millisecond, 0)

	child := make(chan struct{})
	th.Post(func() {
		assert.True(t, th.IsCurrent())
		th.Cancel(victim)
		th.Post(func() { close(child) }, 0, 0)
		_ = th.Len()
		_ = th.Snapshot()
	}, 0, 0)

	select {
	case <-child:
	case <-time.After(waitFor):
		t.Fatal("scheduler hung on self-submission")
	}
	time.Sleep(80 * time.Millisecond)
	assert.False(t, victimRan.Load())
}

func TestCancelDoesNotAffectRunningMessage(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	var id atomic.Uint32
	var runs atomic.Int32
	id.Store(th.Post(func() {
		if runs.Add(1) == 2 {
			// Cancel only affects queued work; the running message is
			// rescheduled after it returns and must be cancelled by the next run.
			th.Cancel(id.Load())
		}
		if runs.Load() == 3 {
			th.CancelSelf()
		}
	}, 0, 5*time.Millisecond))

	require.Eventually(t, func() bool { return runs.Load() == 3 }, waitFor, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())
}

func TestStopDrainsAndExits(t *testing.T) {
	t.Parallel()
	th := New()
	require.NoError(t, th.Start())
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		th.Post(func() { ran.Add(1) }, time.Hour, 0)
	}
	th.Post(func() { ran.Add(1) }, 0, time.Hour)
	require.Eventually(t, func() bool { return ran.Load() == 1 }, waitFor, time.Millisecond)

	th.Stop()
	assert.Zero(t, th.Len())
	require.NoError(t, join(t, th))
	snap := th.Snapshot()
	assert.False(t, snap.Running)
	assert.Equal(t, uint64(11), snap.Dropped)
	assert.Equal(t, int32(1), ran.Load())

	require.ErrorIs(t, th.Start(), ErrStopped)
	th.Stop()
}

func TestStopFromCallback(t *testing.T) {
	t.Parallel()
	th := New()
	require.NoError(t, th.Start())
	var after atomic.Bool
	th.Post(func() { th.Stop() }, 0, 0)
	th.Post(func() { after.Store(true) }, 50*time.Millisecond, 0)
	require.NoError(t, join(t, th))
	assert.False(t, after.Load())
	assert.Zero(t, th.Len())
}

func TestHardStopFromCallbackDropsRestOfBatch(t *testing.T) {
	t.Parallel()
	th := New()
	var ran atomic.Int32
	th.Post(func() {
		ran.Add(1)
		th.HardStop()
	}, 0, 0)
	for i := 0; i < 5; i++ {
		th.Post(func() { ran.Add(1) }, 0, 0)
	}
	require.NoError(t, th.Start())
	require.NoError(t, join(t, th))
	assert.Equal(t, int32(1), ran.Load())
	assert.True(t, th.Snapshot().HardStopped)
}

func TestHardStopRacingDelivery(t *testing.T) {
	t.Parallel()
	for round := 0; round < 20; round++ {
		th := New()
		var ran atomic.Int64
		for i := 0; i < 500; i++ {
			th.Post(func() {
				ran.Add(1)
				time.Sleep(20 * time.Microsecond)
			}, 0, 0)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				th.Post(func() { ran.Add(1) }, 0, time.Millisecond)
			}
		}()

		require.NoError(t, th.Start())
		for ran.Load() < int64(round+1) {
			time.Sleep(10 * time.Microsecond)
		}
		th.HardStop()
		after := ran.Load()
		wg.Wait()

		require.NoError(t, join(t, th))
		time.Sleep(5 * time.Millisecond)
		require.Equal(t, after, ran.Load(), "callback ran after HardStop returned (round %d)", round)
		require.True(t, th.Snapshot().HardStopped)
	}
}

func TestCallbackPanicTerminatesLoop(t *testing.T) {
	t.Parallel()
	th := New()
	require.NoError(t, th.Start())
	th.Post(func() {}, time.Hour, 0)
	th.Post(func() { panic("boom") }, 0, 0)

	err := join(t, th)
	require.ErrorIs(t, err, ErrCallbackPanic)
	assert.Contains(t, err.Error(), "boom")
	assert.Zero(t, th.Len())
	assert.False(t, th.Snapshot().Running)
}

func TestStartTwiceAndJoinBeforeStart(t *testing.T) {
	t.Parallel()
	th := New(WithName("twice"))
	require.ErrorIs(t, th.Join(context.Background()), ErrNotStarted)
	require.NoError(t, th.Start())
	require.ErrorIs(t, th.Start(), ErrAlreadyStarted)
	assert.False(t, th.IsCurrent())
	assert.Equal(t, "twice", th.Name())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, th.Shutdown(ctx))
	select {
	case <-th.Done():
	default:
		t.Fatal("Done not closed after Shutdown")
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	t.Parallel()
	th := New()
	th.Post(func() {}, time.Second, 0)
	require.NoError(t, th.Shutdown(context.Background()))
	assert.Zero(t, th.Len())
}

func TestSnapshotCounters(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	var runs atomic.Int32
	th.Post(func() {
		if runs.Add(1) == 2 {
			th.CancelSelf()
		}
	}, 0, 2*time.Millisecond)
	require.Eventually(t, func() bool {
		return th.Snapshot().Delivered == 2
	}, waitFor, time.Millisecond)

	snap := th.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, uint64(1), snap.Posted)
	assert.Equal(t, uint64(1), snap.Reinserted)
	assert.Zero(t, snap.Queued)
}

func TestExternalCallsNotStarvedByBusyQueue(t *testing.T) {
	t.Parallel()
	th := startThread(t)
	// Always due: every run takes longer than the interval.
	th.Post(func() { time.Sleep(2 * time.Millisecond) }, 0, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		th.Post(func() {}, time.Hour, 0)
		th.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("external Post/Stop starved by an always-due queue")
	}
	require.NoError(t, join(t, th))
}
