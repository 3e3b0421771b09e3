package msgthread

import (
	"fmt"
	"runtime/debug"
	"time"

	logx "callcore/pkg/logx"
)

// run is the worker body. It owns the lock except while waiting.
func (t *Thread) run() (err error) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	t.mu.Lock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, r)
			t.running = false
			t.stopped = true
			dropped := t.clearLocked()
			t.dropped.Add(uint64(dropped))
			t.log.Error("callback panicked; message thread terminated",
				logx.Any("panic", r),
				logx.Int("dropped", dropped),
				logx.Stack(string(debug.Stack())),
			)
		}
		t.mu.Unlock()
		t.log.Debug("message thread exited")
	}()

	for t.running {
		t.waitLocked(timer)
		if !t.running {
			break
		}

		batch := t.collectDueLocked(t.clock.Now())
		if t.hardStopped.Load() {
			break
		}
		t.deliverLocked(batch)
	}
	return nil
}

// waitLocked sleeps until the head of the queue is due or a signal arrives.
// The lock is released for the duration of the sleep only.
func (t *Thread) waitLocked(timer *time.Timer) {
	wait, bounded := t.nextWaitLocked(t.clock.Now())
	if bounded && wait <= 0 {
		// Zero-length wait: still let blocked Post/Cancel/Stop callers in, or
		// a queue that is always due would starve them.
		t.mu.Unlock()
		t.mu.Lock()
		return
	}

	t.mu.Unlock()
	if bounded {
		timer.Reset(wait)
		select {
		case <-t.wake:
			timer.Stop()
		case <-timer.C:
		}
	} else {
		<-t.wake
	}
	t.mu.Lock()
}

// deliverLocked runs a batch in order and reschedules repeating messages.
func (t *Thread) deliverLocked(batch []message) {
	for i := range batch {
		// A HardStop issued from a callback, or one waiting for the lock,
		// discards the rest of the batch.
		if t.hardStopped.Load() {
			return
		}
		m := &batch[i]
		t.cancelCurrent = false
		if m.deliverAt.IsZero() {
			m.deliverAt = t.clock.Now()
		}

		started := t.clock.Now()
		m.fn()
		took := t.clock.Now().Sub(started)
		t.delivered.Add(1)

		cancelled := t.cancelCurrent
		t.observe(m, started, took, cancelled)

		if !cancelled && m.interval > 0 && !t.stopped {
			m.deliverAt = m.deliverAt.Add(m.interval)
			t.insertLocked(*m)
			t.reinserted.Add(1)
		}
		batch[i].fn = nil
	}
}

func (t *Thread) observe(m *message, started time.Time, took time.Duration, cancelled bool) {
	late := started.Sub(m.deliverAt)
	if late < 0 {
		late = 0
	}
	if t.lateThreshold > 0 && late > t.lateThreshold {
		t.log.Warn("late delivery",
			logx.Uint32("id", m.id),
			logx.Duration("late", late),
			logx.Duration("took", took),
		)
	}
	if t.observer == nil {
		return
	}
	t.observer(Delivery{
		ID:        m.id,
		DeliverAt: m.deliverAt,
		Started:   started,
		Took:      took,
		Late:      late,
		Interval:  m.interval,
		Cancelled: cancelled,
	})
}
