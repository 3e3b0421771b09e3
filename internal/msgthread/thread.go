package msgthread

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"callcore/internal/thread"
	logx "callcore/pkg/logx"
)

// Thread is the message thread. The zero value is not usable; call New.
type Thread struct {
	name          string
	clock         Clock
	log           logx.Logger
	observer      func(Delivery)
	lateThreshold time.Duration

	worker *thread.Thread

	// mu guards everything below it. The worker goroutine holds it for the
	// whole delivery cycle, see the package doc.
	mu            sync.Mutex
	queue         []message
	running       bool
	stopped       bool
	lastID        uint32
	cancelCurrent bool

	// wake has one slot, so a signal sent while the worker is busy is kept
	// for its next wait.
	wake chan struct{}

	hardStopped atomic.Bool

	posted     atomic.Uint64
	delivered  atomic.Uint64
	cancelled  atomic.Uint64
	reinserted atomic.Uint64
	dropped    atomic.Uint64
}

// Snapshot is a point-in-time view of the thread, for status output.
type Snapshot struct {
	Name        string `json:"name"`
	Running     bool   `json:"running"`
	HardStopped bool   `json:"hard_stopped"`
	Queued      int    `json:"queued"`
	Posted      uint64 `json:"posted"`
	Delivered   uint64 `json:"delivered"`
	Cancelled   uint64 `json:"cancelled"`
	Reinserted  uint64 `json:"reinserted"`
	Dropped     uint64 `json:"dropped"`
}

func New(opts ...Option) *Thread {
	t := &Thread{
		name:  "MessageThread",
		clock: SystemClock,
		log:   logx.Nop(),
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.With(logx.String("thread", t.name))
	t.worker = thread.New(t.name, t.run)
	return t
}

func (t *Thread) Name() string { return t.name }

// Start launches the worker goroutine. Messages posted before Start are
// delivered once it runs.
func (t *Thread) Start() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrStopped
	}
	if t.worker.Started() {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.running = true
	t.mu.Unlock()

	if err := t.worker.Start(); err != nil {
		return ErrAlreadyStarted
	}
	t.log.Debug("message thread started")
	return nil
}

// Join blocks until the worker exits or ctx is done. It returns an error
// wrapping ErrCallbackPanic if a callback terminated the loop.
func (t *Thread) Join(ctx context.Context) error {
	err := t.worker.Join(ctx)
	if errors.Is(err, thread.ErrNotStarted) {
		return ErrNotStarted
	}
	return err
}

// Done is closed when the worker goroutine has exited.
func (t *Thread) Done() <-chan struct{} { return t.worker.Done() }

// Shutdown stops the thread and waits for the worker to exit. It must be
// called before the owner drops the Thread.
func (t *Thread) Shutdown(ctx context.Context) error {
	t.Stop()
	if !t.worker.Started() {
		return nil
	}
	return t.Join(ctx)
}

// IsCurrent reports whether the caller runs on the worker goroutine, i.e.
// inside a callback.
func (t *Thread) IsCurrent() bool { return t.worker.IsCurrent() }

// lock takes the queue lock unless the caller is the worker, which already
// holds it. It returns the matching unlock.
func (t *Thread) lock() (unlock func(), self bool) {
	if t.IsCurrent() {
		return func() {}, true
	}
	t.mu.Lock()
	return t.mu.Unlock, false
}

func (t *Thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Post schedules fn to run after delay and returns its id. A zero delay means
// as soon as possible. A positive interval repeats fn every interval,
// measured from the intended delivery time. Negative durations and a nil fn
// are programming errors and panic.
func (t *Thread) Post(fn func(), delay, interval time.Duration) uint32 {
	if fn == nil {
		panic("msgthread: Post with nil func")
	}
	if delay < 0 || interval < 0 {
		panic("msgthread: Post with negative delay or interval")
	}

	unlock, self := t.lock()
	t.lastID++
	if t.lastID == 0 {
		t.lastID = 1
	}
	m := message{id: t.lastID, interval: interval, fn: fn}
	if delay > 0 {
		m.deliverAt = t.clock.Now().Add(delay)
	}
	t.insertLocked(m)
	if !self {
		// The new message may be due before the current wake target.
		t.signal()
	}
	unlock()

	t.posted.Add(1)
	return m.id
}

// Cancel removes the queued message with the given id. Unknown ids are
// ignored. A callback that is executing right now is not interrupted.
func (t *Thread) Cancel(id uint32) {
	unlock, _ := t.lock()
	n := t.cancelLocked(id)
	unlock()
	if n > 0 {
		t.cancelled.Add(uint64(n))
	}
}

// CancelSelf keeps the running callback from being rescheduled. It may only
// be called from inside a callback; anywhere else it panics.
func (t *Thread) CancelSelf() {
	if !t.IsCurrent() {
		panic("msgthread: CancelSelf called outside a callback")
	}
	t.cancelCurrent = true
}

// Stop drops every pending message and ends the loop at its next wake.
// A callback that is running finishes normally.
func (t *Thread) Stop() {
	unlock, _ := t.lock()
	t.stopLocked()
	unlock()
	t.log.Debug("message thread stop requested")
}

// HardStop is Stop with one more guarantee: once it returns, no callback
// runs again, not even one already taken off the queue for the current
// delivery cycle.
func (t *Thread) HardStop() {
	// Published before taking the lock so a batch in flight on the worker
	// drops its remaining messages as soon as the running callback returns.
	t.hardStopped.Store(true)
	unlock, _ := t.lock()
	t.stopLocked()
	unlock()
	t.log.Debug("message thread hard stop requested")
}

func (t *Thread) stopLocked() {
	t.running = false
	t.stopped = true
	if n := t.clearLocked(); n > 0 {
		t.dropped.Add(uint64(n))
	}
	t.signal()
}

// Len returns the number of queued messages.
func (t *Thread) Len() int {
	unlock, _ := t.lock()
	defer unlock()
	return len(t.queue)
}

func (t *Thread) Snapshot() Snapshot {
	unlock, _ := t.lock()
	snap := Snapshot{
		Name:    t.name,
		Running: t.running,
		Queued:  len(t.queue),
	}
	unlock()
	snap.HardStopped = t.hardStopped.Load()
	snap.Posted = t.posted.Load()
	snap.Delivered = t.delivered.Load()
	snap.Cancelled = t.cancelled.Load()
	snap.Reinserted = t.reinserted.Load()
	snap.Dropped = t.dropped.Load()
	return snap
}
