package msgthread

import (
	"time"

	logx "callcore/pkg/logx"
)

// Clock is the monotonic time source used for delays, deadlines and
// interval rescheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now carries a monotonic clock reading, so comparisons ignore wall-clock steps.
func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock.
var SystemClock Clock = systemClock{}

// Delivery describes one executed callback. It is handed to the observer on
// the worker goroutine right after the callback returns.
type Delivery struct {
	ID        uint32
	DeliverAt time.Time // intended delivery time
	Started   time.Time
	Took      time.Duration
	Late      time.Duration // Started - DeliverAt, never negative
	Interval  time.Duration
	Cancelled bool // the callback called CancelSelf
}

type Option func(*Thread)

func WithName(name string) Option {
	return func(t *Thread) {
		if name != "" {
			t.name = name
		}
	}
}

func WithClock(c Clock) Option {
	return func(t *Thread) {
		if c != nil {
			t.clock = c
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(t *Thread) { t.log = log }
}

// WithObserver installs a hook called after every executed callback. It runs
// on the worker goroutine with the queue lock held and must return quickly.
func WithObserver(fn func(Delivery)) Option {
	return func(t *Thread) { t.observer = fn }
}

// WithLateThreshold logs a warning for deliveries that start more than d
// after their intended time. Zero disables the check.
func WithLateThreshold(d time.Duration) Option {
	return func(t *Thread) {
		if d > 0 {
			t.lateThreshold = d
		}
	}
}
