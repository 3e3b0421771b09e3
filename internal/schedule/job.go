package schedule

import (
	"sync"
	"sync/atomic"
	"time"

	logx "callcore/pkg/logx"
)

// Poster is the part of the message thread a Job runs on.
type Poster interface {
	Post(fn func(), delay, interval time.Duration) uint32
	Cancel(id uint32)
	CancelSelf()
	IsCurrent() bool
}

// Job is a named schedule attached to a Poster.
//
// Interval jobs are one repeating message. Cron jobs are a chain of one-shot
// messages: each run posts the next one from inside its own callback.
type Job struct {
	name string
	spec Spec
	t    Poster
	fn   func()
	now  func() time.Time
	log  logx.Logger

	// mu is taken inside callbacks, which already run under the message
	// thread's lock. Outside a callback it is only held across Post in
	// Attach, before any message of this job exists.
	mu        sync.Mutex
	id        uint32
	next      time.Time
	cancelled bool

	runs atomic.Uint64
}

type JobOption func(*Job)

// WithNow overrides the wall clock used for cron activations.
func WithNow(now func() time.Time) JobOption {
	return func(j *Job) {
		if now != nil {
			j.now = now
		}
	}
}

// WithLogger sets the logger used to report a job that stopped on its own.
func WithLogger(log logx.Logger) JobOption {
	return func(j *Job) { j.log = log }
}

// Attach starts running fn on t according to spec.
func Attach(t Poster, name string, spec Spec, fn func(), opts ...JobOption) *Job {
	j := &Job{name: name, spec: spec, t: t, fn: fn, now: time.Now}
	for _, o := range opts {
		o(j)
	}
	if j.log.IsZero() {
		j.log = logx.Nop()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if spec.Kind == KindInterval {
		j.next = j.now().Add(spec.Every)
		j.id = t.Post(j.runInterval, spec.Every, spec.Every)
		return j
	}
	j.postNextLocked()
	return j
}

func (j *Job) Name() string { return j.name }
func (j *Job) Spec() Spec   { return j.spec }
func (j *Job) Runs() uint64 { return j.runs.Load() }

// Next is the next planned activation, or zero once cancelled or once a cron
// schedule has no activation left.
func (j *Job) Next() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return time.Time{}
	}
	return j.next
}

// Cancel stops the job. It is safe from any goroutine, including the job's
// own callback.
func (j *Job) Cancel() {
	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		return
	}
	j.cancelled = true
	id := j.id
	j.mu.Unlock()

	// A run in flight is not affected by Cancel; the cancelled flag covers it.
	j.t.Cancel(id)
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *Job) runInterval() {
	if j.isCancelled() {
		j.t.CancelSelf()
		return
	}
	j.fn()
	j.runs.Add(1)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		j.t.CancelSelf()
		return
	}
	j.next = j.next.Add(j.spec.Every)
}

func (j *Job) runCron() {
	if j.isCancelled() {
		return
	}
	j.fn()
	j.runs.Add(1)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelled {
		return
	}
	j.postNextLocked()
}

func (j *Job) postNextLocked() {
	now := j.now()
	j.next = j.spec.Next(now)
	if j.next.IsZero() {
		j.cancelled = true
		j.id = 0
		j.log.Warn("schedule has no future activation, job stopped",
			logx.String("job", j.name),
			logx.String("schedule", j.spec.String()),
		)
		return
	}
	delay := j.next.Sub(now)
	if delay <= 0 {
		// Post treats zero as "as soon as possible".
		delay = 0
	}
	j.id = j.t.Post(j.runCron, delay, 0)
}
