package schedule

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callcore/internal/msgthread"
	logx "callcore/pkg/logx"
)

// manualPoster records posts and runs them only when told to.
type manualPoster struct {
	mu       sync.Mutex
	lastID   uint32
	pending  map[uint32]posted
	current  bool
	selfStop bool
}

type posted struct {
	fn              func()
	delay, interval time.Duration
}

func newManualPoster() *manualPoster {
	return &manualPoster{pending: map[uint32]posted{}}
}

func (p *manualPoster) Post(fn func(), delay, interval time.Duration) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastID++
	p.pending[p.lastID] = posted{fn: fn, delay: delay, interval: interval}
	return p.lastID
}

func (p *manualPoster) Cancel(id uint32) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *manualPoster) CancelSelf()     { p.selfStop = true }
func (p *manualPoster) IsCurrent() bool { return p.current }

func (p *manualPoster) ids() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []uint32
	for id := range p.pending {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fire runs one message the way the message thread would, reporting whether
// it would be rescheduled.
func (p *manualPoster) fire(t *testing.T, id uint32) (requeued bool) {
	t.Helper()
	p.mu.Lock()
	m, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	require.True(t, ok, "message %d not pending", id)

	p.current, p.selfStop = true, false
	m.fn()
	p.current = false
	if m.interval > 0 && !p.selfStop {
		p.mu.Lock()
		p.pending[id] = m
		p.mu.Unlock()
		return true
	}
	return false
}

func (p *manualPoster) get(id uint32) posted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[id]
}

func TestCronJobRepostsItself(t *testing.T) {
	t.Parallel()
	spec, err := Parse("*/10 * * * * *")
	require.NoError(t, err)

	now := time.Date(2024, 5, 1, 10, 0, 3, 0, time.UTC)
	p := newManualPoster()
	var runs int
	j := Attach(p, "tick", spec, func() { runs++ }, WithNow(func() time.Time { return now }))

	ids := p.ids()
	require.Len(t, ids, 1)
	assert.Equal(t, 7*time.Second, p.get(ids[0]).delay)
	assert.Zero(t, p.get(ids[0]).interval)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 10, 0, time.UTC), j.Next())

	now = time.Date(2024, 5, 1, 10, 0, 10, 0, time.UTC)
	assert.False(t, p.fire(t, ids[0]))
	assert.Equal(t, 1, runs)

	ids = p.ids()
	require.Len(t, ids, 1)
	assert.Equal(t, 10*time.Second, p.get(ids[0]).delay)
	assert.Equal(t, uint64(1), j.Runs())
	assert.Equal(t, "tick", j.Name())
}

func TestCronJobCancelStopsChain(t *testing.T) {
	t.Parallel()
	spec, err := Parse("@every 1s")
	require.NoError(t, err)
	p := newManualPoster()
	j := Attach(p, "chain", spec, func() {})

	j.Cancel()
	j.Cancel()
	assert.Empty(t, p.ids())
	assert.True(t, j.Next().IsZero())
}

func TestCronJobCancelFromOwnCallback(t *testing.T) {
	t.Parallel()
	spec, err := Parse("@every 1s")
	require.NoError(t, err)
	p := newManualPoster()
	var j *Job
	j = Attach(p, "once", spec, func() { j.Cancel() })

	p.fire(t, p.ids()[0])
	assert.Empty(t, p.ids())
	assert.Equal(t, uint64(1), j.Runs())
}

func TestIntervalJobCancelFromOwnCallback(t *testing.T) {
	t.Parallel()
	spec, err := Parse("5s")
	require.NoError(t, err)
	p := newManualPoster()
	var runs int
	var j *Job
	j = Attach(p, "interval", spec, func() {
		runs++
		if runs == 2 {
			j.Cancel()
		}
	})

	id := p.ids()[0]
	assert.Equal(t, 5*time.Second, p.get(id).delay)
	assert.Equal(t, 5*time.Second, p.get(id).interval)
	assert.True(t, p.fire(t, id))
	assert.False(t, p.fire(t, id))
	assert.Empty(t, p.ids())
	assert.Equal(t, 2, runs)
}

func TestIntervalJobOnMessageThread(t *testing.T) {
	t.Parallel()
	th := msgthread.New()
	require.NoError(t, th.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = th.Shutdown(ctx)
	})

	spec, err := Parse("interval:5ms")
	require.NoError(t, err)
	var runs atomic.Int32
	j := Attach(th, "fast", spec, func() { runs.Add(1) })

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, time.Millisecond)
	j.Cancel()
	n := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, runs.Load())
	assert.Zero(t, th.Len())
}

func TestCronJobWithoutActivationStops(t *testing.T) {
	t.Parallel()
	sched, err := cronParser.Parse("0 0 30 2 *")
	require.NoError(t, err)
	spec := Spec{Kind: KindCron, Expr: "0 0 30 2 *", Source: "cron", sched: sched}

	var buf bytes.Buffer
	p := newManualPoster()
	var runs int
	j := Attach(p, "feb30", spec, func() { runs++ }, WithLogger(logx.NewWriter(&buf, "info")))

	assert.Empty(t, p.ids())
	assert.True(t, j.Next().IsZero())
	assert.Zero(t, runs)
	assert.Contains(t, buf.String(), "schedule has no future activation")
	assert.Contains(t, buf.String(), `"job":"feb30"`)
	j.Cancel()
}

func TestCronJobWithoutActivationOnMessageThread(t *testing.T) {
	t.Parallel()
	th := msgthread.New()
	require.NoError(t, th.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = th.Shutdown(ctx)
	})

	sched, err := cronParser.Parse("0 0 30 2 *")
	require.NoError(t, err)
	var runs atomic.Int32
	Attach(th, "feb30", Spec{Kind: KindCron, Expr: "0 0 30 2 *", sched: sched}, func() { runs.Add(1) })

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runs.Load())
	assert.Zero(t, th.Len())
}
