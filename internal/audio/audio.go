// Package audio provides the fixed-cadence capture and playback loops used
// when no platform audio device is available. Every frame period each loop
// zeroes a 20 ms frame and passes it between the application data callback
// and the engine callback. There is no queue and no ordering beyond the
// cadence itself.
package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"callcore/internal/thread"
	logx "callcore/pkg/logx"
)

const (
	SampleRate    = 48000
	FrameSamples  = 960
	FrameDuration = 20 * time.Millisecond
)

// Callback receives one frame of 16-bit mono PCM. The slice is reused for
// the next frame and must not be retained.
type Callback func(frame []int16)

type Option func(*loop)

// WithFrameDuration overrides the frame cadence. Mostly for tests.
func WithFrameDuration(d time.Duration) Option {
	return func(l *loop) {
		if d > 0 {
			l.period = d
		}
	}
}

func WithLogger(log logx.Logger) Option {
	return func(l *loop) { l.log = log }
}

type loop struct {
	name    string
	capture bool
	period  time.Duration
	log     logx.Logger

	mu     sync.Mutex
	data   Callback
	engine Callback
	worker *thread.Thread
	cancel context.CancelFunc

	active atomic.Bool
	frames atomic.Uint64
}

func newLoop(name string, capture bool, opts []Option) *loop {
	l := &loop{name: name, capture: capture, period: FrameDuration, log: logx.Nop()}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With(logx.String("loop", name))
	return l
}

func (l *loop) setData(fn Callback) {
	l.mu.Lock()
	l.data = fn
	l.mu.Unlock()
}

func (l *loop) setEngine(fn Callback) {
	l.mu.Lock()
	l.engine = fn
	l.mu.Unlock()
}

func (l *loop) callbacks() (data, engine Callback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.data, l.engine
}

// start runs the worker if it is not running yet.
func (l *loop) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active.Store(true)
	if l.worker != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := thread.New(l.name, func() error { return l.run(ctx) })
	if err := w.Start(); err != nil {
		cancel()
		return err
	}
	l.worker, l.cancel = w, cancel
	l.log.Debug("audio loop started", logx.Duration("period", l.period))
	return nil
}

// stop asks the worker to exit and joins it. A pending frame wait is
// interrupted immediately.
func (l *loop) stop() {
	l.mu.Lock()
	w, cancel := l.worker, l.cancel
	l.worker, l.cancel = nil, nil
	l.active.Store(false)
	l.mu.Unlock()
	if w == nil {
		return
	}
	cancel()
	if err := w.Join(context.Background()); err != nil {
		l.log.Error("audio loop exited with error", logx.Err(err))
		return
	}
	l.log.Debug("audio loop stopped", logx.Uint64("frames", l.frames.Load()))
}

func (l *loop) run(ctx context.Context) error {
	lim := rate.NewLimiter(rate.Every(l.period), 1)
	frame := make([]int16, FrameSamples)
	for {
		if err := lim.Wait(ctx); err != nil {
			return nil
		}
		clear(frame)
		data, engine := l.callbacks()
		if l.capture {
			invoke(data, frame)
			invoke(engine, frame)
		} else {
			invoke(engine, frame)
			invoke(data, frame)
		}
		l.frames.Add(1)
	}
}

func invoke(fn Callback, frame []int16) {
	if fn != nil {
		fn(frame)
	}
}

// Input is the capture loop: the data callback fills the frame, then the
// engine callback consumes it.
type Input struct{ l *loop }

func NewInput(opts ...Option) *Input {
	return &Input{l: newLoop("AudioInputCallback", true, opts)}
}

func (in *Input) SetDataCallback(fn Callback)   { in.l.setData(fn) }
func (in *Input) SetEngineCallback(fn Callback) { in.l.setEngine(fn) }
func (in *Input) Start() error                  { return in.l.start() }
func (in *Input) Stop()                         { in.l.stop() }
func (in *Input) IsRecording() bool             { return in.l.active.Load() }
func (in *Input) Frames() uint64                { return in.l.frames.Load() }

// Output is the playback loop: the engine callback fills the frame, then
// the data callback consumes it.
type Output struct{ l *loop }

func NewOutput(opts ...Option) *Output {
	return &Output{l: newLoop("AudioOutputCallback", false, opts)}
}

func (out *Output) SetDataCallback(fn Callback)   { out.l.setData(fn) }
func (out *Output) SetEngineCallback(fn Callback) { out.l.setEngine(fn) }
func (out *Output) Start() error                  { return out.l.start() }
func (out *Output) Stop()                         { out.l.stop() }
func (out *Output) IsPlaying() bool               { return out.l.active.Load() }
func (out *Output) Frames() uint64                { return out.l.frames.Load() }

// IOCallback pairs one capture and one playback loop.
type IOCallback struct {
	input  *Input
	output *Output
}

func NewIOCallback(opts ...Option) *IOCallback {
	return &IOCallback{input: NewInput(opts...), output: NewOutput(opts...)}
}

func (io *IOCallback) Input() *Input   { return io.input }
func (io *IOCallback) Output() *Output { return io.output }

// Stop stops and joins both loops.
func (io *IOCallback) Stop() {
	io.input.Stop()
	io.output.Stop()
}
