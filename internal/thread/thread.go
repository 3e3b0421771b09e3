// Package thread is the worker lifecycle primitive used by the message thread
// and the audio loops: start one function on a dedicated goroutine, join it,
// and tell whether the caller is that goroutine.
package thread

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
)

var (
	ErrAlreadyStarted = errors.New("thread: already started")
	ErrNotStarted     = errors.New("thread: not started")
	ErrJoinSelf       = errors.New("thread: cannot join from its own goroutine")
)

// PanicError is returned by Join when the thread function panicked.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("thread %s: panic: %v", e.Name, e.Value)
}

// Thread runs fn exactly once on its own goroutine.
type Thread struct {
	name string
	fn   func() error

	started atomic.Bool
	gid     atomic.Uint64 // 0 while not running
	done    chan struct{}
	err     error // written before done is closed
}

func New(name string, fn func() error) *Thread {
	return &Thread{name: name, fn: fn, done: make(chan struct{})}
}

func (t *Thread) Name() string { return t.name }

// Start launches the goroutine. It may be called at most once.
func (t *Thread) Start() error {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go t.run()
	return nil
}

func (t *Thread) run() {
	t.gid.Store(goroutineID())
	defer func() {
		if r := recover(); r != nil {
			t.err = &PanicError{Name: t.name, Value: r, Stack: debug.Stack()}
		}
		t.gid.Store(0)
		close(t.done)
	}()
	if t.fn != nil {
		t.err = t.fn()
	}
}

// Started reports whether Start has been called.
func (t *Thread) Started() bool { return t.started.Load() }

// Done is closed once the thread function has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Join waits for the thread function to return and reports its error.
func (t *Thread) Join(ctx context.Context) error {
	if !t.started.Load() {
		return ErrNotStarted
	}
	if t.IsCurrent() {
		return ErrJoinSelf
	}
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCurrent reports whether the caller runs on this thread's goroutine.
func (t *Thread) IsCurrent() bool {
	id := t.gid.Load()
	if id == 0 {
		return false
	}
	return goroutineID() == id
}

// ID returns the goroutine id of the running thread, or 0.
func (t *Thread) ID() uint64 { return t.gid.Load() }
