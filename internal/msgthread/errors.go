package msgthread

import "errors"

var (
	ErrAlreadyStarted = errors.New("msgthread: already started")
	ErrStopped        = errors.New("msgthread: stopped")
	ErrNotStarted     = errors.New("msgthread: not started")

	// ErrCallbackPanic is wrapped by the error Join returns when a callback
	// panicked and terminated the loop.
	ErrCallbackPanic = errors.New("msgthread: callback panicked")
)
