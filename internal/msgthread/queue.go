package msgthread

import (
	"slices"
	"sort"
	"time"
)

type message struct {
	id        uint32
	deliverAt time.Time // zero: as soon as possible
	interval  time.Duration
	fn        func()
}

func (m *message) due(now time.Time) bool {
	return m.deliverAt.IsZero() || !now.Before(m.deliverAt)
}

// insertLocked places m after every queued message due at or before it, which
// keeps the queue sorted and ties in posting order. The zero time sorts first.
func (t *Thread) insertLocked(m message) {
	i := sort.Search(len(t.queue), func(i int) bool {
		return t.queue[i].deliverAt.After(m.deliverAt)
	})
	t.queue = slices.Insert(t.queue, i, m)
}

// collectDueLocked removes and returns every message due at now, in order.
// Due messages always form a prefix of the sorted queue.
func (t *Thread) collectDueLocked(now time.Time) []message {
	n := 0
	for n < len(t.queue) && t.queue[n].due(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	batch := make([]message, n)
	copy(batch, t.queue[:n])
	rest := copy(t.queue, t.queue[n:])
	clear(t.queue[rest:])
	t.queue = t.queue[:rest]
	return batch
}

// cancelLocked drops every queued message with the given id.
func (t *Thread) cancelLocked(id uint32) int {
	before := len(t.queue)
	t.queue = slices.DeleteFunc(t.queue, func(m message) bool { return m.id == id })
	return before - len(t.queue)
}

// clearLocked drops the whole queue and reports how many messages it held.
func (t *Thread) clearLocked() int {
	n := len(t.queue)
	clear(t.queue)
	t.queue = t.queue[:0]
	return n
}

// nextWaitLocked reports how long the worker may sleep. ok is false when the
// queue is empty and the wait is unbounded.
func (t *Thread) nextWaitLocked(now time.Time) (wait time.Duration, ok bool) {
	if len(t.queue) == 0 {
		return 0, false
	}
	head := t.queue[0].deliverAt
	if head.IsZero() {
		return 0, true
	}
	return head.Sub(now), true
}
