// Package msgthread implements the message thread of the call engine: one
// dedicated goroutine that runs posted callbacks at their delivery time,
// optionally repeating them on a fixed interval.
//
// # Ordering
//
// Pending messages are kept sorted by delivery time. Messages with equal
// delivery time run in the order they were posted. A repeating message is
// rescheduled relative to its intended delivery time, so latency in one run
// never shifts the following ones.
//
// # Locking
//
// The queue is guarded by a single non-reentrant mutex. The worker holds it
// for the whole delivery cycle and releases it only while waiting. Post,
// Cancel, Stop and HardStop called from inside a callback detect that they
// run on the worker goroutine and skip the lock; calling them from any other
// goroutine takes it. The worker never takes the lock anywhere but around the
// wait.
//
// # Shutdown
//
// Stop clears the queue and ends the loop at its next wake. HardStop also
// guarantees that, once it returns, no callback runs again, including ones
// already pulled off the queue for the current cycle.
package msgthread
