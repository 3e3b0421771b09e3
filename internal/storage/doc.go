// Package storage keeps an append-only journal of completed message thread
// deliveries so operators can inspect what ran, when, and how late.
//
// Scheduled work itself is never persisted: the journal is written after the
// fact and nothing reads it back into a scheduler.
package storage
