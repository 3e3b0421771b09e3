package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage: disabled")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Keep        int           // sqlite only; rows kept after pruning, 0 keeps all
}

// DeliveryRecord is one executed callback.
type DeliveryRecord struct {
	Thread    string        `json:"thread"`
	ID        uint32        `json:"id"`
	Job       string        `json:"job,omitempty"`
	DeliverAt time.Time     `json:"deliver_at"`
	Started   time.Time     `json:"started"`
	Took      time.Duration `json:"took_ns"`
	Late      time.Duration `json:"late_ns"`
	Interval  time.Duration `json:"interval_ns,omitempty"`
	Cancelled bool          `json:"cancelled,omitempty"`
}
