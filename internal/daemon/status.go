package daemon

import (
	"context"
	"time"

	"callcore/internal/msgthread"
	"callcore/internal/supervisor"
)

// Status is the document served on /status.
type Status struct {
	Thread      msgthread.Snapshot `json:"thread"`
	Jobs        []JobStatus        `json:"jobs"`
	Goroutines  []supervisor.Stats `json:"goroutines"`
	BusDropped  uint64             `json:"bus_dropped"`
	AudioFrames uint64             `json:"audio_frames"`
	AudioPeak   int                `json:"audio_peak"`
}

type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Runs     uint64    `json:"runs"`
	Next     time.Time `json:"next"`
}

func (d *Daemon) Status() Status {
	st := Status{
		Thread:      d.thread.Snapshot(),
		BusDropped:  d.bus.Dropped(),
		AudioFrames: d.audioFrames(),
		AudioPeak:   d.audioPeak(),
	}
	if d.sup != nil {
		st.Goroutines = d.sup.Snapshot()
	}
	d.jobsMu.Lock()
	for _, j := range d.jobs {
		st.Jobs = append(st.Jobs, JobStatus{
			Name:     j.Name(),
			Schedule: j.Spec().String(),
			Runs:     j.Runs(),
			Next:     j.Next(),
		})
	}
	d.jobsMu.Unlock()
	return st
}

func (d *Daemon) recentDeliveries() func(ctx context.Context, limit int) (any, error) {
	if d.store == nil {
		return nil
	}
	return func(ctx context.Context, limit int) (any, error) {
		return d.store.RecentDeliveries(ctx, limit)
	}
}
