package daemon

import (
	"errors"
	"math"
	"sync"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"callcore/internal/audio"
	"callcore/internal/config"
	"callcore/internal/schedule"
	logx "callcore/pkg/logx"
)

const watchdogJob = "watchdog"

// replaceJobs cancels every attached job and attaches jobs in their place.
// It must not be called on the message thread.
func (d *Daemon) replaceJobs(jobs []config.Job) {
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()

	for _, j := range d.jobs {
		j.Cancel()
	}
	d.jobs = d.jobs[:0]

	for _, jc := range jobs {
		d.jobs = append(d.jobs, schedule.Attach(d.thread, jc.Name, jc.Spec, d.jobFunc(jc),
			schedule.WithLogger(d.log.With(logx.String("comp", "schedule"))),
		))
		d.log.Debug("job attached",
			logx.String("job", jc.Name),
			logx.String("schedule", jc.Spec.String()),
			logx.String("action", jc.Action),
		)
	}
}

// Jobs lists the names of the attached jobs.
func (d *Daemon) Jobs() []string {
	d.jobsMu.Lock()
	defer d.jobsMu.Unlock()
	out := make([]string, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j.Name())
	}
	return out
}

func (d *Daemon) jobFunc(jc config.Job) func() {
	log := d.log.With(logx.String("job", jc.Name))
	var runs uint64
	return func() {
		d.curJob = jc.Name
		runs++
		switch jc.Action {
		case config.ActionSnapshot:
			s := d.thread.Snapshot()
			log.Info("thread snapshot",
				logx.Int("queued", s.Queued),
				logx.Uint64("posted", s.Posted),
				logx.Uint64("delivered", s.Delivered),
				logx.Uint64("cancelled", s.Cancelled),
				logx.Uint64("reinserted", s.Reinserted),
				logx.Uint64("audio_frames", d.audioFrames()),
				logx.Int("audio_peak", d.audioPeak()),
			)
		default:
			msg := jc.Message
			if msg == "" {
				msg = "job ran"
			}
			log.Info(msg, logx.Uint64("runs", runs))
		}
	}
}

// startWatchdog posts a repeating WATCHDOG=1 ping at half the systemd
// watchdog period, or at the configured interval.
func (d *Daemon) startWatchdog() error {
	if !d.rt.Watchdog {
		return nil
	}
	every := d.rt.WatchdogInterval
	if every == 0 {
		env, err := d.watchdogEnv()
		if err != nil {
			return err
		}
		if env <= 0 {
			return errors.New("systemd watchdog not enabled for this unit")
		}
		every = env / 2
	}
	d.thread.Post(func() {
		d.curJob = watchdogJob
		if _, err := d.notify(sd.SdNotifyWatchdog); err != nil {
			d.log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
		}
	}, 0, every)
	d.log.Info("watchdog enabled", logx.Duration("every", every))
	return nil
}

func (d *Daemon) audioFrames() uint64 {
	if d.io == nil {
		return 0
	}
	return d.io.Input().Frames() + d.io.Output().Frames()
}

func (d *Daemon) audioPeak() int {
	if d.loop == nil {
		return 0
	}
	return int(d.loop.Peak())
}

// loopback feeds captured frames back to playback and tracks the peak level.
type loopback struct {
	mu   sync.Mutex
	last [audio.FrameSamples]int16
	peak int16
}

func (l *loopback) capture(frame []int16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := copy(l.last[:], frame)
	for _, s := range l.last[:n] {
		switch {
		case s == math.MinInt16:
			s = math.MaxInt16
		case s < 0:
			s = -s
		}
		l.peak = max(l.peak, s)
	}
}

func (l *loopback) play(frame []int16) {
	l.mu.Lock()
	copy(frame, l.last[:])
	l.mu.Unlock()
}

func (l *loopback) Peak() int16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peak
}
