// Package daemon wires the message thread to configuration, scheduled jobs,
// the delivery journal, the audio loops and systemd.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"callcore/internal/audio"
	"callcore/internal/config"
	"callcore/internal/debugserver"
	"callcore/internal/eventbus"
	"callcore/internal/msgthread"
	"callcore/internal/schedule"
	"callcore/internal/storage"
	"callcore/internal/supervisor"
	logx "callcore/pkg/logx"
)

// Notifier sends a systemd state string such as "READY=1". It reports
// whether the notification was delivered.
type Notifier func(state string) (bool, error)

// SystemdNotifier notifies through $NOTIFY_SOCKET. Outside systemd it is a
// no-op.
func SystemdNotifier(state string) (bool, error) { return sd.SdNotify(false, state) }

type Option func(*Daemon)

func WithNotifier(n Notifier) Option {
	return func(d *Daemon) {
		if n != nil {
			d.notify = n
		}
	}
}

// WithWatchdogInterval overrides the systemd watchdog detection.
func WithWatchdogInterval(fn func() (time.Duration, error)) Option {
	return func(d *Daemon) {
		if fn != nil {
			d.watchdogEnv = fn
		}
	}
}

// WithLogger makes the daemon log to log instead of its own logx service.
// Logging config changes are then not applied.
func WithLogger(log logx.Logger) Option {
	return func(d *Daemon) { d.log = log }
}

type Daemon struct {
	cfgm *config.Manager
	rt   *config.Runtime

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	thread *msgthread.Thread
	io     *audio.IOCallback
	loop   *loopback
	sup    *supervisor.Supervisor

	notify      Notifier
	watchdogEnv func() (time.Duration, error)

	// jobsMu guards jobs. It is never taken on the message thread.
	jobsMu sync.Mutex
	jobs   []*schedule.Job

	// curJob is only touched on the message thread: set by a job callback
	// and consumed by the observer right after it.
	curJob string

	stopOnce sync.Once
	stopErr  error
}

// New loads and validates the config at path and builds every component.
// Nothing runs until Start.
func New(path string, opts ...Option) (*Daemon, error) {
	cfgm := config.NewManager(path)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfgm:        cfgm,
		rt:          rt,
		bus:         eventbus.New(),
		notify:      SystemdNotifier,
		watchdogEnv: func() (time.Duration, error) { return sd.SdWatchdogEnabled(false) },
	}
	for _, o := range opts {
		o(d)
	}
	if d.log.IsZero() {
		d.logs, d.log = logx.New(rt.Logging)
	}
	d.log = d.log.With(logx.String("comp", "daemon"))
	cfgm.SetLogger(d.log.With(logx.String("comp", "config")))

	st, err := storage.Open(rt.Storage, d.log.With(logx.String("comp", "storage")))
	if err != nil {
		d.closeLogs()
		return nil, err
	}
	if st != nil {
		d.store = st
		d.log.Info("journal enabled", logx.String("driver", rt.Storage.Driver), logx.String("path", rt.Storage.Path))
	}

	d.thread = msgthread.New(
		msgthread.WithName(rt.ThreadName),
		msgthread.WithLogger(d.log.With(logx.String("comp", "msgthread"))),
		msgthread.WithLateThreshold(rt.LateThreshold),
		msgthread.WithObserver(d.observe),
	)

	if rt.Audio {
		d.loop = &loopback{}
		d.io = audio.NewIOCallback(
			audio.WithFrameDuration(rt.AudioFrame),
			audio.WithLogger(d.log.With(logx.String("comp", "audio"))),
		)
		d.io.Input().SetEngineCallback(d.loop.capture)
		d.io.Output().SetEngineCallback(d.loop.play)
	}
	return d, nil
}

func (d *Daemon) Thread() *msgthread.Thread { return d.thread }
func (d *Daemon) Bus() eventbus.Bus         { return d.bus }
func (d *Daemon) Runtime() *config.Runtime  { return d.rt }

// Done is closed when the message thread exits.
func (d *Daemon) Done() <-chan struct{} { return d.thread.Done() }

// Fatal is closed when a background goroutine fails.
func (d *Daemon) Fatal() <-chan struct{} {
	if d.sup == nil {
		return nil
	}
	return d.sup.Context().Done()
}

// Start runs the daemon: background goroutines, jobs, the message thread,
// audio, and finally READY=1.
func (d *Daemon) Start(ctx context.Context) error {
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	if d.store != nil {
		j := storage.NewJournal(d.store, d.bus, d.log)
		d.sup.Go("journal", j.Run)
	}

	if d.rt.Debug {
		srv := debugserver.New(d.rt.DebugServer, debugserver.Source{
			Status:     func() any { return d.Status() },
			Deliveries: d.recentDeliveries(),
		}, d.log.With(logx.String("comp", "debug")))
		d.sup.GoRestart("debug.http", srv.Run, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	d.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := config.Resolve(cfg)
		return err
	})
	sub := d.cfgm.Subscribe(4)
	d.sup.GoRestart("config.watch", d.cfgm.Watch)
	d.sup.Go("config.reload", func(c context.Context) error {
		defer d.cfgm.Unsubscribe(sub)
		return d.reloadLoop(c, sub)
	})

	d.replaceJobs(d.rt.Jobs)
	if err := d.startWatchdog(); err != nil {
		d.log.Warn("watchdog disabled", logx.Err(err))
	}

	if err := d.thread.Start(); err != nil {
		return fmt.Errorf("start message thread: %w", err)
	}
	if d.io != nil {
		if err := d.io.Input().Start(); err != nil {
			return err
		}
		if err := d.io.Output().Start(); err != nil {
			return err
		}
	}

	if _, err := d.notify(sd.SdNotifyReady); err != nil {
		d.log.Warn("sd_notify READY failed", logx.Err(err))
	}
	d.log.Info("callcored started",
		logx.String("thread", d.thread.Name()),
		logx.Int("jobs", len(d.rt.Jobs)),
		logx.Bool("audio", d.io != nil),
	)
	return nil
}

// Stop shuts down gracefully: the message thread drops pending work and
// finishes the current batch. If ctx ends first the thread is hard stopped.
// Stop is idempotent; later calls return the first result.
func (d *Daemon) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { d.stopErr = d.stop(ctx) })
	return d.stopErr
}

func (d *Daemon) stop(ctx context.Context) error {
	if _, err := d.notify(sd.SdNotifyStopping); err != nil {
		d.log.Warn("sd_notify STOPPING failed", logx.Err(err))
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeShutdown})
	d.log.Info("stopping", logx.Int("queued", d.thread.Len()))

	// Stop waits for the worker's current batch, so it runs aside while
	// Join watches the deadline.
	go d.thread.Stop()
	err := d.thread.Join(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		d.log.Warn("graceful stop timed out; hard stopping")
		d.thread.HardStop()
		hctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = d.thread.Join(hctx)
		cancel()
	}
	if errors.Is(err, msgthread.ErrNotStarted) {
		err = nil
	}

	if d.io != nil {
		d.io.Stop()
	}

	var supErr error
	if d.sup != nil {
		sctx, cancel := context.WithTimeout(context.Background(), d.rt.ShutdownTimeout)
		supErr = d.sup.Stop(sctx)
		cancel()
	}
	if d.store != nil {
		if cerr := d.store.Close(); cerr != nil {
			d.log.Warn("journal close failed", logx.Err(cerr))
		}
	}

	snap := d.thread.Snapshot()
	d.log.Info("stopped",
		logx.Uint64("delivered", snap.Delivered),
		logx.Uint64("dropped", snap.Dropped),
		logx.Bool("hard_stopped", snap.HardStopped),
	)
	d.closeLogs()
	return errors.Join(err, supErr)
}

// HardStop stops the message thread without waiting for the current batch.
// No callback starts after it returns.
func (d *Daemon) HardStop() {
	d.log.Warn("hard stop requested")
	d.thread.HardStop()
}

func (d *Daemon) closeLogs() {
	if d.logs != nil {
		_ = d.logs.Close()
	}
}

// observe runs on the message thread after every callback.
func (d *Daemon) observe(dl msgthread.Delivery) {
	job := d.curJob
	d.curJob = ""
	d.bus.Publish(eventbus.Event{
		Type: eventbus.TypeDelivery,
		Time: dl.Started,
		Data: storage.DeliveryRecord{
			Thread:    d.thread.Name(),
			ID:        dl.ID,
			Job:       job,
			DeliverAt: dl.DeliverAt,
			Started:   dl.Started,
			Took:      dl.Took,
			Late:      dl.Late,
			Interval:  dl.Interval,
			Cancelled: dl.Cancelled,
		},
	})
}

func (d *Daemon) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	last := d.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			d.applyConfig(last, cfg)
			last = cfg
		}
	}
}

func (d *Daemon) applyConfig(oldCfg, newCfg *config.Config) {
	rt, err := config.Resolve(newCfg)
	if err != nil {
		d.log.Warn("config reload rejected", logx.Err(err))
		return
	}
	changed := config.Changed(oldCfg, newCfg)
	if len(changed) == 0 {
		return
	}
	d.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))

	for _, s := range changed {
		switch s {
		case "logging":
			if d.logs != nil {
				d.logs.Apply(rt.Logging)
			}
		case "jobs":
			d.replaceJobs(rt.Jobs)
		}
	}
	if rr := config.RestartRequired(changed); len(rr) > 0 {
		d.log.Warn("config sections changed; restart required", logx.String("sections", strings.Join(rr, ",")))
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: changed})
}
