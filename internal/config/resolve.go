package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"callcore/internal/debugserver"
	"callcore/internal/schedule"
	"callcore/internal/storage"
	logx "callcore/pkg/logx"
)

// Job actions.
const (
	ActionLog      = "log"
	ActionSnapshot = "snapshot"
)

const (
	DefaultThreadName      = "MessageThread"
	DefaultLateThreshold   = 50 * time.Millisecond
	DefaultAudioFrame      = 20 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second
	DefaultLogPath         = "./callcored.log"
)

// Runtime is a validated Config with defaults applied and every string
// field parsed.
type Runtime struct {
	Logging logx.Config

	ThreadName    string
	LateThreshold time.Duration

	Watchdog         bool
	WatchdogInterval time.Duration

	Jobs []Job

	Audio      bool
	AudioFrame time.Duration

	Storage storage.Config

	ShutdownTimeout time.Duration

	Debug       bool
	DebugServer debugserver.Config
}

type Job struct {
	Name    string
	Spec    schedule.Spec
	Action  string
	Message string
}

// Resolve validates cfg and applies defaults. All problems are reported
// together.
func Resolve(cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	rt := &Runtime{
		Logging: logx.Config{
			Level:   strings.TrimSpace(cfg.Logging.Level),
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    strings.TrimSpace(cfg.Logging.File.Path),
			},
		},
		ThreadName: strings.TrimSpace(cfg.Thread.Name),
		Watchdog:   cfg.Watchdog.Enabled,
		Audio:      cfg.Audio.Enabled,
		Debug:      cfg.Debug.Enabled,
		DebugServer: debugserver.Config{
			Addr:          strings.TrimSpace(cfg.Debug.Addr),
			Token:         strings.TrimSpace(cfg.Debug.Token),
			AllowInsecure: cfg.Debug.AllowInsecure,
		},
		Storage: storage.Config{
			Driver: strings.TrimSpace(cfg.Storage.Driver),
			Path:   strings.TrimSpace(cfg.Storage.Path),
			Keep:   cfg.Storage.Keep,
		},
	}
	if rt.Logging.Level == "" {
		rt.Logging.Level = "info"
	} else if !validLevel(rt.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", rt.Logging.Level))
	}
	if rt.Logging.File.Enabled && rt.Logging.File.Path == "" {
		rt.Logging.File.Path = DefaultLogPath
	}
	if rt.ThreadName == "" {
		rt.ThreadName = DefaultThreadName
	}

	var err error
	rt.LateThreshold, err = ParseDurationOrDefault("thread.late_threshold", cfg.Thread.LateThreshold, DefaultLateThreshold)
	add(err)
	rt.WatchdogInterval, err = ParseDurationField("watchdog.interval", cfg.Watchdog.Interval)
	add(err)
	rt.AudioFrame, err = ParseDurationOrDefault("audio.frame", cfg.Audio.Frame, DefaultAudioFrame)
	add(err)
	rt.Storage.BusyTimeout, err = ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	add(err)
	rt.ShutdownTimeout, err = ParseDurationOrDefault("shutdown.timeout", cfg.Shutdown.Timeout, DefaultShutdownTimeout)
	add(err)

	if rt.Debug {
		if rt.DebugServer.Addr == "" {
			rt.DebugServer.Addr = debugserver.DefaultAddr
		}
		host, _, err := net.SplitHostPort(rt.DebugServer.Addr)
		switch {
		case err != nil:
			add(fmt.Errorf("debug.addr: %w", err))
		case !isLoopbackHost(host) && rt.DebugServer.Token == "" && !rt.DebugServer.AllowInsecure:
			add(errors.New("debug.addr: non-loopback address requires debug.token or debug.allow_insecure"))
		}
	}
	if rt.Storage.Keep < 0 {
		add(errors.New("storage.keep: must be >= 0"))
	}
	switch strings.ToLower(rt.Storage.Driver) {
	case "", "none":
	case "file", "jsonl", "sqlite", "sqlite3":
		if rt.Storage.Path == "" {
			add(fmt.Errorf("storage.path: required for driver %q", rt.Storage.Driver))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", rt.Storage.Driver))
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(jc.Name)
		if name == "" {
			add(fmt.Errorf("%s.name: required", path))
			continue
		}
		if _, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: duplicate job %q", path, name))
			continue
		}
		seen[name] = struct{}{}

		spec, err := schedule.Parse(jc.Schedule)
		if err != nil {
			add(fmt.Errorf("%s.schedule: %w", path, err))
			continue
		}
		action := strings.ToLower(strings.TrimSpace(jc.Action))
		if action == "" {
			action = ActionLog
		}
		if action != ActionLog && action != ActionSnapshot {
			add(fmt.Errorf("%s.action: unknown action %q", path, jc.Action))
			continue
		}
		rt.Jobs = append(rt.Jobs, Job{Name: name, Spec: spec, Action: action, Message: jc.Message})
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return rt, nil
}

func validLevel(s string) bool {
	switch strings.ToLower(s) {
	case "trace", "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isLoopbackHost(h string) bool {
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
