package config

// Config is the on-disk configuration of callcored. Durations are Go
// duration strings ("250ms", "5s"); empty means the default.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Thread   ThreadConfig   `json:"thread"`
	Watchdog WatchdogConfig `json:"watchdog"`
	Jobs     []JobConfig    `json:"jobs,omitempty"`
	Audio    AudioConfig    `json:"audio"`
	Storage  StorageConfig  `json:"storage"`
	Shutdown ShutdownConfig `json:"shutdown"`
	Debug    DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// ThreadConfig configures the message thread.
type ThreadConfig struct {
	Name          string `json:"name"`
	LateThreshold string `json:"late_threshold"`
}

// WatchdogConfig controls the systemd watchdog ping. An empty Interval
// derives the period from WATCHDOG_USEC.
type WatchdogConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval"`
}

// JobConfig is a named schedule. Schedule accepts cron, HH:MM or a Go
// duration.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Action   string `json:"action"`
	Message  string `json:"message,omitempty"`
}

type AudioConfig struct {
	Enabled bool   `json:"enabled"`
	Frame   string `json:"frame"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
	Keep        int    `json:"keep"`
}

type ShutdownConfig struct {
	Timeout string `json:"timeout"`
}

// DebugConfig controls the operator HTTP endpoints.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure"`
}
