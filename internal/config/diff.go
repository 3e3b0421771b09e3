package config

import (
	"reflect"
)

// Changed lists the top-level sections that differ between two configs.
func Changed(oldCfg, newCfg *Config) []string {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var out []string
	if oldCfg.Logging != newCfg.Logging {
		out = append(out, "logging")
	}
	if oldCfg.Thread != newCfg.Thread {
		out = append(out, "thread")
	}
	if oldCfg.Watchdog != newCfg.Watchdog {
		out = append(out, "watchdog")
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		out = append(out, "jobs")
	}
	if oldCfg.Audio != newCfg.Audio {
		out = append(out, "audio")
	}
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Shutdown != newCfg.Shutdown {
		out = append(out, "shutdown")
	}
	if oldCfg.Debug != newCfg.Debug {
		out = append(out, "debug")
	}
	return out
}

// RestartRequired reports the changed sections that hot reload cannot apply.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "logging", "jobs":
		default:
			out = append(out, s)
		}
	}
	return out
}
