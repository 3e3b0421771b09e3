package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"callcore/internal/config"
	"callcore/internal/daemon"
	logx "callcore/pkg/logx"
)

const defaultConfigPath = "/etc/callcored/callcored.yaml"

var configFlag = cli.StringFlag{
	Name:   "config, c",
	Value:  defaultConfigPath,
	Usage:  "path to the YAML or JSON config file",
	EnvVar: "CALLCORED_CONFIG",
}

// logLevelFlag sets the console logger used before the config is loaded and
// during shutdown.
var logLevelFlag = cli.StringFlag{
	Name:   "log-level",
	Value:  "info",
	Usage:  "level of the bootstrap console logger",
	EnvVar: "CALLCORED_LOG_LEVEL",
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "callcored"
	app.HelpName = "callcored"
	app.Usage = "message thread scheduler daemon"
	app.Version = version
	if commit != "" {
		app.Version = fmt.Sprintf("%s-%s", version, commit)
	}
	app.Flags = []cli.Flag{logLevelFlag}
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the daemon until SIGINT or SIGTERM",
			Flags:  []cli.Flag{configFlag},
			Action: run,
		},
		{
			Name:   "check",
			Usage:  "validate the config and print the resolved jobs",
			Flags:  []cli.Flag{configFlag},
			Action: check,
		},
	}
	return app
}

func run(c *cli.Context) error {
	boot := logx.NewConsole(c.GlobalString("log-level"))
	path := c.String("config")
	boot.Debug("loading config", logx.String("path", path))

	d, err := daemon.New(path)
	if err != nil {
		boot.Error("daemon init failed", logx.String("path", path), logx.Err(err))
		return err
	}

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := d.Start(context.Background()); err != nil {
		_ = d.Stop(context.Background())
		return err
	}

	select {
	case sig := <-sigs:
		boot.Info("signal received, stopping", logx.String("signal", sig.String()))
	case <-d.Done():
		boot.Warn("message thread exited, stopping")
	case <-d.Fatal():
		boot.Error("component failed, stopping")
	}

	return shutdown(d, sigs, d.Runtime().ShutdownTimeout, boot)
}

// shutdown stops d gracefully within timeout. A second signal hard stops
// the message thread right away.
func shutdown(d *daemon.Daemon, sigs <-chan os.Signal, timeout time.Duration, log logx.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Stop(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-sigs:
		log.Warn("second signal, hard stopping")
		d.HardStop()
		err = <-done
	}
	return err
}

type checkOutput struct {
	Thread        string     `json:"thread"`
	LateThreshold string     `json:"late_threshold"`
	LogLevel      string     `json:"log_level"`
	Storage       string     `json:"storage"`
	Audio         bool       `json:"audio"`
	Watchdog      bool       `json:"watchdog"`
	Jobs          []checkJob `json:"jobs"`
}

type checkJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Action   string `json:"action"`
	Next     string `json:"next"`
}

func check(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.NewManager(path).Parse()
	if err != nil {
		return err
	}
	rt, err := config.Resolve(cfg)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return printCheck(os.Stdout, rt, time.Now())
}

func printCheck(w io.Writer, rt *config.Runtime, now time.Time) error {
	out := checkOutput{
		Thread:        rt.ThreadName,
		LateThreshold: rt.LateThreshold.String(),
		LogLevel:      logx.ParseLevel(rt.Logging.Level).String(),
		Storage:       rt.Storage.Driver,
		Audio:         rt.Audio,
		Watchdog:      rt.Watchdog,
		Jobs:          make([]checkJob, 0, len(rt.Jobs)),
	}
	if out.Storage == "" {
		out.Storage = "none"
	}
	for _, j := range rt.Jobs {
		out.Jobs = append(out.Jobs, checkJob{
			Name:     j.Name,
			Schedule: j.Spec.String(),
			Action:   j.Action,
			Next:     j.Spec.Next(now).Format(time.RFC3339),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
