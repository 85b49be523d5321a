// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/mutex/v2"
	"github.com/juju/pubsub"

	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/core/version"
	"github.com/matterbridge/matterbridged/internal/bridge"
	internallogger "github.com/matterbridge/matterbridged/internal/logger"
	internalworker "github.com/matterbridge/matterbridged/internal/worker"
)

var logger = internallogger.GetLogger("matterbridged.cmd")

// Pacing of node and plugin starts, overridable through the
// environment for constrained hosts.
const (
	startIntervalEnv = "MATTERBRIDGE_START_MATTER_INTERVAL_MS"
	pauseIntervalEnv = "MATTERBRIDGE_PAUSE_MATTER_INTERVAL_MS"
)

// destroyTimeout bounds the cleanup sequence after a signal. It is
// longer than the bridge's own grace period so the orchestrator, not
// the process exit, is what cuts a hung teardown short.
const destroyTimeout = 30 * time.Second

// options carries the parsed command line.
type options struct {
	bridge      bool
	childbridge bool
	controller  bool
	test        bool

	homeDir string
	profile string

	frontendPort  int
	matterPort    int
	passcode      int
	discriminator int

	mdnsInterface string
	ipv4Address   string
	ipv6Address   string

	logLevel       string
	matterLogLevel string
	debug          bool
	verbose        bool

	ssl         bool
	noSudo      bool
	docker      bool
	noVirtual   bool
	memoryCheck bool
	inspect     bool

	snapshotIntervalMS int

	showVersion bool
}

func newFlagSet(opts *options) *gnuflag.FlagSet {
	f := gnuflag.NewFlagSet("matterbridged", gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	f.BoolVar(&opts.bridge, "bridge", false, "run every plugin under the shared server node")
	f.BoolVar(&opts.childbridge, "childbridge", false, "run a server node per plugin")
	f.BoolVar(&opts.controller, "controller", false, "run as a controller")
	f.BoolVar(&opts.test, "test", false, "run with the in-memory matter engine")
	f.StringVar(&opts.homeDir, "homedir", "", "directory holding .matterbridge")
	f.StringVar(&opts.profile, "profile", "", "storage profile suffix")
	f.IntVar(&opts.frontendPort, "frontend", 8283, "frontend port, 0 disables")
	f.IntVar(&opts.matterPort, "port", 0, "first matter server node port")
	f.IntVar(&opts.passcode, "passcode", 0, "commissioning passcode")
	f.IntVar(&opts.discriminator, "discriminator", 0, "commissioning discriminator")
	f.StringVar(&opts.mdnsInterface, "mdnsinterface", "", "interface to advertise on")
	f.StringVar(&opts.ipv4Address, "ipv4address", "", "IPv4 listen address")
	f.StringVar(&opts.ipv6Address, "ipv6address", "", "IPv6 listen address")
	f.StringVar(&opts.logLevel, "logger", "", "bridge log level")
	f.StringVar(&opts.matterLogLevel, "matterlogger", "", "matter engine log level")
	f.BoolVar(&opts.debug, "debug", false, "shorthand for -logger debug")
	f.BoolVar(&opts.verbose, "verbose", false, "shorthand for -logger trace")
	f.BoolVar(&opts.ssl, "ssl", false, "serve the frontend over TLS")
	f.BoolVar(&opts.noSudo, "nosudo", false, "never invoke sudo for package installs")
	f.BoolVar(&opts.docker, "docker", false, "running inside a container")
	f.BoolVar(&opts.noVirtual, "novirtual", false, "disable the virtual control devices")
	f.BoolVar(&opts.memoryCheck, "memorycheck", false, "log resource peaks at each sample")
	f.BoolVar(&opts.inspect, "inspect", false, "mount pprof routes on the frontend")
	f.IntVar(&opts.snapshotIntervalMS, "snapshotinterval", 0, "heap snapshot interval in ms, 0 disables")
	f.BoolVar(&opts.showVersion, "version", false, "print the bridge version and exit")
	return f
}

// normalizeArgs rewrites single-dash long options to double-dash.
// The published command line uses the single-dash form throughout,
// which gnuflag would otherwise read as a group of one-letter flags.
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			out = append(out, args[i:]...)
			break
		}
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			arg = "-" + arg
		}
		out = append(out, arg)
	}
	return out
}

// dropFlag removes the named flag from args, together with a
// following value token when one is present. Flags this command does
// not recognise are ignored rather than rejected.
func dropFlag(args []string, name string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--"+name || arg == "-"+name {
			if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "--"+name+"=") || strings.HasPrefix(arg, "-"+name+"=") {
			continue
		}
		out = append(out, arg)
	}
	return out
}

func unknownFlag(err error) (string, bool) {
	const marker = "not defined: "
	msg := err.Error()
	i := strings.LastIndex(msg, marker)
	if i < 0 {
		return "", false
	}
	return strings.TrimLeft(msg[i+len(marker):], "-"), true
}

// parseArgs parses the command line, silently discarding any flag the
// daemon does not recognise.
func parseArgs(args []string) (options, error) {
	args = normalizeArgs(args)
	for {
		var opts options
		f := newFlagSet(&opts)
		err := f.Parse(false, args)
		if err == nil {
			return opts, errors.Trace(validateOptions(&opts))
		}
		if err == gnuflag.ErrHelp {
			return options{}, err
		}
		if name, ok := unknownFlag(err); ok {
			args = dropFlag(args, name)
			continue
		}
		return options{}, errors.Trace(err)
	}
}

func validateOptions(opts *options) error {
	modes := 0
	for _, set := range []bool{opts.bridge, opts.childbridge, opts.controller, opts.test} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return errors.New("-bridge, -childbridge, -controller and -test are mutually exclusive")
	}
	if opts.homeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return errors.Annotate(err, "resolving home directory")
		}
		opts.homeDir = home
	}
	if opts.logLevel == "" {
		switch {
		case opts.verbose:
			opts.logLevel = "trace"
		case opts.debug:
			opts.logLevel = "debug"
		}
	}
	if opts.logLevel != "" {
		if _, ok := loggo.ParseLevel(opts.logLevel); !ok {
			return errors.NotValidf("log level %q", opts.logLevel)
		}
	}
	if opts.matterLogLevel != "" {
		if _, ok := loggo.ParseLevel(opts.matterLogLevel); !ok {
			return errors.NotValidf("matter log level %q", opts.matterLogLevel)
		}
	}
	return nil
}

func (opts options) mode() mode.Mode {
	switch {
	case opts.bridge:
		return mode.Bridge
	case opts.childbridge:
		return mode.Childbridge
	case opts.controller:
		return mode.Controller
	case opts.test:
		return mode.Test
	}
	return ""
}

// envInterval reads a millisecond interval from the environment; an
// unset or malformed value yields zero, leaving the default in place.
func envInterval(name string) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return 0
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		logger.Warningf(context.Background(), "ignoring %s=%q: not a millisecond count", name, raw)
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// instanceMutexName derives the machine-wide mutex name guarding the
// homedir profile against a second daemon.
func instanceMutexName(profile string) string {
	name := "matterbridged"
	if profile != "" {
		var b strings.Builder
		for _, r := range profile {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			name += "-" + b.String()
		}
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name
}

func setupLogging(base string, opts options, hub *pubsub.SimpleHub) error {
	_, _ = loggo.RemoveWriter("logfile")
	_, _ = loggo.RemoveWriter("hub")
	loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(os.Stderr, loggo.DefaultFormatter))

	if err := loggo.RegisterWriter("logfile", loggo.NewSimpleWriter(&lumberjack.Logger{
		Filename:   filepath.Join(base, "matterbridged.log"),
		MaxSize:    10, // MB
		MaxBackups: 3,
		Compress:   true,
	}, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}
	if err := loggo.RegisterWriter("hub", internallogger.NewHubWriter(hub, loggo.INFO)); err != nil {
		return errors.Trace(err)
	}
	if opts.logLevel != "" {
		if err := loggo.ConfigureLoggers("matterbridged=" + opts.logLevel); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Main is the testable entry point. It returns the process exit code.
func Main(args []string) int {
	opts, err := parseArgs(args)
	if err == gnuflag.ErrHelp {
		var dummy options
		f := newFlagSet(&dummy)
		f.SetOutput(os.Stderr)
		f.PrintDefaults()
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "matterbridged: %v\n", err)
		return 2
	}
	if opts.showVersion {
		fmt.Fprintln(os.Stdout, version.Current)
		return 0
	}
	if err := run(opts); err != nil {
		logger.Criticalf(context.Background(), "%v", err)
		return 1
	}
	return 0
}

func run(opts options) error {
	ctx := context.Background()
	base := filepath.Join(opts.homeDir, ".matterbridge")
	if err := os.MkdirAll(base, 0700); err != nil {
		return errors.Annotate(err, "creating state directory")
	}

	// One daemon per homedir profile.
	releaser, err := mutex.Acquire(mutex.Spec{
		Name:    instanceMutexName(opts.profile),
		Clock:   clock.WallClock,
		Delay:   250 * time.Millisecond,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return errors.Annotate(err, "another matterbridged instance holds this profile")
	}
	defer releaser.Release()

	hub := pubsub.NewSimpleHub(nil)
	if err := setupLogging(base, opts, hub); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	cfg := bridge.Config{
		Mode:             opts.mode(),
		HomeDir:          opts.homeDir,
		Profile:          opts.profile,
		MatterPort:       opts.matterPort,
		Passcode:         uint32(opts.passcode),
		Discriminator:    uint16(opts.discriminator),
		FrontendPort:     opts.frontendPort,
		Clock:            clock.WallClock,
		Hub:              hub,
		Logger:           internallogger.GetLogger("matterbridged"),
		SSL:              opts.ssl,
		MDNSInterface:    opts.mdnsInterface,
		IPv4Address:      opts.ipv4Address,
		IPv6Address:      opts.ipv6Address,
		LogLevel:         opts.logLevel,
		MatterLogLevel:   opts.matterLogLevel,
		NoVirtual:        opts.noVirtual,
		Docker:           opts.docker,
		NoSudo:           opts.noSudo,
		MemoryCheck:      opts.memoryCheck,
		Inspect:          opts.inspect,
		SnapshotInterval: time.Duration(opts.snapshotIntervalMS) * time.Millisecond,
		StartInterval:    envInterval(startIntervalEnv),
		PauseInterval:    envInterval(pauseIntervalEnv),
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		w, err := bridge.NewWorker(cfg)
		if err != nil {
			return errors.Annotate(err, "starting bridge")
		}
		done := make(chan error, 1)
		go func() { done <- w.Wait() }()

		select {
		case sig := <-sigs:
			logger.Infof(ctx, "caught %v, destroying bridge", sig)
			// A second signal skips the cleanup sequence entirely.
			go func() {
				sig := <-sigs
				fmt.Fprintf(os.Stderr, "matterbridged: caught %v again, exiting now\n", sig)
				os.Exit(1)
			}()
			dctx, cancel := context.WithTimeout(ctx, destroyTimeout)
			err = w.Destroy(dctx)
			cancel()
			if err != nil {
				logger.Warningf(ctx, "cleanup incomplete: %v", err)
			}
			<-done
			return nil
		case err = <-done:
		}

		switch {
		case errors.Is(err, bridge.ErrRestartRequested), errors.Is(err, internalworker.ErrRestartBridge):
			logger.Infof(ctx, "bridge restart requested")
		case err == nil, errors.Is(err, internalworker.ErrTerminateBridge):
			return nil
		default:
			return errors.Trace(err)
		}
	}
}
