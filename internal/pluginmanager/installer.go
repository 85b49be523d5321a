// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package pluginmanager

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/version/v2"
	"github.com/kballard/go-shellquote"

	"github.com/matterbridge/matterbridged/internal/pubsub"
)

// Spawner runs an external command, streaming its combined output a
// line at a time. It exists so the suites never shell out.
type Spawner interface {
	Run(ctx context.Context, bin string, args []string, out func(line string)) error
}

// ExecSpawner is the production Spawner.
type ExecSpawner struct{}

// Run implements Spawner over os/exec.
func (ExecSpawner) Run(ctx context.Context, bin string, args []string, out func(string)) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return errors.Trace(err)
	}
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			out(scanner.Text())
		}
	}()
	err := cmd.Wait()
	pw.Close()
	<-scanned
	pr.Close()
	return errors.Trace(err)
}

// Install installs a package through the external package tool,
// streaming progress to the frontend.
func (m *Manager) Install(ctx context.Context, pkg string) error {
	args := []string{"install", "-g", pkg, "--omit=dev"}
	if m.cfg.Docker {
		args = append(args, "--global-style")
	}
	if err := m.npm(ctx, args); err != nil {
		m.publishSnackbar(fmt.Sprintf("Failed to install %s: %v", pkg, err), pubsub.SeverityError)
		return errors.Annotatef(err, "installing %q", pkg)
	}
	m.publishSnackbar(fmt.Sprintf("Installed %s", pkg), pubsub.SeverityInfo)
	return nil
}

// Uninstall removes a package through the external package tool.
func (m *Manager) Uninstall(ctx context.Context, pkg string) error {
	args := []string{"uninstall", "-g", pkg}
	if m.cfg.Docker {
		args = append(args, "--global-style")
	}
	if err := m.npm(ctx, args); err != nil {
		m.publishSnackbar(fmt.Sprintf("Failed to uninstall %s: %v", pkg, err), pubsub.SeverityError)
		return errors.Annotatef(err, "uninstalling %q", pkg)
	}
	m.publishSnackbar(fmt.Sprintf("Uninstalled %s", pkg), pubsub.SeverityInfo)
	return nil
}

// CheckUpdates asks the package registry for the latest published
// bridge version and broadcasts when it is newer than the running
// one. It returns the published version.
func (m *Manager) CheckUpdates(ctx context.Context) (version.Number, error) {
	var last string
	err := m.cfg.Spawner.Run(ctx, "npm", []string{"view", "matterbridge", "version"}, func(line string) {
		if line = strings.TrimSpace(line); line != "" {
			last = line
		}
	})
	if err != nil {
		return version.Zero, errors.Annotate(err, "checking for updates")
	}
	if last == "" {
		return version.Zero, errors.NotFoundf("published version")
	}
	latest, err := version.Parse(last)
	if err != nil {
		return version.Zero, errors.Annotatef(err, "parsing published version %q", last)
	}
	if m.cfg.Version.Compare(latest) < 0 {
		m.cfg.Logger.Infof(ctx, "update available: %s (running %s)", latest, m.cfg.Version)
		m.cfg.Hub.Publish(pubsub.UpdateRequiredTopic, pubsub.UpdateAvailable{
			Current: m.cfg.Version.String(),
			Latest:  latest.String(),
		})
	}
	return latest, nil
}

// npm builds and runs the package tool command line, respecting the
// sudo and extra-args settings. Every output line is streamed to the
// frontend as a log broadcast.
func (m *Manager) npm(ctx context.Context, args []string) error {
	if m.cfg.InstallArgs != "" {
		extra, err := shellquote.Split(m.cfg.InstallArgs)
		if err != nil {
			return errors.Annotate(err, "parsing extra package tool arguments")
		}
		args = append(args, extra...)
	}
	bin := "npm"
	if !m.cfg.NoSudo {
		args = append([]string{bin}, args...)
		bin = "sudo"
	}
	m.cfg.Logger.Infof(ctx, "running %s %s", bin, strings.Join(args, " "))
	return errors.Trace(m.cfg.Spawner.Run(ctx, bin, args, func(line string) {
		m.cfg.Logger.Debugf(ctx, "%s", line)
		m.cfg.Hub.Publish(pubsub.LogTopic, pubsub.LogMessage{
			When:    m.cfg.Clock.Now(),
			Level:   "info",
			Module:  "spawn",
			Message: line,
		})
	}))
}

func (m *Manager) publishSnackbar(message, severity string) {
	m.cfg.Hub.Publish(pubsub.SnackbarTopic, pubsub.Snackbar{
		Message:  message,
		Severity: severity,
	})
}
