// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package pluginmanager_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	jujutesting "github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/version/v2"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/internal/pluginmanager"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
	"github.com/matterbridge/matterbridged/internal/testing"
)

// stubSpawner records command lines instead of shelling out, replaying
// a scripted transcript to the output callback.
type stubSpawner struct {
	stub  *jujutesting.Stub
	lines []string
}

func (s *stubSpawner) Run(ctx context.Context, bin string, args []string, out func(string)) error {
	s.stub.AddCall("Run", bin, args)
	for _, line := range s.lines {
		out(line)
	}
	return s.stub.NextErr()
}

func (s *ManagerSuite) expectSnackbar(c *gc.C, severity, message string) {
	select {
	case got := <-s.snackbars:
		c.Check(got.Severity, gc.Equals, severity)
		c.Check(got.Message, gc.Matches, message)
	case <-time.After(testing.LongWait):
		c.Fatalf("no snackbar broadcast")
	}
}

func (s *ManagerSuite) TestInstall(c *gc.C) {
	mgr := s.newManager(c, mode.Bridge)
	err := mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "Run", Args: []interface{}{"sudo", []string{"npm", "install", "-g", "matterbridge-hass", "--omit=dev"}}},
	})
	s.expectSnackbar(c, internalpubsub.SeverityInfo, "Installed matterbridge-hass")
}

func (s *ManagerSuite) TestInstallNoSudo(c *gc.C) {
	cfg := s.config(mode.Bridge)
	cfg.NoSudo = true
	mgr, err := pluginmanager.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, mgr)

	err = mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "Run", Args: []interface{}{"npm", []string{"install", "-g", "matterbridge-hass", "--omit=dev"}}},
	})
}

func (s *ManagerSuite) TestInstallDocker(c *gc.C) {
	cfg := s.config(mode.Bridge)
	cfg.NoSudo = true
	cfg.Docker = true
	mgr, err := pluginmanager.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, mgr)

	err = mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "Run", Args: []interface{}{"npm", []string{"install", "-g", "matterbridge-hass", "--omit=dev", "--global-style"}}},
	})
}

func (s *ManagerSuite) TestInstallExtraArgs(c *gc.C) {
	cfg := s.config(mode.Bridge)
	cfg.NoSudo = true
	cfg.InstallArgs = `--registry "https://example.com/npm"`
	mgr, err := pluginmanager.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, mgr)

	err = mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "Run", Args: []interface{}{"npm", []string{
			"install", "-g", "matterbridge-hass", "--omit=dev",
			"--registry", "https://example.com/npm",
		}}},
	})
}

func (s *ManagerSuite) TestInstallBadExtraArgs(c *gc.C) {
	cfg := s.config(mode.Bridge)
	cfg.InstallArgs = `--registry "unterminated`
	mgr, err := pluginmanager.NewManager(cfg)
	c.Assert(err, jc.ErrorIsNil)
	defer workertest.CleanKill(c, mgr)

	err = mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, gc.ErrorMatches, `installing "matterbridge-hass": parsing extra package tool arguments: .*`)
	s.stub.CheckNoCalls(c)
}

func (s *ManagerSuite) TestInstallStreamsOutput(c *gc.C) {
	logs := make(chan internalpubsub.LogMessage, 16)
	unsub := s.hub.Subscribe(internalpubsub.LogTopic, func(_ string, data interface{}) {
		logs <- data.(internalpubsub.LogMessage)
	})
	defer unsub()

	s.spawner.lines = []string{"added 1 package in 3s", "found 0 vulnerabilities"}
	mgr := s.newManager(c, mode.Bridge)
	err := mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, jc.ErrorIsNil)

	for _, want := range s.spawner.lines {
		select {
		case got := <-logs:
			c.Check(got.Message, gc.Equals, want)
			c.Check(got.Module, gc.Equals, "spawn")
			c.Check(got.Level, gc.Equals, "info")
			c.Check(got.When, gc.Equals, s.clock.Now())
		case <-time.After(testing.LongWait):
			c.Fatalf("output line %q never broadcast", want)
		}
	}
}

func (s *ManagerSuite) TestInstallFailure(c *gc.C) {
	s.stub.SetErrors(errors.Errorf("npm exploded"))
	mgr := s.newManager(c, mode.Bridge)
	err := mgr.Install(context.Background(), "matterbridge-hass")
	c.Assert(err, gc.ErrorMatches, `installing "matterbridge-hass": npm exploded`)
	s.expectSnackbar(c, internalpubsub.SeverityError, "Failed to install matterbridge-hass: npm exploded")
}

func (s *ManagerSuite) TestUninstall(c *gc.C) {
	mgr := s.newManager(c, mode.Bridge)
	err := mgr.Uninstall(context.Background(), "matterbridge-hass")
	c.Assert(err, jc.ErrorIsNil)
	s.stub.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "Run", Args: []interface{}{"sudo", []string{"npm", "uninstall", "-g", "matterbridge-hass"}}},
	})
	s.expectSnackbar(c, internalpubsub.SeverityInfo, "Uninstalled matterbridge-hass")
}

func (s *ManagerSuite) TestUninstallFailure(c *gc.C) {
	s.stub.SetErrors(errors.Errorf("nope"))
	mgr := s.newManager(c, mode.Bridge)
	err := mgr.Uninstall(context.Background(), "matterbridge-hass")
	c.Assert(err, gc.ErrorMatches, `uninstalling "matterbridge-hass": nope`)
	s.expectSnackbar(c, internalpubsub.SeverityError, "Failed to uninstall matterbridge-hass: nope")
}

func (s *ManagerSuite) TestCheckUpdatesNewer(c *gc.C) {
	updates := make(chan internalpubsub.UpdateAvailable, 1)
	unsub := s.hub.Subscribe(internalpubsub.UpdateRequiredTopic, func(_ string, data interface{}) {
		updates <- data.(internalpubsub.UpdateAvailable)
	})
	defer unsub()

	s.spawner.lines = []string{"", "3.9.9", ""}
	mgr := s.newManager(c, mode.Bridge)
	latest, err := mgr.CheckUpdates(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(latest, gc.DeepEquals, version.MustParse("3.9.9"))

	// The registry is queried without sudo.
	s.stub.CheckCalls(c, []jujutesting.StubCall{
		{FuncName: "Run", Args: []interface{}{"npm", []string{"view", "matterbridge", "version"}}},
	})
	select {
	case got := <-updates:
		c.Check(got, gc.DeepEquals, internalpubsub.UpdateAvailable{
			Current: "3.0.0",
			Latest:  "3.9.9",
		})
	case <-time.After(testing.LongWait):
		c.Fatalf("no update broadcast")
	}
}

func (s *ManagerSuite) TestCheckUpdatesAlreadyCurrent(c *gc.C) {
	updates := make(chan internalpubsub.UpdateAvailable, 1)
	unsub := s.hub.Subscribe(internalpubsub.UpdateRequiredTopic, func(_ string, data interface{}) {
		updates <- data.(internalpubsub.UpdateAvailable)
	})
	defer unsub()

	s.spawner.lines = []string{"3.0.0"}
	mgr := s.newManager(c, mode.Bridge)
	latest, err := mgr.CheckUpdates(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Check(latest, gc.DeepEquals, version.MustParse("3.0.0"))
	select {
	case got := <-updates:
		c.Fatalf("unexpected update broadcast %#v", got)
	case <-time.After(testing.ShortWait):
	}
}

func (s *ManagerSuite) TestCheckUpdatesUnparseable(c *gc.C) {
	s.spawner.lines = []string{"not-a-version"}
	mgr := s.newManager(c, mode.Bridge)
	_, err := mgr.CheckUpdates(context.Background())
	c.Assert(err, gc.ErrorMatches, `parsing published version "not-a-version": .*`)
}

func (s *ManagerSuite) TestCheckUpdatesNoOutput(c *gc.C) {
	mgr := s.newManager(c, mode.Bridge)
	_, err := mgr.CheckUpdates(context.Background())
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Assert(err, gc.ErrorMatches, "published version not found")
}

func (s *ManagerSuite) TestCheckUpdatesCommandFails(c *gc.C) {
	s.stub.SetErrors(errors.Errorf("registry unreachable"))
	mgr := s.newManager(c, mode.Bridge)
	_, err := mgr.CheckUpdates(context.Background())
	c.Assert(err, gc.ErrorMatches, "checking for updates: registry unreachable")
}
