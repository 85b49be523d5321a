// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mocks_test

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/plugin"
	loggertesting "github.com/matterbridge/matterbridged/internal/logger/testing"
	"github.com/matterbridge/matterbridged/internal/platform"
	_ "github.com/matterbridge/matterbridged/internal/platform/mocks"
	"github.com/matterbridge/matterbridged/internal/testing"
)

type MocksSuite struct {
	testing.BaseSuite
}

var _ = gc.Suite(&MocksSuite{})

// fakeRegistrar records everything a platform does to it.
type fakeRegistrar struct {
	mu      sync.Mutex
	order   []string
	devices map[string]*device.Device
	attrs   []string
	events  []string
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{devices: make(map[string]*device.Device)}
}

func (r *fakeRegistrar) RegisterDevice(ctx context.Context, d *device.Device) error {
	if err := d.Validate(); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.Key]; ok {
		return errors.AlreadyExistsf("device %q", d.Key)
	}
	r.devices[d.Key] = d
	r.order = append(r.order, d.Key)
	return nil
}

func (r *fakeRegistrar) UnregisterDevice(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, key)
	return nil
}

func (r *fakeRegistrar) UnregisterAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = make(map[string]*device.Device)
	return nil
}

func (r *fakeRegistrar) SetAttribute(ctx context.Context, key string, cluster, attr uint32, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[key]; !ok {
		return errors.NotFoundf("device %q", key)
	}
	r.attrs = append(r.attrs, fmt.Sprintf("%s %#x.%#x=%v", key, cluster, attr, value))
	return nil
}

func (r *fakeRegistrar) TriggerEvent(ctx context.Context, key, event string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[key]; !ok {
		return errors.NotFoundf("device %q", key)
	}
	r.events = append(r.events, fmt.Sprintf("%s %s", key, event))
	return nil
}

func (s *MocksSuite) build(c *gc.C, name string, config map[string]any) (plugin.Platform, *fakeRegistrar) {
	def, err := platform.Lookup(name)
	c.Assert(err, jc.ErrorIsNil)
	coerced, err := def.CoerceConfig(config)
	c.Assert(err, jc.ErrorIsNil)
	registrar := newFakeRegistrar()
	p, err := def.New(platform.Params{
		Name:      name,
		Registrar: registrar,
		Logger:    loggertesting.WrapCheckLog(c),
		Config:    coerced,
	})
	c.Assert(err, jc.ErrorIsNil)
	return p, registrar
}

func (s *MocksSuite) TestLightsRegistersTwo(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock1", nil)
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.DeepEquals, []string{
		"matterbridge-mock1:light-1",
		"matterbridge-mock1:light-2",
	})
	d := registrar.devices["matterbridge-mock1:light-1"]
	c.Assert(d.HasType(device.TypeOnOffLight), jc.IsTrue)
	c.Assert(d.HasCluster(device.ClusterOnOff), jc.IsTrue)
	v, ok := d.Attribute(device.ClusterOnOff, 0x0000)
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, false)
}

func (s *MocksSuite) TestSwitchesDefaultCount(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock2", nil)
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.HasLen, 3)
	c.Assert(registrar.order[2], gc.Equals, "matterbridge-mock2:switch-3")
}

func (s *MocksSuite) TestSwitchesConfiguredCount(c *gc.C) {
	// Raw config arrives as JSON numbers.
	p, registrar := s.build(c, "matterbridge-mock2", map[string]any{"count": float64(5)})
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.HasLen, 5)
}

func (s *MocksSuite) TestSwitchesNegativeCount(c *gc.C) {
	def, err := platform.Lookup("matterbridge-mock2")
	c.Assert(err, jc.ErrorIsNil)
	coerced, err := def.CoerceConfig(map[string]any{"count": float64(-1)})
	c.Assert(err, jc.ErrorIsNil)
	_, err = def.New(platform.Params{
		Name:      "matterbridge-mock2",
		Registrar: newFakeRegistrar(),
		Logger:    loggertesting.WrapCheckLog(c),
		Config:    coerced,
	})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, `switch count -1 not valid`)
}

func (s *MocksSuite) TestSwitchesHandlesActions(c *gc.C) {
	p, _ := s.build(c, "matterbridge-mock2", nil)
	handler, ok := p.(plugin.ActionHandler)
	c.Assert(ok, jc.IsTrue)
	err := handler.OnAction(context.Background(), "toggle", "on", "switch-1", nil)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *MocksSuite) TestSensorsRegistersOutletAndContact(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock3", nil)
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.DeepEquals, []string{
		"matterbridge-mock3:outlet",
		"matterbridge-mock3:contact",
	})
	outlet := registrar.devices["matterbridge-mock3:outlet"]
	c.Assert(outlet.HasType(device.TypeOnOffOutlet), jc.IsTrue)
	c.Assert(outlet.HasType(device.TypePowerSource), jc.IsTrue)
}

func (s *MocksSuite) TestSensorsConfigurePrimesContact(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock3", nil)
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	err = p.OnConfigure(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.attrs, gc.DeepEquals, []string{
		"matterbridge-mock3:contact 0x45.0x0=true",
	})
}

func (s *MocksSuite) TestAccessoryRegistersSingleSensor(c *gc.C) {
	def, err := platform.Lookup("matterbridge-mock4")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(def.Type, gc.Equals, plugin.AccessoryPlatform)

	p, registrar := s.build(c, "matterbridge-mock4", nil)
	err = p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.DeepEquals, []string{"matterbridge-mock4:temperature"})
	d := registrar.devices["matterbridge-mock4:temperature"]
	v, ok := d.Attribute(device.ClusterTemperatureMeasurement, 0x0000)
	c.Assert(ok, jc.IsTrue)
	c.Assert(v, gc.Equals, 2150.0)
}

func (s *MocksSuite) TestComposedRegistersParentFirst(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock5", nil)
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.DeepEquals, []string{
		"matterbridge-mock5:climate",
		"matterbridge-mock5:climate:temperature",
		"matterbridge-mock5:climate:humidity",
	})
	c.Assert(registrar.devices["matterbridge-mock5:climate"].ParentKey, gc.Equals, "")
	c.Assert(registrar.devices["matterbridge-mock5:climate:temperature"].ParentKey,
		gc.Equals, "matterbridge-mock5:climate")
	c.Assert(registrar.devices["matterbridge-mock5:climate:humidity"].ParentKey,
		gc.Equals, "matterbridge-mock5:climate")
}

func (s *MocksSuite) TestFlakyHealthy(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock6", nil)
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(registrar.order, gc.DeepEquals, []string{"matterbridge-mock6:light"})
	err = p.OnConfigure(context.Background())
	c.Assert(err, jc.ErrorIsNil)
}

func (s *MocksSuite) TestFlakyFailStart(c *gc.C) {
	p, registrar := s.build(c, "matterbridge-mock6", map[string]any{"failStart": true})
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, gc.ErrorMatches, "mock start failure")
	c.Assert(registrar.order, gc.HasLen, 0)
}

func (s *MocksSuite) TestFlakyFailConfigure(c *gc.C) {
	p, _ := s.build(c, "matterbridge-mock6", map[string]any{"failConfigure": true})
	err := p.OnStart(context.Background(), "test")
	c.Assert(err, jc.ErrorIsNil)
	err = p.OnConfigure(context.Background())
	c.Assert(err, gc.ErrorMatches, "mock configure failure")
}
