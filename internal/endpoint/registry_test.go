// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package endpoint_test

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/internal/endpoint"
	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/engine/dummy"
	internallogger "github.com/matterbridge/matterbridged/internal/logger"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
	"github.com/matterbridge/matterbridged/internal/storage"
	"github.com/matterbridge/matterbridged/internal/testing"
)

type RegistrySuite struct {
	testing.BaseSuite

	hub      *pubsub.SimpleHub
	node     engine.ServerNode
	agg      engine.Aggregator
	registry *endpoint.Registry

	added   chan internalpubsub.DeviceChange
	removed chan internalpubsub.DeviceChange
	events  chan internalpubsub.DeviceEvent
}

var _ = gc.Suite(&RegistrySuite{})

func (s *RegistrySuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)

	mgr, err := storage.NewManager(
		filepath.Join(c.MkDir(), "matterstorage"),
		internallogger.GetLogger("matterbridged.storage"),
	)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = mgr.Close() })

	eng, err := dummy.NewEngine(dummy.Config{
		Storage: mgr,
		Clock:   clock.WallClock,
		Logger:  internallogger.GetLogger("matterbridged.engine.dummy"),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = eng.Close(context.Background()) })

	ctx := context.Background()
	s.node, err = eng.CreateServerNode(ctx, engine.NodeConfig{
		ID:            "Matterbridge",
		Port:          5540,
		Passcode:      20242025,
		Discriminator: 3840,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.agg, err = eng.CreateAggregator(ctx, "Matterbridge aggregator")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(s.node.Attach(ctx, s.agg), jc.ErrorIsNil)

	s.hub = pubsub.NewSimpleHub(nil)
	s.added = make(chan internalpubsub.DeviceChange, 16)
	s.removed = make(chan internalpubsub.DeviceChange, 16)
	s.events = make(chan internalpubsub.DeviceEvent, 16)
	unsub := s.hub.Subscribe(internalpubsub.DeviceAddedTopic, func(_ string, data interface{}) {
		s.added <- data.(internalpubsub.DeviceChange)
	})
	s.AddCleanup(func(*gc.C) { unsub() })
	unsub = s.hub.Subscribe(internalpubsub.DeviceRemovedTopic, func(_ string, data interface{}) {
		s.removed <- data.(internalpubsub.DeviceChange)
	})
	s.AddCleanup(func(*gc.C) { unsub() })
	unsub = s.hub.Subscribe(internalpubsub.DeviceEventTopic, func(_ string, data interface{}) {
		s.events <- data.(internalpubsub.DeviceEvent)
	})
	s.AddCleanup(func(*gc.C) { unsub() })

	s.registry, err = endpoint.NewRegistry(endpoint.RegistryConfig{
		Hub:    s.hub,
		Logger: internallogger.GetLogger("matterbridged.endpoint"),
	})
	c.Assert(err, jc.ErrorIsNil)
}

func (s *RegistrySuite) newDevice(key string) *device.Device {
	return &device.Device{
		Key:   key,
		Name:  "Device " + key,
		Types: []device.DeviceType{{Code: device.TypeOnOffLight, Revision: 3}},
	}
}

func (s *RegistrySuite) waitAdded(c *gc.C) internalpubsub.DeviceChange {
	select {
	case change := <-s.added:
		return change
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for device added broadcast")
	}
	return internalpubsub.DeviceChange{}
}

func (s *RegistrySuite) waitRemoved(c *gc.C) internalpubsub.DeviceChange {
	select {
	case change := <-s.removed:
		return change
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for device removed broadcast")
	}
	return internalpubsub.DeviceChange{}
}

func (s *RegistrySuite) TestRegister(c *gc.C) {
	ep, err := s.registry.Register(context.Background(), "matterbridge-mock1", s.newDevice("light-1"), s.agg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ep.Number(), gc.Equals, uint32(1))

	change := s.waitAdded(c)
	c.Check(change.PluginName, gc.Equals, "matterbridge-mock1")
	c.Check(change.Key, gc.Equals, "light-1")

	c.Check(s.registry.Count(), gc.Equals, 1)
	c.Check(s.registry.CountByPlugin("matterbridge-mock1"), gc.Equals, 1)
	devices := s.registry.ByPlugin("matterbridge-mock1")
	c.Assert(devices, gc.HasLen, 1)
	c.Check(devices[0].Key, gc.Equals, "light-1")
	c.Check(devices[0].PluginName, gc.Equals, "matterbridge-mock1")
}

func (s *RegistrySuite) TestRegisterValidates(c *gc.C) {
	_, err := s.registry.Register(context.Background(), "matterbridge-mock1", &device.Device{}, s.agg)
	c.Check(err, gc.ErrorMatches, "device with empty key not valid")

	_, err = s.registry.Register(context.Background(), "", s.newDevice("light-1"), s.agg)
	c.Check(err, gc.ErrorMatches, "empty plugin name not valid")

	_, err = s.registry.Register(context.Background(), "matterbridge-mock1", s.newDevice("light-1"), nil)
	c.Check(err, gc.ErrorMatches, "nil parent not valid")
}

func (s *RegistrySuite) TestRegisterDuplicateKeyAcrossPlugins(c *gc.C) {
	_, err := s.registry.Register(context.Background(), "matterbridge-mock1", s.newDevice("light-1"), s.agg)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.registry.Register(context.Background(), "matterbridge-mock2", s.newDevice("light-1"), s.agg)
	c.Assert(err, jc.ErrorIs, endpoint.ErrDuplicateKey)
	c.Check(err, gc.ErrorMatches, `device "light-1" is already registered by plugin "matterbridge-mock1": duplicate device key`)

	// The first registration is untouched.
	c.Check(s.registry.Count(), gc.Equals, 1)
	c.Check(s.registry.CountByPlugin("matterbridge-mock1"), gc.Equals, 1)
	c.Check(s.registry.CountByPlugin("matterbridge-mock2"), gc.Equals, 0)
}

func (s *RegistrySuite) TestUnregister(c *gc.C) {
	_, err := s.registry.Register(context.Background(), "matterbridge-mock1", s.newDevice("light-1"), s.agg)
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(s.registry.Unregister(context.Background(), "matterbridge-mock1", "light-1"), jc.ErrorIsNil)
	change := s.waitRemoved(c)
	c.Check(change.Key, gc.Equals, "light-1")
	c.Check(s.registry.Count(), gc.Equals, 0)
	c.Check(s.agg.Size(), gc.Equals, 0)
}

func (s *RegistrySuite) TestUnregisterUnknownKeySucceeds(c *gc.C) {
	writer := s.CaptureLogs(c)
	err := s.registry.Unregister(context.Background(), "matterbridge-mock1", "ghost")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(testing.LogContains(writer.Log(), `unregister of unknown device "ghost"`), jc.IsTrue)
}

func (s *RegistrySuite) TestUnregisterAll(c *gc.C) {
	for _, key := range []string{"light-1", "light-2", "light-3"} {
		_, err := s.registry.Register(context.Background(), "matterbridge-mock1", s.newDevice(key), s.agg)
		c.Assert(err, jc.ErrorIsNil)
	}
	c.Check(s.agg.Size(), gc.Equals, 3)

	c.Assert(s.registry.UnregisterAll(context.Background(), "matterbridge-mock1"), jc.ErrorIsNil)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		seen[s.waitRemoved(c).Key] = true
	}
	c.Check(seen, jc.DeepEquals, map[string]bool{"light-1": true, "light-2": true, "light-3": true})
	c.Check(s.registry.CountByPlugin("matterbridge-mock1"), gc.Equals, 0)
	c.Check(s.agg.Size(), gc.Equals, 0)
}

func (s *RegistrySuite) TestAttributes(c *gc.C) {
	d := s.newDevice("light-1")
	d.SetAttribute(device.ClusterOnOff, 0x0000, false)
	_, err := s.registry.Register(context.Background(), "matterbridge-mock1", d, s.agg)
	c.Assert(err, jc.ErrorIsNil)

	err = s.registry.SetAttribute(context.Background(), "light-1", device.ClusterOnOff, 0x0000, true)
	c.Assert(err, jc.ErrorIsNil)
	v, err := s.registry.GetAttribute(context.Background(), "light-1", device.ClusterOnOff, 0x0000)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, true)

	c.Check(s.registry.HasCluster("light-1", device.ClusterOnOff), jc.IsTrue)
	c.Check(s.registry.HasCluster("light-1", device.ClusterSwitch), jc.IsFalse)
	c.Check(s.registry.HasCluster("ghost", device.ClusterOnOff), jc.IsFalse)

	err = s.registry.SetAttribute(context.Background(), "ghost", device.ClusterOnOff, 0x0000, true)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *RegistrySuite) TestTriggerEvent(c *gc.C) {
	d := &device.Device{
		Key:   "switch-1",
		Name:  "Switch",
		Types: []device.DeviceType{{Code: device.TypeGenericSwitch, Revision: 1}},
	}
	_, err := s.registry.Register(context.Background(), "matterbridge-mock2", d, s.agg)
	c.Assert(err, jc.ErrorIsNil)

	err = s.registry.TriggerEvent(context.Background(), "switch-1", "initialPress", map[string]any{"newPosition": 1})
	c.Assert(err, jc.ErrorIsNil)

	select {
	case ev := <-s.events:
		c.Check(ev.Key, gc.Equals, "switch-1")
		c.Check(ev.Event, gc.Equals, "initialPress")
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for device event broadcast")
	}
}

func (s *RegistrySuite) TestComposedDevice(c *gc.C) {
	parent := &device.Device{
		Key:   "hub-1",
		Name:  "Hub",
		Types: []device.DeviceType{{Code: device.TypeBridgedNode, Revision: 2}},
	}
	_, err := s.registry.Register(context.Background(), "matterbridge-mock5", parent, s.agg)
	c.Assert(err, jc.ErrorIsNil)

	child := &device.Device{
		Key:       "hub-1:temperature",
		Name:      "Hub Temperature",
		ParentKey: "hub-1",
		Types:     []device.DeviceType{{Code: device.TypeTemperatureSensor, Revision: 2}},
	}
	ep, err := s.registry.Register(context.Background(), "matterbridge-mock5", child, s.agg)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ep.Number(), gc.Equals, uint32(2))

	orphan := &device.Device{
		Key:       "lost",
		ParentKey: "ghost",
		Types:     []device.DeviceType{{Code: device.TypeTemperatureSensor, Revision: 2}},
	}
	_, err = s.registry.Register(context.Background(), "matterbridge-mock5", orphan, s.agg)
	c.Assert(err, jc.ErrorIs, errors.NotFound)

	// Unregistering the parent leaves the child record to its own
	// unregister; engine-side the child went with its parent.
	c.Assert(s.registry.Unregister(context.Background(), "matterbridge-mock5", "hub-1"), jc.ErrorIsNil)
	c.Assert(s.registry.Unregister(context.Background(), "matterbridge-mock5", "hub-1:temperature"), jc.ErrorIsNil)
	c.Check(s.registry.Count(), gc.Equals, 0)
}
