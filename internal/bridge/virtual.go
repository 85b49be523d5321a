// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/version"
	"github.com/matterbridge/matterbridged/internal/endpoint"
	"github.com/matterbridge/matterbridged/internal/engine"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
)

// Virtual control device keys, owned by the reserved Matterbridge
// plugin name so they are never counted against a real plugin.
const (
	virtualRestartKey = bridgeNodeID + ":restart"
	virtualUpdateKey  = bridgeNodeID + ":update"
)

// revertDelay is how long a virtual device stays on after being
// operated before snapping back to off.
const revertDelay = 500 * time.Millisecond

type virtualConfig struct {
	Mode     string
	Registry *endpoint.Registry
	Hub      Hub
	Clock    clock.Clock
	Logger   corelogger.Logger
}

// virtualDevices exposes "Restart Matterbridge" and "Update
// Matterbridge" as controllable devices. Operating one raises the
// matching broadcast and reverts the on/off attribute shortly after,
// so the device reads as a momentary button whatever its type.
type virtualDevices struct {
	cfg   virtualConfig
	unsub func()
}

func newVirtualDevices(cfg virtualConfig) (*virtualDevices, error) {
	if err := validVirtualMode(cfg.Mode); err != nil {
		return nil, errors.Trace(err)
	}
	return &virtualDevices{cfg: cfg}, nil
}

func (v *virtualDevices) register(ctx context.Context, parent engine.Parent) error {
	deviceType := device.DeviceType{Code: device.TypeOnOffOutlet, Revision: 3}
	switch v.cfg.Mode {
	case VirtualLight:
		deviceType = device.DeviceType{Code: device.TypeOnOffLight, Revision: 3}
	case VirtualSwitch:
		deviceType = device.DeviceType{Code: device.TypeGenericSwitch, Revision: 3}
	case VirtualMountedSwitch:
		deviceType = device.DeviceType{Code: device.TypeMountedOnOffSwitch, Revision: 1}
	}
	for key, name := range map[string]string{
		virtualRestartKey: "Restart Matterbridge",
		virtualUpdateKey:  "Update Matterbridge",
	} {
		d := &device.Device{
			Key:   key,
			Name:  name,
			Types: []device.DeviceType{deviceType},
		}
		d.SetAttribute(device.ClusterOnOff, 0x0000, false)
		if _, err := v.cfg.Registry.Register(ctx, bridgeNodeID, d, parent); err != nil {
			return errors.Trace(err)
		}
	}
	v.unsub = v.cfg.Hub.Subscribe(internalpubsub.DeviceEventTopic, v.onDeviceEvent)
	return nil
}

func (v *virtualDevices) onDeviceEvent(_ string, data interface{}) {
	ev, ok := data.(internalpubsub.DeviceEvent)
	if !ok || ev.Event != "on" {
		return
	}
	ctx := context.Background()
	switch ev.Key {
	case virtualRestartKey:
		v.cfg.Hub.Publish(internalpubsub.RestartRequiredTopic, nil)
	case virtualUpdateKey:
		v.cfg.Hub.Publish(internalpubsub.UpdateRequiredTopic, internalpubsub.UpdateAvailable{
			Current: version.Current.String(),
		})
	default:
		return
	}
	v.cfg.Logger.Infof(ctx, "virtual device %q operated", ev.Key)

	// Arm the revert before flipping the attribute on, so anyone who
	// observes the on state knows the timer is already running.
	key := ev.Key
	v.cfg.Clock.AfterFunc(revertDelay, func() {
		if err := v.cfg.Registry.SetAttribute(context.Background(), key, device.ClusterOnOff, 0x0000, false); err != nil {
			v.cfg.Logger.Debugf(context.Background(), "reverting virtual device %q: %v", key, err)
		}
	})
	if err := v.cfg.Registry.SetAttribute(ctx, key, device.ClusterOnOff, 0x0000, true); err != nil {
		v.cfg.Logger.Debugf(ctx, "flipping virtual device %q: %v", key, err)
	}
}

func (v *virtualDevices) close() {
	if v.unsub != nil {
		v.unsub()
	}
}
