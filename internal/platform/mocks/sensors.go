// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mocks

import (
	"context"

	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/internal/platform"
)

func init() {
	platform.Register(platform.Definition{
		Name:        "matterbridge-mock3",
		Version:     "1.2.0",
		Description: "An outlet and a contact sensor",
		Author:      "The Matterbridge Authors",
		Type:        plugin.AnyPlatform,
		New: func(params platform.Params) (plugin.Platform, error) {
			return &sensorsPlatform{base: newBase(params)}, nil
		},
	})
}

type sensorsPlatform struct {
	base
}

func (p *sensorsPlatform) OnStart(ctx context.Context, reason string) error {
	p.logger.Infof(ctx, "starting: %s", reason)
	outlet := &device.Device{
		Key:  p.key("outlet"),
		Name: "Mock outlet",
		Types: []device.DeviceType{
			{Code: device.TypeOnOffOutlet, Revision: 3},
			{Code: device.TypePowerSource, Revision: 1},
		},
	}
	outlet.SetAttribute(device.ClusterOnOff, 0x0000, false)
	if err := p.register(ctx, outlet); err != nil {
		return errors.Trace(err)
	}

	contact := &device.Device{
		Key:  p.key("contact"),
		Name: "Mock contact sensor",
		Types: []device.DeviceType{
			{Code: device.TypeContactSensor, Revision: 1},
		},
	}
	contact.SetAttribute(device.ClusterBooleanState, 0x0000, true)
	return errors.Trace(p.register(ctx, contact))
}

// OnConfigure primes the contact sensor once the node side is up.
func (p *sensorsPlatform) OnConfigure(ctx context.Context) error {
	return errors.Trace(p.registrar.SetAttribute(
		ctx, p.key("contact"), device.ClusterBooleanState, 0x0000, true))
}
