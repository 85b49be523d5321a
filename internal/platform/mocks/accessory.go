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
		Name:        "matterbridge-mock4",
		Version:     "1.1.1",
		Description: "A single temperature sensor accessory",
		Author:      "The Matterbridge Authors",
		Type:        plugin.AccessoryPlatform,
		New: func(params platform.Params) (plugin.Platform, error) {
			return &accessoryPlatform{base: newBase(params)}, nil
		},
	})
}

type accessoryPlatform struct {
	base
}

func (p *accessoryPlatform) OnStart(ctx context.Context, reason string) error {
	p.logger.Infof(ctx, "starting: %s", reason)
	d := &device.Device{
		Key:  p.key("temperature"),
		Name: "Mock temperature sensor",
		Types: []device.DeviceType{
			{Code: device.TypeTemperatureSensor, Revision: 2},
		},
	}
	d.SetAttribute(device.ClusterTemperatureMeasurement, 0x0000, 2150.0)
	return errors.Trace(p.register(ctx, d))
}

// OnConfigure refreshes the measurement after the node comes online.
func (p *accessoryPlatform) OnConfigure(ctx context.Context) error {
	return errors.Trace(p.registrar.SetAttribute(
		ctx, p.key("temperature"), device.ClusterTemperatureMeasurement, 0x0000, 2150.0))
}
