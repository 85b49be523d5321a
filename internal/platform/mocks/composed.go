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
		Name:        "matterbridge-mock5",
		Version:     "0.9.0",
		Description: "A composed climate device with child sensors",
		Author:      "The Matterbridge Authors",
		Type:        plugin.DynamicPlatform,
		New: func(params platform.Params) (plugin.Platform, error) {
			return &composedPlatform{base: newBase(params)}, nil
		},
	})
}

type composedPlatform struct {
	base
}

// OnStart registers a bridged-node parent and hangs the temperature
// and humidity children off it. Children must register after the
// parent so the key lookup finds it.
func (p *composedPlatform) OnStart(ctx context.Context, reason string) error {
	p.logger.Infof(ctx, "starting: %s", reason)
	parent := &device.Device{
		Key:  p.key("climate"),
		Name: "Mock climate",
		Types: []device.DeviceType{
			{Code: device.TypeBridgedNode, Revision: 2},
		},
	}
	if err := p.register(ctx, parent); err != nil {
		return errors.Trace(err)
	}

	temperature := &device.Device{
		Key:       p.key("climate:temperature"),
		Name:      "Mock climate temperature",
		ParentKey: parent.Key,
		Types: []device.DeviceType{
			{Code: device.TypeTemperatureSensor, Revision: 2},
		},
	}
	temperature.SetAttribute(device.ClusterTemperatureMeasurement, 0x0000, 2000.0)
	if err := p.register(ctx, temperature); err != nil {
		return errors.Trace(err)
	}

	humidity := &device.Device{
		Key:       p.key("climate:humidity"),
		Name:      "Mock climate humidity",
		ParentKey: parent.Key,
		Types: []device.DeviceType{
			{Code: device.TypeHumiditySensor, Revision: 3},
		},
	}
	humidity.SetAttribute(device.ClusterRelativeHumidityMeasurement, 0x0000, 4500.0)
	return errors.Trace(p.register(ctx, humidity))
}
