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
		Name:        "matterbridge-mock1",
		Version:     "1.0.3",
		Description: "Two on/off lights",
		Author:      "The Matterbridge Authors",
		Type:        plugin.AnyPlatform,
		New: func(params platform.Params) (plugin.Platform, error) {
			return &lightsPlatform{base: newBase(params)}, nil
		},
	})
}

type lightsPlatform struct {
	base
}

func (p *lightsPlatform) OnStart(ctx context.Context, reason string) error {
	p.logger.Infof(ctx, "starting: %s", reason)
	for _, name := range []string{"light-1", "light-2"} {
		d := &device.Device{
			Key:   p.key(name),
			Name:  "Mock " + name,
			Types: []device.DeviceType{{Code: device.TypeOnOffLight, Revision: 3}},
		}
		d.SetAttribute(device.ClusterOnOff, 0x0000, false)
		if err := p.register(ctx, d); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
