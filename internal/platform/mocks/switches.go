// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mocks

import (
	"context"
	"fmt"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/internal/platform"
)

func init() {
	platform.Register(platform.Definition{
		Name:        "matterbridge-mock2",
		Version:     "2.1.0",
		Description: "A configurable number of generic switches",
		Author:      "The Matterbridge Authors",
		Type:        plugin.DynamicPlatform,
		ConfigFields: schema.Fields{
			"count": schema.ForceInt(),
		},
		ConfigDefaults: schema.Defaults{
			"count": 3,
		},
		ConfigSchema: map[string]any{
			"title": "matterbridge-mock2",
			"type":  "object",
			"properties": map[string]any{
				"count": map[string]any{
					"description": "Number of switches to expose",
					"type":        "integer",
					"default":     3,
				},
			},
		},
		New: func(params platform.Params) (plugin.Platform, error) {
			count := 3
			if v, ok := params.Config["count"].(int); ok {
				count = v
			}
			if count < 0 {
				return nil, errors.NotValidf("switch count %d", count)
			}
			return &switchesPlatform{base: newBase(params), count: count}, nil
		},
	})
}

type switchesPlatform struct {
	base
	count int
}

func (p *switchesPlatform) OnStart(ctx context.Context, reason string) error {
	p.logger.Infof(ctx, "starting %d switches: %s", p.count, reason)
	for i := 1; i <= p.count; i++ {
		d := &device.Device{
			Key:  p.key(fmt.Sprintf("switch-%d", i)),
			Name: fmt.Sprintf("Mock switch %d", i),
			Types: []device.DeviceType{
				{Code: device.TypeGenericSwitch, Revision: 1},
			},
		}
		d.SetAttribute(device.ClusterSwitch, 0x0000, 2.0)
		d.SetAttribute(device.ClusterSwitch, 0x0001, 0.0)
		if err := p.register(ctx, d); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// OnAction handles frontend button presses against the switch list.
func (p *switchesPlatform) OnAction(ctx context.Context, action, value, id string, form map[string]any) error {
	p.logger.Debugf(ctx, "action %q value %q id %q", action, value, id)
	return nil
}
