// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package mocks

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/schema"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/internal/platform"
)

func init() {
	platform.Register(platform.Definition{
		Name:        "matterbridge-mock6",
		Version:     "1.0.0",
		Description: "A light that can be told to fail its lifecycle",
		Author:      "The Matterbridge Authors",
		Type:        plugin.AnyPlatform,
		ConfigFields: schema.Fields{
			"failStart":     schema.Bool(),
			"failConfigure": schema.Bool(),
		},
		ConfigDefaults: schema.Defaults{
			"failStart":     false,
			"failConfigure": false,
		},
		ConfigSchema: map[string]any{
			"title": "matterbridge-mock6",
			"type":  "object",
			"properties": map[string]any{
				"failStart": map[string]any{
					"description": "Fail the start transition",
					"type":        "boolean",
					"default":     false,
				},
				"failConfigure": map[string]any{
					"description": "Fail the configure transition",
					"type":        "boolean",
					"default":     false,
				},
			},
		},
		New: func(params platform.Params) (plugin.Platform, error) {
			p := &flakyPlatform{base: newBase(params)}
			p.failStart, _ = params.Config["failStart"].(bool)
			p.failConfigure, _ = params.Config["failConfigure"].(bool)
			return p, nil
		},
	})
}

type flakyPlatform struct {
	base
	failStart     bool
	failConfigure bool
}

func (p *flakyPlatform) OnStart(ctx context.Context, reason string) error {
	if p.failStart {
		return errors.Errorf("mock start failure")
	}
	d := &device.Device{
		Key:   p.key("light"),
		Name:  "Mock flaky light",
		Types: []device.DeviceType{{Code: device.TypeOnOffLight, Revision: 3}},
	}
	d.SetAttribute(device.ClusterOnOff, 0x0000, false)
	return errors.Trace(p.register(ctx, d))
}

func (p *flakyPlatform) OnConfigure(ctx context.Context) error {
	if p.failConfigure {
		return errors.Errorf("mock configure failure")
	}
	return nil
}
