// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mocks ships the matterbridge-mock1..6 platforms. They cover
// the combinations the bridge has to handle — static and dynamic
// registration, a single accessory, composed devices and a platform
// that fails on demand — and double as the development fixtures for
// the frontend.
package mocks

import (
	"context"
	"fmt"

	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/internal/platform"
)

// base carries the pieces every mock platform shares.
type base struct {
	name      string
	registrar plugin.Registrar
	logger    corelogger.Logger
	config    map[string]any
}

func newBase(params platform.Params) base {
	return base{
		name:      params.Name,
		registrar: params.Registrar,
		logger:    params.Logger,
		config:    params.Config,
	}
}

func (b *base) OnConfigure(ctx context.Context) error {
	return nil
}

func (b *base) OnChangeLoggerLevel(ctx context.Context, level string) error {
	b.logger.Debugf(ctx, "logger level changed to %q", level)
	return nil
}

func (b *base) OnShutdown(ctx context.Context, reason string) error {
	b.logger.Infof(ctx, "shutting down: %s", reason)
	return nil
}

func (b *base) key(suffix string) string {
	return fmt.Sprintf("%s:%s", b.name, suffix)
}

func (b *base) register(ctx context.Context, d *device.Device) error {
	return errors.Trace(b.registrar.RegisterDevice(ctx, d))
}
