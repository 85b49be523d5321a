// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package pluginmanager

import (
	"context"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/plugin"
)

// pluginRegistrar wraps the registrar the bridge hands out for a
// plugin. It keeps the device counters the plugin record reports and
// enforces the single-device rule for accessory platforms in
// childbridge mode.
type pluginRegistrar struct {
	manager  *Manager
	name     string
	delegate plugin.Registrar

	mu         sync.Mutex
	registered int
	keys       set.Strings
	composed   bool
}

var _ plugin.Registrar = (*pluginRegistrar)(nil)

func newPluginRegistrar(m *Manager, name string, delegate plugin.Registrar) *pluginRegistrar {
	return &pluginRegistrar{
		manager:  m,
		name:     name,
		delegate: delegate,
		keys:     set.NewStrings(),
	}
}

func (r *pluginRegistrar) RegisterDevice(ctx context.Context, d *device.Device) error {
	r.mu.Lock()
	owned := r.keys.Size()
	r.mu.Unlock()
	if owned >= 1 && r.manager.accessoryLimited(r.name) {
		err := errors.Annotatef(ErrTooManyDevices,
			"plugin %q already owns a device", r.name)
		r.manager.markError(ctx, r.name, err)
		return err
	}
	if err := r.delegate.RegisterDevice(ctx, d); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	r.registered++
	r.keys.Add(d.Key)
	if d.ParentKey != "" {
		r.composed = true
	}
	r.mu.Unlock()
	return nil
}

func (r *pluginRegistrar) UnregisterDevice(ctx context.Context, key string) error {
	if err := r.delegate.UnregisterDevice(ctx, key); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	r.keys.Remove(key)
	r.mu.Unlock()
	return nil
}

func (r *pluginRegistrar) UnregisterAll(ctx context.Context) error {
	if err := r.delegate.UnregisterAll(ctx); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	r.keys = set.NewStrings()
	r.mu.Unlock()
	return nil
}

func (r *pluginRegistrar) SetAttribute(ctx context.Context, key string, cluster, attr uint32, value any) error {
	return errors.Trace(r.delegate.SetAttribute(ctx, key, cluster, attr, value))
}

func (r *pluginRegistrar) TriggerEvent(ctx context.Context, key, event string, payload map[string]any) error {
	return errors.Trace(r.delegate.TriggerEvent(ctx, key, event, payload))
}

// counts returns the lifetime registration count, the number of
// currently owned devices and whether any composed device was seen.
func (r *pluginRegistrar) counts() (registered, added int, composed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered, r.keys.Size(), r.composed
}
