// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"

	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/internal/engine"
)

// placement is the registrar the bridge hands the plugin manager for
// each plugin. It decides which attachment point a device lands on
// and delegates the bookkeeping to the endpoint registry.
type placement struct {
	w      *Worker
	plugin string
}

var _ plugin.Registrar = (*placement)(nil)

func (w *Worker) newRegistrar(pluginName string) plugin.Registrar {
	return &placement{w: w, plugin: pluginName}
}

func (p *placement) RegisterDevice(ctx context.Context, d *device.Device) error {
	parent, err := p.w.parentFor(ctx, p.plugin, d)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := p.w.registry.Register(ctx, p.plugin, d, parent); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (p *placement) UnregisterDevice(ctx context.Context, key string) error {
	return errors.Trace(p.w.registry.Unregister(ctx, p.plugin, key))
}

func (p *placement) UnregisterAll(ctx context.Context) error {
	return errors.Trace(p.w.registry.UnregisterAll(ctx, p.plugin))
}

func (p *placement) SetAttribute(ctx context.Context, key string, cluster, attr uint32, value any) error {
	return errors.Trace(p.w.registry.SetAttribute(ctx, key, cluster, attr, value))
}

func (p *placement) TriggerEvent(ctx context.Context, key, event string, payload map[string]any) error {
	return errors.Trace(p.w.registry.TriggerEvent(ctx, key, event, payload))
}

// parentFor resolves the attachment point for a device:
//
//   - device mode "server": a dedicated server node named for the
//     device, created on demand on the next sequential port;
//   - bridge/test: the shared aggregator, or the shared node directly
//     for device mode "matter";
//   - childbridge: the plugin's aggregator, or its node directly for
//     accessory platforms.
func (w *Worker) parentFor(ctx context.Context, pluginName string, d *device.Device) (engine.Parent, error) {
	if d.Mode == device.ModeServer {
		return w.deviceServerNode(ctx, d)
	}
	st := w.settingsSnapshot()
	switch st.Mode {
	case mode.Bridge, mode.Test:
		e := w.nodeEntry(bridgeNodeID)
		if e == nil {
			return nil, errors.NotFoundf("bridge server node")
		}
		if d.Mode == device.ModeMatter {
			return e.node, nil
		}
		return e.agg, nil
	case mode.Childbridge:
		e := w.nodeEntry(pluginName)
		if e == nil {
			return nil, errors.NotFoundf("server node for plugin %q", pluginName)
		}
		if e.agg != nil {
			return e.agg, nil
		}
		return e.node, nil
	case mode.Controller:
		return nil, errors.NotSupportedf("device registration in controller mode")
	}
	return nil, errors.NotValidf("bridge mode %q", st.Mode)
}

func (w *Worker) nodeEntry(id string) *nodeEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nodes[id]
}

// deviceServerNode returns the device's own server node, creating and
// starting it on first use. The node takes the device's primary type.
func (w *Worker) deviceServerNode(ctx context.Context, d *device.Device) (engine.Parent, error) {
	if e := w.nodeEntry(d.Name); e != nil {
		return e.node, nil
	}
	deviceType := uint32(device.TypeBridgedNode)
	if len(d.Types) > 0 {
		deviceType = d.Types[0].Code
	}
	node, err := w.createServerNode(ctx, d.Name, deviceType)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := node.Start(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.addNode(node, nil); err != nil {
		return nil, errors.Trace(err)
	}
	return node, nil
}
