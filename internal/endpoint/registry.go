// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package endpoint tracks every bridged device currently attached to
// the engine, keyed by the device's stable storage key.
package endpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/pubsub"
)

// ErrDuplicateKey is returned by Register when the storage key is
// already taken, by this plugin or any other.
const ErrDuplicateKey = errors.ConstError("duplicate device key")

// Hub is the broadcast surface the registry publishes device changes
// on.
type Hub interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// RegistryConfig holds the registry's dependencies.
type RegistryConfig struct {
	Hub    Hub
	Logger corelogger.Logger
}

// Validate is called by NewRegistry.
func (c RegistryConfig) Validate() error {
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

type record struct {
	plugin   string
	device   *device.Device
	endpoint engine.Endpoint
	parent   engine.Parent
}

// Registry is safe for concurrent use. Each device has a single
// writer (its owning plugin), but reads come from everywhere.
type Registry struct {
	cfg RegistryConfig

	mu       sync.Mutex
	records  map[string]*record
	byPlugin map[string]set.Strings
}

// NewRegistry returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		cfg:      cfg,
		records:  make(map[string]*record),
		byPlugin: make(map[string]set.Strings),
	}, nil
}

// Register validates the device, attaches it under parent and records
// it against the owning plugin. The returned endpoint is live.
func (r *Registry) Register(ctx context.Context, pluginName string, d *device.Device, parent engine.Parent) (engine.Endpoint, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if pluginName == "" {
		return nil, errors.NotValidf("empty plugin name")
	}
	if parent == nil {
		return nil, errors.NotValidf("nil parent")
	}
	d.PluginName = pluginName

	r.mu.Lock()
	if existing, ok := r.records[d.Key]; ok {
		r.mu.Unlock()
		return nil, errors.Annotatef(ErrDuplicateKey, "device %q is already registered by plugin %q", d.Key, existing.plugin)
	}
	var composedOn *record
	if d.ParentKey != "" {
		parentRec, ok := r.records[d.ParentKey]
		if !ok {
			r.mu.Unlock()
			return nil, errors.NotFoundf("parent device %q for composed device %q", d.ParentKey, d.Key)
		}
		composedOn = parentRec
	}
	r.mu.Unlock()

	var ep engine.Endpoint
	var err error
	if composedOn != nil {
		// Composed devices ride under their parent's endpoint; the
		// remover stays the parent's attachment point.
		ep, err = composedOn.endpoint.AddChild(ctx, d)
		parent = composedOn.parent
	} else {
		ep, err = parent.Add(ctx, d)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "attaching device %q", d.Key)
	}

	r.mu.Lock()
	if existing, ok := r.records[d.Key]; ok {
		r.mu.Unlock()
		_ = parent.Remove(ctx, d.Key)
		return nil, errors.Annotatef(ErrDuplicateKey, "device %q is already registered by plugin %q", d.Key, existing.plugin)
	}
	r.records[d.Key] = &record{
		plugin:   pluginName,
		device:   d,
		endpoint: ep,
		parent:   parent,
	}
	if r.byPlugin[pluginName] == nil {
		r.byPlugin[pluginName] = set.NewStrings()
	}
	r.byPlugin[pluginName].Add(d.Key)
	r.mu.Unlock()

	r.cfg.Logger.Debugf(ctx, "registered device %q (%q) for plugin %q on endpoint %d",
		d.Key, d.Name, pluginName, ep.Number())
	r.cfg.Hub.Publish(pubsub.DeviceAddedTopic, pubsub.DeviceChange{
		PluginName: pluginName,
		Key:        d.Key,
		Name:       d.Name,
	})
	return ep, nil
}

// Unregister detaches and forgets the device. Unregistering an
// unknown key succeeds with a warning.
func (r *Registry) Unregister(ctx context.Context, pluginName, key string) error {
	r.mu.Lock()
	rec, ok := r.records[key]
	if ok {
		delete(r.records, key)
		if keys := r.byPlugin[rec.plugin]; keys != nil {
			keys.Remove(key)
		}
	}
	r.mu.Unlock()
	if !ok {
		r.cfg.Logger.Warningf(ctx, "unregister of unknown device %q requested by plugin %q", key, pluginName)
		return nil
	}

	if err := rec.parent.Remove(ctx, key); err != nil {
		return errors.Annotatef(err, "detaching device %q", key)
	}
	r.cfg.Logger.Debugf(ctx, "unregistered device %q for plugin %q", key, rec.plugin)
	r.cfg.Hub.Publish(pubsub.DeviceRemovedTopic, pubsub.DeviceChange{
		PluginName: rec.plugin,
		Key:        key,
		Name:       rec.device.Name,
	})
	return nil
}

// UnregisterAll removes every device owned by the plugin. Called on
// plugin shutdown.
func (r *Registry) UnregisterAll(ctx context.Context, pluginName string) error {
	r.mu.Lock()
	keys := r.byPlugin[pluginName]
	var sorted []string
	if keys != nil {
		sorted = keys.SortedValues()
	}
	r.mu.Unlock()

	for _, key := range sorted {
		if err := r.Unregister(ctx, pluginName, key); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ByPlugin returns a snapshot of the devices owned by the plugin,
// ordered by key.
func (r *Registry) ByPlugin(pluginName string) []*device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.byPlugin[pluginName]
	if keys == nil {
		return nil
	}
	out := make([]*device.Device, 0, keys.Size())
	for _, key := range keys.SortedValues() {
		if rec, ok := r.records[key]; ok {
			out = append(out, rec.device)
		}
	}
	return out
}

// Devices returns a snapshot of all registered devices, ordered by
// key.
func (r *Registry) Devices() []*device.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.records))
	for key := range r.records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]*device.Device, 0, len(keys))
	for _, key := range keys {
		out = append(out, r.records[key].device)
	}
	return out
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// CountByPlugin returns the number of devices owned by the plugin.
func (r *Registry) CountByPlugin(pluginName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if keys := r.byPlugin[pluginName]; keys != nil {
		return keys.Size()
	}
	return 0
}

// EndpointNumbers returns the assigned endpoint number per device
// key. The teardown path uses it to assert that every endpoint was
// persisted before its node closes.
func (r *Registry) EndpointNumbers() map[string]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint32, len(r.records))
	for key, rec := range r.records {
		out[key] = rec.endpoint.Number()
	}
	return out
}

// SetAttribute writes an attribute on the live endpoint and mirrors
// it on the device record.
func (r *Registry) SetAttribute(ctx context.Context, key string, cluster, attr uint32, value any) error {
	rec, err := r.lookup(key)
	if err != nil {
		return errors.Trace(err)
	}
	if err := rec.endpoint.SetAttribute(ctx, cluster, attr, value); err != nil {
		return errors.Trace(err)
	}
	r.mu.Lock()
	rec.device.SetAttribute(cluster, attr, value)
	r.mu.Unlock()
	return nil
}

// GetAttribute reads an attribute from the live endpoint.
func (r *Registry) GetAttribute(ctx context.Context, key string, cluster, attr uint32) (any, error) {
	rec, err := r.lookup(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	v, err := rec.endpoint.Attribute(ctx, cluster, attr)
	return v, errors.Trace(err)
}

// HasCluster reports whether the device exposes the cluster.
func (r *Registry) HasCluster(key string, cluster uint32) bool {
	rec, err := r.lookup(key)
	if err != nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return rec.device.HasCluster(cluster)
}

// TriggerEvent raises a cluster event on the live endpoint and
// publishes it for frontends.
func (r *Registry) TriggerEvent(ctx context.Context, key, event string, payload map[string]any) error {
	rec, err := r.lookup(key)
	if err != nil {
		return errors.Trace(err)
	}
	if err := rec.endpoint.TriggerEvent(ctx, event, payload); err != nil {
		return errors.Trace(err)
	}
	r.cfg.Hub.Publish(pubsub.DeviceEventTopic, pubsub.DeviceEvent{
		Key:     key,
		Event:   event,
		Payload: payload,
	})
	return nil
}

func (r *Registry) lookup(key string) (*record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[key]
	if !ok {
		return nil, errors.NotFoundf("device %q", key)
	}
	return rec, nil
}
