// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package platform holds the registry of compiled-in plugin
// platforms. Platform packages register themselves on import, the way
// cloud providers register with environs registries; the plugin
// manager resolves names against this registry at load time.
package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/schema"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/plugin"
)

// Params is handed to a platform factory when the plugin is loaded.
type Params struct {
	// Name is the plugin name the platform was registered under.
	Name string
	// Registrar is where the platform registers its devices.
	Registrar plugin.Registrar
	// Logger is the plugin's own child logger.
	Logger corelogger.Logger
	// Config is the plugin's coerced configuration.
	Config map[string]any
}

// Factory constructs a platform instance for one loaded plugin.
type Factory func(params Params) (plugin.Platform, error)

// Definition describes one compiled-in platform: its manifest
// surface, its config schema and its factory.
type Definition struct {
	Name        string
	Version     string
	Description string
	Author      string
	Type        plugin.Type

	// ConfigFields and ConfigDefaults coerce raw config maps. Nil
	// means the platform takes free-form config.
	ConfigFields   schema.Fields
	ConfigDefaults schema.Defaults

	// ConfigSchema is the JSON schema published to frontends for the
	// plugin's config form.
	ConfigSchema map[string]any

	New Factory
}

// Validate is called by Register.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.NotValidf("platform definition without a name")
	}
	if d.New == nil {
		return errors.NotValidf("platform %q without a factory", d.Name)
	}
	return nil
}

// CoerceConfig applies the definition's schema to a raw config map.
func (d Definition) CoerceConfig(in map[string]any) (map[string]any, error) {
	if in == nil {
		in = map[string]any{}
	}
	if d.ConfigFields == nil {
		return in, nil
	}
	checker := schema.FieldMap(d.ConfigFields, d.ConfigDefaults)
	coerced, err := checker.Coerce(in, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "plugin %q config", d.Name)
	}
	return coerced.(map[string]any), nil
}

var (
	registryMu sync.Mutex
	registry   = map[string]Definition{}
)

// Register makes a platform definition available for loading. It
// panics on a duplicate name; registration happens from package init
// functions where a duplicate is a programming error.
func Register(d Definition) {
	if err := d.Validate(); err != nil {
		panic(fmt.Errorf("matterbridged: %v", err))
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[d.Name]; ok {
		panic(fmt.Errorf("matterbridged: duplicate platform name %q", d.Name))
	}
	registry[d.Name] = d
}

// Lookup returns the definition registered under name.
func Lookup(name string) (Definition, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	d, ok := registry[name]
	if !ok {
		return Definition{}, errors.NotFoundf("platform %q", name)
	}
	return d, nil
}

// Registered returns the registered platform names, sorted.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
