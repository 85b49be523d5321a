// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package plugin defines the contract between the bridge core and
// the platforms it hosts.
package plugin

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/juju/version/v2"

	"github.com/matterbridge/matterbridged/core/device"
)

// Type classifies how a platform contributes devices.
type Type string

const (
	// AnyPlatform registers whole bridged devices itself.
	AnyPlatform Type = "AnyPlatform"
	// AccessoryPlatform contributes a single standalone accessory.
	AccessoryPlatform Type = "AccessoryPlatform"
	// DynamicPlatform registers devices that may come and go at
	// runtime.
	DynamicPlatform Type = "DynamicPlatform"
	// UnknownPlatform marks a manifest without a recognised type.
	UnknownPlatform Type = "UnknownPlatform"
)

// ParseType normalises a manifest platform type string.
func ParseType(s string) Type {
	switch Type(s) {
	case AnyPlatform, AccessoryPlatform, DynamicPlatform:
		return Type(s)
	case "":
		return AnyPlatform
	}
	return UnknownPlatform
}

// Platform is implemented by every plugin. The bridge drives the
// lifecycle; platforms only react.
type Platform interface {
	// OnStart is called once the registry is ready to accept the
	// platform's devices. The reason describes what triggered the
	// start.
	OnStart(ctx context.Context, reason string) error

	// OnConfigure is called after the server side is online; late
	// attribute priming belongs here.
	OnConfigure(ctx context.Context) error

	// OnChangeLoggerLevel propagates a bridge log level change.
	OnChangeLoggerLevel(ctx context.Context, level string) error

	// OnShutdown is called exactly once before the platform is
	// discarded.
	OnShutdown(ctx context.Context, reason string) error
}

// ActionHandler is implemented by platforms that accept frontend
// actions such as button presses on config UIs.
type ActionHandler interface {
	OnAction(ctx context.Context, action, value, id string, form map[string]any) error
}

// Registrar is the device surface handed to platforms. Registration
// attaches devices on the right parent for the bridge's mode; the
// attribute and event calls reach the live endpoints afterwards.
type Registrar interface {
	RegisterDevice(ctx context.Context, d *device.Device) error
	UnregisterDevice(ctx context.Context, key string) error
	UnregisterAll(ctx context.Context) error
	SetAttribute(ctx context.Context, key string, cluster, attr uint32, value any) error
	TriggerEvent(ctx context.Context, key, event string, payload map[string]any) error
}

// Manifest is the subset of a plugin package manifest the bridge
// reads.
type Manifest struct {
	Name        string         `json:"name"`
	Version     version.Number `json:"-"`
	Description string         `json:"description"`
	Author      string         `json:"author"`
	Main        string         `json:"main"`
	Type        Type           `json:"-"`
	Path        string         `json:"-"`
	HomePage    string         `json:"homepage"`
}

type rawManifest struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Description  string   `json:"description"`
	Author       any      `json:"author"`
	Main         string   `json:"main"`
	Keywords     []string `json:"keywords"`
	HomePage     string   `json:"homepage"`
	Matterbridge struct {
		Type string `json:"type"`
	} `json:"matterbridge"`
}

// ParseManifest decodes a package manifest. The author field accepts
// both the string and the object form found in the wild.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Annotate(err, "decoding plugin manifest")
	}
	if raw.Name == "" {
		return nil, errors.NotValidf("plugin manifest without a name")
	}
	num, err := version.Parse(raw.Version)
	if err != nil {
		return nil, errors.Annotatef(err, "plugin %q manifest version", raw.Name)
	}
	m := &Manifest{
		Name:        raw.Name,
		Version:     num,
		Description: raw.Description,
		Main:        raw.Main,
		Type:        ParseType(raw.Matterbridge.Type),
		HomePage:    raw.HomePage,
	}
	switch a := raw.Author.(type) {
	case string:
		m.Author = a
	case map[string]any:
		if name, ok := a["name"].(string); ok {
			m.Author = name
		}
	}
	return m, nil
}

// Record is the persisted and published view of a managed plugin.
type Record struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Author      string `json:"author"`
	Path        string `json:"path"`
	Type        Type   `json:"type"`

	Enabled    bool `json:"enabled"`
	Loaded     bool `json:"loaded"`
	Started    bool `json:"started"`
	Configured bool `json:"configured"`
	Error      bool `json:"error"`

	Paired    bool `json:"paired,omitempty"`
	Connected bool `json:"connected,omitempty"`

	RegisteredDevices int `json:"registeredDevices"`
	AddedDevices      int `json:"addedDevices"`

	QRPairingCode     string `json:"qrPairingCode,omitempty"`
	ManualPairingCode string `json:"manualPairingCode,omitempty"`

	LatestVersion string `json:"latestVersion,omitempty"`
	HomePage      string `json:"homepage,omitempty"`

	Config map[string]any `json:"configJson,omitempty"`
	Schema map[string]any `json:"schemaJson,omitempty"`
}
