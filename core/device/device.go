// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package device holds the bridged device model shared by plugins,
// the endpoint registry and the engine seam.
package device

import (
	"github.com/juju/errors"
)

// Well-known Matter device type codes used across the bridge.
const (
	TypeRootNode           uint32 = 0x0016
	TypeAggregator         uint32 = 0x000e
	TypeBridgedNode        uint32 = 0x0013
	TypePowerSource        uint32 = 0x0011
	TypeOnOffLight         uint32 = 0x0100
	TypeOnOffOutlet        uint32 = 0x010a
	TypeGenericSwitch      uint32 = 0x000f
	TypeMountedOnOffSwitch uint32 = 0x010f
	TypeContactSensor      uint32 = 0x0015
	TypeTemperatureSensor  uint32 = 0x0302
	TypeHumiditySensor     uint32 = 0x0307
)

// Cluster ids referenced by the bridge core itself. Cluster semantics
// live behind the engine; the core only routes reads and writes.
const (
	ClusterOnOff                       uint32 = 0x0006
	ClusterSwitch                      uint32 = 0x003b
	ClusterBridgedDeviceBasicInfo      uint32 = 0x0039
	ClusterBooleanState                uint32 = 0x0045
	ClusterTemperatureMeasurement      uint32 = 0x0402
	ClusterRelativeHumidityMeasurement uint32 = 0x0405
)

// DeviceType pairs a Matter device type code with its revision.
type DeviceType struct {
	Code     uint32 `json:"code"`
	Revision int    `json:"revision"`
}

// Tag is a semantic tag attached to an endpoint. A zero MfgCode marks
// a standard namespace.
type Tag struct {
	MfgCode     int    `json:"mfgCode"`
	NamespaceID uint8  `json:"namespaceId"`
	Tag         uint8  `json:"tag"`
	Label       string `json:"label"`
}

// Mode selects where a device is attached.
type Mode string

const (
	// ModeDefault attaches the device under the owning aggregator.
	ModeDefault Mode = ""
	// ModeMatter attaches the device directly under the shared server
	// node, bypassing the aggregator.
	ModeMatter Mode = "matter"
	// ModeServer gives the device a server node of its own.
	ModeServer Mode = "server"
)

// Attributes holds attribute values keyed by cluster then attribute
// id. Values are restricted to JSON-representable types.
type Attributes map[uint32]map[uint32]any

// Device is a bridged device as registered by a plugin. The endpoint
// number is deliberately absent: it is assigned and persisted by the
// engine on first attach and never owned by plugin code.
type Device struct {
	Key          string     `json:"key"`
	Name         string     `json:"name"`
	PluginName   string     `json:"pluginName"`
	Types        []DeviceType `json:"types"`
	Tags         []Tag      `json:"tags,omitempty"`
	Mode         Mode       `json:"mode,omitempty"`
	SerialNumber string     `json:"serialNumber,omitempty"`
	UniqueID     string     `json:"uniqueId,omitempty"`
	ParentKey    string     `json:"parentKey,omitempty"`
	Attributes   Attributes `json:"attributes,omitempty"`
}

// Validate checks the parts of a device the registry depends on.
func (d *Device) Validate() error {
	if d == nil {
		return errors.NotValidf("nil device")
	}
	if d.Key == "" {
		return errors.NotValidf("device with empty key")
	}
	if len(d.Types) == 0 {
		return errors.NotValidf("device %q with no device types", d.Key)
	}
	for _, t := range d.Types {
		if t.Code == 0 {
			return errors.NotValidf("device %q with zero device type code", d.Key)
		}
	}
	return nil
}

// HasType reports whether the device carries the given device type
// code.
func (d *Device) HasType(code uint32) bool {
	for _, t := range d.Types {
		if t.Code == code {
			return true
		}
	}
	return false
}

// Attribute returns the stored value for cluster/attr, if any.
func (d *Device) Attribute(cluster, attr uint32) (any, bool) {
	attrs, ok := d.Attributes[cluster]
	if !ok {
		return nil, false
	}
	v, ok := attrs[attr]
	return v, ok
}

// SetAttribute stores a value for cluster/attr, allocating maps as
// needed.
func (d *Device) SetAttribute(cluster, attr uint32, value any) {
	if d.Attributes == nil {
		d.Attributes = make(Attributes)
	}
	if d.Attributes[cluster] == nil {
		d.Attributes[cluster] = make(map[uint32]any)
	}
	d.Attributes[cluster][attr] = value
}

// HasCluster reports whether the device exposes the given cluster.
func (d *Device) HasCluster(cluster uint32) bool {
	_, ok := d.Attributes[cluster]
	return ok
}
