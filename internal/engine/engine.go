// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package engine defines the seam between the bridge core and the
// Matter engine implementation. The bridge only ever talks to these
// interfaces; the real engine and the in-memory test engine both live
// behind them.
package engine

import (
	"context"

	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/matter"
)

const (
	// ErrNotReady is returned when attaching to a parent that is not
	// yet installed.
	ErrNotReady = errors.ConstError("not ready")
	// ErrPortInUse is returned by CreateServerNode when the requested
	// port is already taken.
	ErrPortInUse = errors.ConstError("port in use")
)

// NodeConfig carries everything needed to create a server node. The
// identity fields end up in the node's persist context.
type NodeConfig struct {
	ID            string
	Port          int
	Passcode      uint32
	Discriminator uint16

	DeviceName  string
	DeviceType  uint32
	VendorID    uint16
	VendorName  string
	ProductID   uint16
	ProductName string

	NodeLabel    string
	ProductLabel string
	SerialNumber string
	UniqueID     string

	SoftwareVersion       int
	SoftwareVersionString string
	HardwareVersion       int
	HardwareVersionString string
}

// Validate checks the fields the engine cannot default.
func (c NodeConfig) Validate() error {
	if c.ID == "" {
		return errors.NotValidf("node config with empty id")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.NotValidf("node %q port %d", c.ID, c.Port)
	}
	if c.Passcode == 0 {
		return errors.NotValidf("node %q with zero passcode", c.ID)
	}
	if c.Discriminator >= 1<<12 {
		return errors.NotValidf("node %q discriminator %d", c.ID, c.Discriminator)
	}
	return nil
}

// Engine creates server nodes and aggregators and owns the shared
// engine resources (mDNS, engine storage).
type Engine interface {
	// CreateServerNode creates a stopped node. It fails with
	// ErrPortInUse when the port is already claimed by a live node.
	CreateServerNode(ctx context.Context, cfg NodeConfig) (ServerNode, error)

	// CreateAggregator creates a free-standing aggregator endpoint.
	// It only becomes reachable once attached to a server node.
	CreateAggregator(ctx context.Context, name string) (Aggregator, error)

	// Close releases the shared engine resources. All server nodes
	// must already be closed.
	Close(ctx context.Context) error
}

// Attacher is anything a bridged device can be attached under.
type Attacher interface {
	// Add attaches the device and returns its live endpoint. The
	// endpoint number is assigned here and persisted by the node.
	Add(ctx context.Context, d *device.Device) (Endpoint, error)
}

// Parent is an attachment point that also supports detaching, which
// is what the endpoint registry holds for every registered device.
type Parent interface {
	Attacher

	// Remove detaches the device with the given key. Removing an
	// unknown key is a no-op.
	Remove(ctx context.Context, key string) error
}

// ServerNode is one commissionable network presence.
type ServerNode interface {
	Attacher

	// ID returns the node's store id.
	ID() string

	// Attach places an aggregator under the node's root endpoint.
	Attach(ctx context.Context, agg Aggregator) error

	// Remove detaches a directly attached device. Removing an
	// unknown key is a no-op.
	Remove(ctx context.Context, key string) error

	// Start brings the node online. Starting a started node is a
	// no-op. An online uncommissioned node begins advertising.
	Start(ctx context.Context) error

	// Advertise re-arms mDNS announcements so a further controller
	// can commission the node.
	Advertise(ctx context.Context) error

	// StopAdvertising withdraws the commissioning window. Calling it
	// while not advertising is a no-op.
	StopAdvertising(ctx context.Context) error

	// IsOnline reports whether the node is listening.
	IsOnline() bool

	// IsCommissioned reports whether at least one fabric is paired.
	IsCommissioned() bool

	// PairingCodes returns the codes for the currently open window.
	PairingCodes(ctx context.Context) (matter.PairingCodes, error)

	// Fabrics returns the paired fabric table as the engine sees it.
	Fabrics(ctx context.Context) ([]matter.Fabric, error)

	// Sessions returns the active session table as the engine sees
	// it.
	Sessions(ctx context.Context) ([]matter.Session, error)

	// RemoveFabric unpairs the fabric with the given index.
	RemoveFabric(ctx context.Context, index int) error

	// Events returns the node's event stream. Events arrive in the
	// order the engine produced them.
	Events() <-chan Event

	// Flush waits until every assigned endpoint number is durably
	// persisted.
	Flush(ctx context.Context) error

	// Close flushes endpoint numbers, stops the node and releases its
	// mDNS service. The node is offline when Close returns.
	Close(ctx context.Context) error
}

// Aggregator presents multiple bridged devices as children of one
// endpoint.
type Aggregator interface {
	Attacher

	// Name returns the aggregator's endpoint id.
	Name() string

	// Remove detaches the device with the given key. Removing an
	// unknown key is a no-op.
	Remove(ctx context.Context, key string) error

	// Size returns the number of attached devices.
	Size() int
}

// Endpoint is a live attached device endpoint.
type Endpoint interface {
	// Key returns the device's stable storage key.
	Key() string

	// Number returns the endpoint number assigned on attach.
	Number() uint32

	// SetAttribute writes an attribute value.
	SetAttribute(ctx context.Context, cluster, attr uint32, value any) error

	// Attribute reads an attribute value.
	Attribute(ctx context.Context, cluster, attr uint32) (any, error)

	// TriggerEvent raises a cluster event, for switch and button
	// semantics.
	TriggerEvent(ctx context.Context, event string, payload map[string]any) error

	// AddChild attaches a child endpoint for composed devices. It
	// fails with ErrNotReady until this endpoint is itself attached.
	AddChild(ctx context.Context, d *device.Device) (Endpoint, error)
}
