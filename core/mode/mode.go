// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mode names the operating modes of the bridge process.
package mode

import (
	"github.com/juju/errors"
)

// Mode selects how the bridge aggregates devices behind server nodes.
type Mode string

const (
	// Bridge puts every plugin's devices behind the single
	// Matterbridge server node.
	Bridge Mode = "bridge"

	// Childbridge gives every plugin its own server node, and its own
	// aggregator when the plugin is a DynamicPlatform.
	Childbridge Mode = "childbridge"

	// Controller runs the process as a Matter controller. The bridge
	// surface stays idle in this mode.
	Controller Mode = "controller"

	// Test is bridge mode against the in-memory engine, used by the
	// suites and for frontend development.
	Test Mode = "test"
)

// String is the flag name form without the leading dash.
func (m Mode) String() string {
	return string(m)
}

// Validate returns an error if the mode is not one of the known
// values.
func (m Mode) Validate() error {
	switch m {
	case Bridge, Childbridge, Controller, Test:
		return nil
	}
	return errors.NotValidf("bridge mode %q", m)
}
