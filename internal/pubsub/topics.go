// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pubsub defines the topics published on the bridge's central
// hub together with the payload structure for each. The hub carries
// server-initiated traffic only; request/response flows stay on the
// control-plane sessions themselves.
package pubsub

import (
	"time"

	"github.com/matterbridge/matterbridged/core/matter"
)

// Topics fanned out to every connected frontend session.
const (
	// RefreshRequiredTopic tells the frontend that some part of its
	// view is stale. Payload: RefreshRequired.
	RefreshRequiredTopic = "frontend.refresh-required"

	// SnackbarTopic carries a transient user-visible message.
	// Payload: Snackbar.
	SnackbarTopic = "frontend.snackbar"

	// RestartRequiredTopic signals that the process needs a restart
	// before changes take effect. Payload: none.
	RestartRequiredTopic = "frontend.restart-required"

	// UpdateRequiredTopic signals that a newer release is available.
	// Payload: UpdateAvailable.
	UpdateRequiredTopic = "frontend.update-required"

	// LogTopic carries one log record for live streaming.
	// Payload: LogMessage.
	LogTopic = "frontend.log"

	// CPUUpdateTopic and MemoryUpdateTopic carry monitor samples.
	// Payloads: CPUUpdate, MemoryUpdate.
	CPUUpdateTopic    = "frontend.cpu-update"
	MemoryUpdateTopic = "frontend.memory-update"

	// UptimeTopic carries system and process uptime once per sample.
	// Payload: UptimeUpdate.
	UptimeTopic = "frontend.uptime"
)

// Internal topics, not forwarded to sessions.
const (
	// DeviceAddedTopic and DeviceRemovedTopic are published by the
	// endpoint registry. Payload: DeviceChange.
	DeviceAddedTopic   = "endpoint.device-added"
	DeviceRemovedTopic = "endpoint.device-removed"

	// DeviceEventTopic is published when a device triggers an event
	// (switch pressed and the like). Payload: DeviceEvent.
	DeviceEventTopic = "endpoint.device-event"
)

// Values for RefreshRequired.Changed.
const (
	ChangedSettings = "settings"
	ChangedPlugins  = "plugins"
	ChangedMatter   = "matter"
	ChangedDevices  = "devices"
)

// RefreshRequired is the payload for RefreshRequiredTopic.
type RefreshRequired struct {
	// Changed names the stale view: settings, plugins, matter or
	// devices.
	Changed string `json:"changed"`

	// Matter carries the commissioning snapshot of the node that
	// changed, when Changed is "matter".
	Matter *matter.Snapshot `json:"matter,omitempty"`
}

// Snackbar severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Snackbar is the payload for SnackbarTopic.
type Snackbar struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	// Timeout is the suggested display time in seconds; 0 means the
	// frontend default.
	Timeout int `json:"timeout,omitempty"`
}

// UpdateAvailable is the payload for UpdateRequiredTopic.
type UpdateAvailable struct {
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// LogMessage is the payload for LogTopic.
type LogMessage struct {
	When    time.Time `json:"when"`
	Level   string    `json:"level"`
	Module  string    `json:"module"`
	Message string    `json:"message"`
}

// CPUUpdate is the payload for CPUUpdateTopic. Percentages are in the
// range 0-100.
type CPUUpdate struct {
	HostCPU    float64 `json:"hostCpu"`
	ProcessCPU float64 `json:"processCpu"`
}

// MemoryUpdate is the payload for MemoryUpdateTopic. Raw values are in
// bytes; the display fields are humanised for the frontend.
type MemoryUpdate struct {
	RSS          uint64 `json:"rss"`
	HeapUsed     uint64 `json:"heapUsed"`
	HeapTotal    uint64 `json:"heapTotal"`
	RSSDisplay   string `json:"rssDisplay"`
	HeapDisplay  string `json:"heapDisplay"`
	TotalDisplay string `json:"totalDisplay"`
}

// UptimeUpdate is the payload for UptimeTopic.
type UptimeUpdate struct {
	System  time.Duration `json:"system"`
	Process time.Duration `json:"process"`
}

// DeviceChange is the payload for DeviceAddedTopic and
// DeviceRemovedTopic.
type DeviceChange struct {
	PluginName string `json:"pluginName"`
	Key        string `json:"key"`
	Name       string `json:"name"`
}

// DeviceEvent is the payload for DeviceEventTopic.
type DeviceEvent struct {
	Key     string         `json:"key"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}
