// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package matter holds the read-only commissioning state published to
// frontends. Everything here is rebuilt wholesale from the engine;
// nothing is mutated in place.
package matter

import "time"

// WindowState describes where a server node sits in the
// commissioning window lifecycle.
type WindowState string

const (
	// StateUncommissioned means no fabric is paired and no window is
	// open.
	StateUncommissioned WindowState = "uncommissioned"
	// StateAdvertising means the basic commissioning window is open
	// and the node is discoverable.
	StateAdvertising WindowState = "advertising"
	// StateCommissioned means at least one fabric is paired and no
	// window is open.
	StateCommissioned WindowState = "commissioned"
	// StateAdvertisingCommissioned means a window is open for an
	// additional controller while fabrics are already paired.
	StateAdvertisingCommissioned WindowState = "advertisingCommissioned"
	// StateOffline means the node is not running.
	StateOffline WindowState = "offline"
)

// PairingCodes carries the codes a controller needs to commission a
// node while its window is open.
type PairingCodes struct {
	QRPairingCode     string `json:"qrPairingCode"`
	ManualPairingCode string `json:"manualPairingCode"`
}

// Fabric is one paired controller fabric as reported by the engine.
type Fabric struct {
	FabricIndex  int    `json:"fabricIndex"`
	FabricID     uint64 `json:"fabricId"`
	NodeID       uint64 `json:"nodeId"`
	RootNodeID   uint64 `json:"rootNodeId"`
	RootVendorID int    `json:"rootVendorId"`
	RootVendor   string `json:"rootVendor"`
	Label        string `json:"label"`
}

// Session is one active secure session as reported by the engine.
type Session struct {
	Name            string `json:"name"`
	NodeID          uint64 `json:"nodeId"`
	PeerNodeID      uint64 `json:"peerNodeId"`
	FabricIndex     int    `json:"fabric"`
	IsPeerActive    bool   `json:"isPeerActive"`
	SecureSession   bool   `json:"secure"`
	LastInteraction string `json:"lastInteraction"`
	NumberOfActive  int    `json:"numberOfActiveSubscriptions"`
}

// Node is the published commissioning view of one server node.
type Node struct {
	ID           string      `json:"id"`
	Online       bool        `json:"online"`
	Commissioned bool        `json:"commissioned"`
	WindowOpen   bool        `json:"windowOpen"`
	WindowState  WindowState `json:"windowStatus"`
	// ExpiresAt is when the open commissioning window closes; zero
	// while no window is open.
	ExpiresAt     time.Time    `json:"windowExpiresAt"`
	Pairing       PairingCodes `json:"pairing"`
	Fabrics       []Fabric     `json:"fabrics,omitempty"`
	Sessions      []Session    `json:"sessions,omitempty"`
	ActiveFabrics int          `json:"activeFabrics"`
}

// Snapshot is the full commissioning state pushed to frontends on
// every refresh. Node order is stable: the shared server node first,
// then plugin server nodes sorted by id.
type Snapshot struct {
	When  time.Time `json:"when"`
	Nodes []Node    `json:"nodes"`
}

// NodeByID returns the named node, if present.
func (s *Snapshot) NodeByID(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
