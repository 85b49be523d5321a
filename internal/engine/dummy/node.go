// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package dummy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/xid"

	"github.com/matterbridge/matterbridged/core/device"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/storage"
)

const numbersKey = "endpointNumbers"

type node struct {
	engine *Engine
	cfg    engine.NodeConfig
	store  *storage.Context
	queue  *engine.Queue
	codes  matter.PairingCodes

	mu          sync.Mutex
	online      bool
	advertising bool
	closed      bool
	fabrics     []matter.Fabric
	sessions    []matter.Session
	nextFabric  int
	endpoints   map[string]*endpoint
	numbers     map[string]uint32
	nextNumber  uint32
	dirty       bool
}

func newNode(e *Engine, cfg engine.NodeConfig) (*node, error) {
	store, err := e.cfg.Storage.Open(cfg.ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.UniqueID == "" {
		cfg.UniqueID = xid.New().String()
	}
	persist, err := store.Sub("persist")
	if err != nil {
		return nil, errors.Trace(err)
	}
	identity := map[string]any{
		"storeId":               cfg.ID,
		"deviceName":            cfg.DeviceName,
		"deviceType":            cfg.DeviceType,
		"vendorId":              cfg.VendorID,
		"vendorName":            cfg.VendorName,
		"productId":             cfg.ProductID,
		"productName":           cfg.ProductName,
		"nodeLabel":             cfg.NodeLabel,
		"productLabel":          cfg.ProductLabel,
		"serialNumber":          cfg.SerialNumber,
		"uniqueId":              cfg.UniqueID,
		"softwareVersion":       cfg.SoftwareVersion,
		"softwareVersionString": cfg.SoftwareVersionString,
		"hardwareVersion":       cfg.HardwareVersion,
		"hardwareVersionString": cfg.HardwareVersionString,
	}
	for key, value := range identity {
		if err := persist.Set(key, value); err != nil {
			return nil, errors.Trace(err)
		}
	}
	numbers, err := storage.Get(store, numbersKey, map[string]uint32{})
	if err != nil {
		return nil, errors.Trace(err)
	}
	var next uint32 = 1
	for _, number := range numbers {
		if number >= next {
			next = number + 1
		}
	}
	return &node{
		engine:     e,
		cfg:        cfg,
		store:      store,
		queue:      engine.NewQueue(engine.DefaultQueueSize),
		codes:      pairingCodes(cfg),
		endpoints:  make(map[string]*endpoint),
		numbers:    numbers,
		nextNumber: next,
	}, nil
}

// ID implements engine.ServerNode.
func (n *node) ID() string {
	return n.cfg.ID
}

// Attach implements engine.ServerNode.
func (n *node) Attach(ctx context.Context, agg engine.Aggregator) error {
	a, ok := agg.(*aggregator)
	if !ok {
		return errors.NotValidf("foreign aggregator %T", agg)
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return errors.Errorf("server node %q is closed", n.cfg.ID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.node != nil {
		return errors.AlreadyExistsf("aggregator %q attachment", a.name)
	}
	a.node = n
	return nil
}

// Add implements engine.ServerNode.
func (n *node) Add(ctx context.Context, d *device.Device) (engine.Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addDeviceLocked(d, nil)
}

// Remove implements engine.ServerNode.
func (n *node) Remove(ctx context.Context, key string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.removeLocked(key)
	return nil
}

// Start implements engine.ServerNode.
func (n *node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Errorf("server node %q is closed", n.cfg.ID)
	}
	if n.online {
		return nil
	}
	n.online = true
	n.emitLocked(engine.Event{Kind: engine.KindOnline})
	if len(n.fabrics) > 0 {
		n.emitLocked(engine.Event{Kind: engine.KindCommissioned})
	} else {
		n.advertising = true
	}
	return nil
}

// Advertise implements engine.ServerNode.
func (n *node) Advertise(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.Errorf("server node %q is closed", n.cfg.ID)
	}
	if !n.online {
		return errors.Annotatef(engine.ErrNotReady, "server node %q is not online", n.cfg.ID)
	}
	n.advertising = true
	return nil
}

// StopAdvertising implements engine.ServerNode.
func (n *node) StopAdvertising(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.advertising = false
	return nil
}

// IsOnline implements engine.ServerNode.
func (n *node) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// IsCommissioned implements engine.ServerNode.
func (n *node) IsCommissioned() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.fabrics) > 0
}

// PairingCodes implements engine.ServerNode.
func (n *node) PairingCodes(ctx context.Context) (matter.PairingCodes, error) {
	return n.codes, nil
}

// Fabrics implements engine.ServerNode.
func (n *node) Fabrics(ctx context.Context) ([]matter.Fabric, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]matter.Fabric, len(n.fabrics))
	copy(out, n.fabrics)
	return out, nil
}

// Sessions implements engine.ServerNode.
func (n *node) Sessions(ctx context.Context) ([]matter.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]matter.Session, len(n.sessions))
	copy(out, n.sessions)
	return out, nil
}

// RemoveFabric implements engine.ServerNode.
func (n *node) RemoveFabric(ctx context.Context, index int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	found := -1
	for i, f := range n.fabrics {
		if f.FabricIndex == index {
			found = i
			break
		}
	}
	if found < 0 {
		return errors.NotFoundf("fabric %d on node %q", index, n.cfg.ID)
	}
	n.fabrics = append(n.fabrics[:found], n.fabrics[found+1:]...)

	// The engine tears down any session riding on the removed fabric.
	kept := n.sessions[:0]
	for _, s := range n.sessions {
		if s.FabricIndex == index {
			n.emitLocked(engine.Event{
				Kind:          engine.KindSession,
				SessionName:   s.Name,
				SessionChange: engine.SessionClosed,
			})
			continue
		}
		kept = append(kept, s)
	}
	n.sessions = kept
	n.emitLocked(engine.Event{
		Kind:         engine.KindFabricsChanged,
		FabricIndex:  index,
		FabricAction: engine.FabricRemoved,
	})
	if len(n.fabrics) == 0 {
		n.factoryResetLocked()
	}
	return nil
}

// Events implements engine.ServerNode.
func (n *node) Events() <-chan engine.Event {
	return n.queue.Out()
}

// Flush implements engine.ServerNode.
func (n *node) Flush(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushLocked()
}

func (n *node) flushLocked() error {
	if !n.dirty {
		return nil
	}
	if err := n.store.Set(numbersKey, n.numbers); err != nil {
		return errors.Trace(err)
	}
	n.dirty = false
	return nil
}

// Close implements engine.ServerNode.
func (n *node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	if err := n.flushLocked(); err != nil {
		n.mu.Unlock()
		return errors.Annotatef(err, "flushing endpoint numbers for %q", n.cfg.ID)
	}
	for key, ep := range n.endpoints {
		if ep.number == 0 {
			n.mu.Unlock()
			return errors.Errorf("endpoint %q on node %q has no persisted number", key, n.cfg.ID)
		}
	}
	if n.online {
		n.online = false
		n.advertising = false
		n.emitLocked(engine.Event{Kind: engine.KindOffline})
	}
	n.closed = true
	n.mu.Unlock()

	n.engine.releaseNode(n)
	if err := n.store.Close(); err != nil {
		return errors.Trace(err)
	}
	n.engine.cfg.Logger.Infof(ctx, "Closed %s MdnsService", n.cfg.ID)
	return nil
}

func (n *node) emitLocked(e engine.Event) {
	e.Node = n.cfg.ID
	n.queue.Push(e)
}

func (n *node) addDeviceLocked(d *device.Device, parent *endpoint) (*endpoint, error) {
	if err := d.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if n.closed {
		return nil, errors.Errorf("server node %q is closed", n.cfg.ID)
	}
	if _, ok := n.endpoints[d.Key]; ok {
		return nil, errors.AlreadyExistsf("endpoint %q on node %q", d.Key, n.cfg.ID)
	}
	number, ok := n.numbers[d.Key]
	if !ok {
		number = n.nextNumber
		n.nextNumber++
		n.numbers[d.Key] = number
		n.dirty = true
	}
	ep := &endpoint{
		node:     n,
		key:      d.Key,
		number:   number,
		attrs:    copyAttributes(d.Attributes),
		attached: true,
	}
	n.endpoints[d.Key] = ep
	if parent != nil {
		parent.children = append(parent.children, ep)
	}
	return ep, nil
}

// removeLocked detaches the endpoint and its composed children.
// Persisted numbers survive removal so a re-add keeps its number.
func (n *node) removeLocked(key string) {
	ep, ok := n.endpoints[key]
	if !ok {
		return
	}
	delete(n.endpoints, key)
	for _, child := range ep.children {
		n.removeLocked(child.key)
	}
}

func (n *node) commission(label string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.online {
		return 0, errors.Annotatef(engine.ErrNotReady, "server node %q is not online", n.cfg.ID)
	}
	n.nextFabric++
	index := n.nextFabric
	n.fabrics = append(n.fabrics, matter.Fabric{
		FabricIndex:  index,
		FabricID:     uint64(index),
		NodeID:       uint64(1000 + index),
		RootNodeID:   uint64(2000 + index),
		RootVendorID: 0xfff1,
		RootVendor:   "TestVendor",
		Label:        label,
	})
	n.advertising = false
	n.emitLocked(engine.Event{
		Kind:         engine.KindFabricsChanged,
		FabricIndex:  index,
		FabricAction: engine.FabricAdded,
	})
	n.emitLocked(engine.Event{Kind: engine.KindCommissioned})
	return index, nil
}

func (n *node) decommission() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fabrics = nil
	n.factoryResetLocked()
	return nil
}

// factoryResetLocked mirrors what the engine does when the last
// fabric goes away: wipe the node storage and start advertising
// again.
func (n *node) factoryResetLocked() {
	n.sessions = nil
	if err := n.store.Clear(); err != nil {
		n.engine.cfg.Logger.Warningf(context.Background(), "factory reset of %q: %v", n.cfg.ID, err)
	}
	n.dirty = true
	if n.online {
		n.advertising = true
	}
	n.emitLocked(engine.Event{Kind: engine.KindDecommissioned})
}

func (n *node) openSession(name string, fabricIndex int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sessions {
		if s.Name == name {
			return errors.AlreadyExistsf("session %q on node %q", name, n.cfg.ID)
		}
	}
	n.sessions = append(n.sessions, matter.Session{
		Name:            name,
		NodeID:          uint64(1000 + fabricIndex),
		PeerNodeID:      uint64(2000 + fabricIndex),
		FabricIndex:     fabricIndex,
		IsPeerActive:    true,
		SecureSession:   true,
		LastInteraction: n.engine.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
	n.emitLocked(engine.Event{
		Kind:          engine.KindSession,
		SessionName:   name,
		SessionChange: engine.SessionOpened,
	})
	return nil
}

func (n *node) closeSession(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.sessions {
		if s.Name == name {
			n.sessions = append(n.sessions[:i], n.sessions[i+1:]...)
			n.emitLocked(engine.Event{
				Kind:          engine.KindSession,
				SessionName:   name,
				SessionChange: engine.SessionClosed,
			})
			return nil
		}
	}
	return errors.NotFoundf("session %q on node %q", name, n.cfg.ID)
}

func (n *node) changeSubscriptions(name string, active int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.sessions {
		if s.Name == name {
			n.sessions[i].NumberOfActive = active
			n.emitLocked(engine.Event{
				Kind:          engine.KindSession,
				SessionName:   name,
				SessionChange: engine.SessionSubsChanged,
			})
			return nil
		}
	}
	return errors.NotFoundf("session %q on node %q", name, n.cfg.ID)
}

func (n *node) fail() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.online {
		return
	}
	n.online = false
	n.advertising = false
	n.emitLocked(engine.Event{Kind: engine.KindOffline})
}

type aggregator struct {
	name string

	mu   sync.Mutex
	node *node
	keys map[string]bool
}

// Name implements engine.Aggregator.
func (a *aggregator) Name() string {
	return a.name
}

// Add implements engine.Aggregator.
func (a *aggregator) Add(ctx context.Context, d *device.Device) (engine.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.node == nil {
		return nil, errors.Annotatef(engine.ErrNotReady, "aggregator %q is not attached", a.name)
	}
	a.node.mu.Lock()
	defer a.node.mu.Unlock()
	ep, err := a.node.addDeviceLocked(d, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if a.keys == nil {
		a.keys = make(map[string]bool)
	}
	a.keys[d.Key] = true
	return ep, nil
}

// Remove implements engine.Aggregator.
func (a *aggregator) Remove(ctx context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.node == nil {
		return nil
	}
	a.node.mu.Lock()
	defer a.node.mu.Unlock()
	a.node.removeLocked(key)
	delete(a.keys, key)
	return nil
}

// Size implements engine.Aggregator.
func (a *aggregator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.keys)
}

type endpoint struct {
	node   *node
	key    string
	number uint32

	mu       sync.Mutex
	attrs    device.Attributes
	attached bool
	children []*endpoint
	events   []string
}

// Key implements engine.Endpoint.
func (ep *endpoint) Key() string {
	return ep.key
}

// Number implements engine.Endpoint.
func (ep *endpoint) Number() uint32 {
	return ep.number
}

// SetAttribute implements engine.Endpoint.
func (ep *endpoint) SetAttribute(ctx context.Context, cluster, attr uint32, value any) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.attrs == nil {
		ep.attrs = make(device.Attributes)
	}
	if ep.attrs[cluster] == nil {
		ep.attrs[cluster] = make(map[uint32]any)
	}
	ep.attrs[cluster][attr] = value
	return nil
}

// Attribute implements engine.Endpoint.
func (ep *endpoint) Attribute(ctx context.Context, cluster, attr uint32) (any, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	attrs, ok := ep.attrs[cluster]
	if !ok {
		return nil, errors.NotFoundf("cluster 0x%04x on %q", cluster, ep.key)
	}
	v, ok := attrs[attr]
	if !ok {
		return nil, errors.NotFoundf("attribute 0x%04x/0x%04x on %q", cluster, attr, ep.key)
	}
	return v, nil
}

// TriggerEvent implements engine.Endpoint.
func (ep *endpoint) TriggerEvent(ctx context.Context, event string, payload map[string]any) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.attached {
		return errors.Annotatef(engine.ErrNotReady, "endpoint %q", ep.key)
	}
	ep.events = append(ep.events, event)
	return nil
}

// AddChild implements engine.Endpoint.
func (ep *endpoint) AddChild(ctx context.Context, d *device.Device) (engine.Endpoint, error) {
	ep.mu.Lock()
	attached := ep.attached
	ep.mu.Unlock()
	if !attached {
		return nil, errors.Annotatef(engine.ErrNotReady, "endpoint %q", ep.key)
	}
	ep.node.mu.Lock()
	defer ep.node.mu.Unlock()
	child, err := ep.node.addDeviceLocked(d, ep)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return child, nil
}

// TriggeredEvents returns the events raised on the endpoint so far.
// Test hook.
func (ep *endpoint) TriggeredEvents() []string {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]string, len(ep.events))
	copy(out, ep.events)
	return out
}

func pairingCodes(cfg engine.NodeConfig) matter.PairingCodes {
	return matter.PairingCodes{
		QRPairingCode:     fmt.Sprintf("MT:%07X%03X0", cfg.Passcode, cfg.Discriminator),
		ManualPairingCode: fmt.Sprintf("%04d%07d", cfg.Discriminator%10000, cfg.Passcode%10000000),
	}
}

func copyAttributes(in device.Attributes) device.Attributes {
	out := make(device.Attributes, len(in))
	for cluster, attrs := range in {
		m := make(map[uint32]any, len(attrs))
		for attr, value := range attrs {
			m[attr] = value
		}
		out[cluster] = m
	}
	return out
}
