// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dummy is an in-memory Matter engine. It honours the full
// engine contract — persisted endpoint numbers, per-node event queues,
// pairing codes — without touching the network, and adds hooks so
// tests can drive commissioning from the outside.
package dummy

import (
	"context"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/storage"
)

// Config holds the engine's dependencies.
type Config struct {
	// Storage is the Matter engine storage manager. Each server node
	// opens a context named after its store id.
	Storage *storage.Manager
	Clock   clock.Clock
	Logger  corelogger.Logger
}

// Validate is called by NewEngine.
func (c Config) Validate() error {
	if c.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Engine implements engine.Engine in memory.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	closed   bool
	ports    map[int]string
	reserved map[int]bool
	nodes    map[string]*node
}

// NewEngine returns a stopped in-memory engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Engine{
		cfg:      cfg,
		ports:    make(map[int]string),
		reserved: make(map[int]bool),
		nodes:    make(map[string]*node),
	}, nil
}

// CreateServerNode implements engine.Engine.
func (e *Engine) CreateServerNode(ctx context.Context, cfg engine.NodeConfig) (engine.ServerNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Errorf("engine is closed")
	}
	if _, ok := e.nodes[cfg.ID]; ok {
		return nil, errors.AlreadyExistsf("server node %q", cfg.ID)
	}
	if owner, ok := e.ports[cfg.Port]; ok {
		return nil, errors.Annotatef(engine.ErrPortInUse, "port %d is owned by %q", cfg.Port, owner)
	}
	if e.reserved[cfg.Port] {
		return nil, errors.Annotatef(engine.ErrPortInUse, "port %d", cfg.Port)
	}

	n, err := newNode(e, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	e.ports[cfg.Port] = cfg.ID
	e.nodes[cfg.ID] = n
	e.cfg.Logger.Debugf(ctx, "created server node %q on port %d", cfg.ID, cfg.Port)
	return n, nil
}

// CreateAggregator implements engine.Engine.
func (e *Engine) CreateAggregator(ctx context.Context, name string) (engine.Aggregator, error) {
	if name == "" {
		return nil, errors.NotValidf("empty aggregator name")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.Errorf("engine is closed")
	}
	e.cfg.Logger.Debugf(ctx, "created aggregator %q", name)
	return &aggregator{name: name}, nil
}

// Close implements engine.Engine. Any node still live is closed
// first, so shared resources never outlive the process teardown.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	remaining := make([]*node, 0, len(e.nodes))
	for _, n := range e.nodes {
		remaining = append(remaining, n)
	}
	e.mu.Unlock()

	for _, n := range remaining {
		if err := n.Close(ctx); err != nil {
			e.cfg.Logger.Warningf(ctx, "closing leftover server node %q: %v", n.ID(), err)
		}
	}
	e.cfg.Logger.Debugf(ctx, "engine closed")
	return nil
}

func (e *Engine) releaseNode(n *node) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ports[n.cfg.Port] == n.cfg.ID {
		delete(e.ports, n.cfg.Port)
	}
	delete(e.nodes, n.cfg.ID)
}

func (e *Engine) node(id string) (*node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n, ok := e.nodes[id]
	if !ok {
		return nil, errors.NotFoundf("server node %q", id)
	}
	return n, nil
}

// ReservePort makes the engine treat port as taken without a node
// owning it. Test hook.
func (e *Engine) ReservePort(port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reserved[port] = true
}

// Commission pairs a fabric to the named node as a controller would,
// closing the commissioning window. Test hook.
func (e *Engine) Commission(id, label string) (int, error) {
	n, err := e.node(id)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return n.commission(label)
}

// Decommission removes all fabrics from the named node and factory
// resets it. Test hook.
func (e *Engine) Decommission(id string) error {
	n, err := e.node(id)
	if err != nil {
		return errors.Trace(err)
	}
	return n.decommission()
}

// OpenSession starts a secure session on the named node. Test hook.
func (e *Engine) OpenSession(id, name string, fabricIndex int) error {
	n, err := e.node(id)
	if err != nil {
		return errors.Trace(err)
	}
	return n.openSession(name, fabricIndex)
}

// CloseSession ends a session previously opened. Test hook.
func (e *Engine) CloseSession(id, name string) error {
	n, err := e.node(id)
	if err != nil {
		return errors.Trace(err)
	}
	return n.closeSession(name)
}

// ChangeSubscriptions bumps a session's subscription count. Test
// hook.
func (e *Engine) ChangeSubscriptions(id, name string, active int) error {
	n, err := e.node(id)
	if err != nil {
		return errors.Trace(err)
	}
	return n.changeSubscriptions(name, active)
}

// FailNode knocks the named node offline as an engine fault would.
// Test hook.
func (e *Engine) FailNode(id string) error {
	n, err := e.node(id)
	if err != nil {
		return errors.Trace(err)
	}
	n.fail()
	return nil
}

// Fabrics returns the current fabric table of the named node. Test
// hook for asserting post-removal state.
func (e *Engine) Fabrics(id string) ([]matter.Fabric, error) {
	n, err := e.node(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return n.Fabrics(context.Background())
}

// TriggeredEvents returns the events raised on an endpoint of the
// named node. Test hook.
func (e *Engine) TriggeredEvents(id, key string) ([]string, error) {
	n, err := e.node(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	n.mu.Lock()
	ep, ok := n.endpoints[key]
	n.mu.Unlock()
	if !ok {
		return nil, errors.NotFoundf("endpoint %q on node %q", key, id)
	}
	return ep.TriggeredEvents(), nil
}
