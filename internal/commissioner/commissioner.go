// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package commissioner supervises the commissioning surface of one
// server node: the advertising window with its fifteen minute timer,
// and the fabric and session tables. The engine is the source of
// truth for both tables; every change event triggers a wholesale
// rebuild rather than an incremental patch, so a dropped event is
// repaired by the next one.
package commissioner

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/juju/worker/v4/catacomb"

	"github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/pubsub"
	"github.com/matterbridge/matterbridged/internal/storage"
)

// WindowDuration is how long a commissioning window stays open. The
// Matter specification caps the basic commissioning window at fifteen
// minutes.
const WindowDuration = 15 * time.Minute

const windowKey = "commissioning"

// Hub is the broadcast surface the worker publishes on.
type Hub interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// Config holds the dependencies of a commissioner worker.
type Config struct {
	Node    engine.ServerNode
	Storage *storage.Manager
	Hub     Hub
	Clock   clock.Clock
	Logger  logger.Logger
}

// Validate returns an error when the worker cannot operate.
func (c Config) Validate() error {
	if c.Node == nil {
		return errors.NotValidf("nil Node")
	}
	if c.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if c.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// persistedWindow is the slice of window state that survives a
// restart, so the worker can tell a still-open window from one that
// lapsed while the process was down.
type persistedWindow struct {
	State     matter.WindowState `json:"state"`
	ExpiresAt time.Time          `json:"expiresAt"`
}

func (p persistedWindow) open() bool {
	return p.State == matter.StateAdvertising || p.State == matter.StateAdvertisingCommissioned
}

type request struct {
	ctx  context.Context
	op   func(context.Context) error
	done chan error
}

// Worker owns the commissioning state of a single server node. All
// state transitions happen on the loop goroutine; external calls are
// funnelled through a request channel.
type Worker struct {
	catacomb catacomb.Catacomb
	cfg      Config
	store    *storage.Context
	requests chan request

	// Loop state. Only the loop goroutine touches these.
	timer        clock.Timer
	timeout      <-chan time.Time
	online       bool
	commissioned bool
	state        matter.WindowState
	expiresAt    time.Time
	codes        matter.PairingCodes
	fabrics      []matter.Fabric
	sessions     []matter.Session

	mu      sync.Mutex
	current matter.Node
}

// NewWorker starts a commissioner for the configured node.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	store, err := cfg.Storage.Open(cfg.Node.ID())
	if err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		cfg:      cfg,
		store:    store,
		requests: make(chan request),
		state:    matter.StateOffline,
		current: matter.Node{
			ID:          cfg.Node.ID(),
			WindowState: matter.StateOffline,
		},
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill is part of the worker.Worker interface.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// State returns the node's current commissioning view.
func (w *Worker) State() matter.Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyNode(w.current)
}

// Advertise opens the commissioning window, or slides an already open
// one out to the full duration again, and returns the pairing codes a
// controller needs while it is open.
func (w *Worker) Advertise(ctx context.Context) (matter.PairingCodes, error) {
	var codes matter.PairingCodes
	err := w.run(ctx, func(ctx context.Context) error {
		if !w.online {
			return errors.Annotatef(engine.ErrNotReady, "server node %q is offline", w.cfg.Node.ID())
		}
		if err := w.openWindow(ctx, WindowDuration); err != nil {
			return errors.Trace(err)
		}
		codes = w.codes
		return nil
	})
	return codes, errors.Trace(err)
}

// StopAdvertising withdraws the commissioning window. It is a no-op
// when no window is open.
func (w *Worker) StopAdvertising(ctx context.Context) error {
	return errors.Trace(w.run(ctx, func(ctx context.Context) error {
		return errors.Trace(w.closeWindow(ctx))
	}))
}

// RemoveFabric unpairs the fabric with the given index and rebuilds
// the published tables from the post-removal engine state.
func (w *Worker) RemoveFabric(ctx context.Context, index int) error {
	return errors.Trace(w.run(ctx, func(ctx context.Context) error {
		if err := w.cfg.Node.RemoveFabric(ctx, index); err != nil {
			return errors.Trace(err)
		}
		if err := w.rebuild(ctx); err != nil {
			return errors.Trace(err)
		}
		if !w.windowOpen() {
			w.setIdleState()
		}
		w.persistWindow(ctx)
		w.publish(ctx)
		return nil
	}))
}

// run executes op on the loop goroutine.
func (w *Worker) run(ctx context.Context, op func(context.Context) error) error {
	req := request{ctx: ctx, op: op, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-w.catacomb.Dying():
		return errors.New("commissioner stopping")
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-w.catacomb.Dying():
		return errors.New("commissioner stopping")
	}
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	// The node may have come online before we started watching; the
	// buffered online event then replays harmlessly.
	if w.cfg.Node.IsOnline() {
		if err := w.nodeOnline(ctx); err != nil {
			return errors.Trace(err)
		}
	}

	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case ev, ok := <-w.cfg.Node.Events():
			if !ok {
				return errors.Errorf("event stream for node %q closed", w.cfg.Node.ID())
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				return errors.Trace(err)
			}
		case req := <-w.requests:
			req.done <- req.op(req.ctx)
		case <-w.timeout:
			w.cfg.Logger.Debugf(ctx, "commissioning window for %q expired", w.cfg.Node.ID())
			if err := w.closeWindow(ctx); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev engine.Event) error {
	w.cfg.Logger.Tracef(ctx, "node event %s", ev)
	switch ev.Kind {
	case engine.KindOnline:
		return errors.Trace(w.nodeOnline(ctx))
	case engine.KindOffline:
		return errors.Trace(w.nodeOffline(ctx))
	case engine.KindCommissioned:
		return errors.Trace(w.handleCommissioned(ctx))
	case engine.KindDecommissioned:
		return errors.Trace(w.handleDecommissioned(ctx))
	case engine.KindFabricsChanged, engine.KindSession:
		if err := w.rebuild(ctx); err != nil {
			return errors.Trace(err)
		}
		w.publish(ctx)
		return nil
	default:
		w.cfg.Logger.Debugf(ctx, "ignoring node event %q", ev.Kind)
		return nil
	}
}

// nodeOnline brings the window up from persisted state. A window that
// lapsed while the node was down is not reopened; one still inside
// its fifteen minutes is reopened for the remainder.
func (w *Worker) nodeOnline(ctx context.Context) error {
	if w.online {
		return nil
	}
	w.online = true
	if err := w.rebuild(ctx); err != nil {
		return errors.Trace(err)
	}
	persisted, found := w.readWindow(ctx)
	now := w.cfg.Clock.Now()
	switch {
	case !w.commissioned:
		// An uncommissioned node advertises from the moment it starts.
		remaining := WindowDuration
		if found && persisted.open() && persisted.ExpiresAt.After(now) {
			remaining = persisted.ExpiresAt.Sub(now)
		}
		return errors.Trace(w.openWindow(ctx, remaining))
	case found && persisted.open() && persisted.ExpiresAt.After(now):
		return errors.Trace(w.openWindow(ctx, persisted.ExpiresAt.Sub(now)))
	default:
		return errors.Trace(w.closeWindow(ctx))
	}
}

// nodeOffline clears the window and then restarts the node with
// exponential backoff until it comes back or the worker is killed.
func (w *Worker) nodeOffline(ctx context.Context) error {
	if !w.online {
		return nil
	}
	w.online = false
	w.disarm()
	w.codes = matter.PairingCodes{}
	w.expiresAt = time.Time{}
	w.state = matter.StateOffline
	w.publish(ctx)

	w.cfg.Logger.Warningf(ctx, "server node %q went offline, restarting", w.cfg.Node.ID())
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return w.cfg.Node.Start(ctx)
		},
		NotifyFunc: func(err error, attempt int) {
			w.cfg.Logger.Debugf(ctx, "restart attempt %d for node %q: %v", attempt, w.cfg.Node.ID(), err)
		},
		Attempts:    retry.UnlimitedAttempts,
		Delay:       time.Second,
		MaxDelay:    time.Minute,
		BackoffFunc: retry.DoubleDelay,
		Clock:       w.cfg.Clock,
		Stop:        w.catacomb.Dying(),
	})
	if err != nil {
		if retry.IsRetryStopped(err) {
			return w.catacomb.ErrDying()
		}
		return errors.Trace(err)
	}
	// The restart emits an online event; the loop resumes from it.
	return nil
}

// handleCommissioned closes the window after a controller pairs.
func (w *Worker) handleCommissioned(ctx context.Context) error {
	w.disarm()
	w.codes = matter.PairingCodes{}
	w.expiresAt = time.Time{}
	if err := w.rebuild(ctx); err != nil {
		return errors.Trace(err)
	}
	w.state = matter.StateCommissioned
	w.persistWindow(ctx)
	w.publish(ctx)
	return nil
}

// handleDecommissioned follows the engine's factory reset: tables
// emptied, window closed.
func (w *Worker) handleDecommissioned(ctx context.Context) error {
	w.disarm()
	w.codes = matter.PairingCodes{}
	w.expiresAt = time.Time{}
	if err := w.rebuild(ctx); err != nil {
		return errors.Trace(err)
	}
	w.state = matter.StateUncommissioned
	w.persistWindow(ctx)
	w.publish(ctx)
	return nil
}

func (w *Worker) openWindow(ctx context.Context, d time.Duration) error {
	if err := w.cfg.Node.Advertise(ctx); err != nil {
		return errors.Trace(err)
	}
	codes, err := w.cfg.Node.PairingCodes(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	w.codes = codes
	w.expiresAt = w.cfg.Clock.Now().Add(d)
	if w.commissioned {
		w.state = matter.StateAdvertisingCommissioned
	} else {
		w.state = matter.StateAdvertising
	}
	w.arm(d)
	w.persistWindow(ctx)
	w.publish(ctx)
	return nil
}

func (w *Worker) closeWindow(ctx context.Context) error {
	w.disarm()
	if err := w.cfg.Node.StopAdvertising(ctx); err != nil {
		return errors.Trace(err)
	}
	w.codes = matter.PairingCodes{}
	w.expiresAt = time.Time{}
	w.setIdleState()
	w.persistWindow(ctx)
	w.publish(ctx)
	return nil
}

func (w *Worker) setIdleState() {
	if w.commissioned {
		w.state = matter.StateCommissioned
	} else {
		w.state = matter.StateUncommissioned
	}
}

// rebuild replaces both tables with the engine's current truth.
func (w *Worker) rebuild(ctx context.Context) error {
	fabrics, err := w.cfg.Node.Fabrics(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	sessions, err := w.cfg.Node.Sessions(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	w.fabrics = fabrics
	w.sessions = sessions
	w.commissioned = len(fabrics) > 0
	return nil
}

func (w *Worker) windowOpen() bool {
	return w.state == matter.StateAdvertising || w.state == matter.StateAdvertisingCommissioned
}

// arm schedules the window timer. Reset is only safe on a stopped,
// drained timer.
func (w *Worker) arm(d time.Duration) {
	if w.timer == nil {
		w.timer = w.cfg.Clock.NewTimer(d)
		w.timeout = w.timer.Chan()
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.Chan():
		default:
		}
	}
	w.timer.Reset(d)
	w.timeout = w.timer.Chan()
}

// disarm stops the timer. A nil timeout channel never fires in the
// loop select.
func (w *Worker) disarm() {
	if w.timer == nil {
		return
	}
	if !w.timer.Stop() {
		select {
		case <-w.timer.Chan():
		default:
		}
	}
	w.timeout = nil
}

func (w *Worker) persistWindow(ctx context.Context) {
	err := w.store.Set(windowKey, persistedWindow{
		State:     w.state,
		ExpiresAt: w.expiresAt,
	})
	if err != nil {
		w.cfg.Logger.Warningf(ctx, "persisting commissioning window for %q: %v", w.cfg.Node.ID(), err)
	}
}

func (w *Worker) readWindow(ctx context.Context) (persistedWindow, bool) {
	var p persistedWindow
	if err := w.store.Get(windowKey, &p); err != nil {
		if !errors.Is(err, errors.NotFound) {
			w.cfg.Logger.Warningf(ctx, "reading persisted commissioning window for %q: %v", w.cfg.Node.ID(), err)
		}
		return persistedWindow{}, false
	}
	return p, true
}

// publish refreshes the published view and broadcasts it when it
// actually changed. Event replays and wholesale rebuilds that land on
// identical state stay quiet.
func (w *Worker) publish(ctx context.Context) {
	next := w.buildNode()
	w.mu.Lock()
	changed := !reflect.DeepEqual(next, w.current)
	if changed {
		w.current = next
	}
	w.mu.Unlock()
	if !changed {
		return
	}
	w.cfg.Logger.Debugf(ctx, "node %q commissioning state %s", next.ID, next.WindowState)
	w.cfg.Hub.Publish(pubsub.RefreshRequiredTopic, pubsub.RefreshRequired{
		Changed: pubsub.ChangedMatter,
		Matter: &matter.Snapshot{
			When:  w.cfg.Clock.Now(),
			Nodes: []matter.Node{copyNode(next)},
		},
	})
}

func (w *Worker) buildNode() matter.Node {
	active := set.NewInts()
	for _, s := range w.sessions {
		if s.IsPeerActive {
			active.Add(s.FabricIndex)
		}
	}
	return matter.Node{
		ID:            w.cfg.Node.ID(),
		Online:        w.online,
		Commissioned:  w.commissioned,
		WindowOpen:    w.windowOpen(),
		WindowState:   w.state,
		ExpiresAt:     w.expiresAt,
		Pairing:       w.codes,
		Fabrics:       append([]matter.Fabric(nil), w.fabrics...),
		Sessions:      append([]matter.Session(nil), w.sessions...),
		ActiveFabrics: active.Size(),
	}
}

func copyNode(n matter.Node) matter.Node {
	out := n
	out.Fabrics = append([]matter.Fabric(nil), n.Fabrics...)
	out.Sessions = append([]matter.Session(nil), n.Sessions...)
	return out
}
