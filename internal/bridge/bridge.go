// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package bridge is the coordinator at the root of the worker tree.
// It owns the storage managers, the matter engine, the endpoint
// registry and the plugin manager, starts a server node per operating
// mode with a commissioner each, and serves the control-plane API the
// frontend dispatches to.
package bridge

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/matterbridge/matterbridged/core/auditlog"
	"github.com/matterbridge/matterbridged/core/device"
	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/core/version"
	"github.com/matterbridge/matterbridged/internal/commissioner"
	"github.com/matterbridge/matterbridged/internal/endpoint"
	"github.com/matterbridge/matterbridged/internal/engine"
	"github.com/matterbridge/matterbridged/internal/engine/dummy"
	"github.com/matterbridge/matterbridged/internal/frontend"
	"github.com/matterbridge/matterbridged/internal/monitor"
	"github.com/matterbridge/matterbridged/internal/pluginmanager"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
	"github.com/matterbridge/matterbridged/internal/storage"
	internalworker "github.com/matterbridge/matterbridged/internal/worker"
)

// ErrRestartRequested is the death reason when an operator asked for
// a restart; the supervising runner restarts the bridge on it.
const ErrRestartRequested = errors.ConstError("restart requested")

// cleanupGrace bounds the teardown sequence. A hung engine or storage
// close must not keep the process alive past it.
const cleanupGrace = 10 * time.Second

// bridgeNodeID names the shared server node in bridge mode, and the
// reserved owner of the virtual control devices.
const bridgeNodeID = "Matterbridge"

// Matter vendor identity presented by every server node.
const (
	vendorID   = 0xfff1
	vendorName = "Matterbridge"
	productID  = 0x8000
)

// Hub is the process-wide message bus. The bridge publishes state
// changes on it and subscribes to the notifications it reacts to.
type Hub interface {
	Publish(topic string, data interface{}) <-chan struct{}
	Subscribe(topic string, handler func(string, interface{})) func()
}

// EngineFunc builds the matter engine over the opened matter storage.
// Nil selects the in-memory engine.
type EngineFunc func(m *storage.Manager) (engine.Engine, error)

// Config holds the dependencies and flag values for the bridge
// worker. Zero flag values fall back to persisted settings, then to
// defaults.
type Config struct {
	// Mode selects the aggregation strategy; empty means the
	// persisted mode, defaulting to bridge.
	Mode mode.Mode

	// HomeDir anchors all persistent state under
	// <HomeDir>/.matterbridge.
	HomeDir string

	// Profile suffixes the storage directories so several instances
	// can share a homedir.
	Profile string

	MatterPort    int
	Passcode      uint32
	Discriminator uint16

	// FrontendPort is the control-plane port; zero or negative
	// disables the frontend entirely.
	FrontendPort int

	// NewEngine is the engine seam; nil selects the in-memory
	// engine.
	NewEngine EngineFunc

	Clock  clock.Clock
	Hub    Hub
	Logger corelogger.Logger

	// Spawner runs package install commands; nil selects os/exec.
	Spawner pluginmanager.Spawner

	SSL            bool
	MDNSInterface  string
	IPv4Address    string
	IPv6Address    string
	LogLevel       string
	MatterLogLevel string

	// VirtualMode overrides the persisted virtual device mode;
	// NoVirtual forces it to disabled without persisting.
	VirtualMode string
	NoVirtual   bool

	Docker      bool
	NoSudo      bool
	MemoryCheck bool

	// Inspect mounts the pprof routes on the frontend.
	Inspect bool

	// SnapshotInterval enables periodic heap profiles when non-zero.
	SnapshotInterval time.Duration

	// StartInterval and PauseInterval pace node and plugin starts.
	StartInterval time.Duration
	PauseInterval time.Duration
}

// Validate returns an error if the config is not usable.
func (cfg Config) Validate() error {
	if cfg.HomeDir == "" {
		return errors.NotValidf("empty HomeDir")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.Mode != "" {
		if err := cfg.Mode.Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if cfg.VirtualMode != "" {
		if err := validVirtualMode(cfg.VirtualMode); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// nodeEntry is one live server node with its commissioner. agg is nil
// when devices attach to the node directly.
type nodeEntry struct {
	id   string
	node engine.ServerNode
	agg  engine.Aggregator
	comm *commissioner.Worker
}

// Worker is the bridge coordinator.
type Worker struct {
	catacomb catacomb.Catacomb
	cfg      Config
	runner   *worker.Runner

	destroyed chan struct{}
	nudge     chan struct{}

	// Populated once during startup, before the frontend can
	// dispatch any request.
	nodeStorage   *storage.Manager
	matterStorage *storage.Manager
	engine        engine.Engine
	auth          *frontend.Authenticator
	registry      *endpoint.Registry
	plugins       *pluginmanager.Manager
	frontend      *frontend.Worker
	monitor       *monitor.Worker
	metrics       *prometheus.Registry
	virtual       *virtualDevices
	unsubscribe   []func()

	mu         sync.Mutex
	settings   Settings
	nodes      map[string]*nodeEntry
	nodeOrder  []string
	nextPort   int
	nextOffset int
	startOrder []string
	started    bool
	latest     string
}

// NewWorker starts the bridge.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &Worker{
		cfg:       cfg,
		destroyed: make(chan struct{}),
		nudge:     make(chan struct{}, 1),
		nodes:     make(map[string]*nodeEntry),
		metrics:   prometheus.NewRegistry(),
		runner: worker.NewRunner(worker.RunnerParams{
			Clock: cfg.Clock,
			// Commissioners carry their own retry logic; a dead one
			// only comes back with the bridge.
			IsFatal:       func(error) bool { return false },
			ShouldRestart: func(error) bool { return false },
			Logger:        internalworker.WrapLogger(cfg.Logger),
		}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{w.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return w, nil
}

// Kill implements worker.Worker.
func (w *Worker) Kill() {
	w.catacomb.Kill(nil)
}

// Wait implements worker.Worker.
func (w *Worker) Wait() error {
	return w.catacomb.Wait()
}

// Destroy kills the bridge and waits for the cleanup sequence to
// finish or the context to expire.
func (w *Worker) Destroy(ctx context.Context) error {
	w.catacomb.Kill(nil)
	select {
	case <-w.destroyed:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Destroyed reports cleanup completion; closed even when the cleanup
// was cut short by the grace period.
func (w *Worker) Destroyed() <-chan struct{} {
	return w.destroyed
}

// FrontendAddr returns the frontend listen address, empty while the
// frontend is disabled.
func (w *Worker) FrontendAddr() string {
	if w.frontend == nil {
		return ""
	}
	return w.frontend.Addr()
}

func (w *Worker) scopedContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(w.catacomb.Context(context.Background()))
}

func (w *Worker) loop() error {
	ctx, cancel := w.scopedContext()
	defer cancel()

	if err := w.startup(ctx); err != nil {
		// Half-built state still holds storage and engine handles.
		w.cleanup()
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		default:
		}
		return errors.Trace(err)
	}

	for {
		select {
		case <-w.catacomb.Dying():
			w.cleanup()
			return w.catacomb.ErrDying()
		case <-w.nudge:
			w.syncPairing(ctx)
			w.checkStarted(ctx)
		}
	}
}

func (w *Worker) startup(ctx context.Context) error {
	cfg := w.cfg
	base := filepath.Join(cfg.HomeDir, ".matterbridge")

	nodeStore, err := storage.NewManager(
		filepath.Join(base, storageDir("storage", cfg.Profile)),
		cfg.Logger.Child("storage"))
	if err != nil {
		return errors.Annotate(err, "opening node storage")
	}
	w.nodeStorage = nodeStore

	matterStore, err := storage.NewManager(
		filepath.Join(base, storageDir("matterstorage", cfg.Profile)),
		cfg.Logger.Child("storage"))
	if err != nil {
		return errors.Annotate(err, "opening matter storage")
	}
	w.matterStorage = matterStore

	persisted, err := loadSettings(nodeStore)
	if err != nil {
		return errors.Annotate(err, "reading settings")
	}
	settings, err := mergeSettings(persisted, cfg)
	if err != nil {
		return errors.Trace(err)
	}
	if err := saveSettings(nodeStore, settings); err != nil {
		return errors.Annotate(err, "persisting settings")
	}
	// -novirtual is transient; it must not stick for later runs.
	if cfg.NoVirtual {
		settings.VirtualMode = VirtualDisabled
	}
	w.mu.Lock()
	w.settings = settings
	w.nextPort = settings.MatterPort
	w.mu.Unlock()

	w.applyLogLevels(ctx, settings)
	w.cfg.Logger.Infof(ctx, "matterbridge %s starting in %s mode", version.Current, settings.Mode)

	w.auth = frontend.NewAuthenticator(settings.PasswordHash, settings.PasswordSalt)

	eng, err := w.newEngine(matterStore)
	if err != nil {
		return errors.Annotate(err, "creating matter engine")
	}
	w.engine = eng

	registry, err := endpoint.NewRegistry(endpoint.RegistryConfig{
		Hub:    cfg.Hub,
		Logger: cfg.Logger.Child("endpoint"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	w.registry = registry

	plugins, err := pluginmanager.NewManager(pluginmanager.Config{
		Mode:         settings.Mode,
		Storage:      nodeStore,
		NewRegistrar: w.newRegistrar,
		Hub:          cfg.Hub,
		Clock:        cfg.Clock,
		Logger:       cfg.Logger.Child("plugin"),
		Spawner:      cfg.Spawner,
		Version:      version.Current,
		Docker:       cfg.Docker,
		NoSudo:       cfg.NoSudo,
		InstallArgs:  settings.InstallArgs,
	})
	if err != nil {
		return errors.Annotate(err, "creating plugin manager")
	}
	w.plugins = plugins

	// Commissioners publish a refresh on every node change; the
	// subscription must be live before the first node starts.
	w.unsubscribe = append(w.unsubscribe,
		cfg.Hub.Subscribe(internalpubsub.RefreshRequiredTopic, func(string, interface{}) {
			select {
			case w.nudge <- struct{}{}:
			default:
			}
		}))

	switch settings.Mode {
	case mode.Bridge, mode.Test:
		if err := w.startBridgeNode(ctx); err != nil {
			return errors.Trace(err)
		}
	case mode.Childbridge:
		if err := w.startChildbridgeNodes(ctx); err != nil {
			return errors.Trace(err)
		}
	case mode.Controller:
		// No server nodes; the process is only a control plane.
	}

	if err := w.startPlugins(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := w.startVirtualDevices(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := w.startFrontend(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := w.startMonitor(); err != nil {
		return errors.Trace(err)
	}

	w.checkStarted(ctx)
	return nil
}

func (w *Worker) newEngine(m *storage.Manager) (engine.Engine, error) {
	if w.cfg.NewEngine != nil {
		eng, err := w.cfg.NewEngine(m)
		return eng, errors.Trace(err)
	}
	eng, err := dummy.NewEngine(dummy.Config{
		Storage: m,
		Clock:   w.cfg.Clock,
		Logger:  w.cfg.Logger.Child("matter"),
	})
	return eng, errors.Trace(err)
}

// startBridgeNode starts the shared Matterbridge node with its
// aggregator.
func (w *Worker) startBridgeNode(ctx context.Context) error {
	node, err := w.createServerNode(ctx, bridgeNodeID, device.TypeAggregator)
	if err != nil {
		return errors.Trace(err)
	}
	agg, err := w.engine.CreateAggregator(ctx, bridgeNodeID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := node.Attach(ctx, agg); err != nil {
		return errors.Trace(err)
	}
	if err := node.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	return w.addNode(node, agg)
}

// startChildbridgeNodes starts one server node per enabled plugin.
// Dynamic platforms get an aggregator; an accessory platform's single
// device attaches to the node directly.
func (w *Worker) startChildbridgeNodes(ctx context.Context) error {
	started := 0
	for _, rec := range w.plugins.Plugins() {
		if !rec.Enabled {
			continue
		}
		if started > 0 {
			if err := w.pause(w.cfg.StartInterval); err != nil {
				return err
			}
		}
		if err := w.startPluginNode(ctx, rec); err != nil {
			return errors.Trace(err)
		}
		started++
	}
	return nil
}

func (w *Worker) startPluginNode(ctx context.Context, rec *plugin.Record) error {
	deviceType := uint32(device.TypeAggregator)
	if rec.Type == plugin.AccessoryPlatform {
		deviceType = device.TypeBridgedNode
	}
	node, err := w.createServerNode(ctx, rec.Name, deviceType)
	if err != nil {
		return errors.Trace(err)
	}
	var agg engine.Aggregator
	if rec.Type != plugin.AccessoryPlatform {
		if agg, err = w.engine.CreateAggregator(ctx, rec.Name); err != nil {
			return errors.Trace(err)
		}
		if err := node.Attach(ctx, agg); err != nil {
			return errors.Trace(err)
		}
	}
	if err := node.Start(ctx); err != nil {
		return errors.Trace(err)
	}
	return w.addNode(node, agg)
}

// createServerNode creates a stopped node, retrying once on the next
// port when the configured one is taken. A second port clash is
// fatal.
func (w *Worker) createServerNode(ctx context.Context, id string, deviceType uint32) (engine.ServerNode, error) {
	cfg := w.nodeConfig(id, deviceType)
	node, err := w.engine.CreateServerNode(ctx, cfg)
	if errors.Is(err, engine.ErrPortInUse) {
		retryPort := w.takePort()
		w.cfg.Logger.Warningf(ctx, "port %d in use, retrying node %q on port %d", cfg.Port, id, retryPort)
		cfg.Port = retryPort
		node, err = w.engine.CreateServerNode(ctx, cfg)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "creating server node %q", id)
	}
	return node, nil
}

// addNode spawns the node's commissioner and records the entry.
func (w *Worker) addNode(node engine.ServerNode, agg engine.Aggregator) error {
	comm, err := commissioner.NewWorker(commissioner.Config{
		Node:    node,
		Storage: w.matterStorage,
		Hub:     w.cfg.Hub,
		Clock:   w.cfg.Clock,
		Logger:  w.cfg.Logger.Child("commissioner"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := w.runner.StartWorker(node.ID(), func() (worker.Worker, error) {
		return comm, nil
	}); err != nil {
		comm.Kill()
		return errors.Trace(err)
	}
	w.mu.Lock()
	w.nodes[node.ID()] = &nodeEntry{id: node.ID(), node: node, agg: agg, comm: comm}
	w.nodeOrder = append(w.nodeOrder, node.ID())
	w.mu.Unlock()
	return nil
}

// removeNode tears down a plugin's server node, commissioner first.
// Unknown ids are a no-op.
func (w *Worker) removeNode(ctx context.Context, id string) {
	w.mu.Lock()
	e, ok := w.nodes[id]
	if ok {
		delete(w.nodes, id)
		for i, n := range w.nodeOrder {
			if n == id {
				w.nodeOrder = append(w.nodeOrder[:i], w.nodeOrder[i+1:]...)
				break
			}
		}
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	if err := w.runner.StopAndRemoveWorker(id, w.catacomb.Dying()); err != nil {
		w.cfg.Logger.Warningf(ctx, "stopping commissioner %q: %v", id, err)
	}
	if err := e.node.Close(ctx); err != nil {
		w.cfg.Logger.Warningf(ctx, "closing server node %q: %v", id, err)
	}
}

func (w *Worker) nodeConfig(id string, deviceType uint32) engine.NodeConfig {
	w.mu.Lock()
	port := w.nextPort
	w.nextPort++
	off := w.nextOffset
	w.nextOffset++
	st := w.settings
	w.mu.Unlock()
	return engine.NodeConfig{
		ID:            id,
		Port:          port,
		Passcode:      st.Passcode + uint32(off),
		Discriminator: st.Discriminator + uint16(off),

		DeviceName:  id,
		DeviceType:  deviceType,
		VendorID:    vendorID,
		VendorName:  vendorName,
		ProductID:   productID,
		ProductName: id,

		NodeLabel:    id,
		ProductLabel: id,
		SerialNumber: id,
		UniqueID:     uuid.NewString(),

		SoftwareVersion:       version.Current.Major*10000 + version.Current.Minor*100 + version.Current.Patch,
		SoftwareVersionString: version.Current.String(),
		HardwareVersion:       1,
		HardwareVersionString: "1.0.0",
	}
}

func (w *Worker) takePort() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.nextPort
	w.nextPort++
	return p
}

// startPlugins loads, starts and configures every enabled plugin.
// Failures mark the record and never take the bridge down.
func (w *Worker) startPlugins(ctx context.Context) error {
	if w.settingsSnapshot().Mode == mode.Controller {
		return nil
	}
	started := 0
	for _, rec := range w.plugins.Plugins() {
		if !rec.Enabled {
			continue
		}
		if started > 0 {
			if err := w.pause(w.cfg.PauseInterval); err != nil {
				return err
			}
		}
		w.startPlugin(ctx, rec.Name)
		started++
	}
	return nil
}

func (w *Worker) startPlugin(ctx context.Context, name string) {
	if err := w.plugins.Load(ctx, name); err != nil {
		w.cfg.Logger.Errorf(ctx, "loading plugin %q: %v", name, err)
		return
	}
	if err := w.plugins.Start(ctx, name, "bridge start"); err != nil {
		w.cfg.Logger.Errorf(ctx, "starting plugin %q: %v", name, err)
		return
	}
	if err := w.plugins.Configure(ctx, name); err != nil {
		w.cfg.Logger.Errorf(ctx, "configuring plugin %q: %v", name, err)
		return
	}
	w.mu.Lock()
	w.startOrder = append(w.startOrder, name)
	w.mu.Unlock()
}

func (w *Worker) startVirtualDevices(ctx context.Context) error {
	st := w.settingsSnapshot()
	if st.VirtualMode == VirtualDisabled {
		return nil
	}
	if st.Mode != mode.Bridge && st.Mode != mode.Test {
		return nil
	}
	w.mu.Lock()
	entry := w.nodes[bridgeNodeID]
	w.mu.Unlock()
	if entry == nil || entry.agg == nil {
		return nil
	}
	v, err := newVirtualDevices(virtualConfig{
		Mode:     st.VirtualMode,
		Registry: w.registry,
		Hub:      w.cfg.Hub,
		Clock:    w.cfg.Clock,
		Logger:   w.cfg.Logger.Child("virtual"),
	})
	if err != nil {
		return errors.Trace(err)
	}
	if err := v.register(ctx, entry.agg); err != nil {
		return errors.Trace(err)
	}
	w.virtual = v
	return nil
}

func (w *Worker) startFrontend(ctx context.Context) error {
	st := w.settingsSnapshot()
	if st.FrontendPort <= 0 {
		w.cfg.Logger.Infof(ctx, "frontend disabled")
		return nil
	}
	base := filepath.Join(w.cfg.HomeDir, ".matterbridge")
	fcfg := frontend.Config{
		Port:        st.FrontendPort,
		Handler:     w,
		Installer:   w.plugins,
		Hub:         w.cfg.Hub,
		Clock:       w.cfg.Clock,
		Logger:      w.cfg.Logger.Child("frontend"),
		Auth:        w.auth,
		Audit:       auditlog.NewLogFile(base),
		Registry:    w.metrics,
		StaticDir:   filepath.Join(base, "frontend"),
		LogFile:     filepath.Join(base, "matterbridged.log"),
		EnablePprof: w.cfg.Inspect,
	}
	if w.cfg.SSL {
		fcfg.TLSCert = filepath.Join(base, "certs", "cert.pem")
		fcfg.TLSKey = filepath.Join(base, "certs", "key.pem")
	}
	f, err := frontend.NewWorker(fcfg)
	if err != nil {
		return errors.Annotate(err, "starting frontend")
	}
	if err := w.catacomb.Add(f); err != nil {
		return errors.Trace(err)
	}
	w.frontend = f
	return nil
}

func (w *Worker) startMonitor() error {
	m, err := monitor.NewWorker(monitor.Config{
		Clock:            w.cfg.Clock,
		Hub:              w.cfg.Hub,
		Logger:           w.cfg.Logger.Child("monitor"),
		SnapshotInterval: w.cfg.SnapshotInterval,
		HomeDir:          w.cfg.HomeDir,
		MemoryCheck:      w.cfg.MemoryCheck,
	})
	if err != nil {
		return errors.Annotate(err, "starting monitor")
	}
	if err := w.metrics.Register(m.MetricsCollector()); err != nil {
		m.Kill()
		return errors.Trace(err)
	}
	if err := w.catacomb.Add(m); err != nil {
		return errors.Trace(err)
	}
	w.monitor = m
	return nil
}

// pause waits d, abandoning the wait when the bridge starts dying.
func (w *Worker) pause(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-w.catacomb.Dying():
		return w.catacomb.ErrDying()
	case <-w.cfg.Clock.After(d):
		return nil
	}
}

func (w *Worker) settingsSnapshot() Settings {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.settings
}

func (w *Worker) updateSettings(mutate func(*Settings)) error {
	w.mu.Lock()
	mutate(&w.settings)
	st := w.settings
	w.mu.Unlock()
	return errors.Trace(saveSettings(w.nodeStorage, st))
}

func (w *Worker) applyLogLevels(ctx context.Context, st Settings) {
	for name, level := range map[string]string{
		"matterbridged":        st.LogLevel,
		"matterbridged.matter": st.MatterLogLevel,
	} {
		if err := setLoggerLevel(name, level); err != nil {
			w.cfg.Logger.Warningf(ctx, "applying log level %q to %q: %v", level, name, err)
		}
	}
}

// nodeEntries returns the live entries, shared node first, the rest
// sorted by id.
func (w *Worker) nodeEntries() []*nodeEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]string, 0, len(w.nodes))
	for id := range w.nodes {
		if id != bridgeNodeID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if _, ok := w.nodes[bridgeNodeID]; ok {
		ids = append([]string{bridgeNodeID}, ids...)
	}
	out := make([]*nodeEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.nodes[id])
	}
	return out
}

// Snapshot returns the commissioning view over every server node.
func (w *Worker) Snapshot() *matter.Snapshot {
	snap := &matter.Snapshot{When: w.cfg.Clock.Now()}
	for _, e := range w.nodeEntries() {
		snap.Nodes = append(snap.Nodes, e.comm.State())
	}
	return snap
}

// syncPairing copies each plugin node's commissioning state onto the
// plugin record so the frontend can render pairing codes.
func (w *Worker) syncPairing(ctx context.Context) {
	if w.settingsSnapshot().Mode != mode.Childbridge {
		return
	}
	for _, e := range w.nodeEntries() {
		n := e.comm.State()
		var codes *matter.PairingCodes
		if n.Pairing.QRPairingCode != "" || n.Pairing.ManualPairingCode != "" {
			p := n.Pairing
			codes = &p
		}
		err := w.plugins.SetPairing(e.id, codes, n.Commissioned, n.ActiveFabrics > 0)
		if err != nil && !errors.Is(err, errors.NotFound) {
			w.cfg.Logger.Warningf(ctx, "updating pairing for %q: %v", e.id, err)
		}
	}
}

// checkStarted logs and announces readiness once every server node is
// online. Controller mode has no nodes and is ready immediately.
func (w *Worker) checkStarted(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	st := w.settings
	w.mu.Unlock()
	for _, e := range w.nodeEntries() {
		if !e.node.IsOnline() {
			return
		}
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	msg := "Bridge started"
	switch st.Mode {
	case mode.Childbridge:
		msg = "Childbridge started"
	case mode.Controller:
		msg = "Controller started"
	}
	w.cfg.Logger.Infof(ctx, "%s", msg)
	w.cfg.Hub.Publish(internalpubsub.SnackbarTopic, internalpubsub.Snackbar{
		Message:  msg,
		Severity: internalpubsub.SeverityInfo,
		Timeout:  5,
	})
}

// cleanup runs the teardown sequence under the grace period and then
// signals Destroyed.
func (w *Worker) cleanup() {
	ctx := context.Background()
	w.cfg.Logger.Infof(ctx, "Destroy instance...")
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.runCleanup(ctx)
	}()
	select {
	case <-done:
	case <-w.cfg.Clock.After(cleanupGrace):
		w.cfg.Logger.Errorf(ctx, "cleanup still running after %v, forcing shutdown", cleanupGrace)
	}
	w.cfg.Logger.Infof(ctx, "Cleanup completed. Shutting down...")
	close(w.destroyed)
}

func (w *Worker) runCleanup(ctx context.Context) {
	// The frontend goes first so no new control-plane request can
	// land in a half-dismantled bridge.
	if w.frontend != nil {
		if err := worker.Stop(w.frontend); err != nil {
			w.cfg.Logger.Warningf(ctx, "stopping frontend: %v", err)
		}
	}
	for _, unsubscribe := range w.unsubscribe {
		unsubscribe()
	}
	if w.virtual != nil {
		w.virtual.close()
	}

	// Plugins shut down in reverse start order; their devices stay
	// registered so endpoint numbers survive the restart.
	if w.plugins != nil {
		w.mu.Lock()
		names := make([]string, len(w.startOrder))
		copy(names, w.startOrder)
		w.mu.Unlock()
		for i := len(names) - 1; i >= 0; i-- {
			if err := w.plugins.Shutdown(ctx, names[i], "shutdown", false); err != nil {
				w.cfg.Logger.Warningf(ctx, "shutting down plugin %q: %v", names[i], err)
			}
		}
		if err := worker.Stop(w.plugins); err != nil {
			w.cfg.Logger.Warningf(ctx, "stopping plugin manager: %v", err)
		}
	}

	// Commissioners must be gone before their nodes close, or they
	// would fight the teardown trying to restart them.
	if err := worker.Stop(w.runner); err != nil {
		w.cfg.Logger.Warningf(ctx, "stopping commissioners: %v", err)
	}

	if w.registry != nil {
		for key, number := range w.registry.EndpointNumbers() {
			if number == 0 {
				w.cfg.Logger.Errorf(ctx, "endpoint %q has no assigned number", key)
			}
		}
	}

	w.mu.Lock()
	order := make([]string, len(w.nodeOrder))
	copy(order, w.nodeOrder)
	nodes := make(map[string]*nodeEntry, len(w.nodes))
	for id, e := range w.nodes {
		nodes[id] = e
	}
	w.mu.Unlock()
	for i := len(order) - 1; i >= 0; i-- {
		e := nodes[order[i]]
		if err := e.node.Flush(ctx); err != nil {
			w.cfg.Logger.Warningf(ctx, "flushing node %q: %v", e.id, err)
		}
		if err := e.node.Close(ctx); err != nil {
			w.cfg.Logger.Warningf(ctx, "closing node %q: %v", e.id, err)
		}
		if e.node.IsOnline() {
			w.cfg.Logger.Errorf(ctx, "node %q still online after close", e.id)
		}
	}

	if w.matterStorage != nil {
		if err := w.matterStorage.Close(); err != nil {
			w.cfg.Logger.Warningf(ctx, "closing matter storage: %v", err)
		}
	}
	if w.nodeStorage != nil {
		if err := w.nodeStorage.Close(); err != nil {
			w.cfg.Logger.Warningf(ctx, "closing node storage: %v", err)
		}
	}

	// mDNS and the other shared engine resources go last.
	if w.engine != nil {
		if err := w.engine.Close(ctx); err != nil {
			w.cfg.Logger.Warningf(ctx, "closing engine: %v", err)
		}
	}
}

func storageDir(prefix, profile string) string {
	if profile == "" {
		return prefix
	}
	return prefix + "." + profile
}
