// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package pluginmanager owns the plugin records and mediates every
// lifecycle transition. Each plugin gets its own worker under a
// runner that never restarts and treats no error as fatal, so a
// misbehaving platform is isolated from the rest of the bridge.
package pluginmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/version/v2"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/core/plugin"
	bridgeversion "github.com/matterbridge/matterbridged/core/version"
	"github.com/matterbridge/matterbridged/internal/platform"
	"github.com/matterbridge/matterbridged/internal/pubsub"
	"github.com/matterbridge/matterbridged/internal/storage"
	internalworker "github.com/matterbridge/matterbridged/internal/worker"
)

// ErrTooManyDevices is returned when an accessory platform registers
// a second device in childbridge mode. The first device stays.
const ErrTooManyDevices = errors.ConstError("too many devices")

// Hub is the broadcast surface the manager publishes on.
type Hub interface {
	Publish(topic string, data interface{}) <-chan struct{}
}

// RegistrarFunc builds the device surface a named plugin registers
// against. The bridge provides placement; the manager wraps the
// result with its own bookkeeping.
type RegistrarFunc func(pluginName string) plugin.Registrar

// Config holds the dependencies of a plugin manager.
type Config struct {
	Mode         mode.Mode
	Storage      *storage.Manager
	NewRegistrar RegistrarFunc
	Hub          Hub
	Clock        clock.Clock
	Logger       corelogger.Logger
	Spawner      Spawner

	// Version is the running bridge version compared by CheckUpdates.
	// Zero means the release version.
	Version version.Number

	// Docker and NoSudo shape the npm command lines; InstallArgs is
	// the operator-configured extra argument string.
	Docker      bool
	NoSudo      bool
	InstallArgs string
}

// Validate is part of the usual worker config contract.
func (cfg Config) Validate() error {
	if err := cfg.Mode.Validate(); err != nil {
		return errors.Trace(err)
	}
	if cfg.Storage == nil {
		return errors.NotValidf("nil Storage")
	}
	if cfg.NewRegistrar == nil {
		return errors.NotValidf("nil NewRegistrar")
	}
	if cfg.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if cfg.Spawner == nil {
		return errors.NotValidf("nil Spawner")
	}
	return nil
}

// storedRecord is the persisted subset of a plugin record. Runtime
// flags are deliberately not stored; a fresh process starts every
// plugin from scratch.
type storedRecord struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Description string      `json:"description"`
	Author      string      `json:"author"`
	Path        string      `json:"path,omitempty"`
	HomePage    string      `json:"homepage,omitempty"`
	Type        plugin.Type `json:"type"`
	Enabled     bool        `json:"enabled"`
	Order       int         `json:"order"`
}

type entry struct {
	order    int
	record   plugin.Record
	platform plugin.Platform
	reg      *pluginRegistrar
}

// Manager supervises the plugin set.
type Manager struct {
	catacomb catacomb.Catacomb
	runner   *worker.Runner
	cfg      Config

	store   *storage.Context
	configs *storage.Context

	mu        sync.Mutex
	entries   map[string]*entry
	nextOrder int
}

// NewManager restores the persisted plugin list and starts the
// manager worker.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Version == version.Zero {
		cfg.Version = bridgeversion.Current
	}
	store, err := cfg.Storage.Open("plugins")
	if err != nil {
		return nil, errors.Trace(err)
	}
	configs, err := cfg.Storage.Open("config")
	if err != nil {
		return nil, errors.Trace(err)
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		configs: configs,
		entries: make(map[string]*entry),
		runner: worker.NewRunner(worker.RunnerParams{
			Clock: cfg.Clock,
			// Plugin workers never restart and never take the
			// manager down with them.
			IsFatal:       func(error) bool { return false },
			ShouldRestart: func(error) bool { return false },
			Logger:        internalworker.WrapLogger(cfg.Logger),
		}),
	}
	if err := m.restore(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
		Init: []worker.Worker{m.runner},
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

func (m *Manager) restore() error {
	keys, err := m.store.Keys()
	if err != nil {
		return errors.Trace(err)
	}
	ctx := context.Background()
	for _, key := range keys {
		var rec storedRecord
		if err := m.store.Get(key, &rec); err != nil {
			m.cfg.Logger.Warningf(ctx, "skipping unreadable plugin record %q: %v", key, err)
			continue
		}
		e := &entry{
			order: rec.Order,
			record: plugin.Record{
				Name:        rec.Name,
				Version:     rec.Version,
				Description: rec.Description,
				Author:      rec.Author,
				Path:        rec.Path,
				HomePage:    rec.HomePage,
				Type:        rec.Type,
				Enabled:     rec.Enabled,
			},
		}
		if cfg, err := storage.Get[map[string]any](m.configs, rec.Name, nil); err == nil {
			e.record.Config = cfg
		}
		if def, err := platform.Lookup(rec.Name); err == nil {
			e.record.Schema = def.ConfigSchema
		}
		m.entries[rec.Name] = e
		if rec.Order >= m.nextOrder {
			m.nextOrder = rec.Order + 1
		}
	}
	return nil
}

func (m *Manager) loop() error {
	<-m.catacomb.Dying()
	return m.catacomb.ErrDying()
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() {
	m.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error {
	return m.catacomb.Wait()
}

// Add records a new plugin, by registered platform name or by package
// directory. The record starts enabled with the platform type still
// unresolved.
func (m *Manager) Add(ctx context.Context, pathOrName string) (*plugin.Record, error) {
	var rec plugin.Record
	if isPathLike(pathOrName) {
		manifest, err := manifestAt(pathOrName)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if _, err := platform.Lookup(manifest.Name); err != nil {
			return nil, errors.Annotatef(err, "plugin %q has no registered platform", manifest.Name)
		}
		rec = plugin.Record{
			Name:        manifest.Name,
			Version:     manifest.Version.String(),
			Description: manifest.Description,
			Author:      manifest.Author,
			Path:        manifest.Path,
			HomePage:    manifest.HomePage,
			Type:        plugin.AnyPlatform,
			Enabled:     true,
		}
	} else {
		def, err := platform.Lookup(pathOrName)
		if err != nil {
			return nil, errors.Trace(err)
		}
		rec = plugin.Record{
			Name:        def.Name,
			Version:     def.Version,
			Description: def.Description,
			Author:      def.Author,
			Type:        plugin.AnyPlatform,
			Enabled:     true,
		}
	}
	if def, err := platform.Lookup(rec.Name); err == nil {
		rec.Schema = def.ConfigSchema
	}

	m.mu.Lock()
	if _, ok := m.entries[rec.Name]; ok {
		m.mu.Unlock()
		return nil, errors.AlreadyExistsf("plugin %q", rec.Name)
	}
	e := &entry{order: m.nextOrder, record: rec}
	m.nextOrder++
	m.entries[rec.Name] = e
	err := m.persistLocked(e)
	snapshot := m.snapshotLocked(e)
	m.mu.Unlock()
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.cfg.Logger.Infof(ctx, "added plugin %q v%s", rec.Name, rec.Version)
	m.publishPluginsChanged()
	return snapshot, nil
}

// Remove shuts the plugin down, erases its record and config and
// drops its worker. Removing an unknown plugin logs and succeeds.
func (m *Manager) Remove(ctx context.Context, pathOrName string) error {
	name := pathOrName
	if isPathLike(pathOrName) {
		manifest, err := manifestAt(pathOrName)
		if err != nil {
			return errors.Trace(err)
		}
		name = manifest.Name
	}
	m.mu.Lock()
	_, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		m.cfg.Logger.Warningf(ctx, "remove of unknown plugin %q requested", name)
		return nil
	}
	if err := m.Shutdown(ctx, name, "remove", true); err != nil {
		m.cfg.Logger.Errorf(ctx, "shutting down plugin %q for removal: %v", name, err)
	}
	if err := m.runner.StopAndRemoveWorker(name, ctx.Done()); err != nil {
		m.cfg.Logger.Debugf(ctx, "stopping worker of plugin %q: %v", name, err)
	}
	if err := m.store.Delete(name); err != nil {
		return errors.Trace(err)
	}
	if err := m.configs.Delete(name); err != nil {
		return errors.Trace(err)
	}
	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
	m.cfg.Logger.Infof(ctx, "removed plugin %q", name)
	m.publishPluginsChanged()
	return nil
}

// Enable marks the plugin for loading and clears a sticky error.
func (m *Manager) Enable(ctx context.Context, name string) error {
	return errors.Trace(m.setEnabled(ctx, name, true))
}

// Disable keeps the record but skips the plugin at the next load.
func (m *Manager) Disable(ctx context.Context, name string) error {
	return errors.Trace(m.setEnabled(ctx, name, false))
}

func (m *Manager) setEnabled(ctx context.Context, name string, enabled bool) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok {
		m.mu.Unlock()
		return errors.NotFoundf("plugin %q", name)
	}
	e.record.Enabled = enabled
	if enabled {
		e.record.Error = false
	}
	err := m.persistLocked(e)
	m.mu.Unlock()
	if err != nil {
		return errors.Trace(err)
	}
	if enabled {
		m.cfg.Logger.Infof(ctx, "enabled plugin %q", name)
	} else {
		m.cfg.Logger.Infof(ctx, "disabled plugin %q", name)
	}
	m.publishPluginsChanged()
	return nil
}

// Load constructs the plugin's platform with its coerced config and a
// child logger. Loading an already loaded plugin is a no-op.
func (m *Manager) Load(ctx context.Context, name string) error {
	return errors.Trace(m.run(ctx, name, func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return errors.NotFoundf("plugin %q", name)
		}
		if e.record.Error {
			m.mu.Unlock()
			return errors.NotValidf("plugin %q in error state", name)
		}
		if !e.record.Enabled {
			m.mu.Unlock()
			return errors.NotValidf("plugin %q is disabled", name)
		}
		if e.record.Loaded {
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		def, err := platform.Lookup(name)
		if err != nil {
			return errors.Trace(err)
		}
		raw, err := storage.Get[map[string]any](m.configs, name, nil)
		if err != nil {
			return errors.Trace(err)
		}
		coerced, err := def.CoerceConfig(raw)
		if err != nil {
			m.markError(ctx, name, err)
			return errors.Trace(err)
		}
		reg := newPluginRegistrar(m, name, m.cfg.NewRegistrar(name))
		p, err := def.New(platform.Params{
			Name:      name,
			Registrar: reg,
			Logger:    m.cfg.Logger.Child(name),
			Config:    coerced,
		})
		if err != nil {
			m.markError(ctx, name, err)
			return errors.Annotatef(err, "loading plugin %q", name)
		}

		m.mu.Lock()
		e.platform = p
		e.reg = reg
		e.record.Loaded = true
		e.record.Config = coerced
		e.record.Schema = def.ConfigSchema
		var perr error
		if def.Type != plugin.AnyPlatform && e.record.Type != def.Type {
			e.record.Type = def.Type
			perr = m.persistLocked(e)
		}
		m.mu.Unlock()
		if perr != nil {
			return errors.Trace(perr)
		}
		m.cfg.Logger.Infof(ctx, "loaded plugin %q", name)
		return nil
	}))
}

// Start runs the platform's start hook and infers the platform type
// from what it actually registered.
func (m *Manager) Start(ctx context.Context, name, reason string) error {
	return errors.Trace(m.run(ctx, name, func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return errors.NotFoundf("plugin %q", name)
		}
		if e.record.Error {
			m.mu.Unlock()
			return errors.NotValidf("plugin %q in error state", name)
		}
		if !e.record.Loaded {
			m.mu.Unlock()
			return errors.NotValidf("plugin %q not loaded", name)
		}
		if e.record.Started {
			m.mu.Unlock()
			return nil
		}
		p := e.platform
		m.mu.Unlock()

		if err := p.OnStart(ctx, reason); err != nil {
			m.markError(ctx, name, err)
			return errors.Annotatef(err, "starting plugin %q", name)
		}

		m.mu.Lock()
		e.record.Started = true
		var perr error
		if e.record.Type == plugin.AnyPlatform && e.reg != nil {
			_, added, composed := e.reg.counts()
			switch {
			case composed:
				e.record.Type = plugin.DynamicPlatform
			case added == 1:
				e.record.Type = plugin.AccessoryPlatform
			}
			if e.record.Type != plugin.AnyPlatform {
				perr = m.persistLocked(e)
			}
		}
		m.mu.Unlock()
		if perr != nil {
			return errors.Trace(perr)
		}
		m.cfg.Logger.Infof(ctx, "started plugin %q: %s", name, reason)
		return nil
	}))
}

// Configure runs the platform's configure hook.
func (m *Manager) Configure(ctx context.Context, name string) error {
	return errors.Trace(m.run(ctx, name, func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return errors.NotFoundf("plugin %q", name)
		}
		if e.record.Error {
			m.mu.Unlock()
			return errors.NotValidf("plugin %q in error state", name)
		}
		if !e.record.Started {
			m.mu.Unlock()
			return errors.NotValidf("plugin %q not started", name)
		}
		if e.record.Configured {
			m.mu.Unlock()
			return nil
		}
		p := e.platform
		m.mu.Unlock()

		if err := p.OnConfigure(ctx); err != nil {
			m.markError(ctx, name, err)
			return errors.Annotatef(err, "configuring plugin %q", name)
		}
		m.mu.Lock()
		e.record.Configured = true
		m.mu.Unlock()
		m.cfg.Logger.Debugf(ctx, "configured plugin %q", name)
		return nil
	}))
}

// Shutdown runs the platform's shutdown hook and optionally removes
// every device the plugin owns. The record survives; the runtime
// state is reset. Shutting down an unloaded plugin is a no-op.
func (m *Manager) Shutdown(ctx context.Context, name, reason string, removeDevices bool) error {
	return errors.Trace(m.run(ctx, name, func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return errors.NotFoundf("plugin %q", name)
		}
		if !e.record.Loaded {
			m.mu.Unlock()
			return nil
		}
		p := e.platform
		reg := e.reg
		m.mu.Unlock()

		var firstErr error
		if p != nil {
			if err := p.OnShutdown(ctx, reason); err != nil {
				firstErr = errors.Annotatef(err, "shutting down plugin %q", name)
			}
		}
		if removeDevices && reg != nil {
			if err := reg.UnregisterAll(ctx); err != nil && firstErr == nil {
				firstErr = errors.Annotatef(err, "removing devices of plugin %q", name)
			}
		}

		m.mu.Lock()
		e.platform = nil
		e.record.Loaded = false
		e.record.Started = false
		e.record.Configured = false
		m.mu.Unlock()
		if firstErr != nil {
			m.markError(ctx, name, firstErr)
			return firstErr
		}
		m.cfg.Logger.Infof(ctx, "shut down plugin %q: %s", name, reason)
		return nil
	}))
}

// SetConfig coerces the blob through the platform's schema, persists
// it and updates the published record.
func (m *Manager) SetConfig(ctx context.Context, name string, blob map[string]any) error {
	m.mu.Lock()
	e, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return errors.NotFoundf("plugin %q", name)
	}
	coerced := blob
	if def, err := platform.Lookup(name); err == nil {
		coerced, err = def.CoerceConfig(blob)
		if err != nil {
			return errors.Trace(err)
		}
	}
	if err := m.configs.Set(name, coerced); err != nil {
		return errors.Trace(err)
	}
	m.mu.Lock()
	e.record.Config = coerced
	m.mu.Unlock()
	m.cfg.Logger.Debugf(ctx, "saved config of plugin %q", name)
	m.publishPluginsChanged()
	return nil
}

// Action dispatches a frontend action to the plugin, if its platform
// handles them.
func (m *Manager) Action(ctx context.Context, name, action, value, id string, form map[string]any) error {
	return errors.Trace(m.run(ctx, name, func(ctx context.Context) error {
		m.mu.Lock()
		e, ok := m.entries[name]
		if !ok {
			m.mu.Unlock()
			return errors.NotFoundf("plugin %q", name)
		}
		p := e.platform
		m.mu.Unlock()
		if p == nil {
			return errors.NotValidf("plugin %q not loaded", name)
		}
		handler, ok := p.(plugin.ActionHandler)
		if !ok {
			return errors.NotSupportedf("actions on plugin %q", name)
		}
		return errors.Trace(handler.OnAction(ctx, action, value, id, form))
	}))
}

// ChangeLoggerLevel propagates a bridge log level change to every
// loaded platform. Failures are logged, not returned; a deaf plugin
// must not block the others.
func (m *Manager) ChangeLoggerLevel(ctx context.Context, level string) {
	for _, name := range m.loadedNames() {
		err := m.run(ctx, name, func(ctx context.Context) error {
			m.mu.Lock()
			var p plugin.Platform
			if e, ok := m.entries[name]; ok {
				p = e.platform
			}
			m.mu.Unlock()
			if p == nil {
				return nil
			}
			return p.OnChangeLoggerLevel(ctx, level)
		})
		if err != nil {
			m.cfg.Logger.Warningf(ctx, "changing logger level of plugin %q: %v", name, err)
		}
	}
}

// SetPairing updates the pairing snapshot published on the record.
// The bridge calls this from commissioning state changes.
func (m *Manager) SetPairing(name string, codes *matter.PairingCodes, paired, connected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return errors.NotFoundf("plugin %q", name)
	}
	if codes != nil {
		e.record.QRPairingCode = codes.QRPairingCode
		e.record.ManualPairingCode = codes.ManualPairingCode
	} else {
		e.record.QRPairingCode = ""
		e.record.ManualPairingCode = ""
	}
	e.record.Paired = paired
	e.record.Connected = connected
	return nil
}

// Plugins returns a consistent snapshot of every record in add order.
func (m *Manager) Plugins() []*plugin.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].order < entries[j].order
	})
	out := make([]*plugin.Record, len(entries))
	for i, e := range entries {
		out[i] = m.snapshotLocked(e)
	}
	return out
}

// Plugin returns a snapshot of one record.
func (m *Manager) Plugin(name string) (*plugin.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return nil, errors.NotFoundf("plugin %q", name)
	}
	return m.snapshotLocked(e), nil
}

func (m *Manager) snapshotLocked(e *entry) *plugin.Record {
	r := e.record
	if e.reg != nil {
		registered, added, _ := e.reg.counts()
		r.RegisteredDevices = registered
		r.AddedDevices = added
	}
	return &r
}

func (m *Manager) loadedNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name, e := range m.entries {
		if e.record.Loaded {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// accessoryLimited reports whether the single-device rule applies to
// the named plugin right now.
func (m *Manager) accessoryLimited(name string) bool {
	if m.cfg.Mode != mode.Childbridge {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	return ok && e.record.Type == plugin.AccessoryPlatform
}

// markError makes the record's error sticky and surfaces the cause.
// An already errored record is left alone so a failure surfacing
// through several layers is reported once.
func (m *Manager) markError(ctx context.Context, name string, cause error) {
	m.mu.Lock()
	e, ok := m.entries[name]
	already := ok && e.record.Error
	if ok {
		e.record.Error = true
	}
	m.mu.Unlock()
	if !ok || already {
		return
	}
	m.cfg.Logger.Errorf(ctx, "plugin %q failed: %v", name, cause)
	m.cfg.Hub.Publish(pubsub.SnackbarTopic, pubsub.Snackbar{
		Message:  fmt.Sprintf("Plugin %s failed: %v", name, cause),
		Severity: pubsub.SeverityError,
	})
	m.publishPluginsChanged()
}

func (m *Manager) publishPluginsChanged() {
	m.cfg.Hub.Publish(pubsub.RefreshRequiredTopic, pubsub.RefreshRequired{
		Changed: pubsub.ChangedPlugins,
	})
}

func (m *Manager) persistLocked(e *entry) error {
	return errors.Trace(m.store.Set(e.record.Name, storedRecord{
		Name:        e.record.Name,
		Version:     e.record.Version,
		Description: e.record.Description,
		Author:      e.record.Author,
		Path:        e.record.Path,
		HomePage:    e.record.HomePage,
		Type:        e.record.Type,
		Enabled:     e.record.Enabled,
		Order:       e.order,
	}))
}

// run executes op on the plugin's own worker, keeping transitions for
// one plugin strictly serial.
func (m *Manager) run(ctx context.Context, name string, op func(context.Context) error) error {
	w, err := m.workerFor(name)
	if err != nil {
		return errors.Trace(err)
	}
	done := make(chan error, 1)
	req := pluginRequest{ctx: ctx, op: op, done: done}
	select {
	case w.requests <- req:
	case <-w.tomb.Dying():
		return errors.Errorf("plugin %q worker stopping", name)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-m.catacomb.Dying():
		return errors.New("plugin manager stopping")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-m.catacomb.Dying():
		return errors.New("plugin manager stopping")
	}
}

func (m *Manager) workerFor(name string) (*pluginWorker, error) {
	if w, err := m.runner.Worker(name, m.catacomb.Dying()); err == nil {
		return w.(*pluginWorker), nil
	}
	if err := m.runner.StartWorker(name, func() (worker.Worker, error) {
		return newPluginWorker(), nil
	}); err != nil {
		// Lost a race with another caller; the lookup below settles it.
		m.cfg.Logger.Tracef(context.Background(), "starting worker of plugin %q: %v", name, err)
	}
	w, err := m.runner.Worker(name, m.catacomb.Dying())
	if err != nil {
		return nil, errors.Annotatef(err, "plugin %q worker", name)
	}
	return w.(*pluginWorker), nil
}

func isPathLike(s string) bool {
	return strings.ContainsRune(s, os.PathSeparator) || strings.HasPrefix(s, ".")
}

func manifestAt(dir string) (*plugin.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, errors.Annotatef(err, "reading plugin manifest in %q", dir)
	}
	manifest, err := plugin.ParseManifest(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Trace(err)
	}
	manifest.Path = abs
	return manifest, nil
}
