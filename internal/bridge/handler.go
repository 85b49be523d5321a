// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"context"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/vallerion/rscanner"

	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/core/version"
	"github.com/matterbridge/matterbridged/internal/frontend"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
)

const (
	defaultLogLines = 200
	maxLogLines     = 1000
)

// SettingsReply is the response payload for the settings method. The
// Matter field carries the same snapshot the matter method returns so
// the frontend can render both panes from one round trip.
type SettingsReply struct {
	Version        string           `json:"version"`
	LatestVersion  string           `json:"latestVersion,omitempty"`
	BridgeMode     mode.Mode        `json:"bridgeMode"`
	Profile        string           `json:"profile,omitempty"`
	VirtualMode    string           `json:"virtualMode"`
	MDNSInterface  string           `json:"mdnsInterface,omitempty"`
	IPv4Address    string           `json:"ipv4Address,omitempty"`
	IPv6Address    string           `json:"ipv6Address,omitempty"`
	LogLevel       string           `json:"logLevel"`
	MatterLogLevel string           `json:"matterLogLevel"`
	MatterPort     int              `json:"matterPort"`
	FrontendPort   int              `json:"frontendPort"`
	Matter         *matter.Snapshot `json:"matter"`
}

// UpdatesReply is the response payload for the checkupdates method.
type UpdatesReply struct {
	Current string `json:"current"`
	Latest  string `json:"latest"`
}

// BackupReply is the response payload for the create-backup method.
type BackupReply struct {
	Path string `json:"path"`
}

// HandleRequest implements frontend.Handler. Every targeted frontend
// request lands here; broadcasts never do.
func (w *Worker) HandleRequest(ctx context.Context, req frontend.Request) (interface{}, error) {
	switch req.Method {
	case "/api/settings":
		return w.settingsReply(), nil
	case "/api/plugins":
		return w.plugins.Plugins(), nil
	case "/api/devices":
		return w.registry.Devices(), nil
	case "/api/install":
		return w.handleInstall(ctx, req)
	case "/api/uninstall":
		return w.handleUninstall(ctx, req)
	case "/api/addplugin":
		return w.handleAddPlugin(ctx, req)
	case "/api/removeplugin":
		return w.handleRemovePlugin(ctx, req)
	case "/api/enableplugin":
		return w.handleEnablePlugin(ctx, req)
	case "/api/disableplugin":
		return w.handleDisablePlugin(ctx, req)
	case "/api/config":
		return w.handleConfig(ctx, req)
	case "/api/matter":
		return w.handleMatter(ctx, req)
	case "/api/shellynetconfig":
		return w.handleShellyNetConfig(ctx, req)
	case "/api/restart":
		w.cfg.Logger.Infof(ctx, "restart requested")
		w.catacomb.Kill(ErrRestartRequested)
		return nil, nil
	case "/api/shutdown":
		w.cfg.Logger.Infof(ctx, "shutdown requested")
		w.catacomb.Kill(nil)
		return nil, nil
	case "/api/create-backup":
		return w.handleCreateBackup(ctx)
	case "/api/checkupdates":
		return w.handleCheckUpdates(ctx)
	case "/api/log":
		return w.handleLog(req)
	}
	return nil, errors.Errorf("unknown method %q", req.Method)
}

func (w *Worker) settingsReply() SettingsReply {
	st := w.settingsSnapshot()
	w.mu.Lock()
	latest := w.latest
	w.mu.Unlock()
	return SettingsReply{
		Version:        version.Current.String(),
		LatestVersion:  latest,
		BridgeMode:     st.Mode,
		Profile:        w.cfg.Profile,
		VirtualMode:    st.VirtualMode,
		MDNSInterface:  st.MDNSInterface,
		IPv4Address:    st.IPv4Address,
		IPv6Address:    st.IPv6Address,
		LogLevel:       st.LogLevel,
		MatterLogLevel: st.MatterLogLevel,
		MatterPort:     st.MatterPort,
		FrontendPort:   st.FrontendPort,
		Matter:         w.Snapshot(),
	}
}

func (w *Worker) handleInstall(ctx context.Context, req frontend.Request) (interface{}, error) {
	pkg, err := stringParam(req, "packageName")
	if err != nil {
		return nil, errors.Trace(err)
	}
	return nil, errors.Trace(w.plugins.Install(ctx, pkg))
}

func (w *Worker) handleUninstall(ctx context.Context, req frontend.Request) (interface{}, error) {
	pkg, err := stringParam(req, "packageName")
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Forget the plugin first so nothing keeps serving devices from a
	// package that is about to disappear.
	if err := w.plugins.Remove(ctx, pkg); err != nil {
		return nil, errors.Trace(err)
	}
	w.dropStarted(pkg)
	if w.settingsSnapshot().Mode == mode.Childbridge {
		w.removeNode(ctx, pkg)
	}
	return nil, errors.Trace(w.plugins.Uninstall(ctx, pkg))
}

func (w *Worker) handleAddPlugin(ctx context.Context, req frontend.Request) (interface{}, error) {
	name, err := stringParam(req, "pluginNameOrPath")
	if err != nil {
		return nil, errors.Trace(err)
	}
	rec, err := w.plugins.Add(ctx, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch w.settingsSnapshot().Mode {
	case mode.Bridge, mode.Test:
		// The shared node is already up; the plugin can go live now.
		w.startPlugin(ctx, rec.Name)
		rec, err = w.plugins.Plugin(rec.Name)
		if err != nil {
			return nil, errors.Trace(err)
		}
	case mode.Childbridge:
		// A new server node only appears on the next start.
		w.publishRestartRequired()
	}
	return rec, nil
}

func (w *Worker) handleRemovePlugin(ctx context.Context, req frontend.Request) (interface{}, error) {
	name, err := stringParam(req, "pluginNameOrPath")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.plugins.Remove(ctx, name); err != nil {
		return nil, errors.Trace(err)
	}
	w.dropStarted(name)
	if w.settingsSnapshot().Mode == mode.Childbridge {
		w.removeNode(ctx, name)
	}
	return nil, nil
}

func (w *Worker) handleEnablePlugin(ctx context.Context, req frontend.Request) (interface{}, error) {
	name, err := stringParam(req, "pluginName")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := w.plugins.Enable(ctx, name); err != nil {
		return nil, errors.Trace(err)
	}
	switch w.settingsSnapshot().Mode {
	case mode.Bridge, mode.Test:
		w.startPlugin(ctx, name)
	case mode.Childbridge:
		w.publishRestartRequired()
	}
	return nil, nil
}

func (w *Worker) handleDisablePlugin(ctx context.Context, req frontend.Request) (interface{}, error) {
	name, err := stringParam(req, "pluginName")
	if err != nil {
		return nil, errors.Trace(err)
	}
	rec, err := w.plugins.Plugin(name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if rec.Loaded {
		if err := w.plugins.Shutdown(ctx, name, "disabled", true); err != nil {
			return nil, errors.Trace(err)
		}
		w.dropStarted(name)
	}
	if err := w.plugins.Disable(ctx, name); err != nil {
		return nil, errors.Trace(err)
	}
	if w.settingsSnapshot().Mode == mode.Childbridge {
		w.removeNode(ctx, name)
	}
	return nil, nil
}

func (w *Worker) handleConfig(ctx context.Context, req frontend.Request) (interface{}, error) {
	name, err := stringParam(req, "name")
	if err != nil {
		return nil, errors.Trace(err)
	}
	value, err := stringParam(req, "value")
	if err != nil {
		return nil, errors.Trace(err)
	}
	switch name {
	case "setpassword":
		hash, salt, err := w.auth.SetPassword(value)
		if err != nil {
			return nil, errors.Trace(err)
		}
		err = w.updateSettings(func(s *Settings) {
			s.PasswordHash = hash
			s.PasswordSalt = salt
		})
		if err != nil {
			return nil, errors.Trace(err)
		}
	case "setbridgemode":
		m := mode.Mode(value)
		if err := m.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
		if err := w.updateSettings(func(s *Settings) { s.Mode = m }); err != nil {
			return nil, errors.Trace(err)
		}
		w.publishRestartRequired()
	case "setvirtualmode":
		if err := validVirtualMode(value); err != nil {
			return nil, errors.Trace(err)
		}
		if err := w.updateSettings(func(s *Settings) { s.VirtualMode = value }); err != nil {
			return nil, errors.Trace(err)
		}
		w.publishRestartRequired()
	case "setmdnsinterface":
		if err := w.updateSettings(func(s *Settings) { s.MDNSInterface = value }); err != nil {
			return nil, errors.Trace(err)
		}
		w.publishRestartRequired()
	case "setipv4address":
		if err := w.updateSettings(func(s *Settings) { s.IPv4Address = value }); err != nil {
			return nil, errors.Trace(err)
		}
		w.publishRestartRequired()
	case "setipv6address":
		if err := w.updateSettings(func(s *Settings) { s.IPv6Address = value }); err != nil {
			return nil, errors.Trace(err)
		}
		w.publishRestartRequired()
	case "setloglevel":
		if err := setLoggerLevel("matterbridged", value); err != nil {
			return nil, errors.Trace(err)
		}
		w.plugins.ChangeLoggerLevel(ctx, value)
		if err := w.updateSettings(func(s *Settings) { s.LogLevel = value }); err != nil {
			return nil, errors.Trace(err)
		}
	case "setmatterloglevel":
		if err := setLoggerLevel("matterbridged.matter", value); err != nil {
			return nil, errors.Trace(err)
		}
		if err := w.updateSettings(func(s *Settings) { s.MatterLogLevel = value }); err != nil {
			return nil, errors.Trace(err)
		}
	default:
		return nil, errors.NotValidf("config %q", name)
	}
	w.cfg.Hub.Publish(internalpubsub.RefreshRequiredTopic, internalpubsub.RefreshRequired{
		Changed: internalpubsub.ChangedSettings,
	})
	return nil, nil
}

func (w *Worker) handleMatter(ctx context.Context, req frontend.Request) (interface{}, error) {
	id := optionalString(req, "id")
	if id == "" {
		id = bridgeNodeID
	}
	e := w.nodeEntry(id)
	if e == nil {
		return nil, errors.NotFoundf("server node %q", id)
	}
	switch {
	case boolParam(req, "startCommission") || boolParam(req, "advertise"):
		if _, err := e.comm.Advertise(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	case boolParam(req, "stopCommission"):
		if err := e.comm.StopAdvertising(ctx); err != nil {
			return nil, errors.Trace(err)
		}
	case hasParam(req, "removeFabric"):
		index, err := intParam(req, "removeFabric")
		if err != nil {
			return nil, errors.Trace(err)
		}
		if err := e.comm.RemoveFabric(ctx, index); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return w.Snapshot(), nil
}

// handleShellyNetConfig stores the submitted network configuration
// for shelly boards. Applying it is the board firmware's business;
// the bridge only relays and remembers it.
func (w *Worker) handleShellyNetConfig(ctx context.Context, req frontend.Request) (interface{}, error) {
	sc, err := w.nodeStorage.Open("shelly")
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := sc.Set("netconfig", req.Params); err != nil {
		return nil, errors.Trace(err)
	}
	w.cfg.Logger.Infof(ctx, "shelly network configuration saved")
	w.publishSnackbar("Network configuration saved", internalpubsub.SeverityInfo)
	return nil, nil
}

func (w *Worker) handleCreateBackup(ctx context.Context) (interface{}, error) {
	dest := filepath.Join(w.cfg.HomeDir, ".matterbridge.backup")
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	err := w.nodeStorage.Backup(filepath.Join(dest, storageDir("storage", w.cfg.Profile)))
	if err != nil {
		return nil, errors.Trace(err)
	}
	err = w.matterStorage.Backup(filepath.Join(dest, storageDir("matterstorage", w.cfg.Profile)))
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.cfg.Logger.Infof(ctx, "backup created at %q", dest)
	w.publishSnackbar("Backup created", internalpubsub.SeverityInfo)
	return BackupReply{Path: dest}, nil
}

func (w *Worker) handleCheckUpdates(ctx context.Context) (interface{}, error) {
	latest, err := w.plugins.CheckUpdates(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	w.mu.Lock()
	w.latest = latest.String()
	w.mu.Unlock()
	return UpdatesReply{
		Current: version.Current.String(),
		Latest:  latest.String(),
	}, nil
}

// handleLog returns the newest lines of the log file in natural
// order. A missing file is an empty log, not an error.
func (w *Worker) handleLog(req frontend.Request) (interface{}, error) {
	n := defaultLogLines
	if hasParam(req, "lines") {
		v, err := intParam(req, "lines")
		if err != nil {
			return nil, errors.Trace(err)
		}
		if v > 0 {
			n = v
		}
	}
	if n > maxLogLines {
		n = maxLogLines
	}
	path := filepath.Join(w.cfg.HomeDir, ".matterbridge", "matterbridged.log")
	lines, err := tailFile(path, n)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return lines, nil
}

func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Trace(err)
	}
	sc := rscanner.NewScanner(f, info.Size())
	out := make([]string, 0, n)
	for len(out) < n && sc.Scan() {
		out = append(out, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (w *Worker) dropStarted(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, n := range w.startOrder {
		if n == name {
			w.startOrder = append(w.startOrder[:i], w.startOrder[i+1:]...)
			return
		}
	}
}

func (w *Worker) publishRestartRequired() {
	w.cfg.Hub.Publish(internalpubsub.RestartRequiredTopic, nil)
}

func (w *Worker) publishSnackbar(message, severity string) {
	w.cfg.Hub.Publish(internalpubsub.SnackbarTopic, internalpubsub.Snackbar{
		Message:  message,
		Severity: severity,
	})
}

func stringParam(req frontend.Request, key string) (string, error) {
	v, ok := req.Params[key]
	if !ok {
		return "", errors.NotValidf("request without %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", errors.NotValidf("parameter %q", key)
	}
	return s, nil
}

func optionalString(req frontend.Request, key string) string {
	s, _ := req.Params[key].(string)
	return s
}

func boolParam(req frontend.Request, key string) bool {
	b, _ := req.Params[key].(bool)
	return b
}

func hasParam(req frontend.Request, key string) bool {
	_, ok := req.Params[key]
	return ok
}

// intParam reads a numeric parameter; JSON numbers arrive as
// float64.
func intParam(req frontend.Request, key string) (int, error) {
	v, ok := req.Params[key]
	if !ok {
		return 0, errors.NotValidf("request without %q", key)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, errors.NotValidf("parameter %q", key)
	}
	return int(f), nil
}
