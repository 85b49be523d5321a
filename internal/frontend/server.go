// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package frontend serves the control plane: a websocket endpoint
// speaking the request/response + broadcast envelope protocol, plus
// the handful of plain HTTP routes the web UI needs. It owns nothing
// of the bridge's behaviour; every targeted request is delegated to
// the configured Handler.
package frontend

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	netpprof "net/http/pprof"
	"sync"
	"time"

	gorillamux "github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/matterbridge/matterbridged/core/auditlog"
	"github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/matter"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
	internalworker "github.com/matterbridge/matterbridged/internal/worker"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultQueueSize      = 64
	shutdownTimeout       = 10 * time.Second
)

var websocketUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub is the event hub whose topics are fanned out to sessions.
type Hub interface {
	Subscribe(topic string, handler func(string, interface{})) func()
}

// Config holds the dependencies and tunables for the frontend server.
type Config struct {
	// Port is the TCP port to listen on; zero picks one.
	Port int

	// TLSCert and TLSKey enable TLS when both are set.
	TLSCert string
	TLSKey  string

	Handler   Handler
	Installer Installer
	Hub       Hub
	Clock     clock.Clock
	Logger    logger.Logger

	// Auth guards session attach; nil means no password.
	Auth *Authenticator

	// Audit receives one record per session and targeted request;
	// nil disables auditing.
	Audit auditlog.AuditLog

	// Registry also serves /metrics; nil disables the route.
	Registry *prometheus.Registry

	// StaticDir serves the web UI when set.
	StaticDir string

	// LogFile backs /api/log/download when set.
	LogFile string

	// EnablePprof mounts /debug/pprof.
	EnablePprof bool

	// RequestTimeout bounds targeted request dispatch. Zero means
	// 30 seconds.
	RequestTimeout time.Duration

	// QueueSize bounds the per-session broadcast queue. Zero means
	// 64.
	QueueSize int
}

// Validate returns an error if the config is not usable.
func (c Config) Validate() error {
	if c.Handler == nil {
		return errors.NotValidf("nil Handler")
	}
	if c.Installer == nil {
		return errors.NotValidf("nil Installer")
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

type nopAudit struct{}

func (nopAudit) AddSession(auditlog.Session) error { return nil }
func (nopAudit) AddRequest(auditlog.Request) error { return nil }

// Worker is the control-plane server.
type Worker struct {
	catacomb  catacomb.Catacomb
	cfg       Config
	runner    *worker.Runner
	listener  net.Listener
	server    *http.Server
	collector *Collector

	mu         sync.Mutex
	sessions   map[string]*session
	lastMatter *matter.Snapshot
}

// NewWorker starts the frontend server on the configured port.
func NewWorker(cfg Config) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.Audit == nil {
		cfg.Audit = nopAudit{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, errors.Annotatef(err, "listening on port %d", cfg.Port)
	}
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			_ = listener.Close()
			return nil, errors.Annotate(err, "loading TLS keypair")
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	w := &Worker{
		cfg:       cfg,
		listener:  listener,
		collector: NewMetricsCollector(),
		sessions:  make(map[string]*session),
		runner: worker.NewRunner(worker.RunnerParams{
			Clock: cfg.Clock,
			// A dead session never takes the server down and is
			// never restarted; the client reconnects instead.
			IsFatal:       func(error) bool { return false },
			ShouldRestart: func(error) bool { return false },
			Logger:        internalworker.WrapLogger(cfg.Logger),
		}),
	}
	if cfg.Registry != nil {
		if err := cfg.Registry.Register(w.collector); err != nil {
			_ = listener.Close()
			return nil, errors.Annotate(err, "registering frontend metrics")
		}
	}
	w.server = &http.Server{Handler: w.routes()}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{w.runner},
	}); err != nil {
		_ = listener.Close()
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

// Addr returns the bound listen address.
func (w *Worker) Addr() string {
	return w.listener.Addr().String()
}

func (w *Worker) routes() http.Handler {
	router := gorillamux.NewRouter()
	router.HandleFunc("/ws", w.handleWS)
	router.Handle("/api/uploadpackage", &uploadHandler{
		installer: w.cfg.Installer,
		logger:    w.cfg.Logger,
	})
	router.HandleFunc("/api/log/download", w.handleLogDownload)
	router.HandleFunc("/health", w.handleHealth)
	if w.cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(w.cfg.Registry, promhttp.HandlerOpts{}))
	}
	if w.cfg.EnablePprof {
		router.HandleFunc("/debug/pprof/cmdline", netpprof.Cmdline)
		router.HandleFunc("/debug/pprof/profile", netpprof.Profile)
		router.HandleFunc("/debug/pprof/symbol", netpprof.Symbol)
		router.HandleFunc("/debug/pprof/trace", netpprof.Trace)
		router.PathPrefix("/debug/pprof/").HandlerFunc(netpprof.Index)
	}
	if w.cfg.StaticDir != "" {
		router.PathPrefix("/").Handler(http.FileServer(http.Dir(w.cfg.StaticDir)))
	}
	return router
}

func (w *Worker) loop() error {
	ctx := w.catacomb.Context(context.Background())

	unsubs := w.subscribe()
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		err := w.server.Serve(w.listener)
		if err == http.ErrServerClosed {
			err = nil
		}
		serveErr <- err
	}()
	w.cfg.Logger.Infof(ctx, "frontend listening on %s", w.listener.Addr())

	select {
	case <-w.catacomb.Dying():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := w.server.Shutdown(sctx); err != nil {
			w.cfg.Logger.Warningf(ctx, "frontend shutdown: %v", err)
		}
		// Shutdown does not touch hijacked connections; drop the
		// sessions directly.
		w.mu.Lock()
		for _, s := range w.sessions {
			s.Kill()
		}
		w.mu.Unlock()
		return w.catacomb.ErrDying()
	case err := <-serveErr:
		return errors.Trace(err)
	}
}

func (w *Worker) handleWS(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := websocketUpgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.cfg.Logger.Errorf(ctx, "websocket upgrade: %v", err)
		return
	}
	id := xid.New().String()
	s, err := newSession(sessionConfig{
		id:       id,
		remote:   r.RemoteAddr,
		conn:     conn,
		handler:  w.cfg.Handler,
		auth:     w.cfg.Auth,
		audit:    w.cfg.Audit,
		metrics:  w.collector,
		clock:    w.cfg.Clock,
		logger:   w.cfg.Logger,
		timeout:  w.cfg.RequestTimeout,
		queue:    w.cfg.QueueSize,
		snapshot: w.latestMatter,
	})
	if err != nil {
		w.cfg.Logger.Errorf(ctx, "starting session %s: %v", id, err)
		_ = conn.Close()
		return
	}
	// Register before the session can answer its first frame, so an
	// immediate broadcast cannot slip past a just-attached client.
	w.register(id, s)
	if err := w.runner.StartWorker(id, func() (worker.Worker, error) {
		return s, nil
	}); err != nil {
		w.cfg.Logger.Errorf(ctx, "registering session %s: %v", id, err)
		w.unregister(id)
		s.Kill()
		return
	}
	w.cfg.Logger.Debugf(ctx, "session %s attached from %s", id, r.RemoteAddr)
	go func() {
		_ = s.Wait()
		w.unregister(id)
	}()
}

func (w *Worker) register(id string, s *session) {
	w.mu.Lock()
	w.sessions[id] = s
	n := len(w.sessions)
	w.mu.Unlock()
	w.collector.sessions.Set(float64(n))
}

func (w *Worker) unregister(id string) {
	w.mu.Lock()
	delete(w.sessions, id)
	n := len(w.sessions)
	w.mu.Unlock()
	w.collector.sessions.Set(float64(n))
}

func (w *Worker) setLastMatter(snap *matter.Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastMatter = snap
}

func (w *Worker) latestMatter() *matter.Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastMatter
}

// broadcastAll fans a push envelope out to every attached session.
func (w *Worker) broadcastAll(m Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sessions {
		if s.attached() {
			s.enqueueBroadcast(m)
		}
	}
}

type logPayload struct {
	Level   string `json:"level"`
	Time    string `json:"time"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (w *Worker) subscribe() []func() {
	var unsubs []func()
	sub := func(topic string, f func(interface{})) {
		unsub := w.cfg.Hub.Subscribe(topic, func(_ string, data interface{}) {
			f(data)
		})
		unsubs = append(unsubs, unsub)
	}
	sub(internalpubsub.RefreshRequiredTopic, func(data interface{}) {
		rr, ok := data.(internalpubsub.RefreshRequired)
		if !ok {
			return
		}
		if rr.Matter != nil {
			w.setLastMatter(rr.Matter)
		}
		w.broadcastAll(broadcast(MethodRefreshRequired, rr))
	})
	sub(internalpubsub.SnackbarTopic, func(data interface{}) {
		if sb, ok := data.(internalpubsub.Snackbar); ok {
			w.broadcastAll(broadcast(MethodSnackbar, sb))
		}
	})
	sub(internalpubsub.RestartRequiredTopic, func(interface{}) {
		w.broadcastAll(broadcast(MethodRestartRequired, nil))
	})
	sub(internalpubsub.UpdateRequiredTopic, func(data interface{}) {
		if ua, ok := data.(internalpubsub.UpdateAvailable); ok {
			w.broadcastAll(broadcast(MethodUpdateRequired, ua))
		}
	})
	sub(internalpubsub.CPUUpdateTopic, func(data interface{}) {
		if cu, ok := data.(internalpubsub.CPUUpdate); ok {
			w.broadcastAll(broadcast(MethodCPUUpdate, cu))
		}
	})
	sub(internalpubsub.MemoryUpdateTopic, func(data interface{}) {
		if mu, ok := data.(internalpubsub.MemoryUpdate); ok {
			w.broadcastAll(broadcast(MethodMemoryUpdate, mu))
		}
	})
	sub(internalpubsub.UptimeTopic, func(data interface{}) {
		if uu, ok := data.(internalpubsub.UptimeUpdate); ok {
			w.broadcastAll(broadcast(MethodUptimeUpdate, uu))
		}
	})
	sub(internalpubsub.LogTopic, func(data interface{}) {
		lm, ok := data.(internalpubsub.LogMessage)
		if !ok {
			return
		}
		w.broadcastAll(broadcast(MethodLog, logPayload{
			Level:   lm.Level,
			Time:    lm.When.Format(time.RFC3339),
			Name:    lm.Module,
			Message: lm.Message,
		}))
	})
	return unsubs
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	sendJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (w *Worker) handleLogDownload(rw http.ResponseWriter, r *http.Request) {
	if w.cfg.LogFile == "" {
		sendJSONError(rw, http.StatusNotFound, errors.NotFoundf("log file"))
		return
	}
	rw.Header().Set("Content-Disposition", `attachment; filename="matterbridge.log"`)
	http.ServeFile(rw, r, w.cfg.LogFile)
}
