// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package frontend

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/matterbridge/matterbridged/core/auditlog"
	"github.com/matterbridge/matterbridged/core/logger"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/internal/pubsub"
)

const (
	// writeWait bounds any single websocket write.
	writeWait = 10 * time.Second

	// pongDelay is how long the client has to answer a ping before
	// the read side times out.
	pongDelay = 90 * time.Second

	// pingPeriod must be less than pongDelay.
	pingPeriod = (pongDelay * 9) / 10
)

// Request is one targeted control-plane request as handed to the
// bridge handler.
type Request struct {
	SessionID string
	Method    string
	Params    map[string]interface{}
}

// Handler serves targeted control-plane requests. The returned
// payload goes out as the response field of the reply envelope.
type Handler interface {
	HandleRequest(ctx context.Context, req Request) (interface{}, error)
}

type sessionConfig struct {
	id       string
	remote   string
	conn     *websocket.Conn
	handler  Handler
	auth     *Authenticator
	audit    auditlog.AuditLog
	metrics  *Collector
	clock    clock.Clock
	logger   logger.Logger
	timeout  time.Duration
	queue    int
	snapshot func() *matter.Snapshot
}

// session owns one websocket connection: a reader goroutine feeding
// serial dispatch, and a writer loop multiplexing responses,
// broadcasts and pings. Targeted responses are never dropped; the
// sender waits for the writer. Broadcasts queue up to cfg.queue
// envelopes and drop oldest-first beyond that.
type session struct {
	catacomb catacomb.Catacomb
	cfg      sessionConfig

	authed atomic.Bool

	responses  chan Message
	wake       chan struct{}
	readerDone chan struct{}

	mu         sync.Mutex
	broadcasts []Message
}

func newSession(cfg sessionConfig) (*session, error) {
	s := &session{
		cfg:        cfg,
		responses:  make(chan Message),
		wake:       make(chan struct{}, 1),
		readerDone: make(chan struct{}),
	}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
	}); err != nil {
		return nil, errors.Trace(err)
	}
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *session) Kill() {
	s.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *session) Wait() error {
	return s.catacomb.Wait()
}

func (s *session) loop() error {
	defer s.cfg.conn.Close()
	ctx := s.catacomb.Context(context.Background())

	if err := s.cfg.audit.AddSession(auditlog.Session{
		Who:    s.cfg.id,
		Remote: s.cfg.remote,
		When:   s.cfg.clock.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.cfg.logger.Warningf(ctx, "audit session %q: %v", s.cfg.id, err)
	}

	_ = s.cfg.conn.SetReadDeadline(time.Now().Add(pongDelay))
	s.cfg.conn.SetPongHandler(func(string) error {
		return s.cfg.conn.SetReadDeadline(time.Now().Add(pongDelay))
	})
	if !s.cfg.auth.Enabled() {
		s.authed.Store(true)
		s.replaySnapshot()
	}
	go s.readLoop(ctx)

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-s.readerDone:
			// Socket errors end the session quietly.
			return nil
		case m := <-s.responses:
			if err := s.write(m); err != nil {
				s.cfg.logger.Debugf(ctx, "session %s write: %v", s.cfg.id, err)
				return nil
			}
		case <-s.wake:
			for {
				m, ok := s.popBroadcast()
				if !ok {
					break
				}
				if err := s.write(m); err != nil {
					s.cfg.logger.Debugf(ctx, "session %s write: %v", s.cfg.id, err)
					return nil
				}
			}
		case <-pinger.C:
			deadline := time.Now().Add(writeWait)
			if err := s.cfg.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.cfg.logger.Debugf(ctx, "session %s ping: %v", s.cfg.id, err)
				return nil
			}
		}
	}
}

func (s *session) write(m Message) error {
	_ = s.cfg.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.cfg.conn.WriteJSON(m)
}

// readLoop parses inbound frames and dispatches them serially, which
// keeps responses in request order.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readerDone)
	for {
		_, data, err := s.cfg.conn.ReadMessage()
		if err != nil {
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			s.sendResponse(Message{
				ID:     broadcastID,
				Method: "error",
				Src:    SrcMatterbridge,
				Dst:    SrcFrontend,
				Error:  errors.Annotate(err, "malformed request").Error(),
			})
			continue
		}
		if !s.gateLogin(ctx, m) {
			return
		}
		if m.Method == "/api/login" {
			continue
		}
		s.dispatch(ctx, m)
	}
}

// gateLogin enforces the first-frame login discipline. It reports
// whether the session may continue reading.
func (s *session) gateLogin(ctx context.Context, m Message) bool {
	if s.authed.Load() {
		if m.Method == "/api/login" {
			// Already attached; confirm rather than re-check.
			s.sendResponse(response(m, map[string]bool{"valid": true}))
		}
		return true
	}
	if m.Method != "/api/login" {
		s.cfg.logger.Debugf(ctx, "session %s: %q before login", s.cfg.id, m.Method)
		s.closeUnauthorized()
		return false
	}
	if !s.cfg.auth.AllowAttempt() {
		s.cfg.logger.Warningf(ctx, "session %s: login attempts exhausted", s.cfg.id)
		s.cfg.metrics.authFailures.Inc()
		s.closeUnauthorized()
		return false
	}
	var params struct {
		Password string `json:"password"`
	}
	if len(m.Params) > 0 {
		_ = json.Unmarshal(m.Params, &params)
	}
	if !s.cfg.auth.Check(params.Password) {
		s.cfg.metrics.authFailures.Inc()
		// Pre-auth the writer never sends data frames, so writing
		// here keeps the error ahead of the close frame.
		_ = s.write(errorResponse(m, errors.Unauthorizedf("invalid password")))
		s.closeUnauthorized()
		return false
	}
	s.authed.Store(true)
	s.sendResponse(response(m, map[string]bool{"valid": true}))
	s.replaySnapshot()
	return true
}

// attached reports whether the session has passed the login gate and
// should receive broadcasts.
func (s *session) attached() bool {
	return s.authed.Load()
}

func (s *session) closeUnauthorized() {
	deadline := time.Now().Add(writeWait)
	data := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthorized")
	_ = s.cfg.conn.WriteControl(websocket.CloseMessage, data, deadline)
	s.catacomb.Kill(nil)
}

func (s *session) dispatch(ctx context.Context, m Message) {
	if err := s.cfg.audit.AddRequest(auditlog.Request{
		Who:  s.cfg.id,
		What: m.Method,
		When: s.cfg.clock.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		s.cfg.logger.Warningf(ctx, "audit request %q: %v", m.Method, err)
	}

	var params map[string]interface{}
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			s.sendResponse(errorResponse(m, errors.NewNotValid(err, "invalid params")))
			return
		}
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.timeout)
	defer cancel()
	start := s.cfg.clock.Now()
	payload, err := s.cfg.handler.HandleRequest(rctx, Request{
		SessionID: s.cfg.id,
		Method:    m.Method,
		Params:    params,
	})
	s.cfg.metrics.requests.WithLabelValues(m.Method).Inc()
	s.cfg.metrics.requestDuration.Observe(s.cfg.clock.Now().Sub(start).Seconds())
	if err != nil {
		if rctx.Err() == context.DeadlineExceeded {
			err = errors.Timeoutf("request %q", m.Method)
		}
		s.sendResponse(errorResponse(m, err))
		return
	}
	s.sendResponse(response(m, payload))
}

func (s *session) sendResponse(m Message) {
	select {
	case s.responses <- m:
	case <-s.catacomb.Dying():
	}
}

// enqueueBroadcast queues a server push without ever blocking the
// caller. The oldest queued broadcast is dropped on overflow.
func (s *session) enqueueBroadcast(m Message) {
	s.mu.Lock()
	dropped := 0
	for len(s.broadcasts) >= s.cfg.queue {
		s.broadcasts = s.broadcasts[1:]
		dropped++
	}
	s.broadcasts = append(s.broadcasts, m)
	s.mu.Unlock()
	if dropped > 0 {
		s.cfg.metrics.droppedBroadcasts.Add(float64(dropped))
		s.cfg.logger.Debugf(context.Background(), "session %s dropped %d broadcasts", s.cfg.id, dropped)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) popBroadcast() (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.broadcasts) == 0 {
		return Message{}, false
	}
	m := s.broadcasts[0]
	s.broadcasts = s.broadcasts[1:]
	return m, true
}

func (s *session) replaySnapshot() {
	if s.cfg.snapshot == nil {
		return
	}
	if snap := s.cfg.snapshot(); snap != nil {
		s.enqueueBroadcast(broadcast(MethodRefreshRequired, pubsub.RefreshRequired{
			Changed: pubsub.ChangedMatter,
			Matter:  snap,
		}))
	}
}
