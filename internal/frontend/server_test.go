// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package frontend_test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/pubsub"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/prometheus/client_golang/prometheus"
	gc "gopkg.in/check.v1"
	"gopkg.in/yaml.v3"

	"github.com/matterbridge/matterbridged/api"
	"github.com/matterbridge/matterbridged/core/auditlog"
	"github.com/matterbridge/matterbridged/core/matter"
	"github.com/matterbridge/matterbridged/internal/frontend"
	loggertesting "github.com/matterbridge/matterbridged/internal/logger/testing"
	internalpubsub "github.com/matterbridge/matterbridged/internal/pubsub"
	"github.com/matterbridge/matterbridged/internal/testing"
)

// stubHandler answers targeted requests and records what it saw.
type stubHandler struct {
	mu    sync.Mutex
	calls []frontend.Request
	fn    func(ctx context.Context, req frontend.Request) (interface{}, error)
}

func (h *stubHandler) HandleRequest(ctx context.Context, req frontend.Request) (interface{}, error) {
	h.mu.Lock()
	h.calls = append(h.calls, req)
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return map[string]string{"ok": req.Method}, nil
}

func (h *stubHandler) setFn(fn func(ctx context.Context, req frontend.Request) (interface{}, error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *stubHandler) requests() []frontend.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]frontend.Request(nil), h.calls...)
}

type stubInstaller struct {
	mu   sync.Mutex
	pkgs []string
	err  error
}

func (i *stubInstaller) Install(ctx context.Context, pkg string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pkgs = append(i.pkgs, pkg)
	return i.err
}

func (i *stubInstaller) installed() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.pkgs...)
}

// frontendSuite carries the scaffolding shared by the server and
// upload suites.
type frontendSuite struct {
	testing.BaseSuite

	clock     *testclock.Clock
	hub       *pubsub.SimpleHub
	handler   *stubHandler
	installer *stubInstaller
}

func (s *frontendSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC))
	s.hub = pubsub.NewSimpleHub(nil)
	s.handler = &stubHandler{}
	s.installer = &stubInstaller{}
}

func (s *frontendSuite) config(c *gc.C) frontend.Config {
	return frontend.Config{
		Port:      0,
		Handler:   s.handler,
		Installer: s.installer,
		Hub:       s.hub,
		Clock:     s.clock,
		Logger:    loggertesting.WrapCheckLog(c),
	}
}

func (s *frontendSuite) newWorker(c *gc.C, cfg frontend.Config) *frontend.Worker {
	w, err := frontend.NewWorker(cfg)
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, w) })
	return w
}

// baseURL rewrites the wildcard listen address into something
// dialable.
func (s *frontendSuite) baseURL(c *gc.C, w *frontend.Worker) string {
	_, port, err := net.SplitHostPort(w.Addr())
	c.Assert(err, jc.ErrorIsNil)
	return "127.0.0.1:" + port
}

func (s *frontendSuite) wsURL(c *gc.C, w *frontend.Worker) string {
	return "ws://" + s.baseURL(c, w) + "/ws"
}

func (s *frontendSuite) httpURL(c *gc.C, w *frontend.Worker) string {
	return "http://" + s.baseURL(c, w)
}

func (s *frontendSuite) connect(c *gc.C, w *frontend.Worker, password string) *api.Client {
	ctx, cancel := context.WithTimeout(context.Background(), testing.LongWait)
	defer cancel()
	client, err := api.Connect(ctx, s.wsURL(c, w), api.Config{
		Password: password,
		Logger:   loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.AddCleanup(func(*gc.C) { _ = client.Close() })
	return client
}

func (s *frontendSuite) call(c *gc.C, client *api.Client, method string, params interface{}) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), testing.LongWait)
	defer cancel()
	return client.Call(ctx, method, params)
}

func (s *frontendSuite) nextBroadcast(c *gc.C, client *api.Client) api.Message {
	select {
	case m := <-client.Broadcasts():
		return m
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out waiting for a broadcast")
	}
	return api.Message{}
}

func (s *frontendSuite) publish(c *gc.C, topic string, data interface{}) {
	select {
	case <-s.hub.Publish(topic, data):
	case <-time.After(testing.LongWait):
		c.Fatalf("timed out publishing %q", topic)
	}
}

type ServerSuite struct {
	frontendSuite
}

var _ = gc.Suite(&ServerSuite{})

func (s *ServerSuite) TestValidateConfig(c *gc.C) {
	cfg := s.config(c)
	cfg.Handler = nil
	_, err := frontend.NewWorker(cfg)
	c.Assert(err, jc.ErrorIs, errors.NotValid)
	c.Assert(err, gc.ErrorMatches, "nil Handler not valid")

	cfg = s.config(c)
	cfg.Hub = nil
	_, err = frontend.NewWorker(cfg)
	c.Assert(err, gc.ErrorMatches, "nil Hub not valid")

	cfg = s.config(c)
	cfg.Logger = nil
	_, err = frontend.NewWorker(cfg)
	c.Assert(err, gc.ErrorMatches, "nil Logger not valid")
}

func (s *ServerSuite) TestHealth(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	resp, err := http.Get(s.httpURL(c, w) + "/health")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	var body map[string]string
	c.Assert(json.NewDecoder(resp.Body).Decode(&body), jc.ErrorIsNil)
	c.Check(body, jc.DeepEquals, map[string]string{"status": "ok"})
}

func (s *ServerSuite) TestCallRoundTrip(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	raw, err := s.call(c, client, "/api/settings", nil)
	c.Assert(err, jc.ErrorIsNil)
	var got map[string]string
	c.Assert(json.Unmarshal(raw, &got), jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]string{"ok": "/api/settings"})

	// The login handshake never reaches the handler.
	reqs := s.handler.requests()
	c.Assert(reqs, gc.HasLen, 1)
	c.Check(reqs[0].Method, gc.Equals, "/api/settings")
	c.Check(reqs[0].SessionID, gc.Not(gc.Equals), "")
	c.Check(reqs[0].Params, gc.HasLen, 0)
}

func (s *ServerSuite) TestCallParams(c *gc.C) {
	s.handler.setFn(func(_ context.Context, req frontend.Request) (interface{}, error) {
		return req.Params["value"], nil
	})
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	raw, err := s.call(c, client, "/api/setloglevel", map[string]interface{}{"value": "debug"})
	c.Assert(err, jc.ErrorIsNil)
	var got string
	c.Assert(json.Unmarshal(raw, &got), jc.ErrorIsNil)
	c.Check(got, gc.Equals, "debug")

	reqs := s.handler.requests()
	c.Assert(reqs, gc.HasLen, 1)
	c.Check(reqs[0].Params, jc.DeepEquals, map[string]interface{}{"value": "debug"})
}

func (s *ServerSuite) TestHandlerErrorKeepsSessionUp(c *gc.C) {
	s.handler.setFn(func(_ context.Context, req frontend.Request) (interface{}, error) {
		return nil, errors.NotFoundf("method %q", req.Method)
	})
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	_, err := s.call(c, client, "/api/bogus", nil)
	c.Assert(err, gc.ErrorMatches, `method "/api/bogus" not found`)

	// The session survives a failed request.
	s.handler.setFn(nil)
	raw, err := s.call(c, client, "/api/settings", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(raw), jc.Contains, "/api/settings")
}

func (s *ServerSuite) TestRequestTimeout(c *gc.C) {
	s.handler.setFn(func(ctx context.Context, _ frontend.Request) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := s.config(c)
	cfg.RequestTimeout = 50 * time.Millisecond
	w := s.newWorker(c, cfg)
	client := s.connect(c, w, "")

	_, err := s.call(c, client, "/api/slow", nil)
	c.Assert(err, gc.ErrorMatches, `request "/api/slow" timeout`)
}

func (s *ServerSuite) TestLoginConfirmedWhenAuthDisabled(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	// An explicit re-login is confirmed without consulting the
	// handler.
	raw, err := s.call(c, client, "/api/login", nil)
	c.Assert(err, jc.ErrorIsNil)
	var got map[string]bool
	c.Assert(json.Unmarshal(raw, &got), jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]bool{"valid": true})
	c.Check(s.handler.requests(), gc.HasLen, 0)
}

func (s *ServerSuite) TestBroadcastSnackbar(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	s.publish(c, internalpubsub.SnackbarTopic, internalpubsub.Snackbar{
		Message:  "hello",
		Severity: internalpubsub.SeverityInfo,
		Timeout:  5,
	})

	m := s.nextBroadcast(c, client)
	c.Check(m.Method, gc.Equals, "snackbar")
	c.Check(string(m.ID), gc.Equals, "0")
	c.Check(m.Src, gc.Equals, "Matterbridge")
	c.Check(m.Dst, gc.Equals, "Frontend")
	var sb internalpubsub.Snackbar
	c.Assert(json.Unmarshal(m.Response, &sb), jc.ErrorIsNil)
	c.Check(sb, jc.DeepEquals, internalpubsub.Snackbar{
		Message:  "hello",
		Severity: internalpubsub.SeverityInfo,
		Timeout:  5,
	})
}

func (s *ServerSuite) TestBroadcastLogRecord(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	s.publish(c, internalpubsub.LogTopic, internalpubsub.LogMessage{
		When:    s.clock.Now(),
		Level:   "info",
		Module:  "matterbridge",
		Message: "bridge started",
	})

	m := s.nextBroadcast(c, client)
	c.Check(m.Method, gc.Equals, "log")
	var got map[string]string
	c.Assert(json.Unmarshal(m.Response, &got), jc.ErrorIsNil)
	c.Check(got, jc.DeepEquals, map[string]string{
		"level":   "info",
		"time":    "2024-11-01T00:00:00Z",
		"name":    "matterbridge",
		"message": "bridge started",
	})
}

func (s *ServerSuite) TestSnapshotReplayedOnAttach(c *gc.C) {
	w := s.newWorker(c, s.config(c))

	// Published before anyone is connected; a late session still
	// gets the latest commissioning state on attach.
	s.publish(c, internalpubsub.RefreshRequiredTopic, internalpubsub.RefreshRequired{
		Changed: internalpubsub.ChangedMatter,
		Matter: &matter.Snapshot{
			When:  s.clock.Now(),
			Nodes: []matter.Node{{ID: "bridge", Online: true}},
		},
	})

	client := s.connect(c, w, "")
	m := s.nextBroadcast(c, client)
	c.Check(m.Method, gc.Equals, "refresh_required")
	var rr internalpubsub.RefreshRequired
	c.Assert(json.Unmarshal(m.Response, &rr), jc.ErrorIsNil)
	c.Check(rr.Changed, gc.Equals, internalpubsub.ChangedMatter)
	c.Assert(rr.Matter, gc.NotNil)
	c.Assert(rr.Matter.Nodes, gc.HasLen, 1)
	c.Check(rr.Matter.Nodes[0].ID, gc.Equals, "bridge")
	c.Check(rr.Matter.Nodes[0].Online, jc.IsTrue)
}

func (s *ServerSuite) passwordConfig(c *gc.C, password string) frontend.Config {
	cfg := s.config(c)
	cfg.Auth = frontend.NewAuthenticator("", "")
	_, _, err := cfg.Auth.SetPassword(password)
	c.Assert(err, jc.ErrorIsNil)
	return cfg
}

func (s *ServerSuite) TestAuthAcceptsPassword(c *gc.C) {
	w := s.newWorker(c, s.passwordConfig(c, "sekrit"))
	client := s.connect(c, w, "sekrit")

	raw, err := s.call(c, client, "/api/settings", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(raw), jc.Contains, "/api/settings")
}

func (s *ServerSuite) TestAuthRejectsWrongPassword(c *gc.C) {
	w := s.newWorker(c, s.passwordConfig(c, "sekrit"))

	ctx, cancel := context.WithTimeout(context.Background(), testing.LongWait)
	defer cancel()
	_, err := api.Connect(ctx, s.wsURL(c, w), api.Config{
		Password: "wrong",
		Logger:   loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, gc.ErrorMatches, "logging in: invalid password")
}

func (s *ServerSuite) TestFirstFrameMustBeLogin(c *gc.C) {
	w := s.newWorker(c, s.passwordConfig(c, "sekrit"))

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(c, w), nil)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()

	err = conn.WriteJSON(map[string]interface{}{
		"id": 1, "method": "/api/settings", "src": "Frontend", "dst": "Matterbridge",
	})
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(conn.SetReadDeadline(time.Now().Add(testing.LongWait)), jc.ErrorIsNil)
	_, _, err = conn.ReadMessage()
	c.Assert(websocket.IsCloseError(err, websocket.ClosePolicyViolation), jc.IsTrue,
		gc.Commentf("got %v", err))
	c.Check(s.handler.requests(), gc.HasLen, 0)
}

func (s *ServerSuite) TestLoginAttemptsRateLimited(c *gc.C) {
	w := s.newWorker(c, s.passwordConfig(c, "sekrit"))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), testing.LongWait)
		_, err := api.Connect(ctx, s.wsURL(c, w), api.Config{
			Password: "wrong",
			Logger:   loggertesting.WrapCheckLog(c),
		})
		cancel()
		c.Assert(err, gc.ErrorMatches, "logging in: invalid password")
	}

	// The bucket is drained; even the right password is refused until
	// it refills.
	ctx, cancel := context.WithTimeout(context.Background(), testing.LongWait)
	defer cancel()
	_, err := api.Connect(ctx, s.wsURL(c, w), api.Config{
		Password: "sekrit",
		Logger:   loggertesting.WrapCheckLog(c),
	})
	c.Assert(err, gc.ErrorMatches, `logging in: connection closed waiting for "/api/login": .*`)
}

func (s *ServerSuite) TestMalformedFrameKeepsSessionUp(c *gc.C) {
	w := s.newWorker(c, s.config(c))

	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(c, w), nil)
	c.Assert(err, jc.ErrorIsNil)
	defer conn.Close()
	c.Assert(conn.SetReadDeadline(time.Now().Add(testing.LongWait)), jc.ErrorIsNil)

	err = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	c.Assert(err, jc.ErrorIsNil)

	var m api.Message
	c.Assert(conn.ReadJSON(&m), jc.ErrorIsNil)
	c.Check(string(m.ID), gc.Equals, "0")
	c.Check(m.Error, gc.Matches, "malformed request: .*")

	// The session is still serving.
	err = conn.WriteJSON(map[string]interface{}{
		"id": 7, "method": "/api/login", "src": "Frontend", "dst": "Matterbridge",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(conn.ReadJSON(&m), jc.ErrorIsNil)
	c.Check(string(m.ID), gc.Equals, "7")
	var valid map[string]bool
	c.Assert(json.Unmarshal(m.Response, &valid), jc.ErrorIsNil)
	c.Check(valid, jc.DeepEquals, map[string]bool{"valid": true})
}

func (s *ServerSuite) TestAuditRecords(c *gc.C) {
	dir := c.MkDir()
	cfg := s.config(c)
	cfg.Audit = auditlog.NewLogFile(dir)
	w := s.newWorker(c, cfg)
	client := s.connect(c, w, "")

	_, err := s.call(c, client, "/api/settings", nil)
	c.Assert(err, jc.ErrorIsNil)

	f, err := os.Open(filepath.Join(dir, "audit.log"))
	c.Assert(err, jc.ErrorIsNil)
	defer f.Close()
	dec := yaml.NewDecoder(f)
	var sessions, requests []auditlog.Record
	for {
		var rec auditlog.Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			break
		}
		c.Assert(err, jc.ErrorIsNil)
		if rec.Session != nil {
			sessions = append(sessions, rec)
		}
		if rec.Request != nil {
			requests = append(requests, rec)
		}
	}
	c.Assert(sessions, gc.HasLen, 1)
	c.Check(sessions[0].Session.When, gc.Equals, "2024-11-01T00:00:00Z")
	c.Assert(requests, gc.HasLen, 1)
	c.Check(requests[0].Request.What, gc.Equals, "/api/settings")
	c.Check(requests[0].Request.Who, gc.Equals, sessions[0].Session.Who)
}

func (s *ServerSuite) TestStaticUI(c *gc.C) {
	dir := c.MkDir()
	err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>bridge</html>"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	cfg := s.config(c)
	cfg.StaticDir = dir
	w := s.newWorker(c, cfg)

	resp, err := http.Get(s.httpURL(c, w) + "/")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), gc.Equals, "<html>bridge</html>")
}

func (s *ServerSuite) TestLogDownload(c *gc.C) {
	logFile := filepath.Join(c.MkDir(), "matterbridge.log")
	err := os.WriteFile(logFile, []byte("line one\nline two\n"), 0644)
	c.Assert(err, jc.ErrorIsNil)
	cfg := s.config(c)
	cfg.LogFile = logFile
	w := s.newWorker(c, cfg)

	resp, err := http.Get(s.httpURL(c, w) + "/api/log/download")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Check(resp.Header.Get("Content-Disposition"), gc.Equals, `attachment; filename="matterbridge.log"`)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), gc.Equals, "line one\nline two\n")
}

func (s *ServerSuite) TestLogDownloadWithoutFile(c *gc.C) {
	w := s.newWorker(c, s.config(c))

	resp, err := http.Get(s.httpURL(c, w) + "/api/log/download")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
}

func (s *ServerSuite) TestMetricsExposeSessionCount(c *gc.C) {
	cfg := s.config(c)
	cfg.Registry = prometheus.NewPedanticRegistry()
	w := s.newWorker(c, cfg)
	s.connect(c, w, "")

	resp, err := http.Get(s.httpURL(c, w) + "/metrics")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusOK)
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(body), jc.Contains, "matterbridged_frontend_sessions 1")
}

func (s *ServerSuite) TestShutdownDropsSessions(c *gc.C) {
	w := s.newWorker(c, s.config(c))
	client := s.connect(c, w, "")

	workertest.CleanKill(c, w)

	_, err := s.call(c, client, "/api/settings", nil)
	c.Assert(err, gc.NotNil)
}
