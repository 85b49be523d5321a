// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package api is the Go client for the bridge control plane. It
// speaks the same envelope protocol as the web frontend: targeted
// calls correlated by id, plus a stream of server broadcasts.
package api

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/logger"
)

// Message is the control-plane wire envelope as seen by the client.
type Message struct {
	ID       json.RawMessage `json:"id"`
	Sender   string          `json:"sender,omitempty"`
	Method   string          `json:"method"`
	Src      string          `json:"src"`
	Dst      string          `json:"dst"`
	Params   interface{}     `json:"params,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Config holds the client dependencies.
type Config struct {
	// Password authenticates the session; empty when the bridge has
	// no password set.
	Password string

	// Clock defaults to the wall clock.
	Clock clock.Clock

	Logger logger.Logger
}

// Client is a connected control-plane session.
type Client struct {
	cfg  Config
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  uint64

	mu      sync.Mutex
	pending map[uint64]chan Message
	readErr error

	broadcasts chan Message
	closed     chan struct{}
	closeOnce  sync.Once
}

// Connect dials the websocket endpoint and authenticates. The url is
// the full endpoint, e.g. "ws://localhost:8283/ws".
func Connect(ctx context.Context, url string, cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, errors.NotValidf("nil Logger")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %q", url)
	}
	c := &Client{
		cfg:        cfg,
		conn:       conn,
		pending:    make(map[uint64]chan Message),
		broadcasts: make(chan Message, 64),
		closed:     make(chan struct{}),
	}
	go c.readLoop()

	if _, err := c.Call(ctx, "/api/login", map[string]interface{}{
		"password": cfg.Password,
	}); err != nil {
		_ = c.Close()
		return nil, errors.Annotate(err, "logging in")
	}
	return c, nil
}

// Call sends a targeted request and waits for the response with the
// same id.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	env := Message{
		ID:     json.RawMessage(strconv.FormatUint(id, 10)),
		Sender: "api",
		Method: method,
		Src:    "Frontend",
		Dst:    "Matterbridge",
		Params: params,
	}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(env)
	c.writeMu.Unlock()
	if err != nil {
		return nil, errors.Annotatef(err, "sending %q", method)
	}

	select {
	case m := <-ch:
		if m.Error != "" {
			return nil, errors.Errorf("%s", m.Error)
		}
		return m.Response, nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	case <-c.closed:
		c.mu.Lock()
		err := c.readErr
		c.mu.Unlock()
		return nil, errors.Annotatef(err, "connection closed waiting for %q", method)
	}
}

// Broadcasts delivers server pushes. Slow consumers lose the oldest
// pending broadcasts.
func (c *Client) Broadcasts() <-chan Message {
	return c.broadcasts
}

// Close tears the session down. Pending calls fail.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		var m Message
		if err := c.conn.ReadJSON(&m); err != nil {
			c.cfg.Logger.Debugf(ctx, "control plane read loop ended: %v", err)
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			_ = c.Close()
			close(c.closed)
			return
		}
		if id, err := strconv.ParseUint(string(m.ID), 10, 64); err == nil && id != 0 {
			c.mu.Lock()
			ch := c.pending[id]
			c.mu.Unlock()
			if ch != nil {
				ch <- m
				continue
			}
		}
		select {
		case c.broadcasts <- m:
		default:
			// Drop oldest so the stream keeps moving.
			c.cfg.Logger.Debugf(ctx, "dropping broadcast %q on slow consumer", m.Method)
			select {
			case <-c.broadcasts:
			default:
			}
			select {
			case c.broadcasts <- m:
			default:
			}
		}
	}
}
