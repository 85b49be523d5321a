// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package pluginmanager

import (
	"context"

	"gopkg.in/tomb.v2"
)

// pluginWorker serialises lifecycle transitions for one plugin.
// Transitions for different plugins run on different workers, so a
// slow or stuck platform only ever delays itself.
type pluginWorker struct {
	tomb     tomb.Tomb
	requests chan pluginRequest
}

type pluginRequest struct {
	ctx  context.Context
	op   func(context.Context) error
	done chan<- error
}

func newPluginWorker() *pluginWorker {
	w := &pluginWorker{
		requests: make(chan pluginRequest),
	}
	w.tomb.Go(w.loop)
	return w
}

func (w *pluginWorker) loop() error {
	for {
		select {
		case <-w.tomb.Dying():
			return tomb.ErrDying
		case req := <-w.requests:
			req.done <- req.op(w.tomb.Context(req.ctx))
		}
	}
}

// Kill is part of the worker.Worker interface.
func (w *pluginWorker) Kill() {
	w.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *pluginWorker) Wait() error {
	return w.tomb.Wait()
}
