// Copyright 2025 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"strings"

	"github.com/juju/loggo/v2"
	pubsubhub "github.com/juju/pubsub"

	"github.com/matterbridge/matterbridged/internal/pubsub"
)

// HubWriter is a loggo writer that republishes log records on the
// bridge hub so connected frontends can stream them live. Publishing
// is asynchronous; a slow session can never stall a logging call.
type HubWriter struct {
	hub      *pubsubhub.SimpleHub
	minLevel loggo.Level
	exclude  []string
}

// NewHubWriter returns a writer forwarding records at or above
// minLevel. Records from the frontend session module are skipped so a
// failing session cannot feed its own error messages back to itself.
func NewHubWriter(hub *pubsubhub.SimpleHub, minLevel loggo.Level) *HubWriter {
	return &HubWriter{
		hub:      hub,
		minLevel: minLevel,
		exclude:  []string{"matterbridged.frontend.session"},
	}
}

// Write implements loggo.Writer.
func (w *HubWriter) Write(entry loggo.Entry) {
	if entry.Level < w.minLevel {
		return
	}
	for _, prefix := range w.exclude {
		if strings.HasPrefix(entry.Module, prefix) {
			return
		}
	}
	w.hub.Publish(pubsub.LogTopic, pubsub.LogMessage{
		When:    entry.Timestamp,
		Level:   entry.Level.String(),
		Module:  entry.Module,
		Message: entry.Message,
	})
}
