// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package worker

import (
	"context"

	"github.com/juju/worker/v4"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
)

// WrapLogger adapts a bridge logger to the interface expected by
// worker runners, which know nothing about contexts.
func WrapLogger(logger corelogger.Logger) worker.Logger {
	return makeLogger{logger}
}

type makeLogger struct {
	l corelogger.Logger
}

func (m makeLogger) Tracef(format string, args ...any) {
	m.l.Tracef(context.Background(), format, args...)
}

func (m makeLogger) Debugf(format string, args ...any) {
	m.l.Debugf(context.Background(), format, args...)
}

func (m makeLogger) Infof(format string, args ...any) {
	m.l.Infof(context.Background(), format, args...)
}

func (m makeLogger) Warningf(format string, args ...any) {
	m.l.Warningf(context.Background(), format, args...)
}

func (m makeLogger) Errorf(format string, args ...any) {
	m.l.Errorf(context.Background(), format, args...)
}

func (m makeLogger) Criticalf(format string, args ...any) {
	m.l.Criticalf(context.Background(), format, args...)
}
