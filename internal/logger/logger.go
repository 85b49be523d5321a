// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logger implements the bridge logging interface on top of
// loggo. The loggo context, writers and level configuration remain
// available to the agent entry point; everything else in the tree
// talks to core/logger.Logger values handed down through worker
// configs.
package logger

import (
	"context"

	"github.com/juju/loggo/v2"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
)

type loggoLogger struct {
	logger loggo.Logger
}

// GetLogger returns the named logger from the default loggo context,
// tagged with the given tags.
func GetLogger(name string, tags ...string) corelogger.Logger {
	return loggoLogger{logger: loggo.GetLoggerWithTags(name, tags...)}
}

// WrapLoggo wraps an existing loggo logger, for callers that build
// their own loggo context.
func WrapLoggo(logger loggo.Logger) corelogger.Logger {
	return loggoLogger{logger: logger}
}

func (c loggoLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.logger.Criticalf(msg, args...)
}

func (c loggoLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.logger.Errorf(msg, args...)
}

func (c loggoLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.logger.Warningf(msg, args...)
}

func (c loggoLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.logger.Infof(msg, args...)
}

func (c loggoLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.logger.Debugf(msg, args...)
}

func (c loggoLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.logger.Tracef(msg, args...)
}

func (c loggoLogger) Logf(ctx context.Context, level corelogger.Level, labels corelogger.Labels, msg string, args ...any) {
	c.logger.LogWithLabelsf(loggo.Level(level), msg, labels, args...)
}

func (c loggoLogger) Child(name string, tags ...string) corelogger.Logger {
	return loggoLogger{logger: c.logger.ChildWithTags(name, tags...)}
}

func (c loggoLogger) IsLevelEnabled(level corelogger.Level) bool {
	return c.logger.IsLevelEnabled(loggo.Level(level))
}
