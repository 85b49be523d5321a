// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"

	corelogger "github.com/matterbridge/matterbridged/core/logger"
)

// CheckLog is implemented by *check.C and *testing.T.
type CheckLog interface {
	Logf(string, ...any)
}

// WrapCheckLog returns a logger that writes everything to the test
// log, so worker output lands next to the assertions that provoked it.
func WrapCheckLog(log CheckLog) corelogger.Logger {
	return checkLogger{log: log}
}

type checkLogger struct {
	log  CheckLog
	name string
}

func (c checkLogger) write(level string, msg string, args ...any) {
	prefix := level
	if c.name != "" {
		prefix = c.name + " " + level
	}
	c.log.Logf("%s: %s", prefix, fmt.Sprintf(msg, args...))
}

func (c checkLogger) Criticalf(ctx context.Context, msg string, args ...any) {
	c.write("CRITICAL", msg, args...)
}

func (c checkLogger) Errorf(ctx context.Context, msg string, args ...any) {
	c.write("ERROR", msg, args...)
}

func (c checkLogger) Warningf(ctx context.Context, msg string, args ...any) {
	c.write("WARNING", msg, args...)
}

func (c checkLogger) Infof(ctx context.Context, msg string, args ...any) {
	c.write("INFO", msg, args...)
}

func (c checkLogger) Debugf(ctx context.Context, msg string, args ...any) {
	c.write("DEBUG", msg, args...)
}

func (c checkLogger) Tracef(ctx context.Context, msg string, args ...any) {
	c.write("TRACE", msg, args...)
}

func (c checkLogger) Logf(ctx context.Context, level corelogger.Level, labels corelogger.Labels, msg string, args ...any) {
	c.write(level.String(), msg, args...)
}

func (c checkLogger) Child(name string, tags ...string) corelogger.Logger {
	child := name
	if c.name != "" {
		child = c.name + "." + name
	}
	return checkLogger{log: c.log, name: child}
}

func (c checkLogger) IsLevelEnabled(corelogger.Level) bool { return true }
