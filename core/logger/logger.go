// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"context"
)

// Labels is a map of key-value pairs attached to a log message.
type Labels map[string]string

// Logger is the interface used by the bridge for all log output. The
// context is threaded through so that implementations can pull trace
// information out of it; callers should pass the context they were
// invoked with.
type Logger interface {
	// Criticalf logs a message at the critical level.
	Criticalf(ctx context.Context, msg string, args ...any)

	// Errorf logs a message at the error level.
	Errorf(ctx context.Context, msg string, args ...any)

	// Warningf logs a message at the warning level.
	Warningf(ctx context.Context, msg string, args ...any)

	// Infof logs a message at the info level.
	Infof(ctx context.Context, msg string, args ...any)

	// Debugf logs a message at the debug level.
	Debugf(ctx context.Context, msg string, args ...any)

	// Tracef logs a message at the trace level.
	Tracef(ctx context.Context, msg string, args ...any)

	// Logf logs a message at the given level with the supplied labels
	// merged into those of the logger.
	Logf(ctx context.Context, level Level, labels Labels, msg string, args ...any)

	// Child returns a logger whose name is the receiver's name dot the
	// given name, with the given tags attached to every message.
	Child(name string, tags ...string) Logger

	// IsLevelEnabled reports whether a message at the given level
	// would be written.
	IsLevelEnabled(Level) bool
}
