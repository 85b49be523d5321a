// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package worker carries the glue shared by the bridge's workers:
// restart policy, the errors that tear the whole process down, and the
// logger adaptation needed by worker runners.
package worker

import (
	"time"

	"github.com/juju/errors"
)

// RestartDelay holds the length of time that a worker will wait
// between exiting and being restarted by its runner.
const RestartDelay = 3 * time.Second

var (
	// ErrTerminateBridge tells the top-level runner to stop the
	// process entirely.
	ErrTerminateBridge = errors.New("bridge should be terminated")

	// ErrRestartBridge tells the top-level runner to tear the bridge
	// down and start it again with fresh configuration.
	ErrRestartBridge = errors.New("bridge should be restarted")
)

// FatalError marks an error as fatal to the bridge when wrapped with
// %w. Storage loss and unrecoverable port clashes use it.
const FatalError = errors.ConstError("fatal bridge error")

// IsFatal reports whether err should bring the bridge down rather
// than be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTerminateBridge) ||
		errors.Is(err, ErrRestartBridge) ||
		errors.Is(err, FatalError)
}

func importance(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrRestartBridge):
		return 2
	case errors.Is(err, ErrTerminateBridge):
		return 3
	default:
		return 1
	}
}

// MoreImportant reports whether err0 is more important than err1 -
// that is, whether we should act on err0 when we have both.
func MoreImportant(err0, err1 error) bool {
	return importance(err0) > importance(err1)
}
