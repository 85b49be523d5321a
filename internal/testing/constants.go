// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"time"

	"github.com/juju/utils/v4"
)

const (
	// ShortWait is a reasonable amount of time to block waiting for
	// something that shouldn't actually happen.
	ShortWait = 50 * time.Millisecond

	// LongWait is used when something should have already happened,
	// and we just need to pick it up; if the test hits this timeout
	// something really has gone wrong.
	LongWait = 10 * time.Second
)

var (
	// LongAttempt polls for a condition that should already hold, up
	// to LongWait.
	LongAttempt = &utils.AttemptStrategy{
		Total: LongWait,
		Delay: ShortWait,
	}

	// ShortAttempt polls briefly for a condition that may take a
	// moment to settle.
	ShortAttempt = &utils.AttemptStrategy{
		Total: ShortWait,
		Delay: 5 * time.Millisecond,
	}
)
