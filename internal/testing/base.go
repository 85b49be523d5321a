// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides the base suite and wait constants used by
// the test packages across the tree.
package testing

import (
	"strings"

	"github.com/juju/loggo/v2"
	jujutesting "github.com/juju/testing"
	gc "gopkg.in/check.v1"
)

// BaseSuite isolates tests from the host environment and resets
// logging between tests. All suite types in the tree embed it.
type BaseSuite struct {
	jujutesting.IsolationSuite
}

func (s *BaseSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	loggo.GetLogger("matterbridged").SetLogLevel(loggo.TRACE)
}

// CaptureLogs registers a test writer on the default loggo context for
// the duration of the test and returns it.
func (s *BaseSuite) CaptureLogs(c *gc.C) *loggo.TestWriter {
	writer := &loggo.TestWriter{}
	err := loggo.RegisterWriter("capture", writer)
	c.Assert(err, gc.IsNil)
	s.AddCleanup(func(*gc.C) {
		_, _ = loggo.RemoveWriter("capture")
	})
	return writer
}

// LogContains reports whether any captured entry's message contains
// the given substring.
func LogContains(entries []loggo.Entry, substr string) bool {
	for _, entry := range entries {
		if strings.Contains(entry.Message, substr) {
			return true
		}
	}
	return false
}
