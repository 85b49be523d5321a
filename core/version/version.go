// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package version holds the release version of the bridge itself.
package version

import (
	semversion "github.com/juju/version/v2"
)

// Current is the version of the running bridge. It is reported on the
// control plane and compared against the registry by the update
// check.
var Current = semversion.MustParse("3.0.4")
