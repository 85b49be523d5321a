// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package all registers every compiled-in platform with the platform
// registry. Import it for the side effect.
package all

import (
	_ "github.com/matterbridge/matterbridged/internal/platform/mocks"
)
