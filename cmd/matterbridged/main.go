// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

// matterbridged runs the bridge daemon: it aggregates the devices
// registered by the configured plugins behind one or more Matter
// server nodes and serves the control plane the web frontend talks
// to. All state lives under <homedir>/.matterbridge.
package main

import (
	"os"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}
