// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package bridge

import (
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/matterbridge/matterbridged/core/mode"
	"github.com/matterbridge/matterbridged/internal/storage"
)

// Virtual device modes. The mode picks the device type the two
// virtual control devices present to controllers.
const (
	VirtualDisabled      = "disabled"
	VirtualLight         = "light"
	VirtualOutlet        = "outlet"
	VirtualSwitch        = "switch"
	VirtualMountedSwitch = "mounted_switch"
)

// Defaults applied when neither a flag nor a persisted setting
// provides a value.
const (
	defaultMatterPort    = 5540
	defaultPasscode      = 20242025
	defaultDiscriminator = 3840
	defaultVirtualMode   = VirtualOutlet
	defaultLogLevel      = "info"
)

const (
	settingsContext = "settings"
	settingsKey     = "settings"
)

// Settings is the persisted operator configuration. Flags override
// persisted values at startup and the merged result is written back,
// so a flag given once sticks for later runs.
type Settings struct {
	Mode           mode.Mode `json:"bridgeMode"`
	MatterPort     int       `json:"matterPort"`
	Passcode       uint32    `json:"passcode"`
	Discriminator  uint16    `json:"discriminator"`
	FrontendPort   int       `json:"frontendPort"`
	VirtualMode    string    `json:"virtualMode"`
	MDNSInterface  string    `json:"mdnsInterface,omitempty"`
	IPv4Address    string    `json:"ipv4Address,omitempty"`
	IPv6Address    string    `json:"ipv6Address,omitempty"`
	LogLevel       string    `json:"logLevel"`
	MatterLogLevel string    `json:"matterLogLevel"`
	InstallArgs    string    `json:"installArgs,omitempty"`
	PasswordHash   string    `json:"passwordHash,omitempty"`
	PasswordSalt   string    `json:"passwordSalt,omitempty"`
}

func validVirtualMode(v string) error {
	switch v {
	case VirtualDisabled, VirtualLight, VirtualOutlet, VirtualSwitch, VirtualMountedSwitch:
		return nil
	}
	return errors.NotValidf("virtual mode %q", v)
}

// setLoggerLevel reconfigures one loggo module. The level is checked
// first so a bad persisted value cannot wedge the loggo config.
func setLoggerLevel(name, level string) error {
	if _, ok := loggo.ParseLevel(level); !ok {
		return errors.NotValidf("log level %q", level)
	}
	return errors.Trace(loggo.ConfigureLoggers(name + "=" + level))
}

// mergeSettings overlays the flag values from cfg on the persisted
// settings and fills the remaining gaps with defaults. Flags win.
func mergeSettings(persisted Settings, cfg Config) (Settings, error) {
	s := persisted
	if cfg.Mode != "" {
		s.Mode = cfg.Mode
	}
	if s.Mode == "" {
		s.Mode = mode.Bridge
	}
	if err := s.Mode.Validate(); err != nil {
		return Settings{}, errors.Trace(err)
	}
	if cfg.MatterPort != 0 {
		s.MatterPort = cfg.MatterPort
	}
	if s.MatterPort == 0 {
		s.MatterPort = defaultMatterPort
	}
	if cfg.Passcode != 0 {
		s.Passcode = cfg.Passcode
	}
	if s.Passcode == 0 {
		s.Passcode = defaultPasscode
	}
	if cfg.Discriminator != 0 {
		s.Discriminator = cfg.Discriminator
	}
	if s.Discriminator == 0 {
		s.Discriminator = defaultDiscriminator
	}
	// The frontend port flag always carries a value; zero is the
	// explicit "disabled" form, so there is nothing to merge.
	s.FrontendPort = cfg.FrontendPort
	if cfg.VirtualMode != "" {
		s.VirtualMode = cfg.VirtualMode
	}
	if s.VirtualMode == "" {
		s.VirtualMode = defaultVirtualMode
	}
	if err := validVirtualMode(s.VirtualMode); err != nil {
		return Settings{}, errors.Trace(err)
	}
	if cfg.MDNSInterface != "" {
		s.MDNSInterface = cfg.MDNSInterface
	}
	if cfg.IPv4Address != "" {
		s.IPv4Address = cfg.IPv4Address
	}
	if cfg.IPv6Address != "" {
		s.IPv6Address = cfg.IPv6Address
	}
	if cfg.LogLevel != "" {
		s.LogLevel = cfg.LogLevel
	}
	if s.LogLevel == "" {
		s.LogLevel = defaultLogLevel
	}
	if cfg.MatterLogLevel != "" {
		s.MatterLogLevel = cfg.MatterLogLevel
	}
	if s.MatterLogLevel == "" {
		s.MatterLogLevel = defaultLogLevel
	}
	return s, nil
}

func loadSettings(m *storage.Manager) (Settings, error) {
	sc, err := m.Open(settingsContext)
	if err != nil {
		return Settings{}, errors.Trace(err)
	}
	s, err := storage.Get(sc, settingsKey, Settings{})
	if err != nil {
		return Settings{}, errors.Trace(err)
	}
	return s, nil
}

func saveSettings(m *storage.Manager, s Settings) error {
	sc, err := m.Open(settingsContext)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sc.Set(settingsKey, s))
}
