// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package logger

import (
	"strings"
)

// Level holds a severity for filtering log messages.
type Level uint32

// The severity levels, lowest to highest. UNSPECIFIED is never used
// for a message; it marks an unset level.
const (
	UNSPECIFIED Level = iota
	TRACE
	DEBUG
	INFO
	WARNING
	ERROR
	CRITICAL
)

// String implements fmt.Stringer.
func (level Level) String() string {
	switch level {
	case UNSPECIFIED:
		return "UNSPECIFIED"
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	default:
		return "<unknown>"
	}
}

// ParseLevelFromString returns the Level named by level, succeeding
// case-insensitively. The aliases used by the bridge CLI (notice,
// warn, fatal) map onto the nearest level.
func ParseLevelFromString(level string) (Level, bool) {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE, true
	case "DEBUG":
		return DEBUG, true
	case "INFO", "NOTICE":
		return INFO, true
	case "WARN", "WARNING":
		return WARNING, true
	case "ERROR":
		return ERROR, true
	case "CRITICAL", "FATAL":
		return CRITICAL, true
	default:
		return UNSPECIFIED, false
	}
}
