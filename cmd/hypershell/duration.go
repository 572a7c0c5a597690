package main

import "time"

// mustDuration parses s, falling back to def on empty or malformed input.
// Config struct validation only checks presence, not parseability, so
// the fallback keeps command startup resilient to a typo'd duration
// string rather than crashing the whole process (spec §7: config
// errors should be caught early and clearly, not as a panic mid-run).
func mustDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
