package config

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates fatal config problems (block startup) from
// warnings (logged, then the affected field is clamped to a safe default).
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config for invalid values. Dangerous zero-values
// that would cause panics or degenerate behavior (e.g. a zero bitrate clamp
// range) are clamped to safe defaults and reported as warnings; structurally
// invalid values (a signaling URL with the wrong scheme, control characters
// in a credential) are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.SignalingURL != "" {
		u, err := url.Parse(c.SignalingURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("signaling_url %q is not a valid URL: %w", c.SignalingURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			r.Fatals = append(r.Fatals, fmt.Errorf("signaling_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}

	for _, cred := range []struct {
		name  string
		value string
	}{{"turn_credential", c.TurnCredential}, {"turn_username", c.TurnUsername}} {
		for _, ch := range cred.value {
			if unicode.IsControl(ch) {
				r.Fatals = append(r.Fatals, fmt.Errorf("%s contains control characters", cred.name))
				break
			}
		}
	}

	if c.MinBitrateBPS <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_bitrate_bps %d must be positive, clamping to default", c.MinBitrateBPS))
		c.MinBitrateBPS = 500_000
	}
	if c.MaxBitrateBPS <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_bitrate_bps %d must be positive, clamping to default", c.MaxBitrateBPS))
		c.MaxBitrateBPS = 20_000_000
	}
	if c.MinBitrateBPS > c.MaxBitrateBPS {
		r.Warnings = append(r.Warnings, fmt.Errorf("min_bitrate_bps %d exceeds max_bitrate_bps %d, swapping", c.MinBitrateBPS, c.MaxBitrateBPS))
		c.MinBitrateBPS, c.MaxBitrateBPS = c.MaxBitrateBPS, c.MinBitrateBPS
	}

	if c.MaxConcurrentSessions < 1 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_concurrent_sessions %d is below minimum 1, clamping", c.MaxConcurrentSessions))
		c.MaxConcurrentSessions = 1
	} else if c.MaxConcurrentSessions > 1000 {
		r.Warnings = append(r.Warnings, fmt.Errorf("max_concurrent_sessions %d exceeds maximum 1000, clamping", c.MaxConcurrentSessions))
		c.MaxConcurrentSessions = 1000
	}

	if c.FreeSessionMinutes < 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("free_session_minutes %d is negative, clamping to 0 (disabled)", c.FreeSessionMinutes))
		c.FreeSessionMinutes = 0
	}

	if c.LANBeaconPort <= 0 || c.LANBeaconPort > 65535 {
		r.Warnings = append(r.Warnings, fmt.Errorf("lan_beacon_port %d out of range, clamping to default", c.LANBeaconPort))
		c.LANBeaconPort = 9090
	}
	if c.LANBeaconInterval <= 0 {
		r.Warnings = append(r.Warnings, fmt.Errorf("lan_beacon_interval_seconds %d must be positive, clamping to default", c.LANBeaconInterval))
		c.LANBeaconInterval = 5
	}
	if c.LANBeaconTimeout <= c.LANBeaconInterval {
		r.Warnings = append(r.Warnings, fmt.Errorf("lan_beacon_timeout_seconds %d must exceed the announce interval, clamping", c.LANBeaconTimeout))
		c.LANBeaconTimeout = c.LANBeaconInterval * 6
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
		c.LogLevel = "info"
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Warnings = append(r.Warnings, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
		c.LogFormat = "text"
	}

	return r
}
