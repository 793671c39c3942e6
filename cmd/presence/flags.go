package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/presence.report/internal/transport/sim"
)

// parseLatencyRange parses "min-max" (or a single duration) into a latency
// range for simulated devices.
func parseLatencyRange(s string) (time.Duration, time.Duration, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	minLat, err := time.ParseDuration(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, fmt.Errorf("parse min latency: %w", err)
	}
	maxLat := minLat
	if found {
		if maxLat, err = time.ParseDuration(strings.TrimSpace(hi)); err != nil {
			return 0, 0, fmt.Errorf("parse max latency: %w", err)
		}
	}
	if minLat < 0 || maxLat < minLat {
		return 0, 0, fmt.Errorf("latency range %q must satisfy 0 <= min <= max", s)
	}
	return minLat, maxLat, nil
}

// splitTargets splits a comma separated target list, dropping blanks.
func splitTargets(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// deviceProfile is the simulated device set of a target: the phone itself
// plus companions companion devices, each on its own device id.
func deviceProfile(id string, companions int, minLat, maxLat time.Duration) []sim.Device {
	devices := []sim.Device{{Identity: id, MinLatency: minLat, MaxLatency: maxLat}}
	user, domain, _ := strings.Cut(id, "@")
	for i := 1; i <= companions; i++ {
		devices = append(devices, sim.Device{
			Identity:   fmt.Sprintf("%s:%d@%s", user, i, domain),
			MinLatency: minLat,
			MaxLatency: maxLat,
		})
	}
	return devices
}
