package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical tracker defaults file.
const DefaultConfigPath = "config/tracker.defaults.json"

// Built-in fallbacks used when a field is absent from the loaded file.
const (
	defaultProbeTimeout              = 10 * time.Second
	defaultMinProbeInterval          = 10 * time.Second
	defaultMaxProbeInterval          = 30 * time.Second
	defaultRecentWindow              = 3
	defaultBaselineCapacity          = 2000
	defaultMinBaselineSamples        = 3
	defaultThresholdFactor           = 0.9
	defaultProbeMethod               = "delete"
	defaultActivityLogSize           = 100
	defaultPresenceSubscribeAttempts = 3
	defaultIdentityDomain            = "s.whatsapp.net"
)

// TrackerConfig holds the tunable parameters of a tracking session. All
// fields are optional; the Get* accessors fall back to built-in defaults.
type TrackerConfig struct {
	// Probe cadence
	ProbeTimeout     *string `json:"probe_timeout,omitempty"`      // duration string like "10s"
	MinProbeInterval *string `json:"min_probe_interval,omitempty"` // lower bound of the jittered delay
	MaxProbeInterval *string `json:"max_probe_interval,omitempty"` // upper bound (exclusive)
	ProbeMethod      *string `json:"probe_method,omitempty"`       // "delete" or "reaction"

	// Classification
	RecentWindow       *int     `json:"recent_window,omitempty"`
	BaselineCapacity   *int     `json:"baseline_capacity,omitempty"`
	MinBaselineSamples *int     `json:"min_baseline_samples,omitempty"`
	ThresholdFactor    *float64 `json:"threshold_factor,omitempty"`

	// Manager
	ActivityLogSize           *int    `json:"activity_log_size,omitempty"`
	PresenceSubscribeAttempts *int    `json:"presence_subscribe_attempts,omitempty"`
	IdentityDomain            *string `json:"identity_domain,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTrackerConfig returns a TrackerConfig with all fields set to nil.
func EmptyTrackerConfig() *TrackerConfig {
	return &TrackerConfig{}
}

// DefaultTrackerConfig returns a TrackerConfig with every field populated
// from the built-in defaults. It matches config/tracker.defaults.json.
func DefaultTrackerConfig() *TrackerConfig {
	return &TrackerConfig{
		ProbeTimeout:              ptrString(defaultProbeTimeout.String()),
		MinProbeInterval:          ptrString(defaultMinProbeInterval.String()),
		MaxProbeInterval:          ptrString(defaultMaxProbeInterval.String()),
		ProbeMethod:               ptrString(defaultProbeMethod),
		RecentWindow:              ptrInt(defaultRecentWindow),
		BaselineCapacity:          ptrInt(defaultBaselineCapacity),
		MinBaselineSamples:        ptrInt(defaultMinBaselineSamples),
		ThresholdFactor:           ptrFloat64(defaultThresholdFactor),
		ActivityLogSize:           ptrInt(defaultActivityLogSize),
		PresenceSubscribeAttempts: ptrInt(defaultPresenceSubscribeAttempts),
		IdentityDomain:            ptrString(defaultIdentityDomain),
	}
}

// LoadTrackerConfig loads a TrackerConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their built-in defaults, so partial configs are safe.
func LoadTrackerConfig(path string) (*TrackerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTrackerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and its parents up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TrackerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadTrackerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TrackerConfig) Validate() error {
	durations := []struct {
		name  string
		value *string
	}{
		{"probe_timeout", c.ProbeTimeout},
		{"min_probe_interval", c.MinProbeInterval},
		{"max_probe_interval", c.MaxProbeInterval},
	}
	for _, d := range durations {
		if d.value == nil || *d.value == "" {
			continue
		}
		v, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", d.name, *d.value, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, *d.value)
		}
	}

	if c.GetMaxProbeInterval() < c.GetMinProbeInterval() {
		return fmt.Errorf("max_probe_interval (%s) must not be below min_probe_interval (%s)",
			c.GetMaxProbeInterval(), c.GetMinProbeInterval())
	}

	if c.ProbeMethod != nil {
		switch strings.ToLower(*c.ProbeMethod) {
		case "delete", "reaction":
		default:
			return fmt.Errorf("probe_method must be \"delete\" or \"reaction\", got %q", *c.ProbeMethod)
		}
	}

	if c.ThresholdFactor != nil && (*c.ThresholdFactor <= 0 || *c.ThresholdFactor > 1) {
		return fmt.Errorf("threshold_factor must be in (0, 1], got %f", *c.ThresholdFactor)
	}

	positive := []struct {
		name  string
		value *int
	}{
		{"recent_window", c.RecentWindow},
		{"baseline_capacity", c.BaselineCapacity},
		{"min_baseline_samples", c.MinBaselineSamples},
		{"activity_log_size", c.ActivityLogSize},
		{"presence_subscribe_attempts", c.PresenceSubscribeAttempts},
	}
	for _, p := range positive {
		if p.value != nil && *p.value < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", p.name, *p.value)
		}
	}

	if c.GetMinBaselineSamples() > c.GetBaselineCapacity() {
		return fmt.Errorf("min_baseline_samples (%d) exceeds baseline_capacity (%d)",
			c.GetMinBaselineSamples(), c.GetBaselineCapacity())
	}

	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetProbeTimeout returns how long a probe may stay unacknowledged before
// its device is marked offline.
func (c *TrackerConfig) GetProbeTimeout() time.Duration {
	return parseDurationOr(c.ProbeTimeout, defaultProbeTimeout)
}

// GetMinProbeInterval returns the lower bound of the inter-probe delay.
func (c *TrackerConfig) GetMinProbeInterval() time.Duration {
	return parseDurationOr(c.MinProbeInterval, defaultMinProbeInterval)
}

// GetMaxProbeInterval returns the upper bound of the inter-probe delay.
func (c *TrackerConfig) GetMaxProbeInterval() time.Duration {
	return parseDurationOr(c.MaxProbeInterval, defaultMaxProbeInterval)
}

// GetProbeMethod returns the probe payload form.
func (c *TrackerConfig) GetProbeMethod() string {
	if c.ProbeMethod == nil || *c.ProbeMethod == "" {
		return defaultProbeMethod
	}
	return strings.ToLower(*c.ProbeMethod)
}

// GetRecentWindow returns the per-device moving average window.
func (c *TrackerConfig) GetRecentWindow() int {
	if c.RecentWindow == nil {
		return defaultRecentWindow
	}
	return *c.RecentWindow
}

// GetBaselineCapacity returns the session-wide latency baseline capacity.
func (c *TrackerConfig) GetBaselineCapacity() int {
	if c.BaselineCapacity == nil {
		return defaultBaselineCapacity
	}
	return *c.BaselineCapacity
}

// GetMinBaselineSamples returns the baseline size required before devices
// leave the calibrating state.
func (c *TrackerConfig) GetMinBaselineSamples() int {
	if c.MinBaselineSamples == nil {
		return defaultMinBaselineSamples
	}
	return *c.MinBaselineSamples
}

// GetThresholdFactor returns the multiplier applied to the baseline median.
func (c *TrackerConfig) GetThresholdFactor() float64 {
	if c.ThresholdFactor == nil {
		return defaultThresholdFactor
	}
	return *c.ThresholdFactor
}

// GetActivityLogSize returns the number of snapshot log entries kept in memory.
func (c *TrackerConfig) GetActivityLogSize() int {
	if c.ActivityLogSize == nil {
		return defaultActivityLogSize
	}
	return *c.ActivityLogSize
}

// GetPresenceSubscribeAttempts returns how many times the presence
// subscription request is tried before giving up.
func (c *TrackerConfig) GetPresenceSubscribeAttempts() int {
	if c.PresenceSubscribeAttempts == nil {
		return defaultPresenceSubscribeAttempts
	}
	return *c.PresenceSubscribeAttempts
}

// GetIdentityDomain returns the domain appended to bare target numbers.
func (c *TrackerConfig) GetIdentityDomain() string {
	if c.IdentityDomain == nil || *c.IdentityDomain == "" {
		return defaultIdentityDomain
	}
	return *c.IdentityDomain
}
