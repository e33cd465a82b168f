package model

import (
	"sort"
	"strings"
	"time"
)

const (
	DefaultPollIntervalMin = 15
	MinPollIntervalMin     = 1
	MaxPollIntervalMin     = 1440
)

// TrackerConfig represents a normalized integration configuration payload.
type TrackerConfig struct {
	Username        string   `json:"username" yaml:"username"`
	Password        string   `json:"password" yaml:"password"`
	PollIntervalMin int      `json:"poll_interval_min" yaml:"poll_interval_min"`
	DeviceTypes     []string `json:"device_types" yaml:"device_types"`
}

// Configured reports whether credentials are present.
func (c TrackerConfig) Configured() bool {
	return strings.TrimSpace(c.Username) != "" && c.Password != ""
}

// Normalize trims credentials, clamps the interval and deduplicates device types.
func (c TrackerConfig) Normalize() TrackerConfig {
	c.Username = strings.TrimSpace(c.Username)
	c.PollIntervalMin = ClampPollInterval(c.PollIntervalMin)

	seen := map[string]bool{}
	types := make([]string, 0, len(c.DeviceTypes))
	for _, t := range c.DeviceTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	if len(types) == 0 {
		types = []string{"gps"}
	}
	sort.Strings(types)
	c.DeviceTypes = types
	return c
}

// ClampPollInterval maps 0 to the default and clamps into [1, 1440] minutes.
func ClampPollInterval(minutes int) int {
	switch {
	case minutes == 0:
		return DefaultPollIntervalMin
	case minutes < MinPollIntervalMin:
		return MinPollIntervalMin
	case minutes > MaxPollIntervalMin:
		return MaxPollIntervalMin
	}
	return minutes
}

func (c TrackerConfig) PollInterval() time.Duration {
	return time.Duration(ClampPollInterval(c.PollIntervalMin)) * time.Minute
}

// Equal compares two normalized configs.
func (c TrackerConfig) Equal(other TrackerConfig) bool {
	if c.Username != other.Username || c.Password != other.Password || c.PollIntervalMin != other.PollIntervalMin {
		return false
	}
	if len(c.DeviceTypes) != len(other.DeviceTypes) {
		return false
	}
	for i := range c.DeviceTypes {
		if c.DeviceTypes[i] != other.DeviceTypes[i] {
			return false
		}
	}
	return true
}
