package configsync

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/micro-ha/northtracker/addon/internal/model"
)

type Fetcher interface {
	FetchConfig(ctx context.Context) (FetchResult, error)
}

// Change lists what one Refresh moved.
type Change struct {
	Configured   bool // configured state flipped
	Credentials  bool
	PollInterval bool
	DeviceTypes  bool
}

func (c Change) Any() bool {
	return c.Configured || c.Credentials || c.PollInterval || c.DeviceTypes
}

func (c Change) fields() []string {
	var out []string
	if c.Configured {
		out = append(out, "configured")
	}
	if c.Credentials {
		out = append(out, "credentials")
	}
	if c.PollInterval {
		out = append(out, "poll_interval_min")
	}
	if c.DeviceTypes {
		out = append(out, "device_types")
	}
	return out
}

// Manager caches the integration options between refreshes.
type Manager struct {
	client Fetcher
	logger *slog.Logger

	mu         sync.RWMutex
	configured bool
	config     model.TrackerConfig
	source     Source
}

func NewManager(client Fetcher, logger *slog.Logger) *Manager {
	return &Manager{client: client, logger: logger.With("component", "configsync")}
}

func diff(prevOK bool, prev model.TrackerConfig, nextOK bool, next model.TrackerConfig) Change {
	if prevOK != nextOK {
		return Change{Configured: true, Credentials: true, PollInterval: true, DeviceTypes: true}
	}
	if !nextOK {
		return Change{}
	}
	return Change{
		Credentials:  prev.Username != next.Username || prev.Password != next.Password,
		PollInterval: prev.PollIntervalMin != next.PollIntervalMin,
		DeviceTypes:  !slices.Equal(prev.DeviceTypes, next.DeviceTypes),
	}
}

// Refresh reloads the options. A failed fetch keeps the cached config.
func (m *Manager) Refresh(ctx context.Context) (Change, error) {
	res, err := m.client.FetchConfig(ctx)
	if err != nil {
		return Change{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	change := diff(m.configured, m.config, res.Configured, res.Config)
	m.configured = res.Configured
	m.config = res.Config
	m.source = res.Source
	if !change.Any() {
		return change, nil
	}

	if !res.Configured {
		m.logger.Info("integration no longer configured", "source", res.Source)
		return change, nil
	}
	m.logger.Info("integration config updated",
		"source", res.Source,
		"fields", change.fields(),
		"username", res.Config.Username,
		"poll_interval_min", res.Config.PollIntervalMin,
		"device_types", res.Config.DeviceTypes,
	)
	return change, nil
}

func (m *Manager) Get() (model.TrackerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.configured {
		return model.TrackerConfig{}, false
	}
	return m.config, true
}

// Source reports where the cached config was read from.
func (m *Manager) Source() Source {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.source
}
