package configsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/micro-ha/northtracker/addon/internal/model"
)

// Source names where options were read from.
type Source string

const (
	SourceFile Source = "file"
	SourceEnv  Source = "env"
)

type FetchResult struct {
	Configured bool
	Config     model.TrackerConfig
	Source     Source
}

// Client reads the add-on options file. JSON is valid YAML, so one decoder
// covers both the supervisor's options.json and hand-written YAML.
type Client struct {
	path string
}

func NewClient(path string) *Client {
	return &Client{path: strings.TrimSpace(path)}
}

type optionsFile struct {
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	PollIntervalMin int      `yaml:"poll_interval_min"`
	DeviceTypes     []string `yaml:"device_types"`
}

func (c *Client) FetchConfig(ctx context.Context) (FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return FetchResult{}, err
	}

	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) || c.path == "" {
		return result(configFromEnv(), SourceEnv), nil
	}
	if err != nil {
		return FetchResult{}, fmt.Errorf("read options %s: %w", c.path, err)
	}

	var payload optionsFile
	if err := yaml.Unmarshal(raw, &payload); err != nil {
		return FetchResult{}, fmt.Errorf("decode options %s: %w", c.path, err)
	}
	return result(model.TrackerConfig{
		Username:        payload.Username,
		Password:        payload.Password,
		PollIntervalMin: payload.PollIntervalMin,
		DeviceTypes:     payload.DeviceTypes,
	}, SourceFile), nil
}

func result(cfg model.TrackerConfig, source Source) FetchResult {
	cfg = cfg.Normalize()
	if !cfg.Configured() {
		return FetchResult{Configured: false, Source: source}
	}
	return FetchResult{Configured: true, Config: cfg, Source: source}
}

func configFromEnv() model.TrackerConfig {
	cfg := model.TrackerConfig{
		Username: os.Getenv("NORTHTRACKER_USERNAME"),
		Password: os.Getenv("NORTHTRACKER_PASSWORD"),
	}
	if raw := strings.TrimSpace(os.Getenv("NORTHTRACKER_POLL_INTERVAL_MIN")); raw != "" {
		if minutes, err := strconv.Atoi(raw); err == nil {
			cfg.PollIntervalMin = minutes
		}
	}
	if raw := strings.TrimSpace(os.Getenv("NORTHTRACKER_DEVICE_TYPES")); raw != "" {
		cfg.DeviceTypes = strings.Split(raw, ",")
	}
	return cfg
}
