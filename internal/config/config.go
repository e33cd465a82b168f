package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/micro-ha/northtracker/addon/internal/northtracker"
)

const (
	defaultHTTPAddr              = ":8099"
	defaultDBPath                = "/data/northtracker.db"
	defaultOptionsPath           = "/data/options.json"
	defaultConfigRefreshInterval = 60 * time.Second
	defaultMQTTTopicPrefix       = "northtracker"
	defaultShutdownTimeout       = 10 * time.Second
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr              string
	DBPath                string
	OptionsPath           string
	ConfigRefreshInterval time.Duration
	ShutdownTimeout       time.Duration
	LogLevel              slog.Level
	VendorBaseURL         string
	CORSOrigins           []string
	MQTT                  MQTTConfig
}

// MQTTConfig is empty (Broker == "") when publishing is disabled.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// Load builds Config from environment variables using stable defaults.
func Load() Config {
	return Config{
		HTTPAddr:              getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:                getenv("DB_PATH", defaultDBPath),
		OptionsPath:           getenv("OPTIONS_PATH", defaultOptionsPath),
		ConfigRefreshInterval: parseDuration("CONFIG_REFRESH_INTERVAL", defaultConfigRefreshInterval),
		ShutdownTimeout:       parseDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		LogLevel:              parseLogLevel(getenv("LOG_LEVEL", "info")),
		VendorBaseURL:         getenv("NORTHTRACKER_BASE_URL", northtracker.DefaultBaseURL),
		CORSOrigins:           parseList(getenv("CORS_ORIGINS", "*")),
		MQTT: MQTTConfig{
			Broker:      getenv("MQTT_BROKER", ""),
			Username:    getenv("MQTT_USERNAME", ""),
			Password:    getenv("MQTT_PASSWORD", ""),
			TopicPrefix: strings.Trim(getenv("MQTT_TOPIC_PREFIX", defaultMQTTTopicPrefix), "/"),
			ClientID:    getenv("MQTT_CLIENT_ID", "northtracker-addon"),
		},
	}
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
