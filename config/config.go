// Package config reads chat client settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/gosuda/roomchat/feed"
)

// Backend names a storage backend.
type Backend string

const (
	BackendLocal    Backend = "local"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendRelay    Backend = "relay"
	BackendMQTT     Backend = "mqtt"
)

// Config aggregates the ROOMCHAT_* environment variables.
type Config struct {
	Backend     Backend
	Room        string
	Nick        string
	DataPath    string
	RelayURL    string
	PostgresDSN string
	MQTT        MQTTConfig

	PollInterval time.Duration
	SettleDelay  time.Duration
	ReplayLimit  int
	Retention    int
	LogLevel     zerolog.Level
}

// MQTTConfig holds broker settings for the mqtt backend.
type MQTTConfig struct {
	Broker   string
	Username string
	Password string
	TLS      bool
	Prefix   string
}

// Read loads an optional .env file and then the environment. The result is
// not validated so callers can patch it with command-line flags before
// calling Validate.
func Read() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Config{
		Backend:     Backend(strings.ToLower(env("ROOMCHAT_BACKEND", string(BackendLocal)))),
		Room:        env("ROOMCHAT_ROOM", feed.DefaultRoom),
		Nick:        env("ROOMCHAT_NICK", ""),
		DataPath:    env("ROOMCHAT_DATA_PATH", defaultDataPath()),
		RelayURL:    env("ROOMCHAT_RELAY_URL", ""),
		PostgresDSN: env("ROOMCHAT_POSTGRES_DSN", ""),
		MQTT: MQTTConfig{
			Broker:   env("ROOMCHAT_MQTT_BROKER", ""),
			Username: env("ROOMCHAT_MQTT_USERNAME", ""),
			Password: env("ROOMCHAT_MQTT_PASSWORD", ""),
			Prefix:   env("ROOMCHAT_MQTT_PREFIX", "roomchat"),
		},
	}

	var err error
	if cfg.MQTT.TLS, err = envBool("ROOMCHAT_MQTT_TLS", false); err != nil {
		return Config{}, err
	}
	if cfg.PollInterval, err = envDuration("ROOMCHAT_POLL_INTERVAL", feed.DefaultPollInterval); err != nil {
		return Config{}, err
	}
	if cfg.SettleDelay, err = envDuration("ROOMCHAT_SETTLE_DELAY", feed.DefaultSettleDelay); err != nil {
		return Config{}, err
	}
	if cfg.ReplayLimit, err = envInt("ROOMCHAT_REPLAY_LIMIT", feed.DefaultReplayLimit); err != nil {
		return Config{}, err
	}
	if cfg.Retention, err = envInt("ROOMCHAT_RETENTION", feed.DefaultRetention); err != nil {
		return Config{}, err
	}
	if cfg.LogLevel, err = zerolog.ParseLevel(strings.ToLower(env("ROOMCHAT_LOG_LEVEL", "info"))); err != nil {
		return Config{}, fmt.Errorf("ROOMCHAT_LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the chosen backend needs.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal, BackendSQLite:
		if c.DataPath == "" {
			return fmt.Errorf("ROOMCHAT_DATA_PATH is required for the %s backend", c.Backend)
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("ROOMCHAT_POSTGRES_DSN is required for the postgres backend")
		}
	case BackendRelay:
		if c.RelayURL == "" {
			return fmt.Errorf("ROOMCHAT_RELAY_URL is required for the relay backend")
		}
	case BackendMQTT:
		if c.MQTT.Broker == "" {
			return fmt.Errorf("ROOMCHAT_MQTT_BROKER is required for the mqtt backend")
		}
	default:
		return fmt.Errorf("unknown ROOMCHAT_BACKEND %q", c.Backend)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("ROOMCHAT_POLL_INTERVAL must be positive")
	}
	if c.SettleDelay <= 0 {
		return fmt.Errorf("ROOMCHAT_SETTLE_DELAY must be positive")
	}
	if c.ReplayLimit <= 0 {
		return fmt.Errorf("ROOMCHAT_REPLAY_LIMIT must be positive")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("ROOMCHAT_RETENTION must be positive")
	}
	return nil
}

// Strategy is Poll for the snapshot backends and Push for the log backends.
func (c Config) Strategy() feed.Strategy {
	switch c.Backend {
	case BackendRelay, BackendMQTT:
		return feed.Push
	default:
		return feed.Poll
	}
}

// FeedOptions maps the timing and size settings; the caller supplies the
// store and renderer.
func (c Config) FeedOptions() feed.Options {
	return feed.Options{
		Strategy:     c.Strategy(),
		PollInterval: c.PollInterval,
		SettleDelay:  c.SettleDelay,
		ReplayLimit:  c.ReplayLimit,
		DefaultRoom:  feed.DefaultRoom,
	}
}

func defaultDataPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".roomchat"
	}
	return dir + string(os.PathSeparator) + "roomchat"
}

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

// envDuration accepts Go durations ("750ms") or bare milliseconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := env(key, "")
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
