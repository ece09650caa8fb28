package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Relay   RelayConfig
	Scripts ScriptConfig
	Logging LogConfig
}

// ServerConfig holds the management API server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8372"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// RelayConfig holds tunnel and upstream relay configuration.
type RelayConfig struct {
	// DefaultPort is the upstream port used when a connect request
	// does not carry one.
	DefaultPort int `envconfig:"RELAY_PORT" default:"1337"`
	// UpstreamHost is the host the relay dials for upstream sockets.
	UpstreamHost string `envconfig:"RELAY_HOST" default:"127.0.0.1"`
	// CallTimeout bounds every cross-context request/reply exchange.
	CallTimeout time.Duration `envconfig:"RELAY_CALL_TIMEOUT" default:"2s"`
	// KeepaliveInterval is how often bridges ping the relay. Read by
	// the embedding that constructs bridges per tab; the standalone
	// binary wires no pages of its own.
	KeepaliveInterval time.Duration `envconfig:"RELAY_KEEPALIVE" default:"20s"`
}

// ScriptConfig holds script store configuration.
type ScriptConfig struct {
	// MirrorDir is where the FS-sync holder's scripts are mirrored.
	MirrorDir string `envconfig:"SCRIPT_MIRROR_DIR" default:""`
	// FetchTimeout bounds remote script installs.
	FetchTimeout time.Duration `envconfig:"SCRIPT_FETCH_TIMEOUT" default:"15s"`
	// MaxFetchBytes caps the size of a remotely installed script.
	MaxFetchBytes int64 `envconfig:"SCRIPT_MAX_FETCH_BYTES" default:"1048576"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8372",
			Host: "127.0.0.1",
		},
		Relay: RelayConfig{
			DefaultPort:       1337,
			UpstreamHost:      "127.0.0.1",
			CallTimeout:       2 * time.Second,
			KeepaliveInterval: 20 * time.Second,
		},
		Scripts: ScriptConfig{
			FetchTimeout:  15 * time.Second,
			MaxFetchBytes: 1 << 20,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
