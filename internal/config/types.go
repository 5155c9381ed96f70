package config

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Config represents the complete platformd configuration.
type Config struct {
	Service      ServiceConfig           `yaml:"service"`
	State        StateConfig             `yaml:"state"`
	PlatformsDir string                  `yaml:"platforms_dir"`
	Platforms    map[string]PlatformConf `yaml:"platforms,omitempty"`
	Supervisor   SupervisorConfig        `yaml:"supervisor"`
	Janitor      JanitorConfig           `yaml:"janitor"`
	Sessions     SessionsConfig          `yaml:"sessions"`
	API          APIConfig               `yaml:"api,omitempty"`
	Include      []string                `yaml:"include,omitempty"`

	// SourceFiles lists every file that contributed, root first.
	SourceFiles []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Secret is the hex parent secret. A random one is generated per run
	// when empty, which makes queued jobs unreadable across restarts.
	Secret string `yaml:"secret,omitempty"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// PlatformConf overrides a platform manifest's supervision policy.
type PlatformConf struct {
	Disabled           bool     `yaml:"disabled,omitempty"`
	Persist            *bool    `yaml:"persist,omitempty"`
	RequireCredentials []string `yaml:"require_credentials,omitempty"`
}

// SupervisorConfig bounds worker lifecycle operations.
type SupervisorConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	KillGrace         time.Duration `yaml:"kill_grace"`
	QueuePoll         time.Duration `yaml:"queue_poll"`
	QueueOpTimeout    time.Duration `yaml:"queue_op_timeout"`
}

// JanitorConfig defines the reclamation sweep.
type JanitorConfig struct {
	Interval time.Duration `yaml:"interval"`
	// GraceCycles is how many sweeps an unreferenced instance survives
	// flagged before it is destroyed.
	GraceCycles int `yaml:"grace_cycles"`
}

// SessionsConfig defines where client sessions live.
type SessionsConfig struct {
	Buffer int         `yaml:"buffer"`
	Redis  RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig enables the shared session directory when Addr is set.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	Namespace string `yaml:"namespace"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Listen      string        `yaml:"listen"`
	SyncTimeout time.Duration `yaml:"sync_timeout"`
	Auth        APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// ParentSecret decodes service.secret. It returns nil when unset.
func (c *Config) ParentSecret() ([]byte, error) {
	if c.Service.Secret == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.Service.Secret)
	if err != nil {
		return nil, fmt.Errorf("service.secret must be hex: %w", err)
	}
	if len(b) < 16 {
		return nil, fmt.Errorf("service.secret must be at least 16 bytes, got %d", len(b))
	}
	return b, nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "platformd",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/platformd.db",
		},
		PlatformsDir: "./plugins",
		Platforms:    make(map[string]PlatformConf),
		Supervisor: SupervisorConfig{
			HandshakeTimeout:  10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  5 * time.Second,
			KillGrace:         5 * time.Second,
			QueuePoll:         100 * time.Millisecond,
			QueueOpTimeout:    5 * time.Second,
		},
		Janitor: JanitorConfig{
			Interval:    30 * time.Second,
			GraceCycles: 1,
		},
		Sessions: SessionsConfig{
			Buffer: 64,
			Redis:  RedisConfig{Namespace: "platformd"},
		},
		API: APIConfig{
			Enabled:     false,
			Listen:      "127.0.0.1:8080",
			SyncTimeout: 30 * time.Second,
		},
	}
}
