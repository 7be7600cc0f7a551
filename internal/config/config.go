// Package config handles Harbinger configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./harbinger.yaml, ~/.config/harbinger/harbinger.yaml,
// /etc/harbinger/harbinger.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"harbinger.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "harbinger", "harbinger.yaml"))
	}

	paths = append(paths, "/etc/harbinger/harbinger.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Harbinger configuration.
type Config struct {
	DataDir       string             `yaml:"data_dir"`
	Coordination  CoordinationConfig `yaml:"coordination"`
	ConfigService ConfigServiceConfig `yaml:"config_service"`
	AgentRuntime  AgentRuntimeConfig `yaml:"agent_runtime"`
	Storage       StorageConfig      `yaml:"storage"`
	Channels      ChannelsConfig     `yaml:"channels"`
	LogLevel      string             `yaml:"log_level"`
}

// CoordinationConfig defines the coordination store: the MQTT broker
// used for control-plane pub/sub and the SQLite database holding the
// singleton locks and sticky routing bindings.
type CoordinationConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// LockDB is the path to the shared coordination database. All
	// coordinator processes that must exclude each other point at the
	// same file.
	LockDB string `yaml:"lock_db"`
	// LockTTLSec is the lock lease duration in seconds (default 30).
	LockTTLSec int `yaml:"lock_ttl_sec"`
}

// ConfigServiceConfig points at the dashboard API that stores
// integration settings and allowlists.
type ConfigServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// AgentRuntimeConfig defines the connection to the agent execution
// runtime that owns persistent agent sessions.
type AgentRuntimeConfig struct {
	URL          string `yaml:"url"` // websocket endpoint, e.g. ws://localhost:7433/ws
	Token        string `yaml:"token"`
	DefaultModel string `yaml:"default_model"`
}

// StorageConfig defines the attachment upload endpoint.
type StorageConfig struct {
	UploadURL string `yaml:"upload_url"`
	Token     string `yaml:"token"`
}

// ChannelsConfig groups per-platform channel settings.
type ChannelsConfig struct {
	Signal  SignalConfig  `yaml:"signal"`
	Discord DiscordConfig `yaml:"discord"`
}

// SignalConfig defines the signal-cli daemon integration.
type SignalConfig struct {
	// Command is the signal-cli executable (default "signal-cli").
	Command string `yaml:"command"`
	// Args are extra arguments prepended before the jsonRpc subcommand.
	Args []string `yaml:"args"`
	// Account is the linked phone number in international format.
	Account string `yaml:"account"`
	// AttachmentsDir is signal-cli's attachment storage directory,
	// where inbound media lands by id.
	AttachmentsDir string `yaml:"attachments_dir"`
	// DeviceName is presented during the device-link handshake.
	DeviceName string `yaml:"device_name"`
	// SendReadReceipts controls whether inbound messages are acknowledged.
	SendReadReceipts bool `yaml:"send_read_receipts"`
	// RateLimit is messages per sender per minute; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
	// DefaultCountryPrefix is prepended to bare national numbers when
	// normalizing sender identity (default "+1").
	DefaultCountryPrefix string `yaml:"default_country_prefix"`
}

// DiscordConfig defines the Discord gateway integration.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	GuildID string `yaml:"guild_id"`
	// RateLimit is messages per sender per minute; 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// LockTTL returns the configured lock lease as a duration.
func (c CoordinationConfig) LockTTL() time.Duration {
	if c.LockTTLSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.LockTTLSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		DataDir: ".",
		Coordination: CoordinationConfig{
			Broker:     "mqtt://localhost:1883",
			LockDB:     "harbinger-coord.db",
			LockTTLSec: 30,
		},
		Channels: ChannelsConfig{
			Signal: SignalConfig{
				Command:              "signal-cli",
				SendReadReceipts:     true,
				DefaultCountryPrefix: "+1",
				DeviceName:           "harbinger",
			},
		},
	}
}
