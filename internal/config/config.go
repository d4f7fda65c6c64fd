// Package config handles configuration loading, validation, and persistence
// for the voxeld game server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultGamePort   = 32887
	DefaultPingPort   = 32886
	DefaultAPIPort    = 5080
)

// Config is the root configuration structure for voxeld.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server"`
	Network   NetworkConfig   `json:"network"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Journal   JournalConfig   `json:"journal"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Timers    TimerConfig     `json:"timers"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig holds the game server identity and world settings.
type ServerConfig struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"max_players"`
	TickRate   int    `json:"tick_rate"`

	// MapFile is a .vxd terrain file. When empty, a flat map of MapWidth x
	// MapHeight x MapDepth is generated.
	MapFile      string `json:"map_file"`
	MapWidth     int    `json:"map_width"`
	MapHeight    int    `json:"map_height"`
	MapDepth     int    `json:"map_depth"`
	GroundHeight int    `json:"ground_height"`
	// MapStore is a bolt block store used by the savemap command.
	MapStore string `json:"map_store"`

	ParamsFile string `json:"params_file"`
	Motd       string `json:"motd"`
}

// NetworkConfig holds the transport settings.
type NetworkConfig struct {
	ListenAddress     string `json:"listen_address"`
	Path              string `json:"path"`
	PingEnabled       bool   `json:"ping_enabled"`
	PingAddress       string `json:"ping_address"`
	WriteTimeoutSec   int    `json:"write_timeout_sec"`
	QueueSize         int    `json:"queue_size"`
	DrainGracePeriodS int    `json:"drain_grace_period_sec"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddress  string   `json:"listen_address"`
	Token          string   `json:"token"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// JournalConfig holds the session journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// RateLimitConfig holds per-peer limits.
type RateLimitConfig struct {
	PacketsPerSec      int `json:"packets_per_sec"`
	PacketBurst        int `json:"packet_burst"`
	ConnAttemptsPerSec int `json:"conn_attempts_per_sec"`
	ConnAttemptBurst   int `json:"conn_attempt_burst"`
}

// TimerConfig holds periodic task intervals.
type TimerConfig struct {
	HealthCheckInterval int `json:"health_check_interval_sec"`
	HeartbeatInterval   int `json:"heartbeat_interval_sec"`
	StatusInterval      int `json:"status_interval_sec"`
	LagCheckInterval    int `json:"lag_check_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Name:         "voxeld server",
			MaxPlayers:   32,
			TickRate:     60,
			MapWidth:     256,
			MapHeight:    256,
			MapDepth:     64,
			GroundHeight: 16,
			MapStore:     "data/blocks.db",
		},
		Network: NetworkConfig{
			ListenAddress:     fmt.Sprintf(":%d", DefaultGamePort),
			Path:              "/",
			PingEnabled:       true,
			PingAddress:       fmt.Sprintf(":%d", DefaultPingPort),
			WriteTimeoutSec:   10,
			QueueSize:         512,
			DrainGracePeriodS: 3,
		},
		API: APIConfig{
			Enabled:       true,
			ListenAddress: fmt.Sprintf("127.0.0.1:%d", DefaultAPIPort),
			RateLimitRPS:  20,
		},
		MQTT: MQTTConfig{
			Port:        1883,
			TopicPrefix: "voxeld",
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "data/voxeld.db",
			RetentionDays: 30,
			CleanupTime:   "04:00",
		},
		RateLimit: RateLimitConfig{
			PacketsPerSec:      200,
			PacketBurst:        400,
			ConnAttemptsPerSec: 2,
			ConnAttemptBurst:   5,
		},
		Timers: TimerConfig{
			HealthCheckInterval: 60,
			HeartbeatInterval:   60,
			StatusInterval:      30,
			LagCheckInterval:    120,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 7,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file in configDir. A missing file is
// created with defaults; an existing file is overlaid on the defaults and
// re-saved so new options show up in it.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}
	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetServer returns a copy of the server section.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetNetwork returns a copy of the network section.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetJournal returns a copy of the journal section.
func (c *Config) GetJournal() JournalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Journal
}

// GetRateLimit returns a copy of the rate limit section.
func (c *Config) GetRateLimit() RateLimitConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RateLimit
}

// GetTimers returns a copy of the timer section.
func (c *Config) GetTimers() TimerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Timers
}

// Field returns the JSON value of one key of a section.
func (c *Config) Field(section, key string) (interface{}, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, err := c.sectionMap(section)
	if err != nil {
		return nil, err
	}
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("unknown field %s.%s", section, key)
	}
	return v, nil
}

func (c *Config) sectionMap(section string) (map[string]interface{}, error) {
	target, ok := c.sections()[section]
	if !ok {
		return nil, fmt.Errorf("unknown config section %q", section)
	}
	data, err := json.Marshal(target)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal section %s: %w", section, err)
	}
	m := make(map[string]interface{})
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to read section %s: %w", section, err)
	}
	return m, nil
}

// UpdateField sets one key of a section through its JSON representation,
// e.g. UpdateField("server", "motd", "welcome").
func (c *Config) UpdateField(section, key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.sectionMap(section)
	if err != nil {
		return err
	}
	if _, known := m[key]; !known {
		return fmt.Errorf("unknown field %s.%s", section, key)
	}
	m[key] = value

	updated, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	if err := json.Unmarshal(updated, c.sections()[section]); err != nil {
		return fmt.Errorf("failed to update field %s.%s: %w", section, key, err)
	}
	return nil
}

// Redacted returns a copy of the configuration with secrets blanked.
func (c *Config) Redacted() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	api := c.API
	if api.Token != "" {
		api.Token = "********"
	}
	mqtt := c.MQTT
	if mqtt.Password != "" {
		mqtt.Password = "********"
	}
	return map[string]interface{}{
		"server":     c.Server,
		"network":    c.Network,
		"api":        api,
		"mqtt":       mqtt,
		"journal":    c.Journal,
		"rate_limit": c.RateLimit,
		"timers":     c.Timers,
		"logging":    c.Logging,
	}
}

func (c *Config) sections() map[string]interface{} {
	return map[string]interface{}{
		"server":     &c.Server,
		"network":    &c.Network,
		"api":        &c.API,
		"mqtt":       &c.MQTT,
		"journal":    &c.Journal,
		"rate_limit": &c.RateLimit,
		"timers":     &c.Timers,
		"logging":    &c.Logging,
	}
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// TickInterval returns the duration of one server tick.
func (c *Config) TickInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Server.TickRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(c.Server.TickRate)
}

// IsFirstRun reports whether the admin API is enabled without a token.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API.Enabled && c.API.Token == ""
}
