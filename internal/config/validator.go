package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for errors and risky settings.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}
	validateServer(&cfg.Server, result)
	validateNetwork(&cfg.Network, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)
	validateJournal(&cfg.Journal, result)
	validateTimers(&cfg.Timers, result)

	if cfg.API.Enabled && cfg.API.ListenAddress == cfg.Network.ListenAddress {
		result.AddError("api.listen_address", "admin API and game transport cannot share an address")
	}
	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if strings.TrimSpace(s.Name) == "" {
		result.AddWarning("server.name", "server name is empty, discovery replies will be anonymous")
	}
	if s.MaxPlayers < 1 {
		result.AddError("server.max_players", "must allow at least 1 player")
	}
	if s.MaxPlayers > 1024 {
		result.AddError("server.max_players", "cannot exceed 1024 players")
	}
	if s.TickRate < 1 || s.TickRate > 240 {
		result.AddError("server.tick_rate", fmt.Sprintf("tick rate %d out of range 1-240", s.TickRate))
	}

	if s.MapFile != "" {
		if _, err := os.Stat(s.MapFile); os.IsNotExist(err) {
			result.AddError("server.map_file", fmt.Sprintf("file does not exist: %s", s.MapFile))
		}
	} else {
		for field, v := range map[string]int{"map_width": s.MapWidth, "map_height": s.MapHeight} {
			if v < 16 || v%16 != 0 {
				result.AddError("server."+field, "must be a positive multiple of 16")
			}
		}
		if s.MapDepth < 1 || s.MapDepth > 256 {
			result.AddError("server.map_depth", "must be between 1 and 256")
		}
		if s.GroundHeight < 1 || s.GroundHeight > s.MapDepth {
			result.AddWarning("server.ground_height", "ground height outside the map depth")
		}
	}

	if s.ParamsFile != "" {
		if _, err := os.Stat(s.ParamsFile); os.IsNotExist(err) {
			result.AddWarning("server.params_file", fmt.Sprintf("file does not exist, using defaults: %s", s.ParamsFile))
		}
	}
}

func validateNetwork(n *NetworkConfig, result *ValidationResult) {
	validateAddress(n.ListenAddress, "network.listen_address", result)
	if n.PingEnabled {
		validateAddress(n.PingAddress, "network.ping_address", result)
	}
	if !strings.HasPrefix(n.Path, "/") {
		result.AddError("network.path", "path must start with /")
	}
	if n.QueueSize < 16 {
		result.AddWarning("network.queue_size", "small outbound queues disconnect slow peers early")
	}
	if n.DrainGracePeriodS < 1 {
		result.AddWarning("network.drain_grace_period_sec", "peers may not receive the shutdown notice")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validateAddress(a.ListenAddress, "api.listen_address", result)
	if strings.TrimSpace(a.Token) == "" {
		result.AddWarning("api.token", "admin API has no token, control endpoints are unprotected")
	}
	if a.TLSEnabled && (a.TLSCertFile == "" || a.TLSKeyFile == "") {
		result.AddError("api.tls_cert_file", "certificate and key files are required when TLS is enabled")
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
}

func validateJournal(j *JournalConfig, result *ValidationResult) {
	if !j.Enabled {
		return
	}
	if j.Path == "" {
		result.AddError("journal.path", "journal path is required when enabled")
	}
	if j.RetentionDays < 1 {
		result.AddError("journal.retention_days", "retention days must be at least 1")
	}
	if _, err := time.Parse("15:04", j.CleanupTime); err != nil {
		result.AddError("journal.cleanup_time", "cleanup time must be HH:MM")
	}
}

func validateTimers(t *TimerConfig, result *ValidationResult) {
	if t.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval_sec", "heartbeat interval less than 10s may cause excessive traffic")
	}
	if t.HealthCheckInterval < 5 {
		result.AddWarning("timers.health_check_interval_sec", "health checks more often than every 5s are wasteful")
	}
}

func validateAddress(addr, field string, result *ValidationResult) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		result.AddError(field, fmt.Sprintf("invalid address %q: %v", addr, err))
		return
	}
	if p, err := net.LookupPort("tcp", port); err != nil || p < 1 {
		result.AddError(field, fmt.Sprintf("invalid port in %q", addr))
	} else if p < 1024 {
		result.AddWarning(field, fmt.Sprintf("port %d is a privileged port, may require elevated permissions", p))
	}
}
