// Package health runs periodic checks of host resources and server tick
// health and logs a heartbeat.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/config"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/server"
	"github.com/voxeld-project/voxeld/internal/util"
)

// Manager runs the health checks.
type Manager struct {
	cfg      *config.Config
	bus      *events.EventBus
	game     *server.Server
	diskPath string

	// lastLevel suppresses repeated notifications for the same condition.
	mu        sync.Mutex
	lastLevel map[string]string
	logger    zerolog.Logger
}

// NewManager creates a health manager. diskPath selects the volume whose
// usage is checked, normally the data directory.
func NewManager(cfg *config.Config, bus *events.EventBus, game *server.Server, diskPath string) *Manager {
	return &Manager{
		cfg:       cfg,
		bus:       bus,
		game:      game,
		diskPath:  diskPath,
		lastLevel: make(map[string]string),
		logger:    log.With().Str("component", "health").Logger(),
	}
}

// Start runs the checks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	timers := m.cfg.GetTimers()

	checks := []struct {
		name     string
		interval int
		fn       func(context.Context)
	}{
		{"resources", timers.HealthCheckInterval, m.checkResources},
		{"ticks", timers.LagCheckInterval, m.checkTicks},
		{"heartbeat", timers.HeartbeatInterval, m.heartbeat},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++
		check := check
		go func() {
			ticker := time.NewTicker(time.Duration(check.interval) * time.Second)
			defer ticker.Stop()

			m.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")
	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// UsageLevel maps a usage percentage to an alert level, or "" when no alert
// is needed.
func UsageLevel(percent float64) string {
	switch {
	case percent >= 98:
		return "critical"
	case percent >= 95:
		return "error"
	case percent >= 90:
		return "warning"
	default:
		return ""
	}
}

func (m *Manager) checkResources(ctx context.Context) {
	usage, err := util.GetResourceUsage(m.diskPath)
	if err != nil {
		m.logger.Warn().Err(err).Msg("resource check failed")
		return
	}

	m.logger.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Float64("memory_percent", usage.MemoryPercent).
		Float64("disk_percent", usage.DiskPercent).
		Str("rss", usage.ProcessRSSHuman).
		Int("goroutines", usage.Goroutines).
		Msg("resource usage")

	m.report(ctx, "disk", "Disk Space Alert", UsageLevel(usage.DiskPercent),
		fmt.Sprintf("disk usage at %.1f%% on %s", usage.DiskPercent, m.diskPath))
	m.report(ctx, "memory", "Memory Alert", UsageLevel(usage.MemoryPercent),
		fmt.Sprintf("memory usage at %.1f%%, server RSS %s", usage.MemoryPercent, usage.ProcessRSSHuman))
}

func (m *Manager) checkTicks(ctx context.Context) {
	alert := m.game.Monitor().CheckThresholds()
	if alert == nil {
		m.report(ctx, "ticks", "", "", "")
		return
	}
	level := alert.Level
	if level == "critical" {
		level = "error"
	}
	m.report(ctx, "ticks", "Server Lag", level, alert.Message)
}

// report logs and notifies when the level of a condition changes.
func (m *Manager) report(ctx context.Context, key, title, level, message string) {
	m.mu.Lock()
	prev := m.lastLevel[key]
	m.lastLevel[key] = level
	m.mu.Unlock()
	if level == prev {
		return
	}
	if level == "" {
		m.logger.Info().Str("check", key).Msg("condition cleared")
		return
	}

	m.logger.Warn().Str("check", key).Str("level", level).Msg(message)
	if m.bus != nil {
		m.bus.Emit(ctx, events.Event{
			Type:    events.EventNotify,
			Source:  "health_check",
			Payload: events.NotifyPayload{Title: title, Message: message, Level: level},
		})
	}
}

func (m *Manager) heartbeat(context.Context) {
	info := m.game.Info()
	m.logger.Info().
		Int("players", info.Players).
		Int("connections", info.Connections).
		Int("entities", info.Entities).
		Str("ticks", humanize.Comma(int64(info.Ticks))).
		Str("uptime", info.Uptime.Truncate(time.Second).String()).
		Msg("heartbeat")
}
