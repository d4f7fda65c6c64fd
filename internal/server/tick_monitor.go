package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/events"
)

// Long tick alert thresholds, in long ticks per hour.
const (
	LongTickWarningThreshold  = 30
	LongTickCriticalThreshold = 120

	longTickHistory = 1000
)

// TickMonitor records tick durations and tracks ticks that exceed the budget.
type TickMonitor struct {
	mu     sync.RWMutex
	bus    *events.EventBus
	budget time.Duration

	stats   TickStats
	history []LongTick

	warningThreshold  int
	criticalThreshold int
}

// TickStats summarizes tick timing.
type TickStats struct {
	Ticks         uint64        `json:"ticks"`
	LongTicks     uint64        `json:"long_ticks"`
	LongThisHour  int           `json:"long_ticks_this_hour"`
	LastDuration  time.Duration `json:"last_duration_ns"`
	MaxDuration   time.Duration `json:"max_duration_ns"`
	AvgDurationMs float64       `json:"avg_duration_ms"`
	Budget        time.Duration `json:"budget_ns"`
	LastLongTick  time.Time     `json:"last_long_tick,omitempty"`
}

// LongTick is one tick that exceeded the budget.
type LongTick struct {
	Timestamp time.Time     `json:"timestamp"`
	Tick      uint64        `json:"tick"`
	Duration  time.Duration `json:"duration_ns"`
}

// TickAlert is raised when long ticks pile up.
type TickAlert struct {
	Level   string `json:"level"`
	Events  int    `json:"events"`
	Message string `json:"message"`
}

// NewTickMonitor creates a monitor. bus may be nil.
func NewTickMonitor(bus *events.EventBus, budget time.Duration) *TickMonitor {
	return &TickMonitor{
		bus:               bus,
		budget:            budget,
		history:           make([]LongTick, 0, 64),
		warningThreshold:  LongTickWarningThreshold,
		criticalThreshold: LongTickCriticalThreshold,
	}
}

// Observe records the duration of a completed tick.
func (tm *TickMonitor) Observe(tick uint64, d time.Duration) {
	tm.mu.Lock()
	st := &tm.stats
	st.Ticks++
	st.LastDuration = d
	st.MaxDuration = max(st.MaxDuration, d)
	ms := float64(d) / float64(time.Millisecond)
	st.AvgDurationMs += (ms - st.AvgDurationMs) / float64(min(st.Ticks, 100))

	long := d > tm.budget
	if long {
		now := time.Now()
		st.LongTicks++
		st.LastLongTick = now
		tm.history = append(tm.history, LongTick{Timestamp: now, Tick: tick, Duration: d})
		if len(tm.history) > longTickHistory {
			tm.history = tm.history[len(tm.history)-longTickHistory:]
		}
	}
	tm.mu.Unlock()

	if long && tm.bus != nil {
		tm.bus.Emit(context.Background(), events.Event{
			Type:    events.EventLongTick,
			Source:  "tick_monitor",
			Payload: events.LongTickPayload{Tick: tick, Duration: d, Budget: tm.budget},
		})
	}
}

func (tm *TickMonitor) longSince(t time.Time) int {
	n := 0
	for i := len(tm.history) - 1; i >= 0 && tm.history[i].Timestamp.After(t); i-- {
		n++
	}
	return n
}

// Stats returns a copy of the current statistics.
func (tm *TickMonitor) Stats() TickStats {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	st := tm.stats
	st.Budget = tm.budget
	st.LongThisHour = tm.longSince(time.Now().Add(-time.Hour))
	return st
}

// History returns the most recent long ticks, newest last.
func (tm *TickMonitor) History(limit int) []LongTick {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	start := 0
	if limit > 0 && len(tm.history) > limit {
		start = len(tm.history) - limit
	}
	out := make([]LongTick, len(tm.history)-start)
	copy(out, tm.history[start:])
	return out
}

// CheckThresholds returns an alert when the long ticks of the last hour
// reach a threshold.
func (tm *TickMonitor) CheckThresholds() *TickAlert {
	tm.mu.RLock()
	n := tm.longSince(time.Now().Add(-time.Hour))
	tm.mu.RUnlock()

	level := ""
	switch {
	case n >= tm.criticalThreshold:
		level = "critical"
	case n >= tm.warningThreshold:
		level = "warning"
	default:
		return nil
	}
	return &TickAlert{
		Level:   level,
		Events:  n,
		Message: fmt.Sprintf("%d ticks over the %s budget in the last hour", n, tm.budget),
	}
}

// Start checks the thresholds every interval until ctx is cancelled.
func (tm *TickMonitor) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alert := tm.CheckThresholds()
			if alert == nil {
				continue
			}
			log.Warn().
				Str("component", "tick_monitor").
				Str("level", alert.Level).
				Int("events", alert.Events).
				Msg("long tick threshold alert")

			if alert.Level == "critical" && tm.bus != nil {
				tm.bus.Emit(ctx, events.Event{
					Type:   events.EventNotify,
					Source: "tick_monitor",
					Payload: events.NotifyPayload{
						Title:   "Tick Lag - Critical",
						Message: alert.Message,
						Level:   "error",
					},
				})
			}
		}
	}
}
