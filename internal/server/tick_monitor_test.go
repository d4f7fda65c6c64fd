package server

import (
	"testing"
	"time"
)

func TestTickMonitorRecordsLongTicks(t *testing.T) {
	tm := NewTickMonitor(nil, 10*time.Millisecond)
	tm.warningThreshold = 2
	tm.criticalThreshold = 3

	tm.Observe(1, 2*time.Millisecond)
	tm.Observe(2, 20*time.Millisecond)
	if alert := tm.CheckThresholds(); alert != nil {
		t.Fatalf("unexpected alert %+v", alert)
	}
	tm.Observe(3, 15*time.Millisecond)

	st := tm.Stats()
	if st.Ticks != 3 || st.LongTicks != 2 || st.LongThisHour != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if st.MaxDuration != 20*time.Millisecond || st.LastDuration != 15*time.Millisecond {
		t.Fatalf("unexpected durations %+v", st)
	}

	alert := tm.CheckThresholds()
	if alert == nil || alert.Level != "warning" {
		t.Fatalf("expected warning, got %+v", alert)
	}
	tm.Observe(4, time.Second)
	if alert := tm.CheckThresholds(); alert == nil || alert.Level != "critical" {
		t.Fatalf("expected critical, got %+v", alert)
	}

	h := tm.History(2)
	if len(h) != 2 || h[0].Tick != 3 || h[1].Tick != 4 {
		t.Fatalf("unexpected history %+v", h)
	}
}
