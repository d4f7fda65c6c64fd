package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/voxeld-project/voxeld/internal/config"
	"github.com/voxeld-project/voxeld/internal/db"
	"github.com/voxeld-project/voxeld/internal/events"
)

func TestNextRun(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		now   time.Time
		clock string
		want  time.Time
	}{
		{time.Date(2024, 3, 1, 2, 0, 0, 0, loc), "04:00", time.Date(2024, 3, 1, 4, 0, 0, 0, loc)},
		{time.Date(2024, 3, 1, 4, 0, 0, 0, loc), "04:00", time.Date(2024, 3, 2, 4, 0, 0, 0, loc)},
		{time.Date(2024, 3, 31, 23, 59, 0, 0, loc), "00:30", time.Date(2024, 4, 1, 0, 30, 0, 0, loc)},
	}
	for _, tt := range tests {
		got, err := NextRun(tt.now, tt.clock)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("NextRun(%s, %s) = %s, want %s", tt.now, tt.clock, got, tt.want)
		}
	}

	if _, err := NextRun(time.Now(), "4 am"); err == nil {
		t.Fatal("expected error for malformed clock")
	}
}

func TestRunMaintenance(t *testing.T) {
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer database.Close()
	journal, err := db.NewJournal(database)
	if err != nil {
		t.Fatal(err)
	}
	bans, err := db.NewBanList(database)
	if err != nil {
		t.Fatal(err)
	}

	old := time.Now().AddDate(0, 0, -40)
	if err := journal.Record("join", "old", "x", old); err != nil {
		t.Fatal(err)
	}
	if err := journal.Record("join", "new", "y", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := journal.RecordConnect(events.PeerPayload{Session: "s"}, old); err != nil {
		t.Fatal(err)
	}
	if _, err := bans.Ban("10.0.0.1", "short", time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, err := bans.Ban("10.0.0.2", "forever", 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	NewScheduler(config.DefaultConfig(), journal, bans).RunMaintenance()

	entries, err := journal.Entries(10)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Session == "old" {
			t.Fatal("entry past retention survived")
		}
	}
	if sessions, _ := journal.RecentSessions(10); len(sessions) != 1 {
		t.Fatalf("open session should survive pruning, got %d", len(sessions))
	}
	if list := bans.List(); len(list) != 1 || list[0].Host != "10.0.0.2" {
		t.Fatalf("bans after prune = %+v", list)
	}
}
