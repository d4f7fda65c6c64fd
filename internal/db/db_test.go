package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/protocol"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := NewDatabase(filepath.Join(t.TempDir(), "voxeld.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestJournalSessions(t *testing.T) {
	j, err := NewJournal(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now().Add(-time.Minute)
	if err := j.RecordConnect(events.PeerPayload{Peer: 1, Session: "a", Addr: "10.0.0.1:1"}, start); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordConnect(events.PeerPayload{Peer: 2, Session: "b", Addr: "10.0.0.2:1"}, start.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := j.RecordMapTransfer(events.MapTransferPayload{Session: "a", Bytes: 1234, Duration: 2 * time.Second}); err != nil {
		t.Fatal(err)
	}
	err = j.RecordDisconnect(events.PeerPayload{
		Session:    "a",
		PlayerName: "alice",
		Reason:     protocol.DisconnectTimeout,
		Duration:   30 * time.Second,
	}, start.Add(30*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	sessions, err := j.RecentSessions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 || sessions[0].Session != "b" {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
	a := sessions[1]
	if a.PlayerName != "alice" || a.Reason != "timeout" || a.DisconnectedAt == nil || a.MapBytes != 1234 || a.DurationMs != 30000 {
		t.Fatalf("unexpected session %+v", a)
	}

	st, err := j.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Sessions != 2 || st.Active != 1 || st.AvgDurationMs != 30000 {
		t.Fatalf("unexpected stats %+v", st)
	}

	if err := j.Record("join", "b", "bob as player 0", start); err != nil {
		t.Fatal(err)
	}
	n, err := j.Prune(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	// The closed session and the event go; the open session stays.
	if n != 2 {
		t.Fatalf("pruned %d rows", n)
	}
	if sessions, _ := j.RecentSessions(10); len(sessions) != 1 || sessions[0].Session != "b" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}

func TestJournalFollowsBus(t *testing.T) {
	j, err := NewJournal(openTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewEventBus()
	j.Subscribe(bus)

	ctx := testContext(t)
	if err := bus.EmitSync(ctx, events.Event{Type: events.EventPeerConnected, Payload: events.PeerPayload{Peer: 7, Session: "s"}}); err != nil {
		t.Fatal(err)
	}
	if err := bus.EmitSync(ctx, events.Event{Type: events.EventKick, Payload: events.KickPayload{Addr: "10.0.0.7", Reason: "spam", Ban: true}}); err != nil {
		t.Fatal(err)
	}

	sessions, _ := j.RecentSessions(1)
	if len(sessions) != 1 || sessions[0].Peer != 7 {
		t.Fatalf("connect not journaled: %+v", sessions)
	}
	entries, _ := j.Entries(5)
	if len(entries) != 1 || entries[0].Kind != "ban" {
		t.Fatalf("kick not journaled: %+v", entries)
	}
}

func TestBanList(t *testing.T) {
	d := openTestDB(t)
	bl, err := NewBanList(d)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bl.Ban("10.0.0.1", "griefing", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := bl.Ban("10.0.0.2", "spam", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := bl.Ban("10.0.0.3", "cooldown", time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if reason, ok := bl.Check("10.0.0.1"); !ok || reason != "griefing" {
		t.Fatalf("Check = %q, %v", reason, ok)
	}
	time.Sleep(5 * time.Millisecond)
	if _, ok := bl.Check("10.0.0.3"); ok {
		t.Fatal("expired ban still active")
	}

	// Bans survive a reload.
	reloaded, err := NewBanList(d)
	if err != nil {
		t.Fatal(err)
	}
	if list := reloaded.List(); len(list) != 2 || list[0].Host != "10.0.0.1" || list[1].Host != "10.0.0.2" {
		t.Fatalf("unexpected bans after reload %+v", list)
	}

	if n, err := bl.PruneExpired(); err != nil || n != 1 {
		t.Fatalf("PruneExpired = %d, %v", n, err)
	}
	if err := bl.Unban("10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if err := bl.Unban("10.0.0.1"); !errors.Is(err, ErrNotBanned) {
		t.Fatalf("expected ErrNotBanned, got %v", err)
	}
}

// testContext stands in for testing.T.Context (Go 1.24+) on older toolchains.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
