package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxeld-project/voxeld/internal/db"
	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/server"
	"github.com/voxeld-project/voxeld/internal/world"
)

type idleTransport struct{}

func (idleTransport) PollEvents(func(network.Event)) int                  { return 0 }
func (idleTransport) Send(network.PeerID, []byte) error                   { return nil }
func (idleTransport) Disconnect(network.PeerID, protocol.DisconnectReason) {}
func (idleTransport) PendingBytes(network.PeerID) int                     { return 0 }

func newTestCLI(t *testing.T, in string) (*CLI, *bytes.Buffer, *events.EventBus) {
	t.Helper()
	terrain, err := world.NewFlatMap(16, 16, 8, 2, protocol.Color{R: 10, G: 20, B: 30})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewEventBus()
	game := server.New(idleTransport{}, world.New(terrain, world.DefaultParameters()), bus, server.Options{Name: "cli", MaxPlayers: 8})

	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	bans, err := db.NewBanList(database)
	if err != nil {
		t.Fatal(err)
	}

	out := &bytes.Buffer{}
	return NewCLI(bus, game, bans, filepath.Join(t.TempDir(), "map.vxd"), strings.NewReader(in), out), out, bus
}

func TestStatus(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	if err := c.Execute(testContext(t), "status", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "0/8") || !strings.Contains(out.String(), "16x16x8") {
		t.Fatalf("status output:\n%s", out)
	}
}

func TestParams(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	if err := c.Execute(testContext(t), "params", []string{world.ParamPlayerMaxHealth + "=120"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "120") {
		t.Fatalf("params output:\n%s", out)
	}
	if err := c.Execute(testContext(t), "params", []string{"broken"}); err == nil {
		t.Fatal("expected error for argument without '='")
	}
}

func TestBanCommands(t *testing.T) {
	c, out, _ := newTestCLI(t, "")
	ctx := testContext(t)

	if err := c.Execute(ctx, "ban", []string{"10.0.0.9", "30", "spawn", "killing"}); err != nil {
		t.Fatal(err)
	}
	reason, banned := c.bans.Check("10.0.0.9")
	if !banned || reason != "spawn killing" {
		t.Fatalf("check = %q %v", reason, banned)
	}

	out.Reset()
	if err := c.Execute(ctx, "bans", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "10.0.0.9") {
		t.Fatalf("bans output:\n%s", out)
	}

	if err := c.Execute(ctx, "unban", []string{"10.0.0.9"}); err != nil {
		t.Fatal(err)
	}
	if _, banned := c.bans.Check("10.0.0.9"); banned {
		t.Fatal("still banned after unban")
	}
}

func TestKickUnknownPeer(t *testing.T) {
	c, _, _ := newTestCLI(t, "")
	if err := c.Execute(testContext(t), "kick", []string{"7"}); err == nil {
		t.Fatal("expected error kicking an unknown peer")
	}
}

func TestSaveMapDefaultPath(t *testing.T) {
	c, _, _ := newTestCLI(t, "")
	if err := c.Execute(testContext(t), "savemap", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := world.LoadTerrainFile(c.mapPath); err != nil {
		t.Fatalf("saved map does not load: %v", err)
	}
}

func TestQuitEmitsShutdown(t *testing.T) {
	c, _, bus := newTestCLI(t, "status\nquit\n")
	got := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		got <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	go c.Start(ctx)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("quit did not emit shutdown")
	}
}

// testContext stands in for testing.T.Context (Go 1.24+) on older toolchains.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
