package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxeld-project/voxeld/internal/config"
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

func newTestAPI(t *testing.T, token string) (*Server, *db.BanList) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg.API.Token = token

	terrain, err := world.NewFlatMap(16, 16, 8, 2, protocol.Color{R: 90, G: 90, B: 90})
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)
	game := server.New(idleTransport{}, world.New(terrain, world.DefaultParameters()), bus, server.Options{Name: "api", MaxPlayers: 4})

	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { database.Close() })
	journal, err := db.NewJournal(database)
	if err != nil {
		t.Fatal(err)
	}
	bans, err := db.NewBanList(database)
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(cfg, bus, game, "test")
	s.SetDependencies(journal, bans)
	return s, bans
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	out := make(map[string]interface{})
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q", method, path, rec.Body.String())
		}
	}
	return rec.Code, out
}

func TestPublicEndpoints(t *testing.T) {
	s, _ := newTestAPI(t, "secret")

	code, body := do(t, s, http.MethodGet, "/api/public/ping", "", nil)
	if code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("ping = %d %v", code, body)
	}

	code, body = do(t, s, http.MethodGet, "/api/public/server_info", "", nil)
	if code != http.StatusOK {
		t.Fatalf("server_info = %d", code)
	}
	if body["name"] != "api" || body["protocol"] != protocol.ProtocolName {
		t.Fatalf("server_info body = %v", body)
	}
	if body["max_players"].(float64) != 4 {
		t.Fatalf("max_players = %v", body["max_players"])
	}
}

func TestTokenRequired(t *testing.T) {
	s, _ := newTestAPI(t, "secret")

	if code, _ := do(t, s, http.MethodGet, "/api/monitor/players", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", code)
	}
	if code, _ := do(t, s, http.MethodGet, "/api/monitor/players", "wrong", nil); code != http.StatusUnauthorized {
		t.Fatalf("wrong token: %d", code)
	}
	code, body := do(t, s, http.MethodGet, "/api/monitor/players", "secret", nil)
	if code != http.StatusOK || body["count"].(float64) != 0 {
		t.Fatalf("players = %d %v", code, body)
	}
}

func TestKickUnknownPeer(t *testing.T) {
	s, _ := newTestAPI(t, "")

	if code, _ := do(t, s, http.MethodPost, "/api/control/kick/42", "", nil); code != http.StatusNotFound {
		t.Fatalf("kick unknown = %d", code)
	}
	if code, _ := do(t, s, http.MethodPost, "/api/control/kick/abc", "", nil); code != http.StatusBadRequest {
		t.Fatalf("kick invalid = %d", code)
	}
}

func TestBanAndUnban(t *testing.T) {
	s, bans := newTestAPI(t, "")

	code, body := do(t, s, http.MethodPost, "/api/control/ban", "", map[string]interface{}{
		"host":   "10.1.2.3",
		"reason": "griefing",
	})
	if code != http.StatusOK {
		t.Fatalf("ban = %d %v", code, body)
	}
	if reason, banned := bans.Check("10.1.2.3"); !banned || reason != "griefing" {
		t.Fatalf("check = %q %v", reason, banned)
	}

	code, body = do(t, s, http.MethodGet, "/api/monitor/bans", "", nil)
	if code != http.StatusOK || len(body["bans"].([]interface{})) != 1 {
		t.Fatalf("bans = %d %v", code, body)
	}

	if code, _ := do(t, s, http.MethodDelete, "/api/control/ban/10.1.2.3", "", nil); code != http.StatusOK {
		t.Fatalf("unban = %d", code)
	}
	if code, _ := do(t, s, http.MethodDelete, "/api/control/ban/10.1.2.3", "", nil); code != http.StatusNotFound {
		t.Fatalf("second unban = %d", code)
	}
}

func TestParams(t *testing.T) {
	s, _ := newTestAPI(t, "")

	code, body := do(t, s, http.MethodPatch, "/api/control/params", "", map[string]string{
		world.ParamPlayerMaxHealth: "150",
	})
	if code != http.StatusOK {
		t.Fatalf("patch params = %d", code)
	}
	params := body["params"].(map[string]interface{})
	if params[world.ParamPlayerMaxHealth] != "150" {
		t.Fatalf("params = %v", params)
	}

	_, body = do(t, s, http.MethodGet, "/api/control/params", "", nil)
	if body["params"].(map[string]interface{})[world.ParamPlayerMaxHealth] != "150" {
		t.Fatal("parameter update not persisted in the world")
	}
}

func TestSaveMap(t *testing.T) {
	s, _ := newTestAPI(t, "")
	dir := t.TempDir()

	path := filepath.Join(dir, "saved.vxd")
	if code, body := do(t, s, http.MethodPost, "/api/control/save_map", "", map[string]interface{}{"path": path}); code != http.StatusOK {
		t.Fatalf("save vxd = %d %v", code, body)
	}
	if _, err := world.LoadTerrainFile(path); err != nil {
		t.Fatalf("saved map does not load: %v", err)
	}

	if code, _ := do(t, s, http.MethodPost, "/api/control/save_map", "", map[string]interface{}{"path": path, "format": "png"}); code != http.StatusBadRequest {
		t.Fatalf("unknown format = %d", code)
	}
}

func TestConfigRedactedAndPatched(t *testing.T) {
	s, _ := newTestAPI(t, "secret")

	code, body := do(t, s, http.MethodGet, "/api/configure/config", "secret", nil)
	if code != http.StatusOK {
		t.Fatalf("get config = %d", code)
	}
	if body["api"].(map[string]interface{})["token"] != "********" {
		t.Fatal("token not redacted")
	}

	code, _ = do(t, s, http.MethodPatch, "/api/configure/config", "secret", map[string]interface{}{
		"section": "server", "key": "motd", "value": "welcome",
	})
	if code != http.StatusOK {
		t.Fatalf("patch config = %d", code)
	}
	if s.cfg.GetServer().Motd != "welcome" {
		t.Fatal("motd not updated")
	}

	code, _ = do(t, s, http.MethodPatch, "/api/configure/config", "secret", map[string]interface{}{
		"section": "server", "key": "max_players", "value": 0,
	})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("invalid patch = %d", code)
	}
	if s.cfg.GetServer().MaxPlayers != 32 {
		t.Fatal("invalid change was not rolled back")
	}
}

func TestSessionsFromJournal(t *testing.T) {
	s, _ := newTestAPI(t, "")
	code, body := do(t, s, http.MethodGet, "/api/monitor/sessions?limit=5", "", nil)
	if code != http.StatusOK {
		t.Fatalf("sessions = %d %v", code, body)
	}
	if _, ok := body["stats"]; !ok {
		t.Fatal("missing journal stats")
	}
}

type stubPeers []network.PeerInfo

func (p stubPeers) Peers() []network.PeerInfo { return p }

func TestPeers(t *testing.T) {
	s, _ := newTestAPI(t, "")
	if code, _ := do(t, s, http.MethodGet, "/api/monitor/peers", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("peers without transport = %d", code)
	}

	s.SetTransport(stubPeers{{ID: 2, Addr: "b"}, {ID: 1, Addr: "a"}})
	code, body := do(t, s, http.MethodGet, "/api/monitor/peers", "", nil)
	if code != http.StatusOK {
		t.Fatalf("peers = %d", code)
	}
	peers := body["peers"].([]interface{})
	if len(peers) != 2 || peers[0].(map[string]interface{})["addr"] != "a" {
		t.Fatalf("peers = %v", peers)
	}
}

func TestStartServesAndStops(t *testing.T) {
	s, _ := newTestAPI(t, "secret")

	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := free.Addr().String()
	free.Close()
	s.cfg.API.ListenAddress = addr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	url := "http://" + addr + "/api/public/ping"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("ping = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("API never answered on %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
