package server

import (
	"bytes"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/world"
)

var stone = protocol.Color{R: 120, G: 120, B: 120}

type fakeTransport struct {
	queue        []network.Event
	sent         map[network.PeerID][][]byte
	disconnected map[network.PeerID]protocol.DisconnectReason
	pending      map[network.PeerID]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:         make(map[network.PeerID][][]byte),
		disconnected: make(map[network.PeerID]protocol.DisconnectReason),
		pending:      make(map[network.PeerID]int),
	}
}

func (f *fakeTransport) PollEvents(fn func(network.Event)) int {
	evs := f.queue
	f.queue = nil
	for _, ev := range evs {
		fn(ev)
	}
	return len(evs)
}

func (f *fakeTransport) Send(id network.PeerID, data []byte) error {
	f.sent[id] = append(f.sent[id], data)
	return nil
}

func (f *fakeTransport) Disconnect(id network.PeerID, reason protocol.DisconnectReason) {
	f.disconnected[id] = reason
}

func (f *fakeTransport) PendingBytes(id network.PeerID) int {
	return f.pending[id]
}

type harness struct {
	t   *testing.T
	srv *Server
	tr  *fakeTransport
	w   *world.World
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	terrain, err := world.NewFlatMap(32, 32, 16, 3, stone)
	if err != nil {
		t.Fatal(err)
	}
	w := world.New(terrain, world.DefaultParameters())
	tr := newFakeTransport()
	if opts.Name == "" {
		opts.Name = "test"
	}
	return &harness{t: t, srv: New(tr, w, nil, opts), tr: tr, w: w}
}

func (h *harness) connect(peer network.PeerID) {
	h.tr.queue = append(h.tr.queue, network.Event{
		Type: network.EventConnect,
		Peer: peer,
		Addr: fmt.Sprintf("10.0.0.%d:5000", peer),
	})
	h.srv.Update(0)
}

func (h *harness) recv(peer network.PeerID, pkts ...protocol.Packet) {
	for _, p := range pkts {
		h.tr.queue = append(h.tr.queue, network.Event{Type: network.EventReceive, Peer: peer, Data: protocol.Encode(p)})
	}
	h.srv.Update(0)
}

func (h *harness) conn(peer network.PeerID) *Connection {
	h.t.Helper()
	c, ok := h.srv.connections[peer]
	if !ok {
		h.t.Fatalf("no connection for peer %d", peer)
	}
	return c
}

// take decodes and clears everything sent to peer.
func (h *harness) take(peer network.PeerID) []protocol.Packet {
	h.t.Helper()
	var out []protocol.Packet
	for _, data := range h.tr.sent[peer] {
		p, err := protocol.Decode(data)
		if err != nil {
			h.t.Fatalf("server sent undecodable packet: %v", err)
		}
		out = append(out, p)
	}
	delete(h.tr.sent, peer)
	return out
}

func (h *harness) waitState(peer network.PeerID, want ConnState) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.conn(peer).state != want {
		if time.Now().After(deadline) {
			h.t.Fatalf("peer %d stuck in %s, want %s", peer, h.conn(peer).state, want)
		}
		time.Sleep(time.Millisecond)
		h.srv.Update(0)
	}
}

// reach drives a new peer through the handshake up to state. A peer left in
// StateMapTransfer has its outbound queue reported as full.
func (h *harness) reach(peer network.PeerID, state ConnState) {
	h.t.Helper()
	h.connect(peer)
	if state == StateNotInitiated {
		return
	}
	h.recv(peer, initiate("player"+strconv.Itoa(int(peer))))
	if state == StateWaitingForCertificate {
		return
	}
	if state == StateMapTransfer {
		h.tr.pending[peer] = mapSendWindow
	}
	h.recv(peer, &protocol.ClientCertificate{})
	if state == StateMapTransfer {
		return
	}
	h.waitState(peer, StateCompletingMapTransfer)
	if state == StateCompletingMapTransfer {
		return
	}
	h.recv(peer, &protocol.MapDataAcknowledge{})
	if got := h.conn(peer).state; got != StateGame {
		h.t.Fatalf("peer %d in %s after acknowledge", peer, got)
	}
}

func initiate(name string) *protocol.InitiateConnection {
	return &protocol.InitiateConnection{
		ProtocolName:  protocol.ProtocolName,
		MajorVersion:  1,
		PackageString: "voxel-client",
		PlayerName:    name,
		Nonce:         []byte{9, 8, 7, 6},
		MapQuality:    50,
	}
}

func findPacket[T protocol.Packet](pkts []protocol.Packet) (T, int) {
	var zero T
	for i, p := range pkts {
		if v, ok := p.(T); ok {
			return v, i
		}
	}
	return zero, -1
}

func TestHandshakeAndMapTransfer(t *testing.T) {
	h := newHarness(t, Options{})
	h.w.Terrain().Set(7, 9, 12, protocol.Color{R: 1, G: 2, B: 3})

	h.connect(1)
	greeting, idx := findPacket[*protocol.Greeting](h.take(1))
	if idx < 0 || len(greeting.Nonce) != nonceSize {
		t.Fatalf("expected greeting with %d byte nonce", nonceSize)
	}
	if got := h.conn(1).state; got != StateNotInitiated {
		t.Fatalf("state %s after connect", got)
	}

	h.recv(1, initiate("alice"))
	cert, idx := findPacket[*protocol.ServerCertificate](h.take(1))
	if idx < 0 || cert.IsValid {
		t.Fatal("expected an invalid placeholder server certificate")
	}
	c := h.conn(1)
	if c.state != StateWaitingForCertificate || c.name != "alice" {
		t.Fatalf("state %s name %q", c.state, c.name)
	}
	if want := append(append([]byte{}, greeting.Nonce...), 9, 8, 7, 6); !bytes.Equal(c.sessionNonce, want) {
		t.Fatal("session nonce is not server nonce followed by client nonce")
	}

	h.recv(1, &protocol.ClientCertificate{IsValid: true, Certificate: []byte("cert")})
	h.waitState(1, StateCompletingMapTransfer)

	var stream []byte
	var header *protocol.GameStateHeader
	sawFinal := false
	for _, p := range h.take(1) {
		switch p := p.(type) {
		case *protocol.GameStateHeader:
			header = p
		case *protocol.MapData:
			if sawFinal {
				t.Fatal("map data after MapDataFinal")
			}
			if len(p.Fragment) > MapFragmentSize {
				t.Fatalf("fragment of %d bytes", len(p.Fragment))
			}
			stream = append(stream, p.Fragment...)
		case *protocol.MapDataFinal:
			sawFinal = true
		}
	}
	if header == nil || header.Properties["map-width"] != "32" || header.Properties["map-quality"] != "50" {
		t.Fatalf("unexpected header %+v", header)
	}
	if !sawFinal {
		t.Fatal("no MapDataFinal")
	}

	zr, err := zlib.NewReader(bytes.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	got, err := world.DecodeTerrain(zr)
	if err != nil {
		t.Fatal(err)
	}
	if col, ok := got.Color(7, 9, 12); !ok || col != (protocol.Color{R: 1, G: 2, B: 3}) {
		t.Fatal("transferred map lost a block")
	}
	if got.SolidCount() != h.w.Terrain().SolidCount() {
		t.Fatalf("transferred %d solid blocks, world has %d", got.SolidCount(), h.w.Terrain().SolidCount())
	}

	h.recv(1, &protocol.MapDataAcknowledge{})
	final, idx := findPacket[*protocol.GameStateFinal](h.take(1))
	if idx < 0 {
		t.Fatal("no GameStateFinal")
	}
	if final.Properties[world.ParamPlayerMaxHealth] != "100" {
		t.Fatalf("parameters missing from GameStateFinal: %v", final.Properties)
	}
	if got := h.conn(1).state; got != StateGame {
		t.Fatalf("state %s after acknowledge", got)
	}
}

func TestProtocolMismatch(t *testing.T) {
	h := newHarness(t, Options{})
	h.connect(1)
	p := initiate("mallory")
	p.ProtocolName = "SOMETHING ELSE"
	h.recv(1, p)

	if got := h.tr.disconnected[1]; got != protocol.DisconnectProtocolMismatch {
		t.Fatalf("disconnected with %s", got)
	}
	if _, idx := findPacket[*protocol.Kick](h.take(1)); idx < 0 {
		t.Fatal("expected a kick with the mismatch text")
	}
}

func samplePackets() []protocol.Packet {
	return []protocol.Packet{
		&protocol.Greeting{Nonce: []byte{1}},
		initiate("x"),
		&protocol.ServerCertificate{},
		&protocol.ClientCertificate{},
		&protocol.Kick{Reason: "bye"},
		&protocol.GameStateHeader{},
		&protocol.MapData{Fragment: []byte{1, 2}},
		&protocol.GameStateFinal{},
		&protocol.MapDataAcknowledge{},
		&protocol.MapDataFinal{},
		&protocol.GenericCommand{Parts: []string{"nothing"}},
		&protocol.EntityUpdate{},
		&protocol.ClientSideEntityUpdate{},
		&protocol.TerrainUpdate{},
		&protocol.EntityEvent{EntityID: 1, Event: protocol.EntityEventJump},
		&protocol.EntityDie{EntityID: 1},
		&protocol.EntityRemove{EntityID: 1},
		&protocol.PlayerRemove{PlayerID: 1},
		&protocol.PlayerUpdate{},
		&protocol.PlayerAction{Action: protocol.ActionJump},
		&protocol.HitEntity{EntityID: 5000},
		&protocol.HitTerrain{BlockPosition: protocol.IntVector3{X: 1, Y: 1, Z: 1}, Tool: protocol.ToolBlock},
		&protocol.Damage{EntityID: 1},
	}
}

func TestOutOfOrderPacketsAreMalformed(t *testing.T) {
	allowed := map[ConnState]map[protocol.Type]bool{
		StateNotInitiated:          {protocol.TypeInitiateConnection: true},
		StateWaitingForCertificate: {protocol.TypeClientCertificate: true},
		StateMapTransfer:           {},
		StateCompletingMapTransfer: {protocol.TypeMapDataAcknowledge: true},
		StateGame: {
			protocol.TypeGenericCommand:         true,
			protocol.TypeClientSideEntityUpdate: true,
			protocol.TypePlayerAction:           true,
			protocol.TypeHitEntity:              true,
			protocol.TypeHitTerrain:             true,
		},
	}

	for state, ok := range allowed {
		for _, pkt := range samplePackets() {
			if ok[pkt.Type()] {
				continue
			}
			t.Run(state.String()+"/"+pkt.Type().String(), func(t *testing.T) {
				h := newHarness(t, Options{})
				h.reach(1, state)
				h.recv(1, pkt)

				if got := h.conn(1).state; got != StateDisconnected {
					t.Fatalf("still in %s", got)
				}
				if got := h.tr.disconnected[1]; got != protocol.DisconnectMalformedPacket {
					t.Fatalf("disconnected with %s", got)
				}
			})
		}
	}
}

func TestGarbageIsMalformed(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateGame)
	h.take(1)
	h.tr.queue = append(h.tr.queue, network.Event{Type: network.EventReceive, Peer: 1, Data: []byte{0x7f, 1, 2}})
	h.srv.Update(0)
	if got := h.tr.disconnected[1]; got != protocol.DisconnectMalformedPacket {
		t.Fatalf("disconnected with %s", got)
	}
	if kick, idx := findPacket[*protocol.Kick](h.take(1)); idx < 0 || kick.Reason != "malformed packet" {
		t.Fatalf("expected a malformed packet kick, got %+v", kick)
	}
}

func TestHandshakeTimeouts(t *testing.T) {
	tests := []struct {
		state   ConnState
		timeout float64
	}{
		{StateNotInitiated, initiateTimeout},
		{StateWaitingForCertificate, certificateTimeout},
		{StateMapTransfer, mapTransferTimeout},
		// The transfer budget carries over until the map is acknowledged.
		{StateCompletingMapTransfer, mapTransferTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := newHarness(t, Options{})
			h.reach(1, tt.state)
			h.take(1)

			h.srv.Update(tt.timeout - 0.5)
			if got := h.conn(1).state; got != tt.state {
				t.Fatalf("left %s early: %s", tt.state, got)
			}
			h.srv.Update(1)
			if got := h.tr.disconnected[1]; got != protocol.DisconnectTimeout {
				t.Fatalf("disconnected with %s, want timeout", got)
			}
			if kick, idx := findPacket[*protocol.Kick](h.take(1)); idx < 0 || kick.Reason != "timed out" {
				t.Fatalf("expected a timed out kick, got %+v", kick)
			}
		})
	}

	t.Run("game", func(t *testing.T) {
		h := newHarness(t, Options{})
		h.reach(1, StateGame)
		for i := 0; i < 10; i++ {
			h.srv.Update(100)
		}
		if got := h.conn(1).state; got != StateGame {
			t.Fatalf("game connection ended in %s", got)
		}
	})
}

func TestJoinLeave(t *testing.T) {
	h := newHarness(t, Options{Motd: "welcome"})
	h.reach(1, StateGame)
	h.reach(2, StateGame)
	h.take(1)
	h.take(2)

	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandJoin}})
	pkts := h.take(1)
	cmd, idx := findPacket[*protocol.GenericCommand](pkts)
	if idx < 0 || cmd.Parts[0] != protocol.CommandChat || cmd.Parts[2] != "welcome" {
		t.Fatalf("expected motd, got %v", pkts)
	}

	var local, entityCreate, playerCreate bool
	for _, p := range pkts {
		switch p := p.(type) {
		case *protocol.GenericCommand:
			if len(p.Parts) == 2 && p.Parts[0] == protocol.CommandLocalPlayer && p.Parts[1] == "0" {
				local = true
			}
		case *protocol.EntityUpdate:
			entityCreate = len(p.Items) == 1 && p.Items[0].Create != nil && p.Items[0].EntityID == 0
		case *protocol.PlayerUpdate:
			playerCreate = len(p.Items) == 1 && p.Items[0].Create != nil && p.Items[0].Create.Name == "player1"
		}
	}
	if !local || !entityCreate || !playerCreate {
		t.Fatalf("local-player %v entity create %v player create %v", local, entityCreate, playerCreate)
	}
	if _, idx := findPacket[*protocol.EntityUpdate](h.take(2)); idx < 0 {
		t.Fatal("other client did not see the new avatar")
	}

	// The notice is sent once and a second join is ignored.
	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandJoin}})
	for _, p := range h.take(1) {
		if cmd, ok := p.(*protocol.GenericCommand); ok && cmd.Parts[0] == protocol.CommandLocalPlayer {
			t.Fatal("local-player sent twice")
		}
	}
	if n := len(h.w.Players()); n != 1 {
		t.Fatalf("%d players after double join", n)
	}

	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandLeave}})
	pkts = h.take(2)
	if _, idx := findPacket[*protocol.EntityRemove](pkts); idx < 0 {
		t.Fatal("no EntityRemove after leave")
	}
	if _, idx := findPacket[*protocol.PlayerRemove](pkts); idx < 0 {
		t.Fatal("no PlayerRemove after leave")
	}

	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandLeave}}, &protocol.GenericCommand{Parts: []string{"dance"}})
	if got := h.conn(1).state; got != StateGame {
		t.Fatalf("repeated leave or unknown command ended the connection: %s", got)
	}
}

func TestChatRelay(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateGame)
	h.reach(2, StateGame)
	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandJoin}})
	h.take(2)

	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandChat, "hello"}})
	cmd, idx := findPacket[*protocol.GenericCommand](h.take(2))
	if idx < 0 || len(cmd.Parts) != 3 || cmd.Parts[1] != "player1" || cmd.Parts[2] != "hello" {
		t.Fatalf("unexpected relay %+v", cmd)
	}
}

func TestStationaryEntitiesAreNotResent(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateGame)
	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandJoin}})
	h.take(1)

	for i := 0; i < 10; i++ {
		h.srv.Update(0.05)
	}
	for _, p := range h.take(1) {
		switch p.(type) {
		case *protocol.EntityUpdate, *protocol.PlayerUpdate:
			t.Fatalf("unchanged state re-sent: %T", p)
		}
	}
}

func TestDeltaSerialize(t *testing.T) {
	h := newHarness(t, Options{})
	p, err := h.w.CreatePlayer("bob")
	if err != nil {
		t.Fatal(err)
	}
	e, err := h.w.SpawnPlayer(p)
	if err != nil {
		t.Fatal(err)
	}
	se := newEntityShadow(e)
	if _, ok := se.(*ServerPlayerEntity); !ok {
		t.Fatalf("player avatar got %T", se)
	}

	first, ok := se.DeltaSerialize()
	if !ok || first.Create == nil || first.Health == nil || first.Trajectory == nil {
		t.Fatal("first delta must carry the full state")
	}
	if _, ok := se.DeltaSerialize(); ok {
		t.Fatal("unchanged entity produced a delta")
	}

	h.w.DamageEntity(e, 10, protocol.DamageWeapon, protocol.Vector3{}, nil)
	d, ok := se.DeltaSerialize()
	if !ok {
		t.Fatal("damage produced no delta")
	}
	want := uint8(90)
	if d.Health == nil || *d.Health != want {
		t.Fatalf("health delta %v", d.Health)
	}
	if d.Create != nil || d.Trajectory != nil || d.Tool != nil || d.BlockColor != nil || d.Input != nil || d.Flags != nil {
		t.Fatalf("delta carries unchanged fields: %+v", d)
	}
	if id, _ := e.ID(); d.EntityID != id {
		t.Fatalf("delta for entity %d, want %d", d.EntityID, id)
	}

	sp := newServerPlayer(p)
	if first, ok := sp.DeltaSerialize(); !ok || first.Create == nil {
		t.Fatal("first player delta must carry the create payload")
	}
	if _, ok := sp.DeltaSerialize(); ok {
		t.Fatal("unchanged player produced a delta")
	}
	p.SetTeam(2)
	pd, ok := sp.DeltaSerialize()
	if !ok || pd.Team == nil || *pd.Team != 2 || pd.Score != nil || pd.Deaths != nil || pd.Create != nil {
		t.Fatalf("unexpected player delta %+v", pd)
	}
}

func TestDeltaFieldDisappearingIsNotSent(t *testing.T) {
	prev := uint8(5)
	if got := deltaField[uint8](nil, &prev); got != nil {
		t.Fatal("absent field produced a value")
	}
	cur := uint8(5)
	if got := deltaField(&cur, &prev); got != nil {
		t.Fatal("equal field produced a value")
	}
	if got := deltaField(&cur, nil); got == nil || *got != 5 {
		t.Fatal("new field was dropped")
	}
}

func TestFallDamage(t *testing.T) {
	h := newHarness(t, Options{})
	params := h.w.Parameters()

	land := func(e *world.Entity, speed float64) {
		tr := e.Trajectory()
		tr.Velocity.Z = -float32(speed * clientFrameRate)
		e.SetTrajectory(tr)
		h.srv.Update(0.01)
		tr.Velocity.Z = 0
		e.SetTrajectory(tr)
		h.srv.Update(0.01)
	}

	spawn := func(name string) *world.Entity {
		p, err := h.w.CreatePlayer(name)
		if err != nil {
			t.Fatal(err)
		}
		e, err := h.w.SpawnPlayer(p)
		if err != nil {
			t.Fatal(err)
		}
		return e
	}

	soft := spawn("soft")
	land(soft, params.FallDamageVelocity/2)
	if soft.Health() != params.PlayerMaxHealth {
		t.Fatalf("soft landing dealt damage: %d", soft.Health())
	}

	hard := spawn("hard")
	land(hard, (params.FallDamageVelocity+params.FallDamageFatalVelocity)/2)
	if hp := hard.Health(); hp < 40 || hp > 60 {
		t.Fatalf("half-way fall left %d health", hp)
	}

	fatal := spawn("fatal")
	land(fatal, params.FallDamageFatalVelocity+0.1)
	if !fatal.IsDead() {
		t.Fatal("fatal fall did not kill")
	}
}

func TestTerrainEditsHeldDuringTransfer(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateGame)
	h.reach(2, StateMapTransfer)
	h.take(1)
	h.take(2)

	pos := protocol.IntVector3{X: 5, Y: 5, Z: 10}
	h.w.BuildBlock(pos, protocol.Color{G: 200}, protocol.CreateCauseScript)
	h.srv.Update(0)

	if tu, idx := findPacket[*protocol.TerrainUpdate](h.take(1)); idx < 0 || len(tu.Edits) != 1 || tu.Edits[0].Position != pos {
		t.Fatal("game client did not get the edit")
	}
	if _, idx := findPacket[*protocol.TerrainUpdate](h.take(2)); idx >= 0 {
		t.Fatal("edit sent during map transfer")
	}

	delete(h.tr.pending, 2)
	h.waitState(2, StateCompletingMapTransfer)
	h.recv(2, &protocol.MapDataAcknowledge{})
	pkts := h.take(2)
	_, finalIdx := findPacket[*protocol.GameStateFinal](pkts)
	tu, tuIdx := findPacket[*protocol.TerrainUpdate](pkts)
	if finalIdx < 0 || tuIdx < finalIdx {
		t.Fatalf("held edits not sent after GameStateFinal (final %d, update %d)", finalIdx, tuIdx)
	}
	if len(tu.Edits) != 1 || tu.Edits[0].Position != pos {
		t.Fatalf("unexpected held edits %+v", tu.Edits)
	}
}

func TestMapTransferBackpressure(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateMapTransfer)
	h.take(1)

	for i := 0; i < 20; i++ {
		time.Sleep(time.Millisecond)
		h.srv.Update(0)
	}
	if _, idx := findPacket[*protocol.MapData](h.take(1)); idx >= 0 {
		t.Fatal("map data sent while the outbound queue is full")
	}
	if got := h.conn(1).state; got != StateMapTransfer {
		t.Fatalf("state %s", got)
	}
}

func TestPacketRateLimit(t *testing.T) {
	h := newHarness(t, Options{PacketsPerSec: 1, PacketBurst: 1})
	h.connect(1)
	h.take(1)

	h.recv(1, initiate("spam"), &protocol.ClientCertificate{})
	if got := h.tr.disconnected[1]; got != protocol.DisconnectMisc {
		t.Fatalf("disconnected with %s, want misc", got)
	}
	if kick, idx := findPacket[*protocol.Kick](h.take(1)); idx < 0 || kick.Reason == "" {
		t.Fatal("expected a kick packet")
	}
}

func TestDisconnectEventRemovesConnection(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateGame)
	h.recv(1, &protocol.GenericCommand{Parts: []string{protocol.CommandJoin}})
	if len(h.w.Players()) != 1 {
		t.Fatal("join did not create a player")
	}

	h.tr.queue = append(h.tr.queue, network.Event{Type: network.EventDisconnect, Peer: 1, Reason: protocol.DisconnectTimeout})
	h.srv.Update(0)
	if _, ok := h.srv.connections[1]; ok {
		t.Fatal("connection kept after disconnect")
	}
	if len(h.w.Players()) != 0 || len(h.srv.entities) != 0 {
		t.Fatal("player outlived its connection")
	}
}

func TestKickAdmin(t *testing.T) {
	h := newHarness(t, Options{})
	h.reach(1, StateGame)
	h.reach(2, StateGame)

	if err := h.srv.Kick(1, "bye"); err != nil {
		t.Fatal(err)
	}
	if got := h.tr.disconnected[1]; got != protocol.DisconnectMisc {
		t.Fatalf("disconnected with %s", got)
	}
	if err := h.srv.Kick(99, "bye"); err == nil {
		t.Fatal("kicking an unknown peer succeeded")
	}
	if n := h.srv.KickHost("10.0.0.2", "banned"); n != 1 {
		t.Fatalf("KickHost kicked %d peers", n)
	}
}
