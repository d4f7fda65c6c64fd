package server

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/util"
	"github.com/voxeld-project/voxeld/internal/world"
)

// ConnState is the handshake progress of a connection.
type ConnState int

const (
	StateNotInitiated ConnState = iota
	StateWaitingForCertificate
	StateMapTransfer
	StateCompletingMapTransfer
	StateGame
	StateDisconnected
)

var connStateStrings = map[ConnState]string{
	StateNotInitiated:          "not_initiated",
	StateWaitingForCertificate: "waiting_for_certificate",
	StateMapTransfer:           "map_transfer",
	StateCompletingMapTransfer: "completing_map_transfer",
	StateGame:                  "game",
	StateDisconnected:          "disconnected",
}

// String returns the string representation of ConnState.
func (s ConnState) String() string {
	if str, ok := connStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes ConnState as a JSON string.
func (s ConnState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Handshake timeouts in seconds.
const (
	initiateTimeout    = 10
	certificateTimeout = 60
	mapTransferTimeout = 300

	nonceSize = 16
	// mapSendWindow is the outbound backlog below which map fragments are queued.
	mapSendWindow = 64 << 10
)

// ErrUnexpectedPacket is returned for a packet the current state does not accept.
var ErrUnexpectedPacket = errors.New("packet not allowed in current state")

// disconnectError asks the server to drop the connection with a specific reason.
type disconnectError struct {
	reason protocol.DisconnectReason
	err    error
}

func (e *disconnectError) Error() string { return e.err.Error() }
func (e *disconnectError) Unwrap() error { return e.err }

// Connection is the server-side state of one peer.
type Connection struct {
	peer    network.PeerID
	addr    string
	session string

	state   ConnState
	reason  protocol.DisconnectReason
	timeout float64

	serverNonce  []byte
	sessionNonce []byte
	quality      int
	name         string
	clientInfo   string
	certificate  *protocol.ClientCertificate

	player              *world.Player
	localPlayerNotified bool

	generator     *MapGenerator
	transferStart time.Time
	// heldEdits are terrain edits flushed after the map snapshot was taken,
	// delivered once the client has the map.
	heldEdits []protocol.MapEdit

	limiter     *rate.Limiter
	connectedAt time.Time
	logger      zerolog.Logger
}

func newConnection(peer network.PeerID, addr string, limiter *rate.Limiter) *Connection {
	session := uuid.NewString()
	return &Connection{
		peer:        peer,
		addr:        addr,
		session:     session,
		limiter:     limiter,
		connectedAt: time.Now(),
		logger: log.With().
			Str("component", "connection").
			Uint64("peer", uint64(peer)).
			Str("session", session).
			Logger(),
	}
}

// ConnectionInfo is a read-only view of a connection for admin surfaces.
type ConnectionInfo struct {
	Peer        uint64    `json:"peer"`
	Session     string    `json:"session"`
	Addr        string    `json:"addr"`
	State       ConnState `json:"state"`
	Name        string    `json:"name"`
	Client      string    `json:"client,omitempty"`
	PlayerID    *uint32   `json:"player_id,omitempty"`
	Quality     int       `json:"quality"`
	MapProgress int64     `json:"map_progress_bytes,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (c *Connection) info() ConnectionInfo {
	ci := ConnectionInfo{
		Peer:        uint64(c.peer),
		Session:     c.session,
		Addr:        c.addr,
		State:       c.state,
		Name:        c.name,
		Client:      c.clientInfo,
		Quality:     c.quality,
		ConnectedAt: c.connectedAt,
	}
	if c.player != nil {
		if id, ok := c.player.ID(); ok {
			ci.PlayerID = &id
		}
	}
	if c.generator != nil {
		_, ci.MapProgress = c.generator.Progress()
	}
	return ci
}

// State returns the handshake state.
func (c *Connection) State() ConnState { return c.state }

func (c *Connection) setState(state ConnState, timeout float64) {
	c.logger.Debug().Str("from", c.state.String()).Str("to", state.String()).Msg("connection state changed")
	c.state = state
	c.timeout = timeout
}

// initialize greets the peer with a fresh nonce.
func (c *Connection) initialize(s *Server) error {
	nonce, err := util.NewNonce(nonceSize)
	if err != nil {
		return err
	}
	c.serverNonce = nonce
	c.setState(StateNotInitiated, initiateTimeout)
	s.send(c, &protocol.Greeting{Nonce: nonce})
	return nil
}

// handlePacket applies one client packet to the state machine.
func (c *Connection) handlePacket(s *Server, pkt protocol.Packet) error {
	switch c.state {
	case StateNotInitiated:
		if p, ok := pkt.(*protocol.InitiateConnection); ok {
			return c.onInitiateConnection(s, p)
		}
	case StateWaitingForCertificate:
		if p, ok := pkt.(*protocol.ClientCertificate); ok {
			return c.onClientCertificate(s, p)
		}
	case StateCompletingMapTransfer:
		if _, ok := pkt.(*protocol.MapDataAcknowledge); ok {
			return c.onMapDataAcknowledge(s)
		}
	case StateGame:
		switch p := pkt.(type) {
		case *protocol.GenericCommand:
			return c.onGenericCommand(s, p)
		case *protocol.ClientSideEntityUpdate:
			return c.onClientSideEntityUpdate(p)
		case *protocol.PlayerAction:
			return c.onPlayerAction(s, p)
		case *protocol.HitEntity:
			return c.onHitEntity(s, p)
		case *protocol.HitTerrain:
			return c.onHitTerrain(s, p)
		}
	case StateDisconnected:
		return nil
	}
	return fmt.Errorf("%s in state %s: %w", pkt.Type(), c.state, ErrUnexpectedPacket)
}

func (c *Connection) onInitiateConnection(s *Server, p *protocol.InitiateConnection) error {
	if p.ProtocolName != protocol.ProtocolName {
		return &disconnectError{
			reason: protocol.DisconnectProtocolMismatch,
			err:    fmt.Errorf("protocol mismatch: server speaks %q, client %q", protocol.ProtocolName, p.ProtocolName),
		}
	}

	c.sessionNonce = append(append([]byte{}, c.serverNonce...), p.Nonce...)
	c.quality = ClampQuality(int(p.MapQuality))
	c.name = p.PlayerName
	c.clientInfo = fmt.Sprintf("%s %d.%d.%d %s", p.PackageString, p.MajorVersion, p.MinorVersion, p.Revision, p.EnvironmentString)
	c.logger = c.logger.With().Str("name", c.name).Logger()
	c.logger.Info().
		Str("client", c.clientInfo).
		Str("locale", p.Locale).
		Int("quality", c.quality).
		Msg("connection initiated")

	s.send(c, &protocol.ServerCertificate{IsValid: false})
	c.setState(StateWaitingForCertificate, certificateTimeout)
	return nil
}

func (c *Connection) onClientCertificate(s *Server, p *protocol.ClientCertificate) error {
	// TODO: verify the certificate signature against the session nonce once a
	// certificate authority exists; any certificate is accepted until then.
	c.certificate = p
	c.startStateTransfer(s)
	return nil
}

// startStateTransfer sends the header and starts serializing a snapshot of
// the terrain in the background.
func (c *Connection) startStateTransfer(s *Server) {
	c.stopGenerator()
	c.quality = ClampQuality(c.quality)
	c.heldEdits = nil

	terrain := s.world.Terrain()
	s.send(c, &protocol.GameStateHeader{Properties: map[string]string{
		"server-name": s.opts.Name,
		"map-width":   strconv.Itoa(terrain.Width()),
		"map-height":  strconv.Itoa(terrain.Height()),
		"map-depth":   strconv.Itoa(terrain.Depth()),
		"map-quality": strconv.Itoa(c.quality),
	}})

	c.generator = NewMapGenerator(terrain.Snapshot(), c.quality)
	c.generator.Start()
	c.transferStart = time.Now()
	c.setState(StateMapTransfer, mapTransferTimeout)

	s.emit(events.EventMapTransferStarted, events.MapTransferPayload{
		Peer:    uint64(c.peer),
		Session: c.session,
		Quality: c.quality,
	})
}

func (c *Connection) stopGenerator() {
	if c.generator == nil {
		return
	}
	c.generator.Abort()
	c.generator.Wait()
	c.generator = nil
}

func (c *Connection) onMapDataAcknowledge(s *Server) error {
	s.send(c, &protocol.GameStateFinal{
		Properties: s.world.Parameters().Serialize(),
		Entities:   s.fullEntityState(),
		Players:    s.fullPlayerState(),
	})
	c.setState(StateGame, 0)

	if len(c.heldEdits) > 0 {
		s.send(c, &protocol.TerrainUpdate{Edits: c.heldEdits})
		c.heldEdits = nil
	}
	c.logger.Info().Dur("elapsed", time.Since(c.transferStart)).Msg("client entered game")
	return nil
}

func (c *Connection) onGenericCommand(s *Server, p *protocol.GenericCommand) error {
	if len(p.Parts) == 0 {
		c.logger.Debug().Msg("empty command ignored")
		return nil
	}

	switch p.Parts[0] {
	case protocol.CommandJoin:
		return c.join(s)
	case protocol.CommandLeave:
		c.leave(s)
	case protocol.CommandChat:
		if c.player == nil || len(p.Parts) < 2 {
			return nil
		}
		s.relayChat(c.player, p.Parts[1])
	default:
		c.logger.Info().Strs("parts", p.Parts).Msg("unhandled command")
	}
	return nil
}

func (c *Connection) join(s *Server) error {
	if c.player != nil {
		return nil
	}
	p, err := s.world.CreatePlayer(c.name)
	if errors.Is(err, world.ErrWorldFull) {
		return &disconnectError{reason: protocol.DisconnectServerFull, err: err}
	}
	if err != nil {
		return fmt.Errorf("failed to create player: %w", err)
	}
	c.player = p
	c.localPlayerNotified = false
	if _, err := s.world.SpawnPlayer(p); err != nil {
		return fmt.Errorf("failed to spawn player: %w", err)
	}

	id, _ := p.ID()
	s.emit(events.EventPlayerJoined, events.PlayerPayload{PlayerID: id, Name: c.name, Session: c.session})
	if s.opts.Motd != "" {
		s.send(c, &protocol.GenericCommand{Parts: []string{protocol.CommandChat, "", s.opts.Motd}})
	}
	return nil
}

func (c *Connection) leave(s *Server) {
	if c.player == nil {
		return
	}
	p := c.player
	id, _ := p.ID()
	c.player = nil
	c.localPlayerNotified = false
	if err := s.world.RemovePlayer(p); err != nil {
		c.logger.Error().Err(err).Msg("failed to remove player")
		return
	}
	s.emit(events.EventPlayerLeft, events.PlayerPayload{PlayerID: id, Name: p.Name(), Session: c.session})
}

// avatar returns the living entity controlled by this connection.
func (c *Connection) avatar() *world.Entity {
	if c.player == nil {
		return nil
	}
	e := c.player.Entity()
	if e == nil || e.IsDead() {
		return nil
	}
	return e
}

func (c *Connection) onClientSideEntityUpdate(p *protocol.ClientSideEntityUpdate) error {
	e := c.avatar()
	if e == nil {
		return nil
	}
	id, _ := e.ID()
	for _, it := range p.Items {
		if it.EntityID != id {
			c.logger.Debug().Uint32("entity_id", it.EntityID).Msg("ignoring update for foreign entity")
			continue
		}
		if it.Trajectory != nil {
			e.SetTrajectory(*it.Trajectory)
		}
		if it.Tool != nil {
			e.SetTool(*it.Tool)
		}
		if it.BlockColor != nil {
			e.SetBlockColor(*it.BlockColor)
		}
		if it.Input != nil {
			e.SetInput(*it.Input)
		}
		if it.Flags != nil {
			e.SetFlags(*it.Flags)
		}
	}
	return nil
}

func (c *Connection) onPlayerAction(s *Server, p *protocol.PlayerAction) error {
	e := c.avatar()
	if e == nil {
		return nil
	}

	switch p.Action {
	case protocol.ActionBuildBlock:
		s.world.BuildBlock(p.BlockPosition, p.Color, protocol.CreateCausePlayer)
	case protocol.ActionDestroyBlock:
		s.world.DestroyBlock(p.BlockPosition, protocol.DestroyCausePlayer)
	case protocol.ActionThrowGrenade:
		owner, _ := e.Owner()
		t := e.Trajectory()
		speed := float32(p.Param) / 100
		if speed <= 0 {
			speed = 10
		}
		vel := forward(t.Orientation).Scale(speed).Add(t.Velocity)
		origin := t.Origin.Add(protocol.Vector3{Z: 1.5})
		g := world.NewGrenade(&owner, origin, vel, s.world.Parameters().GrenadeFuse)
		if _, err := s.world.LinkEntity(g); err != nil {
			return fmt.Errorf("failed to link grenade: %w", err)
		}
	case protocol.ActionFire:
		s.world.EmitEntityEvent(e, protocol.EntityEventFire, p.Param)
	case protocol.ActionReload:
		s.world.EmitEntityEvent(e, protocol.EntityEventReload, p.Param)
	case protocol.ActionJump:
		s.world.EmitEntityEvent(e, protocol.EntityEventJump, p.Param)
	default:
		c.logger.Debug().Uint8("action", uint8(p.Action)).Msg("unknown player action")
	}
	return nil
}

// Damage per hit by tool and body part.
var hitDamage = map[protocol.Tool]map[protocol.HitPart]int{
	protocol.ToolWeapon: {
		protocol.HitTorso: 49,
		protocol.HitHead:  100,
		protocol.HitArms:  33,
		protocol.HitLegs:  33,
	},
	protocol.ToolSpade: {
		protocol.HitMelee: 80,
	},
}

func (c *Connection) onHitEntity(s *Server, p *protocol.HitEntity) error {
	attacker := c.avatar()
	if attacker == nil {
		return nil
	}
	target, ok := s.world.Entity(p.EntityID)
	if !ok || target == attacker {
		return nil
	}

	amount := hitDamage[p.Tool][p.Part]
	if amount == 0 {
		return nil
	}
	damage := protocol.DamageWeapon
	if p.Part == protocol.HitMelee {
		damage = protocol.DamageMelee
	}
	s.world.DamageEntity(target, amount, damage, attacker.Position(), attacker)
	return nil
}

func (c *Connection) onHitTerrain(s *Server, p *protocol.HitTerrain) error {
	if c.avatar() == nil || p.Tool != protocol.ToolSpade {
		return nil
	}
	s.world.DestroyBlock(p.BlockPosition, protocol.DestroyCausePlayer)
	return nil
}

// forward returns the unit x axis rotated by the quaternion q (x, y, z, w).
func forward(q [4]float32) protocol.Vector3 {
	x, y, z, w := q[0], q[1], q[2], q[3]
	return protocol.Vector3{
		X: 1 - 2*(y*y+z*z),
		Y: 2 * (x*y + w*z),
		Z: 2 * (x*z - w*y),
	}
}

// update runs the per-tick work of the connection: timeouts, map transfer
// and the local player notice.
func (c *Connection) update(s *Server, dt float64) {
	if c.state == StateDisconnected {
		return
	}

	if c.state != StateGame {
		c.timeout -= dt
		if c.timeout < 0 {
			c.logger.Warn().Str("state", c.state.String()).Msg("connection timed out")
			s.drop(c, protocol.DisconnectTimeout, "timed out")
			return
		}
	}

	switch c.state {
	case StateMapTransfer:
		c.pumpMap(s)
	case StateGame:
		if c.player != nil && !c.localPlayerNotified {
			if id, ok := c.player.ID(); ok {
				s.send(c, &protocol.GenericCommand{Parts: []string{protocol.CommandLocalPlayer, strconv.FormatUint(uint64(id), 10)}})
				c.localPlayerNotified = true
			}
		}
	}
}

func (c *Connection) pumpMap(s *Server) {
	g := c.generator
	if g == nil {
		return
	}
	// A failed or aborted transfer never completes; the state timeout
	// disconnects the client.
	if result, err := g.Result(); result == GeneratorFailed || result == GeneratorAborted {
		c.logger.Error().Err(err).Str("result", result.String()).Msg("map generation did not complete")
		c.generator = nil
		return
	}

	for s.transport.PendingBytes(c.peer) < mapSendWindow {
		sent := false
		done := g.SendAvailableBlock(func(fragment []byte) {
			s.send(c, &protocol.MapData{Fragment: fragment})
			sent = true
		})
		if done {
			c.finishMap(s)
			return
		}
		if !sent {
			return
		}
	}
}

func (c *Connection) finishMap(s *Server) {
	_, bytes := c.generator.Progress()
	c.generator = nil
	s.send(c, &protocol.MapDataFinal{})
	c.setState(StateCompletingMapTransfer, c.timeout)

	elapsed := time.Since(c.transferStart)
	c.logger.Info().Int64("bytes", bytes).Dur("elapsed", elapsed).Msg("map transfer completed")
	s.emit(events.EventMapTransferCompleted, events.MapTransferPayload{
		Peer:     uint64(c.peer),
		Session:  c.session,
		Quality:  c.quality,
		Bytes:    bytes,
		Duration: elapsed,
	})
}

// holdEdits keeps terrain edits for a client that is still receiving the map.
func (c *Connection) holdEdits(edits []protocol.MapEdit) {
	c.heldEdits = append(c.heldEdits, edits...)
}

// close releases the resources of a connection that is going away.
func (c *Connection) close(s *Server, reason protocol.DisconnectReason) {
	if c.state == StateDisconnected {
		return
	}
	c.stopGenerator()
	c.leave(s)
	c.state = StateDisconnected
	c.reason = reason
}
