// Package server is the authoritative game core: it owns the world, drives
// one state machine per connected peer and replicates world changes to the
// clients that finished the handshake.
package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/world"
)

// ErrUnknownPeer is returned by admin operations on a peer that is not connected.
var ErrUnknownPeer = errors.New("unknown peer")

// Transport is the part of the network host the server drives each tick.
type Transport interface {
	PollEvents(fn func(network.Event)) int
	Send(id network.PeerID, data []byte) error
	Disconnect(id network.PeerID, reason protocol.DisconnectReason)
	PendingBytes(id network.PeerID) int
}

// Options tune a Server.
type Options struct {
	Name       string
	MaxPlayers int
	// PacketsPerSec and PacketBurst limit inbound packets per connection.
	// Zero disables the limit.
	PacketsPerSec float64
	PacketBurst   int
	// Motd is sent as a chat line to joining players.
	Motd string
	// TickBudget is the duration above which a tick is reported as long.
	TickBudget time.Duration
}

// Server is the orchestrator. Update must be called from one goroutine; the
// admin accessors may be called from any goroutine.
type Server struct {
	mu sync.Mutex

	opts      Options
	transport Transport
	world     *world.World
	sub       *world.Subscription
	bus       *events.EventBus
	monitor   *TickMonitor

	connections map[network.PeerID]*Connection
	entities    map[uint32]entityShadow
	players     map[uint32]*ServerPlayer

	ticks   uint64
	started time.Time
	logger  zerolog.Logger
}

// New creates a server over w. bus may be nil.
func New(transport Transport, w *world.World, bus *events.EventBus, opts Options) *Server {
	if opts.TickBudget <= 0 {
		opts.TickBudget = 50 * time.Millisecond
	}
	s := &Server{
		opts:        opts,
		transport:   transport,
		world:       w,
		bus:         bus,
		monitor:     NewTickMonitor(bus, opts.TickBudget),
		connections: make(map[network.PeerID]*Connection),
		entities:    make(map[uint32]entityShadow),
		players:     make(map[uint32]*ServerPlayer),
		started:     time.Now(),
		logger:      log.With().Str("component", "server").Logger(),
	}

	for _, p := range w.Players() {
		id, _ := p.ID()
		s.players[id] = newServerPlayer(p)
	}
	for _, e := range w.Entities() {
		id, _ := e.ID()
		s.entities[id] = newEntityShadow(e)
	}
	s.sub = w.Subscribe(worldListener{s: s})
	return s
}

// Monitor returns the tick monitor.
func (s *Server) Monitor() *TickMonitor { return s.monitor }

// Update runs one tick: transport events, connection state machines, world
// simulation, shadow logic and delta broadcast.
func (s *Server) Update(dt float64) {
	start := time.Now()

	s.mu.Lock()
	s.transport.PollEvents(s.handleEvent)
	for _, c := range s.sortedConnections() {
		c.update(s, dt)
	}
	s.world.Advance(dt)
	s.tickShadows(dt)
	s.broadcastDeltas()
	s.ticks++
	tick := s.ticks
	s.mu.Unlock()

	s.monitor.Observe(tick, time.Since(start))
}

// Run calls Update every interval with the measured elapsed time until ctx
// is cancelled.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", interval).Msg("tick loop started")
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Uint64("ticks", s.Ticks()).Msg("tick loop stopped")
			return
		case now := <-ticker.C:
			s.Update(now.Sub(last).Seconds())
			last = now
		}
	}
}

// Shutdown releases every connection and detaches from the world. The
// transport is closed by its owner.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.sortedConnections() {
		c.close(s, protocol.DisconnectServerStopped)
	}
	s.sub.Cancel()
	s.emit(events.EventShutdown, nil)
	s.logger.Info().Int("connections", len(s.connections)).Msg("server shut down")
}

func (s *Server) sortedConnections() []*Connection {
	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].peer < out[j].peer })
	return out
}

// ---- Transport events ----

func (s *Server) handleEvent(ev network.Event) {
	switch ev.Type {
	case network.EventConnect:
		s.clientConnected(ev.Peer, ev.Addr)
	case network.EventReceive:
		if c, ok := s.connections[ev.Peer]; ok {
			s.deliver(c, ev.Data)
		}
	case network.EventDisconnect:
		c, ok := s.connections[ev.Peer]
		if !ok {
			return
		}
		reason := ev.Reason
		if c.state == StateDisconnected {
			reason = c.reason
		}
		c.close(s, reason)
		delete(s.connections, ev.Peer)

		c.logger.Info().Str("reason", reason.String()).Msg("peer disconnected")
		s.emit(events.EventPeerDisconnected, events.PeerPayload{
			Peer:       uint64(c.peer),
			Session:    c.session,
			Addr:       c.addr,
			PlayerName: c.name,
			Reason:     reason,
			Duration:   time.Since(c.connectedAt),
		})
	}
}

func (s *Server) clientConnected(peer network.PeerID, addr string) {
	var limiter *rate.Limiter
	if s.opts.PacketsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.opts.PacketsPerSec), max(s.opts.PacketBurst, 1))
	}
	c := newConnection(peer, addr, limiter)
	s.connections[peer] = c

	if err := c.initialize(s); err != nil {
		c.logger.Error().Err(err).Msg("failed to initialize connection")
		s.disconnect(c, protocol.DisconnectInternalServerError)
		return
	}

	c.logger.Info().Str("addr", addr).Msg("peer connected")
	s.emit(events.EventPeerConnected, events.PeerPayload{Peer: uint64(peer), Session: c.session, Addr: addr})
}

// deliver is the single error boundary for inbound packets.
func (s *Server) deliver(c *Connection, data []byte) {
	if c.state == StateDisconnected {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("packet handler panicked")
			s.drop(c, protocol.DisconnectMalformedPacket, "malformed packet")
		}
	}()

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Warn().Msg("packet rate exceeded")
		s.kick(c, "too many packets")
		return
	}

	pkt, err := protocol.Decode(data)
	if err == nil && !pkt.Type().FromClient() {
		err = fmt.Errorf("%s is not sent by clients: %w", pkt.Type(), ErrUnexpectedPacket)
	}
	if err == nil {
		err = c.handlePacket(s, pkt)
	}
	if err == nil {
		return
	}

	reason, text := protocol.DisconnectMalformedPacket, "malformed packet"
	var de *disconnectError
	if errors.As(err, &de) {
		reason, text = de.reason, de.Error()
	}
	c.logger.Warn().Err(err).Str("state", c.state.String()).Str("reason", reason.String()).Msg("dropping peer")
	s.drop(c, reason, text)
}

// send encodes pkt for one connection. Send failures are handled by the
// transport, which drops the peer.
func (s *Server) send(c *Connection, pkt protocol.Packet) {
	if err := s.transport.Send(c.peer, protocol.Encode(pkt)); err != nil {
		c.logger.Debug().Err(err).Str("packet", pkt.Type().String()).Msg("send failed")
	}
}

// broadcast sends pkt to every connection in the game state.
func (s *Server) broadcast(pkt protocol.Packet) {
	var data []byte
	for _, c := range s.sortedConnections() {
		if c.state != StateGame {
			continue
		}
		if data == nil {
			data = protocol.Encode(pkt)
		}
		if err := s.transport.Send(c.peer, data); err != nil {
			c.logger.Debug().Err(err).Str("packet", pkt.Type().String()).Msg("send failed")
		}
	}
}

func (s *Server) disconnect(c *Connection, reason protocol.DisconnectReason) {
	if c.state == StateDisconnected {
		return
	}
	c.close(s, reason)
	s.transport.Disconnect(c.peer, reason)
}

// drop tells the peer why it is being disconnected, then disconnects it.
func (s *Server) drop(c *Connection, reason protocol.DisconnectReason, text string) {
	if c.state == StateDisconnected {
		return
	}
	s.send(c, &protocol.Kick{Reason: text})
	s.disconnect(c, reason)
}

func (s *Server) kick(c *Connection, text string) {
	if c.state == StateDisconnected {
		return
	}
	c.logger.Info().Str("reason", text).Msg("kicking peer")
	s.send(c, &protocol.Kick{Reason: text})
	s.disconnect(c, protocol.DisconnectMisc)
}

func (s *Server) emit(t events.EventType, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(context.Background(), events.Event{Type: t, Source: "server", Payload: payload})
}

func (s *Server) relayChat(p *world.Player, text string) {
	id, _ := p.ID()
	s.broadcast(&protocol.GenericCommand{Parts: []string{protocol.CommandChat, p.Name(), text}})
	s.emit(events.EventChat, events.ChatPayload{PlayerID: id, Name: p.Name(), Text: text})
}

// connectionFor returns the connection controlling the given player.
func (s *Server) connectionFor(playerID uint32) *Connection {
	for _, c := range s.connections {
		if c.player == nil {
			continue
		}
		if id, ok := c.player.ID(); ok && id == playerID {
			return c
		}
	}
	return nil
}

// ---- Replication ----

func sortedKeys[V any](m map[uint32]V) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Server) tickShadows(dt float64) {
	for _, id := range sortedKeys(s.entities) {
		// A shadow may be dropped by an earlier one's tick.
		if se, ok := s.entities[id]; ok {
			se.Tick(s, dt)
		}
	}
}

func (s *Server) broadcastDeltas() {
	var entityItems []protocol.EntityUpdateItem
	for _, id := range sortedKeys(s.entities) {
		if it, ok := s.entities[id].DeltaSerialize(); ok {
			entityItems = append(entityItems, it)
		}
	}
	if len(entityItems) > 0 {
		s.broadcast(&protocol.EntityUpdate{Items: entityItems})
	}

	var playerItems []protocol.PlayerUpdateItem
	for _, id := range sortedKeys(s.players) {
		if it, ok := s.players[id].DeltaSerialize(); ok {
			playerItems = append(playerItems, it)
		}
	}
	if len(playerItems) > 0 {
		s.broadcast(&protocol.PlayerUpdate{Items: playerItems})
	}
}

func (s *Server) fullEntityState() []protocol.EntityUpdateItem {
	items := make([]protocol.EntityUpdateItem, 0, len(s.entities))
	for _, id := range sortedKeys(s.entities) {
		items = append(items, s.entities[id].Serialize())
	}
	return items
}

func (s *Server) fullPlayerState() []protocol.PlayerUpdateItem {
	items := make([]protocol.PlayerUpdateItem, 0, len(s.players))
	for _, id := range sortedKeys(s.players) {
		items = append(items, s.players[id].Serialize())
	}
	return items
}

// sendTerrain delivers edits to clients in game and holds them for clients
// still receiving a map snapshot that predates them.
func (s *Server) sendTerrain(edits []protocol.MapEdit) {
	s.broadcast(&protocol.TerrainUpdate{Edits: edits})
	for _, c := range s.connections {
		if c.state == StateMapTransfer || c.state == StateCompletingMapTransfer {
			c.holdEdits(edits)
		}
	}
}

// worldListener reacts to world changes on the tick goroutine.
type worldListener struct {
	s *Server
}

func (l worldListener) EntityLinked(e *world.Entity) {
	id, _ := e.ID()
	l.s.entities[id] = newEntityShadow(e)
}

func (l worldListener) EntityUnlinked(e *world.Entity) {
	id, _ := e.ID()
	l.s.broadcast(&protocol.EntityRemove{EntityID: id})
	delete(l.s.entities, id)
}

func (l worldListener) PlayerCreated(p *world.Player) {
	id, _ := p.ID()
	l.s.players[id] = newServerPlayer(p)
}

func (l worldListener) PlayerRemoved(p *world.Player) {
	id, _ := p.ID()
	l.s.broadcast(&protocol.PlayerRemove{PlayerID: id})
	delete(l.s.players, id)
}

func (l worldListener) MapEditsFlushed(edits []protocol.MapEdit) {
	l.s.sendTerrain(edits)
}

func (l worldListener) BlocksFalling(cluster []protocol.IntVector3) {
	edits := make([]protocol.MapEdit, len(cluster))
	for i, p := range cluster {
		edits[i] = protocol.MapEdit{Position: p, DestroyCause: protocol.DestroyCauseFalling}
	}
	l.s.sendTerrain(edits)
}

func (l worldListener) EntityDamaged(e *world.Entity, amount int, damage protocol.DamageType, source protocol.Vector3) {
	owner, ok := e.Owner()
	if !ok || e.Kind() != protocol.EntityKindPlayer {
		return
	}
	c := l.s.connectionFor(owner)
	if c == nil || c.state != StateGame {
		return
	}
	id, _ := e.ID()
	l.s.send(c, &protocol.Damage{
		EntityID:   id,
		Amount:     uint8(min(amount, 255)),
		DamageType: damage,
		Source:     source,
	})
}

func (l worldListener) EntityDied(e *world.Entity, killerID *uint32, damage protocol.DamageType) {
	id, _ := e.ID()
	l.s.broadcast(&protocol.EntityDie{EntityID: id, KillerID: killerID, DamageType: damage})
}

func (l worldListener) EntityEvent(e *world.Entity, event protocol.EntityEventType, param uint32) {
	id, _ := e.ID()
	l.s.broadcast(&protocol.EntityEvent{EntityID: id, Event: event, Param: param})
}
