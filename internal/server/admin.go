package server

import (
	"fmt"
	"time"

	"github.com/voxeld-project/voxeld/internal/events"
	"github.com/voxeld-project/voxeld/internal/network"
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/world"
)

// Info summarizes the server for status surfaces.
type Info struct {
	Name        string        `json:"name"`
	Protocol    string        `json:"protocol"`
	Players     int           `json:"players"`
	MaxPlayers  int           `json:"max_players"`
	Connections int           `json:"connections"`
	Entities    int           `json:"entities"`
	Ticks       uint64        `json:"ticks"`
	WorldTime   float64       `json:"world_time_sec"`
	Uptime      time.Duration `json:"uptime"`
	MapWidth    int           `json:"map_width"`
	MapHeight   int           `json:"map_height"`
	MapDepth    int           `json:"map_depth"`
}

// PlayerInfo is a read-only view of a player.
type PlayerInfo struct {
	ID     uint32           `json:"id"`
	Name   string           `json:"name"`
	Team   uint8            `json:"team"`
	Score  int32            `json:"score"`
	Deaths uint32           `json:"deaths"`
	Alive  bool             `json:"alive"`
	Health int              `json:"health"`
	Pos    protocol.Vector3 `json:"position"`
	Peer   *uint64          `json:"peer,omitempty"`
}

// EntityInfo is a read-only view of an entity.
type EntityInfo struct {
	ID       uint32              `json:"id"`
	Kind     protocol.EntityKind `json:"kind"`
	Owner    *uint32             `json:"owner,omitempty"`
	Position protocol.Vector3    `json:"position"`
	Health   int                 `json:"health,omitempty"`
	Dead     bool                `json:"dead,omitempty"`
}

// Ticks returns the number of completed ticks.
func (s *Server) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Info returns a status summary.
func (s *Server) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	terrain := s.world.Terrain()
	return Info{
		Name:        s.opts.Name,
		Protocol:    protocol.ProtocolName,
		Players:     len(s.players),
		MaxPlayers:  s.opts.MaxPlayers,
		Connections: len(s.connections),
		Entities:    len(s.entities),
		Ticks:       s.ticks,
		WorldTime:   s.world.Time(),
		Uptime:      time.Since(s.started),
		MapWidth:    terrain.Width(),
		MapHeight:   terrain.Height(),
		MapDepth:    terrain.Depth(),
	}
}

// PingInfo reports the values announced to discovery probes.
func (s *Server) PingInfo() (name string, players, maxPlayers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Name, len(s.players), s.opts.MaxPlayers
}

// Connections lists the connected peers ordered by peer id.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(s.connections))
	for _, c := range s.sortedConnections() {
		out = append(out, c.info())
	}
	return out
}

// Players lists the registered players ordered by id.
func (s *Server) Players() []PlayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PlayerInfo, 0, len(s.players))
	for _, p := range s.world.Players() {
		id, _ := p.ID()
		pi := PlayerInfo{
			ID:     id,
			Name:   p.Name(),
			Team:   p.Team(),
			Score:  p.Score(),
			Deaths: p.Deaths(),
		}
		if e := p.Entity(); e != nil && !e.IsDead() {
			pi.Alive = true
			pi.Health = e.Health()
			pi.Pos = e.Position()
		}
		if c := s.connectionFor(id); c != nil {
			peer := uint64(c.peer)
			pi.Peer = &peer
		}
		out = append(out, pi)
	}
	return out
}

// Entities lists the linked entities ordered by id.
func (s *Server) Entities() []EntityInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EntityInfo, 0, len(s.entities))
	for _, e := range s.world.Entities() {
		id, _ := e.ID()
		ei := EntityInfo{
			ID:       id,
			Kind:     e.Kind(),
			Position: e.Position(),
			Dead:     e.IsDead(),
		}
		if owner, ok := e.Owner(); ok {
			ei.Owner = &owner
		}
		if e.HasHealth() {
			ei.Health = e.Health()
		}
		out = append(out, ei)
	}
	return out
}

// Kick sends reason to the peer and disconnects it.
func (s *Server) Kick(peer uint64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[network.PeerID(peer)]
	if !ok || c.state == StateDisconnected {
		return fmt.Errorf("peer %d: %w", peer, ErrUnknownPeer)
	}
	s.kick(c, reason)
	s.emit(events.EventKick, events.KickPayload{Peer: peer, Addr: c.addr, Reason: reason})
	return nil
}

// KickHost disconnects every peer connecting from host and returns how many
// were kicked.
func (s *Server) KickHost(host, reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.sortedConnections() {
		if c.state == StateDisconnected || network.HostOf(c.addr) != host {
			continue
		}
		s.kick(c, reason)
		n++
	}
	return n
}

// Parameters returns the world parameters in their wire form.
func (s *Server) Parameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.Parameters().Serialize()
}

// UpdateParameters applies changed world parameters. Clients receive them
// with their next GameStateFinal.
func (s *Server) UpdateParameters(props map[string]string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := s.world.Parameters()
	params.Update(props)
	s.world.SetParameters(params)
	out := params.Serialize()

	s.logger.Info().Interface("params", props).Msg("world parameters updated")
	s.emit(events.EventParamsChanged, events.ParamsChangedPayload{Params: out})
	return out
}

// snapshot copies the terrain so it can be written without holding the lock.
func (s *Server) snapshot() *world.GameMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.Terrain().Snapshot()
}

// SaveMap writes the current terrain to a map file.
func (s *Server) SaveMap(path string, level int) error {
	start := time.Now()
	if err := world.SaveTerrainFile(path, s.snapshot(), level); err != nil {
		return err
	}
	s.logger.Info().Str("path", path).Dur("elapsed", time.Since(start)).Msg("map saved")
	return nil
}

// ExportBlockStore writes the current terrain to a bolt block store.
func (s *Server) ExportBlockStore(path string) error {
	start := time.Now()
	if err := world.ExportBoltStore(path, s.snapshot()); err != nil {
		return err
	}
	s.logger.Info().Str("path", path).Dur("elapsed", time.Since(start)).Msg("block store exported")
	return nil
}
