package world

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// FirstEntityID is the lowest id handed to non-player entities. Ids below it
// belong to player avatars.
const FirstEntityID = MaxPlayers

// fallingBlockLifetime is how long debris entities stay linked.
const fallingBlockLifetime = 2.0

var (
	// ErrAlreadyLinked is returned when linking an entity that already has an id.
	ErrAlreadyLinked = errors.New("entity already linked")
	// ErrNotLinked is returned when unlinking an entity without an id.
	ErrNotLinked = errors.New("not linked")
	// ErrIDInUse is returned when a player avatar's id is taken.
	ErrIDInUse = errors.New("id already in use")
	// ErrWorldFull is returned when the player id space is exhausted.
	ErrWorldFull = errors.New("no free player id")
)

// World is the authoritative simulation state. It is not safe for concurrent
// use; the server tick owns it.
type World struct {
	params   Parameters
	terrain  *GameMap
	entities map[uint32]*Entity
	players  map[uint32]*Player
	pending  map[protocol.IntVector3]protocol.MapEdit

	listeners      []listenerEntry
	nextListenerID int

	time   float64
	logger zerolog.Logger
}

// New creates a world over the given terrain.
func New(terrain *GameMap, params Parameters) *World {
	return &World{
		params:   params,
		terrain:  terrain,
		entities: make(map[uint32]*Entity),
		players:  make(map[uint32]*Player),
		pending:  make(map[protocol.IntVector3]protocol.MapEdit),
		logger:   log.With().Str("component", "world").Logger(),
	}
}

// Parameters returns the gameplay constants.
func (w *World) Parameters() Parameters { return w.params }

// SetParameters replaces the gameplay constants.
func (w *World) SetParameters(p Parameters) { w.params = p }

// Terrain returns the live terrain. Callers on other goroutines must use a Snapshot.
func (w *World) Terrain() *GameMap { return w.terrain }

// Time returns the simulated seconds since creation.
func (w *World) Time() float64 { return w.time }

// Entity looks up a linked entity.
func (w *World) Entity(id uint32) (*Entity, bool) {
	e, ok := w.entities[id]
	return e, ok
}

// Player looks up a registered player.
func (w *World) Player(id uint32) (*Player, bool) {
	p, ok := w.players[id]
	return p, ok
}

// Entities returns the linked entities ordered by id.
func (w *World) Entities() []*Entity {
	ids := make([]uint32, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Entity, len(ids))
	for i, id := range ids {
		out[i] = w.entities[id]
	}
	return out
}

// Players returns the registered players ordered by id.
func (w *World) Players() []*Player {
	ids := make([]uint32, 0, len(w.players))
	for id := range w.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Player, len(ids))
	for i, id := range ids {
		out[i] = w.players[id]
	}
	return out
}

// ---- Entities ----

// LinkEntity assigns an id to e and registers it. Player avatars take their
// owner's id; every other entity gets the smallest unused id >= FirstEntityID.
func (w *World) LinkEntity(e *Entity) (uint32, error) {
	if e.linked {
		return e.id, ErrAlreadyLinked
	}

	var id uint32
	if e.kind == protocol.EntityKindPlayer {
		if e.owner == nil || *e.owner >= MaxPlayers {
			return 0, fmt.Errorf("player entity without valid owner: %w", ErrIDInUse)
		}
		id = *e.owner
		if _, taken := w.entities[id]; taken {
			return 0, fmt.Errorf("entity %d: %w", id, ErrIDInUse)
		}
	} else {
		id = FirstEntityID
		for {
			if _, taken := w.entities[id]; !taken {
				break
			}
			id++
		}
	}

	e.id = id
	e.linked = true
	w.entities[id] = e

	w.logger.Debug().Uint32("entity_id", id).Str("kind", e.kind.String()).Msg("entity linked")
	w.notify(func(l Listener) { l.EntityLinked(e) })
	return id, nil
}

// UnlinkEntity removes e from the world. Listeners see the entity with its id
// still set.
func (w *World) UnlinkEntity(e *Entity) error {
	if !e.linked {
		return ErrNotLinked
	}

	w.notify(func(l Listener) { l.EntityUnlinked(e) })

	delete(w.entities, e.id)
	if e.kind == protocol.EntityKindPlayer && e.owner != nil {
		if p, ok := w.players[*e.owner]; ok && p.entity == e {
			p.entity = nil
		}
	}
	w.logger.Debug().Uint32("entity_id", e.id).Str("kind", e.kind.String()).Msg("entity unlinked")
	e.id = 0
	e.linked = false
	return nil
}

// ---- Players ----

// CreatePlayer registers a new player under the smallest unused id in [0, MaxPlayers).
func (w *World) CreatePlayer(name string) (*Player, error) {
	var id uint32
	for ; id < MaxPlayers; id++ {
		if _, taken := w.players[id]; !taken {
			break
		}
	}
	if id == MaxPlayers {
		return nil, ErrWorldFull
	}

	p := &Player{id: id, linked: true, name: name}
	w.players[id] = p

	w.logger.Info().Uint32("player_id", id).Str("name", name).Msg("player created")
	w.notify(func(l Listener) { l.PlayerCreated(p) })
	return p, nil
}

// RemovePlayer unlinks the player's avatar, then removes the player.
func (w *World) RemovePlayer(p *Player) error {
	if !p.linked {
		return ErrNotLinked
	}
	if p.entity != nil && p.entity.linked {
		if err := w.UnlinkEntity(p.entity); err != nil {
			return err
		}
	}
	p.entity = nil
	p.respawnPending = false

	w.notify(func(l Listener) { l.PlayerRemoved(p) })

	delete(w.players, p.id)
	w.logger.Info().Uint32("player_id", p.id).Str("name", p.name).Msg("player removed")
	p.id = 0
	p.linked = false
	return nil
}

// SpawnPlayer creates and links the player's avatar above the terrain.
func (w *World) SpawnPlayer(p *Player) (*Entity, error) {
	if !p.linked {
		return nil, ErrNotLinked
	}
	if p.entity != nil {
		return p.entity, nil
	}

	e := NewPlayerEntity(p.id, w.spawnPoint(p.id), w.params.PlayerMaxHealth)
	if _, err := w.LinkEntity(e); err != nil {
		return nil, err
	}
	p.entity = e
	p.respawnPending = false
	return e, nil
}

// spawnPoint picks a column near the map center, spread by player id, and
// returns the position just above its highest block.
func (w *World) spawnPoint(playerID uint32) protocol.Vector3 {
	m := w.terrain
	x := m.width/2 + int(playerID%16)*2 - 16
	y := m.height/2 + int(playerID/16%16)*2 - 16
	x = min(max(x, 0), m.width-1)
	y = min(max(y, 0), m.height-1)

	top := 0
	for z := m.depth - 1; z >= 0; z-- {
		if m.IsSolid(x, y, z) {
			top = z + 1
			break
		}
	}
	return protocol.Vector3{X: float32(x) + 0.5, Y: float32(y) + 0.5, Z: float32(top) + 1.5}
}

// ---- Damage ----

// DamageEntity subtracts health. An entity reaching zero health dies: its
// death is announced, scores are updated and it is unlinked. A player avatar
// respawns after the configured delay.
func (w *World) DamageEntity(e *Entity, amount int, damage protocol.DamageType, source protocol.Vector3, attacker *Entity) {
	if !e.linked || e.IsDead() || !e.HasHealth() || amount <= 0 {
		return
	}

	e.health = max(e.health-amount, 0)
	w.notify(func(l Listener) { l.EntityDamaged(e, amount, damage, source) })
	if e.health > 0 {
		return
	}

	e.flags |= protocol.EntityFlagDead
	var killerID *uint32
	if attacker != nil && attacker.linked {
		id := attacker.id
		killerID = &id
	}
	w.notify(func(l Listener) { l.EntityDied(e, killerID, damage) })

	if owner, ok := e.Owner(); ok && e.kind == protocol.EntityKindPlayer {
		if victim, ok := w.players[owner]; ok {
			victim.deaths++
			victim.respawnPending = true
			victim.respawnTimer = w.params.RespawnTime
		}
		if attacker != nil {
			if killer, ok := attacker.Owner(); ok && killer != owner {
				if kp, ok := w.players[killer]; ok {
					kp.score++
				}
			}
		}
	}

	if err := w.UnlinkEntity(e); err != nil {
		w.logger.Error().Err(err).Msg("failed to unlink dead entity")
	}
}

// EmitEntityEvent announces a one-shot event on a linked entity.
func (w *World) EmitEntityEvent(e *Entity, event protocol.EntityEventType, param uint32) {
	if !e.linked {
		return
	}
	w.notify(func(l Listener) { l.EntityEvent(e, event, param) })
}

// ---- Simulation ----

// Advance steps the simulation by dt seconds: entities move, fuses and
// lifetimes run down, dead players respawn, and pending edits are flushed.
func (w *World) Advance(dt float64) {
	w.time += dt

	for _, e := range w.Entities() {
		if !e.linked {
			// Unlinked by an earlier entity in this pass.
			continue
		}
		e.Advance(dt)

		switch e.kind {
		case protocol.EntityKindGrenade:
			e.remaining -= dt
			if e.remaining <= 0 {
				w.explode(e)
			}
		case protocol.EntityKindFallingBlock:
			e.remaining -= dt
			if e.remaining <= 0 {
				if err := w.UnlinkEntity(e); err != nil {
					w.logger.Warn().Err(err).Msg("failed to unlink expired falling block")
				}
			}
		case protocol.EntityKindPlayer:
			if e.trajectory.Origin.Z < -float32(w.terrain.depth) {
				w.DamageEntity(e, e.health, protocol.DamageOutOfWorld, e.trajectory.Origin, nil)
			}
		}
	}

	for _, p := range w.Players() {
		if !p.respawnPending {
			continue
		}
		p.respawnTimer -= dt
		if p.respawnTimer <= 0 {
			if _, err := w.SpawnPlayer(p); err != nil {
				w.logger.Error().Err(err).Uint32("player_id", p.id).Msg("failed to respawn player")
				p.respawnPending = false
			}
		}
	}

	w.FlushEdits()
}

// explode destroys blocks and damages player avatars around a grenade, then
// removes it.
func (w *World) explode(g *Entity) {
	w.EmitEntityEvent(g, protocol.EntityEventExplode, 0)

	center := g.trajectory.Origin
	radius := w.params.GrenadeRadius
	cx, cy, cz := int(math.Floor(float64(center.X))), int(math.Floor(float64(center.Y))), int(math.Floor(float64(center.Z)))
	for x := cx - radius; x <= cx+radius; x++ {
		for y := cy - radius; y <= cy+radius; y++ {
			for z := cz - radius; z <= cz+radius; z++ {
				dx, dy, dz := x-cx, y-cy, z-cz
				if dx*dx+dy*dy+dz*dz > radius*radius || !w.terrain.IsSolid(x, y, z) {
					continue
				}
				w.DestroyBlock(protocol.IntVector3{X: int32(x), Y: int32(y), Z: int32(z)}, protocol.DestroyCauseExplosion)
			}
		}
	}

	var thrower *Entity
	if owner, ok := g.Owner(); ok {
		if p, ok := w.players[owner]; ok {
			thrower = p.entity
		}
	}
	reach := float64(radius) * 2
	for _, e := range w.Entities() {
		if e.kind != protocol.EntityKindPlayer {
			continue
		}
		d := distance(e.trajectory.Origin, center)
		if d >= reach {
			continue
		}
		amount := int(float64(w.params.GrenadeDamage) * (1 - d/reach))
		w.DamageEntity(e, amount, protocol.DamageExplosion, center, thrower)
	}

	// Listeners may already have removed the grenade.
	if err := w.UnlinkEntity(g); err != nil {
		w.logger.Warn().Err(err).Msg("failed to unlink exploded grenade")
	}
}

func distance(a, b protocol.Vector3) float64 {
	dx, dy, dz := float64(a.X-b.X), float64(a.Y-b.Y), float64(a.Z-b.Z)
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
