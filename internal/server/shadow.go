package server

import (
	"github.com/voxeld-project/voxeld/internal/protocol"
	"github.com/voxeld-project/voxeld/internal/world"
)

// clientFrameRate converts the per-frame velocities of the world parameters
// into blocks per second.
const clientFrameRate = 60

// deltaField returns cur when it differs from prev. A field that disappears
// is not representable on the wire and yields nil as well.
func deltaField[T comparable](cur, prev *T) *T {
	if cur == nil {
		return nil
	}
	if prev == nil || *cur != *prev {
		return cur
	}
	return nil
}

// entityShadow is the server-side companion of a linked entity. It holds the
// state last broadcast for that entity.
type entityShadow interface {
	Entity() *world.Entity
	Tick(s *Server, dt float64)
	Serialize() protocol.EntityUpdateItem
	DeltaSerialize() (protocol.EntityUpdateItem, bool)
}

// newEntityShadow picks the shadow variant for an entity kind.
func newEntityShadow(e *world.Entity) entityShadow {
	switch e.Kind() {
	case protocol.EntityKindPlayer:
		return &ServerPlayerEntity{ServerEntity: ServerEntity{entity: e}}
	default:
		return &ServerEntity{entity: e}
	}
}

// ServerEntity tracks the replicated state of one entity.
type ServerEntity struct {
	entity  *world.Entity
	last    protocol.EntityUpdateItem
	hasLast bool
}

func (se *ServerEntity) Entity() *world.Entity { return se.entity }

func (se *ServerEntity) Tick(*Server, float64) {}

// Serialize returns the full state, create payload included.
func (se *ServerEntity) Serialize() protocol.EntityUpdateItem {
	return se.entity.Serialize()
}

// DeltaSerialize returns the fields that changed since the previous call and
// records the current state as sent. The first call returns the full state.
// ok is false when nothing changed.
func (se *ServerEntity) DeltaSerialize() (protocol.EntityUpdateItem, bool) {
	cur := se.entity.Serialize()
	if !se.hasLast {
		se.last, se.hasLast = cur, true
		return cur, true
	}

	prev := se.last
	se.last = cur
	item := protocol.EntityUpdateItem{
		EntityID:   cur.EntityID,
		Trajectory: deltaField(cur.Trajectory, prev.Trajectory),
		Health:     deltaField(cur.Health, prev.Health),
		Tool:       deltaField(cur.Tool, prev.Tool),
		BlockColor: deltaField(cur.BlockColor, prev.BlockColor),
		Input:      deltaField(cur.Input, prev.Input),
		Flags:      deltaField(cur.Flags, prev.Flags),
	}
	return item, !item.IsEmpty()
}

// ServerPlayerEntity adds fall damage to the avatar shadow. The trajectory is
// reported by the owning client; a landing is a downward velocity that stops.
type ServerPlayerEntity struct {
	ServerEntity
	lastVelZ float32
}

func (pe *ServerPlayerEntity) Tick(s *Server, _ float64) {
	e := pe.entity
	if e.IsDead() {
		pe.lastVelZ = 0
		return
	}

	velZ := e.Trajectory().Velocity.Z
	falling := pe.lastVelZ
	pe.lastVelZ = velZ
	if falling >= 0 || velZ < 0 {
		return
	}

	params := s.world.Parameters()
	impact := float64(-falling) / clientFrameRate
	if impact < params.FallDamageVelocity {
		return
	}

	amount := e.Health()
	if impact < params.FallDamageFatalVelocity {
		span := params.FallDamageFatalVelocity - params.FallDamageVelocity
		amount = int(float64(params.PlayerMaxHealth) * (impact - params.FallDamageVelocity) / span)
	}
	if amount > 0 {
		s.world.DamageEntity(e, amount, protocol.DamageFall, e.Position(), nil)
	}
}

// ServerPlayer tracks the replicated state of one player.
type ServerPlayer struct {
	player  *world.Player
	last    protocol.PlayerUpdateItem
	hasLast bool
}

func newServerPlayer(p *world.Player) *ServerPlayer {
	return &ServerPlayer{player: p}
}

// Player returns the tracked player.
func (sp *ServerPlayer) Player() *world.Player { return sp.player }

// Serialize returns the full state, create payload included.
func (sp *ServerPlayer) Serialize() protocol.PlayerUpdateItem {
	return sp.player.Serialize()
}

// DeltaSerialize works like ServerEntity.DeltaSerialize.
func (sp *ServerPlayer) DeltaSerialize() (protocol.PlayerUpdateItem, bool) {
	cur := sp.player.Serialize()
	if !sp.hasLast {
		sp.last, sp.hasLast = cur, true
		return cur, true
	}

	prev := sp.last
	sp.last = cur
	item := protocol.PlayerUpdateItem{
		PlayerID: cur.PlayerID,
		Team:     deltaField(cur.Team, prev.Team),
		Score:    deltaField(cur.Score, prev.Score),
		Deaths:   deltaField(cur.Deaths, prev.Deaths),
	}
	return item, !item.IsEmpty()
}
