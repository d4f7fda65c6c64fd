package world

import (
	"github.com/voxeld-project/voxeld/internal/protocol"
)

// Gravity in blocks per second squared, applied to gravity trajectories.
const Gravity = 32.0

// Entity is a simulated object. Its kind is fixed at construction.
//
// An entity is linked while it has an id; only the World assigns and clears ids.
type Entity struct {
	kind   protocol.EntityKind
	id     uint32
	linked bool
	owner  *uint32

	trajectory protocol.Trajectory
	health     int
	tool       protocol.Tool
	blockColor protocol.Color
	input      uint16
	flags      protocol.EntityFlags

	// remaining is the grenade fuse or debris lifetime in seconds.
	remaining float64
	// blocks is the payload of a falling-block entity.
	blocks int
}

// NewPlayerEntity creates the avatar of a player. It links under the player's id.
func NewPlayerEntity(playerID uint32, origin protocol.Vector3, health int) *Entity {
	owner := playerID
	return &Entity{
		kind:   protocol.EntityKindPlayer,
		owner:  &owner,
		health: health,
		tool:   protocol.ToolSpade,
		trajectory: protocol.Trajectory{
			Type:        protocol.TrajectoryPlayer,
			Origin:      origin,
			Orientation: [4]float32{0, 0, 0, 1},
		},
		blockColor: protocol.Color{R: 112, G: 112, B: 112},
	}
}

// NewGrenade creates a thrown grenade that explodes after fuse seconds.
func NewGrenade(owner *uint32, origin, velocity protocol.Vector3, fuse float64) *Entity {
	return &Entity{
		kind:      protocol.EntityKindGrenade,
		owner:     owner,
		remaining: fuse,
		trajectory: protocol.Trajectory{
			Type:        protocol.TrajectoryGravity,
			Origin:      origin,
			Velocity:    velocity,
			Orientation: [4]float32{0, 0, 0, 1},
		},
	}
}

// NewFallingBlock creates debris for a detached cluster of the given size.
func NewFallingBlock(origin protocol.Vector3, blocks int, lifetime float64) *Entity {
	return &Entity{
		kind:      protocol.EntityKindFallingBlock,
		remaining: lifetime,
		blocks:    blocks,
		trajectory: protocol.Trajectory{
			Type:        protocol.TrajectoryGravity,
			Origin:      origin,
			Orientation: [4]float32{0, 0, 0, 1},
		},
	}
}

// Kind returns the entity variant.
func (e *Entity) Kind() protocol.EntityKind { return e.kind }

// ID returns the entity id and whether the entity is linked.
func (e *Entity) ID() (uint32, bool) { return e.id, e.linked }

// Owner returns the owning player id, if any.
func (e *Entity) Owner() (uint32, bool) {
	if e.owner == nil {
		return 0, false
	}
	return *e.owner, true
}

// Trajectory returns the current motion state.
func (e *Entity) Trajectory() protocol.Trajectory { return e.trajectory }

// SetTrajectory replaces the motion state.
func (e *Entity) SetTrajectory(t protocol.Trajectory) { e.trajectory = t }

// Position returns the trajectory origin.
func (e *Entity) Position() protocol.Vector3 { return e.trajectory.Origin }

// Health returns the remaining health.
func (e *Entity) Health() int { return e.health }

// Tool returns the held tool.
func (e *Entity) Tool() protocol.Tool { return e.tool }

// SetTool changes the held tool.
func (e *Entity) SetTool(t protocol.Tool) { e.tool = t }

// BlockColor returns the color used when building.
func (e *Entity) BlockColor() protocol.Color { return e.blockColor }

// SetBlockColor changes the building color.
func (e *Entity) SetBlockColor(c protocol.Color) { e.blockColor = c }

// Input returns the input flags last reported by the controlling client.
func (e *Entity) Input() uint16 { return e.input }

// SetInput replaces the input flags.
func (e *Entity) SetInput(in uint16) { e.input = in }

// Flags returns the state flags.
func (e *Entity) Flags() protocol.EntityFlags { return e.flags }

// SetFlags replaces the state flags. The dead flag is owned by the World and preserved.
func (e *Entity) SetFlags(f protocol.EntityFlags) {
	e.flags = f&^protocol.EntityFlagDead | e.flags&protocol.EntityFlagDead
}

// IsDead reports whether the entity has died.
func (e *Entity) IsDead() bool { return e.flags&protocol.EntityFlagDead != 0 }

// HasHealth reports whether the entity kind carries health.
func (e *Entity) HasHealth() bool { return e.kind == protocol.EntityKindPlayer }

// Advance extrapolates the trajectory by dt seconds.
func (e *Entity) Advance(dt float64) {
	t := &e.trajectory
	switch t.Type {
	case protocol.TrajectoryLinear:
		t.Origin = t.Origin.Add(t.Velocity.Scale(float32(dt)))
	case protocol.TrajectoryGravity:
		t.Origin = t.Origin.Add(t.Velocity.Scale(float32(dt)))
		t.Velocity.Z -= float32(Gravity * dt)
		if t.Origin.Z < 0 {
			t.Origin.Z = 0
			t.Velocity = protocol.Vector3{}
			t.Type = protocol.TrajectoryConstant
		}
	}
}

// Serialize returns the full replicated state of the entity, including the
// create payload.
func (e *Entity) Serialize() protocol.EntityUpdateItem {
	create := &protocol.EntityCreate{Kind: e.kind}
	if e.owner != nil {
		owner := *e.owner
		create.OwnerPlayerID = &owner
	}
	traj := e.trajectory
	flags := e.flags
	it := protocol.EntityUpdateItem{
		EntityID:   e.id,
		Create:     create,
		Trajectory: &traj,
		Flags:      &flags,
	}

	if e.kind == protocol.EntityKindPlayer {
		health := uint8(min(max(e.health, 0), 255))
		tool := e.tool
		color := e.blockColor
		input := e.input
		it.Health = &health
		it.Tool = &tool
		it.BlockColor = &color
		it.Input = &input
	}
	return it
}
