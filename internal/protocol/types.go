package protocol

import "fmt"

// Vector3 is a float position or direction.
type Vector3 struct {
	X, Y, Z float32
}

// Add returns v + o.
func (v Vector3) Add(o Vector3) Vector3 {
	return Vector3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Scale returns v * s.
func (v Vector3) Scale(s float32) Vector3 {
	return Vector3{v.X * s, v.Y * s, v.Z * s}
}

// IntVector3 is a block coordinate.
type IntVector3 struct {
	X, Y, Z int32
}

// String formats the coordinate for logs.
func (v IntVector3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z)
}

// Less orders coordinates by X, then Y, then Z.
func (v IntVector3) Less(o IntVector3) bool {
	if v.X != o.X {
		return v.X < o.X
	}
	if v.Y != o.Y {
		return v.Y < o.Y
	}
	return v.Z < o.Z
}

// Color is an opaque RGB block color.
type Color struct {
	R, G, B uint8
}

// Packed returns the color as 0x00RRGGBB.
func (c Color) Packed() uint32 {
	return uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// ColorFromPacked unpacks a 0x00RRGGBB value.
func ColorFromPacked(v uint32) Color {
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}
}

// TrajectoryType selects how a trajectory is extrapolated.
type TrajectoryType uint8

const (
	TrajectoryConstant TrajectoryType = iota
	TrajectoryLinear
	TrajectoryGravity
	TrajectoryPlayer
)

// Trajectory is an entity's motion state. It is opaque to the replication
// layer beyond equality comparison.
type Trajectory struct {
	Type        TrajectoryType
	Origin      Vector3
	Velocity    Vector3
	Orientation [4]float32
}

// EntityKind is the closed set of entity variants known to the wire format.
type EntityKind uint8

const (
	EntityKindPlayer EntityKind = iota + 1
	EntityKindGrenade
	EntityKindFallingBlock
)

var entityKindStrings = map[EntityKind]string{
	EntityKindPlayer:       "player",
	EntityKindGrenade:      "grenade",
	EntityKindFallingBlock: "falling_block",
}

// String returns the string representation of EntityKind.
func (k EntityKind) String() string {
	if str, ok := entityKindStrings[k]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes EntityKind as a JSON string (e.g. "grenade").
func (k EntityKind) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.String() + `"`), nil
}

// Tool is the item a player entity holds.
type Tool uint8

const (
	ToolSpade Tool = iota
	ToolBlock
	ToolWeapon
	ToolGrenade
)

// EntityFlags carries boolean entity state.
type EntityFlags uint8

const (
	EntityFlagDead EntityFlags = 1 << iota
	EntityFlagCrouching
	EntityFlagSprinting
)

// EntityEventType is the kind of a one-shot entity event.
type EntityEventType uint8

const (
	EntityEventExplode EntityEventType = iota + 1
	EntityEventJump
	EntityEventReload
	EntityEventFire
)

// DamageType classifies the source of damage.
type DamageType uint8

const (
	DamageUnknown DamageType = iota
	DamageFall
	DamageWeapon
	DamageMelee
	DamageExplosion
	DamageOutOfWorld
)

// HitPart is the body region hit by a HitEntity report.
type HitPart uint8

const (
	HitTorso HitPart = iota
	HitHead
	HitArms
	HitLegs
	HitMelee
)

// PlayerActionType is an action requested by a client for its own player.
type PlayerActionType uint8

const (
	ActionBuildBlock PlayerActionType = iota + 1
	ActionDestroyBlock
	ActionThrowGrenade
	ActionFire
	ActionReload
	ActionJump
)

// BlockCreateCause records why a block was created.
type BlockCreateCause uint8

const (
	CreateCauseNone BlockCreateCause = iota
	CreateCausePlayer
	CreateCauseScript
)

// BlockDestroyCause records why a block was destroyed.
type BlockDestroyCause uint8

const (
	DestroyCauseNone BlockDestroyCause = iota
	DestroyCausePlayer
	DestroyCauseExplosion
	DestroyCauseFalling
	DestroyCauseScript
)

// MapEdit is a single block change. A non-nil Color creates the block,
// a nil Color destroys it.
type MapEdit struct {
	Position     IntVector3
	Color        *Color
	CreateCause  BlockCreateCause
	DestroyCause BlockDestroyCause
}

// IsCreate reports whether the edit places a block.
func (e MapEdit) IsCreate() bool {
	return e.Color != nil
}

// EntityCreate is the one-time payload that tells a client to instantiate
// an entity of the given kind.
type EntityCreate struct {
	Kind          EntityKind
	OwnerPlayerID *uint32
}

// EntityUpdateItem carries the state of one entity. Nil fields are absent.
type EntityUpdateItem struct {
	EntityID   uint32
	Create     *EntityCreate
	Trajectory *Trajectory
	Health     *uint8
	Tool       *Tool
	BlockColor *Color
	Input      *uint16
	Flags      *EntityFlags
}

// IsEmpty reports whether the item carries no field besides the id.
func (it EntityUpdateItem) IsEmpty() bool {
	return it.Create == nil && it.Trajectory == nil && it.Health == nil &&
		it.Tool == nil && it.BlockColor == nil && it.Input == nil && it.Flags == nil
}

// PlayerCreate is the one-time payload introducing a player.
type PlayerCreate struct {
	Name string
}

// PlayerUpdateItem carries the state of one player. Nil fields are absent.
type PlayerUpdateItem struct {
	PlayerID uint32
	Create   *PlayerCreate
	Team     *uint8
	Score    *int32
	Deaths   *uint32
}

// IsEmpty reports whether the item carries no field besides the id.
func (it PlayerUpdateItem) IsEmpty() bool {
	return it.Create == nil && it.Team == nil && it.Score == nil && it.Deaths == nil
}
