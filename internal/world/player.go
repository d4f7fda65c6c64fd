package world

import "github.com/voxeld-project/voxeld/internal/protocol"

// MaxPlayers is the size of the player id space.
const MaxPlayers = 1024

// Player is a participant. A player exists from "join" until "leave" or
// disconnect; its avatar entity comes and goes with deaths and respawns.
type Player struct {
	id     uint32
	linked bool
	name   string
	team   uint8
	score  int32
	deaths uint32

	entity         *Entity
	respawnPending bool
	respawnTimer   float64
}

// ID returns the player id and whether the player is registered.
func (p *Player) ID() (uint32, bool) { return p.id, p.linked }

// Name returns the display name.
func (p *Player) Name() string { return p.name }

// Team returns the team index.
func (p *Player) Team() uint8 { return p.team }

// SetTeam changes the team index.
func (p *Player) SetTeam(t uint8) { p.team = t }

// Score returns the kill score.
func (p *Player) Score() int32 { return p.score }

// Deaths returns the death count.
func (p *Player) Deaths() uint32 { return p.deaths }

// Entity returns the player's avatar, or nil while dead.
func (p *Player) Entity() *Entity { return p.entity }

// Serialize returns the full replicated state of the player.
func (p *Player) Serialize() protocol.PlayerUpdateItem {
	team, score, deaths := p.team, p.score, p.deaths
	return protocol.PlayerUpdateItem{
		PlayerID: p.id,
		Create:   &protocol.PlayerCreate{Name: p.name},
		Team:     &team,
		Score:    &score,
		Deaths:   &deaths,
	}
}
