package world

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Parameters are the gameplay constants shared with clients in GameStateFinal.
type Parameters struct {
	PlayerJumpVelocity      float64 `yaml:"player_jump_vel"`
	FallDamageVelocity      float64 `yaml:"fall_damage_vel"`
	FallDamageFatalVelocity float64 `yaml:"fall_damage_fatal_vel"`
	PlayerMaxHealth         int     `yaml:"player_max_health"`
	RespawnTime             float64 `yaml:"respawn_time"`
	GrenadeFuse             float64 `yaml:"grenade_fuse"`
	GrenadeRadius           int     `yaml:"grenade_radius"`
	GrenadeDamage           int     `yaml:"grenade_damage"`
}

// Wire keys of the parameters.
const (
	ParamPlayerJumpVelocity      = "player-jump-vel"
	ParamFallDamageVelocity      = "fall-damage-vel"
	ParamFallDamageFatalVelocity = "fall-damage-fatal-vel"
	ParamPlayerMaxHealth         = "player-max-health"
	ParamRespawnTime             = "respawn-time"
	ParamGrenadeFuse             = "grenade-fuse"
	ParamGrenadeRadius           = "grenade-radius"
	ParamGrenadeDamage           = "grenade-damage"
)

// DefaultParameters returns the stock gameplay constants.
func DefaultParameters() Parameters {
	return Parameters{
		PlayerJumpVelocity:      0.36,
		FallDamageVelocity:      0.58,
		FallDamageFatalVelocity: 1.0,
		PlayerMaxHealth:         100,
		RespawnTime:             5,
		GrenadeFuse:             3,
		GrenadeRadius:           3,
		GrenadeDamage:           100,
	}
}

// LoadParameters reads parameters from a YAML file over the defaults.
func LoadParameters(path string) (Parameters, error) {
	p := DefaultParameters()
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read world parameters %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to parse world parameters %s: %w", path, err)
	}
	return p, nil
}

// Serialize returns the wire representation of the parameters.
func (p Parameters) Serialize() map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	return map[string]string{
		ParamPlayerJumpVelocity:      f(p.PlayerJumpVelocity),
		ParamFallDamageVelocity:      f(p.FallDamageVelocity),
		ParamFallDamageFatalVelocity: f(p.FallDamageFatalVelocity),
		ParamPlayerMaxHealth:         strconv.Itoa(p.PlayerMaxHealth),
		ParamRespawnTime:             f(p.RespawnTime),
		ParamGrenadeFuse:             f(p.GrenadeFuse),
		ParamGrenadeRadius:           strconv.Itoa(p.GrenadeRadius),
		ParamGrenadeDamage:           strconv.Itoa(p.GrenadeDamage),
	}
}

// Update applies a wire property map. Parsing is permissive: unknown keys
// and unparsable values are logged and skipped.
func (p *Parameters) Update(props map[string]string) {
	for k, v := range props {
		var err error
		switch k {
		case ParamPlayerJumpVelocity:
			err = parseFloat(v, &p.PlayerJumpVelocity)
		case ParamFallDamageVelocity:
			err = parseFloat(v, &p.FallDamageVelocity)
		case ParamFallDamageFatalVelocity:
			err = parseFloat(v, &p.FallDamageFatalVelocity)
		case ParamPlayerMaxHealth:
			err = parseInt(v, &p.PlayerMaxHealth)
		case ParamRespawnTime:
			err = parseFloat(v, &p.RespawnTime)
		case ParamGrenadeFuse:
			err = parseFloat(v, &p.GrenadeFuse)
		case ParamGrenadeRadius:
			err = parseInt(v, &p.GrenadeRadius)
		case ParamGrenadeDamage:
			err = parseInt(v, &p.GrenadeDamage)
		default:
			log.Warn().Str("key", k).Str("value", v).Msg("unknown world parameter")
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("key", k).Str("value", v).Msg("invalid world parameter")
		}
	}
}

func parseFloat(s string, dst *float64) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

func parseInt(s string, dst *int) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
