// Package protocol implements the binary wire format spoken between voxeld and
// its game clients. Every packet is a single transport message whose first
// byte is the packet type tag. Fixed-width integers are little-endian,
// lengths and counts are unsigned LEB128 varints.
package protocol

// ProtocolName is the identity string a client must present in
// InitiateConnection. Any other value is a protocol mismatch.
const ProtocolName = "VOXELD NG PROTOCOL 1.0"

// Type is the one-byte tag that prefixes every packet.
type Type byte

// Packet type tags. Tags are sparse and must stay below MaxType.
const (
	TypeGreeting               Type = 1
	TypeInitiateConnection     Type = 2
	TypeServerCertificate      Type = 3
	TypeClientCertificate      Type = 4
	TypeKick                   Type = 5
	TypeGameStateHeader        Type = 6
	TypeMapData                Type = 7
	TypeGameStateFinal         Type = 8
	TypeMapDataAcknowledge     Type = 9
	TypeMapDataFinal           Type = 10
	TypeGenericCommand         Type = 20
	TypeEntityUpdate           Type = 30
	TypeClientSideEntityUpdate Type = 31
	TypeTerrainUpdate          Type = 40
	TypeEntityEvent            Type = 50
	TypeEntityDie              Type = 51
	TypeEntityRemove           Type = 52
	TypePlayerRemove           Type = 60
	TypePlayerUpdate           Type = 61
	TypePlayerAction           Type = 62
	TypeHitEntity              Type = 90
	TypeHitTerrain             Type = 91
	TypeDamage                 Type = 92
)

// MaxType is the size of the tag dispatch table.
const MaxType = 128

var typeNames = map[Type]string{
	TypeGreeting:               "greeting",
	TypeInitiateConnection:     "initiate_connection",
	TypeServerCertificate:      "server_certificate",
	TypeClientCertificate:      "client_certificate",
	TypeKick:                   "kick",
	TypeGameStateHeader:        "game_state_header",
	TypeMapData:                "map_data",
	TypeGameStateFinal:         "game_state_final",
	TypeMapDataAcknowledge:     "map_data_acknowledge",
	TypeMapDataFinal:           "map_data_final",
	TypeGenericCommand:         "generic_command",
	TypeEntityUpdate:           "entity_update",
	TypeClientSideEntityUpdate: "client_side_entity_update",
	TypeTerrainUpdate:          "terrain_update",
	TypeEntityEvent:            "entity_event",
	TypeEntityDie:              "entity_die",
	TypeEntityRemove:           "entity_remove",
	TypePlayerRemove:           "player_remove",
	TypePlayerUpdate:           "player_update",
	TypePlayerAction:           "player_action",
	TypeHitEntity:              "hit_entity",
	TypeHitTerrain:             "hit_terrain",
	TypeDamage:                 "damage",
}

// String returns the packet type name used in logs.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Direction tells which side of the connection may originate a packet type.
type Direction int

const (
	ServerToClient Direction = 1 << iota
	ClientToServer
	Bidirectional = ServerToClient | ClientToServer
)

var typeDirections = map[Type]Direction{
	TypeGreeting:               ServerToClient,
	TypeInitiateConnection:     ClientToServer,
	TypeServerCertificate:      ServerToClient,
	TypeClientCertificate:      ClientToServer,
	TypeKick:                   ServerToClient,
	TypeGameStateHeader:        ServerToClient,
	TypeMapData:                ServerToClient,
	TypeGameStateFinal:         ServerToClient,
	TypeMapDataAcknowledge:     ClientToServer,
	TypeMapDataFinal:           ServerToClient,
	TypeGenericCommand:         Bidirectional,
	TypeEntityUpdate:           ServerToClient,
	TypeClientSideEntityUpdate: ClientToServer,
	TypeTerrainUpdate:          ServerToClient,
	TypeEntityEvent:            ServerToClient,
	TypeEntityDie:              ServerToClient,
	TypeEntityRemove:           ServerToClient,
	TypePlayerRemove:           ServerToClient,
	TypePlayerUpdate:           ServerToClient,
	TypePlayerAction:           ClientToServer,
	TypeHitEntity:              ClientToServer,
	TypeHitTerrain:             ClientToServer,
	TypeDamage:                 ServerToClient,
}

// Direction returns the originating side(s) of a packet type.
func (t Type) Direction() Direction {
	return typeDirections[t]
}

// FromClient reports whether clients are allowed to send this packet type.
func (t Type) FromClient() bool {
	return t.Direction()&ClientToServer != 0
}

// DisconnectReason is the numeric code carried by a transport-level disconnect.
type DisconnectReason uint32

const (
	DisconnectUnknown             DisconnectReason = 0
	DisconnectInternalServerError DisconnectReason = 1
	DisconnectServerFull          DisconnectReason = 2
	// DisconnectMisc means the reason text was already sent in a Kick packet.
	DisconnectMisc             DisconnectReason = 3
	DisconnectServerStopped    DisconnectReason = 4
	DisconnectTimeout          DisconnectReason = 5
	DisconnectMalformedPacket  DisconnectReason = 6
	DisconnectProtocolMismatch DisconnectReason = 7
)

var disconnectReasonStrings = map[DisconnectReason]string{
	DisconnectUnknown:             "unknown",
	DisconnectInternalServerError: "internal_server_error",
	DisconnectServerFull:          "server_full",
	DisconnectMisc:                "misc",
	DisconnectServerStopped:       "server_stopped",
	DisconnectTimeout:             "timeout",
	DisconnectMalformedPacket:     "malformed_packet",
	DisconnectProtocolMismatch:    "protocol_mismatch",
}

// String returns the string representation of DisconnectReason.
func (r DisconnectReason) String() string {
	if str, ok := disconnectReasonStrings[r]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes DisconnectReason as a JSON string (e.g. "timeout").
func (r DisconnectReason) MarshalJSON() ([]byte, error) {
	return []byte(`"` + r.String() + `"`), nil
}

// Size limits enforced by the decoder.
const (
	// MaxStringLength bounds every length-prefixed string and blob.
	MaxStringLength = 1 << 20
	// MaxListLength bounds every count-prefixed collection.
	MaxListLength = 1 << 16
	// MaxPacketSize is the largest message a peer may send.
	MaxPacketSize = 4 << 20
)

// AutoPingMagicByte is the first byte of UDP server discovery probes and replies.
const AutoPingMagicByte byte = 0xCA

// GenericCommand verbs.
const (
	CommandJoin        = "join"
	CommandLeave       = "leave"
	CommandChat        = "chat"
	CommandLocalPlayer = "local-player"
)
