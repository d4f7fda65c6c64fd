package protocol

import "fmt"

// Packet is implemented by every message of the wire protocol.
type Packet interface {
	Type() Type
	build(b *PacketBuilder)
}

type decodeFunc func(r *PacketReader) Packet

// decoders maps a tag to its decoder. It is filled once at package init and
// only read afterwards.
var decoders = buildDecoderTable()

func buildDecoderTable() [MaxType]decodeFunc {
	var table [MaxType]decodeFunc
	register := func(t Type, fn decodeFunc) {
		if int(t) >= MaxType || table[t] != nil {
			panic(fmt.Sprintf("protocol: bad decoder registration for tag %d", t))
		}
		table[t] = fn
	}

	register(TypeGreeting, readGreeting)
	register(TypeInitiateConnection, readInitiateConnection)
	register(TypeServerCertificate, readServerCertificate)
	register(TypeClientCertificate, readClientCertificate)
	register(TypeKick, readKick)
	register(TypeGameStateHeader, readGameStateHeader)
	register(TypeMapData, readMapData)
	register(TypeGameStateFinal, readGameStateFinal)
	register(TypeMapDataAcknowledge, readMapDataAcknowledge)
	register(TypeMapDataFinal, readMapDataFinal)
	register(TypeGenericCommand, readGenericCommand)
	register(TypeEntityUpdate, readEntityUpdate)
	register(TypeClientSideEntityUpdate, readClientSideEntityUpdate)
	register(TypeTerrainUpdate, readTerrainUpdate)
	register(TypeEntityEvent, readEntityEvent)
	register(TypeEntityDie, readEntityDie)
	register(TypeEntityRemove, readEntityRemove)
	register(TypePlayerRemove, readPlayerRemove)
	register(TypePlayerUpdate, readPlayerUpdate)
	register(TypePlayerAction, readPlayerAction)
	register(TypeHitEntity, readHitEntity)
	register(TypeHitTerrain, readHitTerrain)
	register(TypeDamage, readDamage)
	return table
}

// Encode serializes a packet, tag first.
func Encode(p Packet) []byte {
	b := NewPacketBuilder(p.Type())
	p.build(b)
	return b.Build()
}

// Decode parses one packet. It fails with ErrUnknownPacket for unregistered
// tags and with an ErrTruncated-wrapping error when data ends early.
//
// Empty and nil blobs, lists and maps share one encoding and always decode
// as nil.
func Decode(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty packet: %w", ErrTruncated)
	}
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (max %d): %w", len(data), MaxPacketSize, ErrTooLong)
	}

	t := Type(data[0])
	if int(t) >= MaxType || decoders[t] == nil {
		return nil, fmt.Errorf("tag 0x%02X: %w", data[0], ErrUnknownPacket)
	}

	r := NewPacketReader(data[1:])
	p := decoders[t](r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", t, err)
	}
	return p, nil
}

// PeekType returns the tag of an encoded packet without decoding it.
func PeekType(data []byte) (Type, bool) {
	if len(data) < 1 {
		return 0, false
	}
	return Type(data[0]), true
}
