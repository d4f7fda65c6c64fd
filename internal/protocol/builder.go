package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// PacketBuilder constructs outgoing packets. Each write appends to an
// internal buffer; Build returns the finished message.
type PacketBuilder struct {
	buf []byte
}

// NewPacketBuilder creates a new PacketBuilder for a packet of the given type.
func NewPacketBuilder(t Type) *PacketBuilder {
	b := &PacketBuilder{buf: make([]byte, 0, 64)}
	b.buf = append(b.buf, byte(t))
	return b
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf = append(b.buf, v)
	return b
}

// WriteBool writes a boolean as one byte.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf = binary.LittleEndian.AppendUint16(b.buf, v)
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf = binary.LittleEndian.AppendUint32(b.buf, v)
	return b
}

// WriteInt32 writes an int32 in little-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	return b.WriteUint32(uint32(v))
}

// WriteFloat32 writes a float32 in little-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteVarint writes an unsigned LEB128 varint.
func (b *PacketBuilder) WriteVarint(v uint64) *PacketBuilder {
	b.buf = binary.AppendUvarint(b.buf, v)
	return b
}

// WriteString writes a varint length-prefixed string.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	b.WriteVarint(uint64(len(s)))
	b.buf = append(b.buf, s...)
	return b
}

// WriteBlob writes a varint length-prefixed byte slice.
func (b *PacketBuilder) WriteBlob(data []byte) *PacketBuilder {
	b.WriteVarint(uint64(len(data)))
	b.buf = append(b.buf, data...)
	return b
}

// WriteStringMap writes a count-prefixed list of key/value strings ordered by key.
func (b *PacketBuilder) WriteStringMap(m map[string]string) *PacketBuilder {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteVarint(uint64(len(keys)))
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(m[k])
	}
	return b
}

// WriteVector3 writes three float32 components.
func (b *PacketBuilder) WriteVector3(v Vector3) *PacketBuilder {
	return b.WriteFloat32(v.X).WriteFloat32(v.Y).WriteFloat32(v.Z)
}

// WriteIntVector3 writes three int32 components.
func (b *PacketBuilder) WriteIntVector3(v IntVector3) *PacketBuilder {
	return b.WriteInt32(v.X).WriteInt32(v.Y).WriteInt32(v.Z)
}

// WriteColor writes an RGB color.
func (b *PacketBuilder) WriteColor(c Color) *PacketBuilder {
	return b.WriteByte(c.R).WriteByte(c.G).WriteByte(c.B)
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return len(b.buf)
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(b.buf), b.buf)
}

// BuildAutoPingResponse creates a UDP discovery reply.
// Format: [magic:1][server_name:str][protocol:str][players:varint][max_players:varint]
func BuildAutoPingResponse(serverName string, players, maxPlayers int) []byte {
	b := &PacketBuilder{}
	b.WriteByte(AutoPingMagicByte)
	b.WriteString(serverName)
	b.WriteString(ProtocolName)
	b.WriteVarint(uint64(players))
	b.WriteVarint(uint64(maxPlayers))
	return b.Build()
}
