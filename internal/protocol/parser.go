package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTruncated is returned when a packet ends before all of its fields were read.
	ErrTruncated = errors.New("packet truncated")
	// ErrUnknownPacket is returned for a tag with no registered decoder.
	ErrUnknownPacket = errors.New("unknown packet type")
	// ErrTooLong is returned when a declared string, blob or list length exceeds its bound.
	ErrTooLong = errors.New("declared length exceeds limit")
	// ErrMalformedVarint is returned for varints that overflow their target width.
	ErrMalformedVarint = errors.New("malformed varint")
)

// PacketReader reads fields from a packet payload. The first failure is
// remembered; every later read returns a zero value, so decoders check Err
// once after reading all fields.
type PacketReader struct {
	data []byte
	pos  int
	err  error
}

// NewPacketReader creates a reader over data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// Err returns the first error encountered.
func (r *PacketReader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *PacketReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.fail(fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.pos, r.Remaining(), ErrTruncated))
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

// ReadByte reads a single byte.
func (r *PacketReader) ReadByte() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// ReadBool reads a one-byte boolean.
func (r *PacketReader) ReadBool() bool {
	return r.ReadByte() != 0
}

// ReadUint16 reads a little-endian uint16.
func (r *PacketReader) ReadUint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// ReadUint32 reads a little-endian uint32.
func (r *PacketReader) ReadUint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// ReadInt32 reads a little-endian int32.
func (r *PacketReader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

// ReadFloat32 reads a little-endian float32.
func (r *PacketReader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

// ReadVarint reads an unsigned LEB128 varint.
func (r *PacketReader) ReadVarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	switch {
	case n == 0:
		r.fail(fmt.Errorf("varint at offset %d: %w", r.pos, ErrTruncated))
		return 0
	case n < 0:
		r.fail(fmt.Errorf("varint at offset %d: %w", r.pos, ErrMalformedVarint))
		return 0
	}
	r.pos += n
	return v
}

// ReadVarint32 reads a varint that must fit in 32 bits.
func (r *PacketReader) ReadVarint32() uint32 {
	v := r.ReadVarint()
	if v > math.MaxUint32 {
		r.fail(fmt.Errorf("varint value %d: %w", v, ErrMalformedVarint))
		return 0
	}
	return uint32(v)
}

// readLength reads a varint length and checks it against limit before any
// payload bytes are consumed.
func (r *PacketReader) readLength(limit uint64) int {
	n := r.ReadVarint()
	if r.err != nil {
		return 0
	}
	if n > limit {
		r.fail(fmt.Errorf("length %d > %d: %w", n, limit, ErrTooLong))
		return 0
	}
	return int(n)
}

// ReadString reads a varint length-prefixed string of at most MaxStringLength bytes.
func (r *PacketReader) ReadString() string {
	n := r.readLength(MaxStringLength)
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// ReadBlob reads a varint length-prefixed byte slice of at most MaxStringLength
// bytes. The result is a copy, or nil when the blob is empty.
func (r *PacketReader) ReadBlob() []byte {
	n := r.readLength(MaxStringLength)
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

// ReadCount reads a collection count. Each element occupies at least
// minElemSize bytes, so counts that cannot fit in the rest of the packet are
// rejected up front.
func (r *PacketReader) ReadCount(minElemSize int) int {
	n := r.readLength(MaxListLength)
	if r.err != nil {
		return 0
	}
	if minElemSize > 0 && n > r.Remaining()/minElemSize {
		r.fail(fmt.Errorf("%d elements of %d bytes with %d bytes left: %w", n, minElemSize, r.Remaining(), ErrTruncated))
		return 0
	}
	return n
}

// ReadStringMap reads a count-prefixed list of key/value strings. An empty
// list decodes as a nil map.
func (r *PacketReader) ReadStringMap() map[string]string {
	n := r.ReadCount(2)
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.ReadString()
		m[k] = r.ReadString()
	}
	return m
}

// ReadVector3 reads three float32 components.
func (r *PacketReader) ReadVector3() Vector3 {
	return Vector3{X: r.ReadFloat32(), Y: r.ReadFloat32(), Z: r.ReadFloat32()}
}

// ReadIntVector3 reads three int32 components.
func (r *PacketReader) ReadIntVector3() IntVector3 {
	return IntVector3{X: r.ReadInt32(), Y: r.ReadInt32(), Z: r.ReadInt32()}
}

// ReadColor reads an RGB color.
func (r *PacketReader) ReadColor() Color {
	return Color{R: r.ReadByte(), G: r.ReadByte(), B: r.ReadByte()}
}

// AutoPingInfo is the content of a UDP discovery reply.
type AutoPingInfo struct {
	ServerName string
	Protocol   string
	Players    int
	MaxPlayers int
}

// ParseAutoPingResponse decodes a reply built by BuildAutoPingResponse.
func ParseAutoPingResponse(data []byte) (AutoPingInfo, error) {
	if len(data) == 0 || data[0] != AutoPingMagicByte {
		return AutoPingInfo{}, fmt.Errorf("not a ping reply: %w", ErrUnknownPacket)
	}
	r := NewPacketReader(data[1:])
	info := AutoPingInfo{
		ServerName: r.ReadString(),
		Protocol:   r.ReadString(),
		Players:    int(r.ReadVarint32()),
		MaxPlayers: int(r.ReadVarint32()),
	}
	if err := r.Err(); err != nil {
		return AutoPingInfo{}, fmt.Errorf("failed to parse ping reply: %w", err)
	}
	return info, nil
}
