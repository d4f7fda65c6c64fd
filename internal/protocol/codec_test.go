package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func u32(v uint32) *uint32 { return &v }
func u16(v uint16) *uint16 { return &v }
func u8(v uint8) *uint8    { return &v }
func i32(v int32) *int32   { return &v }

func samplePackets() []Packet {
	red := Color{R: 200, G: 10, B: 10}
	tool := ToolBlock
	flags := EntityFlagCrouching
	traj := Trajectory{
		Type:        TrajectoryPlayer,
		Origin:      Vector3{1.5, 2.5, 30},
		Velocity:    Vector3{0, -1, 0.25},
		Orientation: [4]float32{0, 0, 0.7071, 0.7071},
	}

	return []Packet{
		&Greeting{Nonce: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		&InitiateConnection{
			ProtocolName: ProtocolName, MajorVersion: 1, MinorVersion: 2, Revision: 3,
			PackageString: "voxel-client 1.2.3", EnvironmentString: "linux/amd64",
			Locale: "en", PlayerName: "deuce", Nonce: []byte{9, 9, 9}, MapQuality: 70,
		},
		&ServerCertificate{IsValid: false},
		&ClientCertificate{IsValid: true, Certificate: []byte("cert"), Signature: []byte("sig")},
		&Kick{Reason: "banned"},
		&GameStateHeader{Properties: map[string]string{"map-name": "island", "map-quality": "70"}},
		&MapData{Fragment: make([]byte, 4096)},
		&GameStateFinal{
			Properties: map[string]string{"player-jump-vel": "0.36"},
			Entities: []EntityUpdateItem{
				{EntityID: 3, Create: &EntityCreate{Kind: EntityKindPlayer, OwnerPlayerID: u32(3)}, Trajectory: &traj, Health: u8(100), Tool: &tool, BlockColor: &red, Input: u16(5), Flags: &flags},
				{EntityID: 1024, Create: &EntityCreate{Kind: EntityKindGrenade}},
			},
			Players: []PlayerUpdateItem{
				{PlayerID: 3, Create: &PlayerCreate{Name: "deuce"}, Team: u8(1), Score: i32(-2), Deaths: u32(4)},
			},
		},
		&MapDataAcknowledge{},
		&MapDataFinal{},
		&GenericCommand{Parts: []string{CommandLocalPlayer, "3"}},
		&EntityUpdate{Items: []EntityUpdateItem{{EntityID: 7, Health: u8(40)}}},
		&ClientSideEntityUpdate{Items: []EntityUpdateItem{{EntityID: 7, Trajectory: &traj, Input: u16(1)}}},
		&TerrainUpdate{Edits: []MapEdit{
			{Position: IntVector3{1, 2, 3}, Color: &red, CreateCause: CreateCausePlayer},
			{Position: IntVector3{-4, 5, 6}, DestroyCause: DestroyCauseFalling},
		}},
		&EntityEvent{EntityID: 1025, Event: EntityEventExplode, Param: 3},
		&EntityDie{EntityID: 5, KillerID: u32(6), DamageType: DamageWeapon},
		&EntityRemove{EntityID: 1030},
		&PlayerRemove{PlayerID: 12},
		&PlayerUpdate{Items: []PlayerUpdateItem{{PlayerID: 1, Score: i32(10)}}},
		&PlayerAction{Action: ActionBuildBlock, BlockPosition: IntVector3{10, 11, 12}, Color: red, Param: 1},
		&HitEntity{EntityID: 4, HitPosition: Vector3{1, 2, 3}, Part: HitHead, Tool: ToolWeapon},
		&HitTerrain{BlockPosition: IntVector3{7, 8, 9}, HitPosition: Vector3{7.5, 8.5, 9.5}, Tool: ToolSpade},
		&Damage{EntityID: 2, Amount: 25, DamageType: DamageFall, Source: Vector3{0, 0, 1}},
	}
}

func TestSamplesCoverEveryType(t *testing.T) {
	seen := make(map[Type]bool)
	for _, p := range samplePackets() {
		seen[p.Type()] = true
	}
	for typ := range typeNames {
		if !seen[typ] {
			t.Errorf("no sample for %s", typ)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, want := range samplePackets() {
		data := Encode(want)
		if Type(data[0]) != want.Type() {
			t.Fatalf("%s: tag byte = %d", want.Type(), data[0])
		}

		got, err := Decode(data)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", want.Type(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%s: round trip mismatch\n got %+v\nwant %+v", want.Type(), got, want)
		}
	}
}

func TestRoundTripEdgeValues(t *testing.T) {
	longText := strings.Repeat("v", MaxStringLength)
	longBlob := bytes.Repeat([]byte{0xAB}, MaxStringLength)

	tests := []struct {
		name string
		pkt  Packet
	}{
		{"empty string", &Kick{}},
		{"empty strings in list", &GenericCommand{Parts: []string{"", ""}}},
		{"empty property value", &GameStateHeader{Properties: map[string]string{"": ""}}},
		{"zero-length blob", &Greeting{}},
		{"zero-length certificate", &ClientCertificate{IsValid: true}},
		{"empty command", &GenericCommand{}},
		{"empty properties", &GameStateHeader{}},
		{"empty final state", &GameStateFinal{}},
		{"empty terrain update", &TerrainUpdate{}},
		{"empty entity update", &EntityUpdate{}},
		{"empty player update", &PlayerUpdate{}},
		{"max length string", &Kick{Reason: longText}},
		{"max length blob", &MapData{Fragment: longBlob}},
		{"max length player name", &InitiateConnection{ProtocolName: ProtocolName, PlayerName: longText}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(Encode(tt.pkt))
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if !reflect.DeepEqual(got, tt.pkt) {
				t.Fatalf("round trip mismatch\n got %+v\nwant %+v", got, tt.pkt)
			}
		})
	}
}

func TestEmptyCollectionsDecodeAsNil(t *testing.T) {
	tests := []struct {
		empty, canonical Packet
	}{
		{&GenericCommand{Parts: []string{}}, &GenericCommand{}},
		{&GameStateHeader{Properties: map[string]string{}}, &GameStateHeader{}},
		{&TerrainUpdate{Edits: []MapEdit{}}, &TerrainUpdate{}},
		{&EntityUpdate{Items: []EntityUpdateItem{}}, &EntityUpdate{}},
		{&Greeting{Nonce: []byte{}}, &Greeting{}},
	}
	for _, tt := range tests {
		data := Encode(tt.empty)
		if !bytes.Equal(data, Encode(tt.canonical)) {
			t.Fatalf("%s: empty and nil encode differently", tt.empty.Type())
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("%s: %v", tt.empty.Type(), err)
		}
		if !reflect.DeepEqual(got, tt.canonical) {
			t.Fatalf("%s: got %+v, want %+v", tt.empty.Type(), got, tt.canonical)
		}
	}
}

func TestTruncatedPacketsFail(t *testing.T) {
	for _, p := range samplePackets() {
		data := Encode(p)
		for n := 0; n < len(data); n++ {
			if _, err := Decode(data[:n]); err == nil {
				t.Fatalf("%s: decoding %d of %d bytes succeeded", p.Type(), n, len(data))
			} else if !errors.Is(err, ErrTruncated) {
				t.Fatalf("%s: truncated at %d: unexpected error %v", p.Type(), n, err)
			}
		}
	}
}

func TestUnknownTag(t *testing.T) {
	for _, tag := range []byte{0, 11, 93, 127, 128, 255} {
		_, err := Decode([]byte{tag, 0, 0})
		if !errors.Is(err, ErrUnknownPacket) {
			t.Errorf("tag %d: expected ErrUnknownPacket, got %v", tag, err)
		}
	}
}

func TestVarintBoundaries(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 16383, 16384, 1<<21 - 1, 1 << 21, 1<<28 - 1, 1 << 28, 1<<32 - 1}
	for _, v := range values {
		b := &PacketBuilder{}
		b.WriteVarint(v)

		r := NewPacketReader(b.Build())
		got := r.ReadVarint32()
		if err := r.Err(); err != nil {
			t.Fatalf("varint %d: %v", v, err)
		}
		if uint64(got) != v {
			t.Fatalf("varint %d decoded as %d", v, got)
		}
		if r.Remaining() != 0 {
			t.Fatalf("varint %d left %d bytes", v, r.Remaining())
		}

		// Every strict prefix is truncated.
		encoded := b.Build()
		for n := 0; n < len(encoded); n++ {
			r := NewPacketReader(encoded[:n])
			r.ReadVarint()
			if !errors.Is(r.Err(), ErrTruncated) {
				t.Fatalf("varint %d prefix %d: expected truncation, got %v", v, n, r.Err())
			}
		}
	}
}

func TestVarint32Overflow(t *testing.T) {
	b := &PacketBuilder{}
	b.WriteVarint(1 << 32)
	r := NewPacketReader(b.Build())
	r.ReadVarint32()
	if !errors.Is(r.Err(), ErrMalformedVarint) {
		t.Fatalf("expected ErrMalformedVarint, got %v", r.Err())
	}
}

func TestStringLengthLimit(t *testing.T) {
	// A declared length above the limit is rejected even though the bytes are present.
	data := []byte{byte(TypeKick)}
	data = binary.AppendUvarint(data, MaxStringLength+1)
	data = append(data, make([]byte, MaxStringLength+1)...)

	_, err := Decode(data)
	if !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}

	// Exactly at the limit is accepted.
	ok := Encode(&Kick{Reason: string(make([]byte, MaxStringLength))})
	if _, err := Decode(ok); err != nil {
		t.Fatalf("string of maximum length rejected: %v", err)
	}
}

func TestOversizedCountRejected(t *testing.T) {
	data := []byte{byte(TypeEntityUpdate)}
	data = binary.AppendUvarint(data, 1000)
	data = append(data, make([]byte, 20)...)

	if _, err := Decode(data); err == nil {
		t.Fatal("count larger than the packet should fail")
	}
}

func TestUnknownFieldMaskRejected(t *testing.T) {
	data := Encode(&EntityUpdate{Items: []EntityUpdateItem{{EntityID: 1, Health: u8(1)}}})
	// tag, count, 4 id bytes, mask
	data[6] |= 0x80
	if _, err := Decode(data); err == nil {
		t.Fatal("unknown mask bit should fail")
	}
}

func TestDirections(t *testing.T) {
	tests := []struct {
		typ        Type
		fromClient bool
	}{
		{TypeInitiateConnection, true},
		{TypeClientCertificate, true},
		{TypeMapDataAcknowledge, true},
		{TypeGenericCommand, true},
		{TypeGreeting, false},
		{TypeEntityUpdate, false},
		{TypeDamage, false},
	}
	for _, tt := range tests {
		if got := tt.typ.FromClient(); got != tt.fromClient {
			t.Errorf("%s: FromClient() = %v, want %v", tt.typ, got, tt.fromClient)
		}
	}
}

func TestAutoPingResponse(t *testing.T) {
	data := BuildAutoPingResponse("test server", 3, 32)
	if data[0] != AutoPingMagicByte {
		t.Fatalf("magic = 0x%02X", data[0])
	}
	info, err := ParseAutoPingResponse(data)
	if err != nil {
		t.Fatal(err)
	}
	want := AutoPingInfo{ServerName: "test server", Protocol: ProtocolName, Players: 3, MaxPlayers: 32}
	if info != want {
		t.Fatalf("got %+v, want %+v", info, want)
	}
	if _, err := ParseAutoPingResponse(data[:len(data)-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("truncated reply: %v", err)
	}
}
