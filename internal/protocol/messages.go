package protocol

import "fmt"

// Greeting is the first packet a server sends on a new connection.
type Greeting struct {
	Nonce []byte
}

// InitiateConnection is the client's reply to Greeting.
type InitiateConnection struct {
	ProtocolName      string
	MajorVersion      uint16
	MinorVersion      uint16
	Revision          uint16
	PackageString     string
	EnvironmentString string
	Locale            string
	PlayerName        string
	Nonce             []byte
	MapQuality        uint8
}

// ServerCertificate presents the server's certificate to the client.
type ServerCertificate struct {
	IsValid     bool
	Certificate []byte
	Signature   []byte
}

// ClientCertificate presents the client's certificate to the server.
type ClientCertificate struct {
	IsValid     bool
	Certificate []byte
	Signature   []byte
}

// Kick carries a human-readable reason ahead of a disconnect.
type Kick struct {
	Reason string
}

// GameStateHeader starts a state transfer.
type GameStateHeader struct {
	Properties map[string]string
}

// MapData carries one fragment of the compressed terrain stream.
type MapData struct {
	Fragment []byte
}

// GameStateFinal completes a state transfer with the world parameters and
// the full state of every entity and player.
type GameStateFinal struct {
	Properties map[string]string
	Entities   []EntityUpdateItem
	Players    []PlayerUpdateItem
}

// MapDataAcknowledge tells the server the client finished loading the map.
type MapDataAcknowledge struct{}

// MapDataFinal marks the end of the terrain stream.
type MapDataFinal struct{}

// GenericCommand is a list of string arguments, the first one being the verb.
type GenericCommand struct {
	Parts []string
}

// EntityUpdate replicates entity state to clients.
type EntityUpdate struct {
	Items []EntityUpdateItem
}

// ClientSideEntityUpdate reports the state of entities the client simulates.
type ClientSideEntityUpdate struct {
	Items []EntityUpdateItem
}

// TerrainUpdate replicates block edits.
type TerrainUpdate struct {
	Edits []MapEdit
}

// EntityEvent replicates a one-shot entity event.
type EntityEvent struct {
	EntityID uint32
	Event    EntityEventType
	Param    uint32
}

// EntityDie announces an entity's death.
type EntityDie struct {
	EntityID   uint32
	KillerID   *uint32
	DamageType DamageType
}

// EntityRemove tells clients to destroy an entity.
type EntityRemove struct {
	EntityID uint32
}

// PlayerRemove tells clients to forget a player.
type PlayerRemove struct {
	PlayerID uint32
}

// PlayerUpdate replicates player state to clients.
type PlayerUpdate struct {
	Items []PlayerUpdateItem
}

// PlayerAction is an action the client requests for its own player.
type PlayerAction struct {
	Action        PlayerActionType
	BlockPosition IntVector3
	Color         Color
	Param         uint32
}

// HitEntity reports that the client's player hit an entity.
type HitEntity struct {
	EntityID    uint32
	HitPosition Vector3
	Part        HitPart
	Tool        Tool
}

// HitTerrain reports that the client's player hit a block.
type HitTerrain struct {
	BlockPosition IntVector3
	HitPosition   Vector3
	Tool          Tool
}

// Damage tells a client that its entity took damage.
type Damage struct {
	EntityID   uint32
	Amount     uint8
	DamageType DamageType
	Source     Vector3
}

func (*Greeting) Type() Type               { return TypeGreeting }
func (*InitiateConnection) Type() Type     { return TypeInitiateConnection }
func (*ServerCertificate) Type() Type      { return TypeServerCertificate }
func (*ClientCertificate) Type() Type      { return TypeClientCertificate }
func (*Kick) Type() Type                   { return TypeKick }
func (*GameStateHeader) Type() Type        { return TypeGameStateHeader }
func (*MapData) Type() Type                { return TypeMapData }
func (*GameStateFinal) Type() Type         { return TypeGameStateFinal }
func (*MapDataAcknowledge) Type() Type     { return TypeMapDataAcknowledge }
func (*MapDataFinal) Type() Type           { return TypeMapDataFinal }
func (*GenericCommand) Type() Type         { return TypeGenericCommand }
func (*EntityUpdate) Type() Type           { return TypeEntityUpdate }
func (*ClientSideEntityUpdate) Type() Type { return TypeClientSideEntityUpdate }
func (*TerrainUpdate) Type() Type          { return TypeTerrainUpdate }
func (*EntityEvent) Type() Type            { return TypeEntityEvent }
func (*EntityDie) Type() Type              { return TypeEntityDie }
func (*EntityRemove) Type() Type           { return TypeEntityRemove }
func (*PlayerRemove) Type() Type           { return TypePlayerRemove }
func (*PlayerUpdate) Type() Type           { return TypePlayerUpdate }
func (*PlayerAction) Type() Type           { return TypePlayerAction }
func (*HitEntity) Type() Type              { return TypeHitEntity }
func (*HitTerrain) Type() Type             { return TypeHitTerrain }
func (*Damage) Type() Type                 { return TypeDamage }

// ---- Encoders ----

func (p *Greeting) build(b *PacketBuilder) {
	b.WriteBlob(p.Nonce)
}

func (p *InitiateConnection) build(b *PacketBuilder) {
	b.WriteString(p.ProtocolName)
	b.WriteUint16(p.MajorVersion).WriteUint16(p.MinorVersion).WriteUint16(p.Revision)
	b.WriteString(p.PackageString)
	b.WriteString(p.EnvironmentString)
	b.WriteString(p.Locale)
	b.WriteString(p.PlayerName)
	b.WriteBlob(p.Nonce)
	b.WriteByte(p.MapQuality)
}

func (p *ServerCertificate) build(b *PacketBuilder) {
	b.WriteBool(p.IsValid).WriteBlob(p.Certificate).WriteBlob(p.Signature)
}

func (p *ClientCertificate) build(b *PacketBuilder) {
	b.WriteBool(p.IsValid).WriteBlob(p.Certificate).WriteBlob(p.Signature)
}

func (p *Kick) build(b *PacketBuilder) {
	b.WriteString(p.Reason)
}

func (p *GameStateHeader) build(b *PacketBuilder) {
	b.WriteStringMap(p.Properties)
}

func (p *MapData) build(b *PacketBuilder) {
	b.WriteBlob(p.Fragment)
}

func (p *GameStateFinal) build(b *PacketBuilder) {
	b.WriteStringMap(p.Properties)
	writeEntityItems(b, p.Entities)
	writePlayerItems(b, p.Players)
}

func (p *MapDataAcknowledge) build(b *PacketBuilder) {}

func (p *MapDataFinal) build(b *PacketBuilder) {}

func (p *GenericCommand) build(b *PacketBuilder) {
	b.WriteVarint(uint64(len(p.Parts)))
	for _, s := range p.Parts {
		b.WriteString(s)
	}
}

func (p *EntityUpdate) build(b *PacketBuilder) {
	writeEntityItems(b, p.Items)
}

func (p *ClientSideEntityUpdate) build(b *PacketBuilder) {
	writeEntityItems(b, p.Items)
}

func (p *TerrainUpdate) build(b *PacketBuilder) {
	b.WriteVarint(uint64(len(p.Edits)))
	for _, e := range p.Edits {
		b.WriteIntVector3(e.Position)
		b.WriteBool(e.Color != nil)
		if e.Color != nil {
			b.WriteColor(*e.Color)
		}
		b.WriteByte(byte(e.CreateCause)).WriteByte(byte(e.DestroyCause))
	}
}

func (p *EntityEvent) build(b *PacketBuilder) {
	b.WriteUint32(p.EntityID).WriteByte(byte(p.Event)).WriteUint32(p.Param)
}

func (p *EntityDie) build(b *PacketBuilder) {
	b.WriteUint32(p.EntityID)
	b.WriteBool(p.KillerID != nil)
	if p.KillerID != nil {
		b.WriteUint32(*p.KillerID)
	}
	b.WriteByte(byte(p.DamageType))
}

func (p *EntityRemove) build(b *PacketBuilder) {
	b.WriteUint32(p.EntityID)
}

func (p *PlayerRemove) build(b *PacketBuilder) {
	b.WriteUint32(p.PlayerID)
}

func (p *PlayerUpdate) build(b *PacketBuilder) {
	writePlayerItems(b, p.Items)
}

func (p *PlayerAction) build(b *PacketBuilder) {
	b.WriteByte(byte(p.Action))
	b.WriteIntVector3(p.BlockPosition)
	b.WriteColor(p.Color)
	b.WriteUint32(p.Param)
}

func (p *HitEntity) build(b *PacketBuilder) {
	b.WriteUint32(p.EntityID)
	b.WriteVector3(p.HitPosition)
	b.WriteByte(byte(p.Part)).WriteByte(byte(p.Tool))
}

func (p *HitTerrain) build(b *PacketBuilder) {
	b.WriteIntVector3(p.BlockPosition)
	b.WriteVector3(p.HitPosition)
	b.WriteByte(byte(p.Tool))
}

func (p *Damage) build(b *PacketBuilder) {
	b.WriteUint32(p.EntityID)
	b.WriteByte(p.Amount).WriteByte(byte(p.DamageType))
	b.WriteVector3(p.Source)
}

// Presence bits of an entity update item.
const (
	entityFieldCreate byte = 1 << iota
	entityFieldTrajectory
	entityFieldHealth
	entityFieldTool
	entityFieldBlockColor
	entityFieldInput
	entityFieldFlags

	entityFieldAll = entityFieldFlags<<1 - 1
)

// Presence bits of a player update item.
const (
	playerFieldCreate byte = 1 << iota
	playerFieldTeam
	playerFieldScore
	playerFieldDeaths

	playerFieldAll = playerFieldDeaths<<1 - 1
)

// Smallest encodings, used to bound collection counts.
const (
	minEntityItemSize = 5
	minPlayerItemSize = 5
	minMapEditSize    = 15
)

func writeEntityItems(b *PacketBuilder, items []EntityUpdateItem) {
	b.WriteVarint(uint64(len(items)))
	for i := range items {
		writeEntityItem(b, &items[i])
	}
}

func writeEntityItem(b *PacketBuilder, it *EntityUpdateItem) {
	var mask byte
	if it.Create != nil {
		mask |= entityFieldCreate
	}
	if it.Trajectory != nil {
		mask |= entityFieldTrajectory
	}
	if it.Health != nil {
		mask |= entityFieldHealth
	}
	if it.Tool != nil {
		mask |= entityFieldTool
	}
	if it.BlockColor != nil {
		mask |= entityFieldBlockColor
	}
	if it.Input != nil {
		mask |= entityFieldInput
	}
	if it.Flags != nil {
		mask |= entityFieldFlags
	}

	b.WriteUint32(it.EntityID)
	b.WriteByte(mask)

	if c := it.Create; c != nil {
		b.WriteByte(byte(c.Kind))
		b.WriteBool(c.OwnerPlayerID != nil)
		if c.OwnerPlayerID != nil {
			b.WriteUint32(*c.OwnerPlayerID)
		}
	}
	if t := it.Trajectory; t != nil {
		b.WriteByte(byte(t.Type))
		b.WriteVector3(t.Origin)
		b.WriteVector3(t.Velocity)
		for _, q := range t.Orientation {
			b.WriteFloat32(q)
		}
	}
	if it.Health != nil {
		b.WriteByte(*it.Health)
	}
	if it.Tool != nil {
		b.WriteByte(byte(*it.Tool))
	}
	if it.BlockColor != nil {
		b.WriteColor(*it.BlockColor)
	}
	if it.Input != nil {
		b.WriteUint16(*it.Input)
	}
	if it.Flags != nil {
		b.WriteByte(byte(*it.Flags))
	}
}

func writePlayerItems(b *PacketBuilder, items []PlayerUpdateItem) {
	b.WriteVarint(uint64(len(items)))
	for i := range items {
		it := &items[i]
		var mask byte
		if it.Create != nil {
			mask |= playerFieldCreate
		}
		if it.Team != nil {
			mask |= playerFieldTeam
		}
		if it.Score != nil {
			mask |= playerFieldScore
		}
		if it.Deaths != nil {
			mask |= playerFieldDeaths
		}

		b.WriteUint32(it.PlayerID)
		b.WriteByte(mask)
		if it.Create != nil {
			b.WriteString(it.Create.Name)
		}
		if it.Team != nil {
			b.WriteByte(*it.Team)
		}
		if it.Score != nil {
			b.WriteInt32(*it.Score)
		}
		if it.Deaths != nil {
			b.WriteUint32(*it.Deaths)
		}
	}
}

// ---- Decoders ----

func readGreeting(r *PacketReader) Packet {
	return &Greeting{Nonce: r.ReadBlob()}
}

func readInitiateConnection(r *PacketReader) Packet {
	p := &InitiateConnection{}
	p.ProtocolName = r.ReadString()
	p.MajorVersion = r.ReadUint16()
	p.MinorVersion = r.ReadUint16()
	p.Revision = r.ReadUint16()
	p.PackageString = r.ReadString()
	p.EnvironmentString = r.ReadString()
	p.Locale = r.ReadString()
	p.PlayerName = r.ReadString()
	p.Nonce = r.ReadBlob()
	p.MapQuality = r.ReadByte()
	return p
}

func readServerCertificate(r *PacketReader) Packet {
	return &ServerCertificate{IsValid: r.ReadBool(), Certificate: r.ReadBlob(), Signature: r.ReadBlob()}
}

func readClientCertificate(r *PacketReader) Packet {
	return &ClientCertificate{IsValid: r.ReadBool(), Certificate: r.ReadBlob(), Signature: r.ReadBlob()}
}

func readKick(r *PacketReader) Packet {
	return &Kick{Reason: r.ReadString()}
}

func readGameStateHeader(r *PacketReader) Packet {
	return &GameStateHeader{Properties: r.ReadStringMap()}
}

func readMapData(r *PacketReader) Packet {
	return &MapData{Fragment: r.ReadBlob()}
}

func readGameStateFinal(r *PacketReader) Packet {
	p := &GameStateFinal{}
	p.Properties = r.ReadStringMap()
	p.Entities = readEntityItems(r)
	p.Players = readPlayerItems(r)
	return p
}

func readMapDataAcknowledge(r *PacketReader) Packet {
	return &MapDataAcknowledge{}
}

func readMapDataFinal(r *PacketReader) Packet {
	return &MapDataFinal{}
}

func readGenericCommand(r *PacketReader) Packet {
	n := r.ReadCount(1)
	p := &GenericCommand{}
	for i := 0; i < n && r.Err() == nil; i++ {
		p.Parts = append(p.Parts, r.ReadString())
	}
	return p
}

func readEntityUpdate(r *PacketReader) Packet {
	return &EntityUpdate{Items: readEntityItems(r)}
}

func readClientSideEntityUpdate(r *PacketReader) Packet {
	return &ClientSideEntityUpdate{Items: readEntityItems(r)}
}

func readTerrainUpdate(r *PacketReader) Packet {
	n := r.ReadCount(minMapEditSize)
	p := &TerrainUpdate{}
	for i := 0; i < n && r.Err() == nil; i++ {
		e := MapEdit{Position: r.ReadIntVector3()}
		if r.ReadBool() {
			c := r.ReadColor()
			e.Color = &c
		}
		e.CreateCause = BlockCreateCause(r.ReadByte())
		e.DestroyCause = BlockDestroyCause(r.ReadByte())
		p.Edits = append(p.Edits, e)
	}
	return p
}

func readEntityEvent(r *PacketReader) Packet {
	return &EntityEvent{EntityID: r.ReadUint32(), Event: EntityEventType(r.ReadByte()), Param: r.ReadUint32()}
}

func readEntityDie(r *PacketReader) Packet {
	p := &EntityDie{EntityID: r.ReadUint32()}
	if r.ReadBool() {
		k := r.ReadUint32()
		p.KillerID = &k
	}
	p.DamageType = DamageType(r.ReadByte())
	return p
}

func readEntityRemove(r *PacketReader) Packet {
	return &EntityRemove{EntityID: r.ReadUint32()}
}

func readPlayerRemove(r *PacketReader) Packet {
	return &PlayerRemove{PlayerID: r.ReadUint32()}
}

func readPlayerUpdate(r *PacketReader) Packet {
	return &PlayerUpdate{Items: readPlayerItems(r)}
}

func readPlayerAction(r *PacketReader) Packet {
	p := &PlayerAction{}
	p.Action = PlayerActionType(r.ReadByte())
	p.BlockPosition = r.ReadIntVector3()
	p.Color = r.ReadColor()
	p.Param = r.ReadUint32()
	return p
}

func readHitEntity(r *PacketReader) Packet {
	p := &HitEntity{}
	p.EntityID = r.ReadUint32()
	p.HitPosition = r.ReadVector3()
	p.Part = HitPart(r.ReadByte())
	p.Tool = Tool(r.ReadByte())
	return p
}

func readHitTerrain(r *PacketReader) Packet {
	p := &HitTerrain{}
	p.BlockPosition = r.ReadIntVector3()
	p.HitPosition = r.ReadVector3()
	p.Tool = Tool(r.ReadByte())
	return p
}

func readDamage(r *PacketReader) Packet {
	p := &Damage{}
	p.EntityID = r.ReadUint32()
	p.Amount = r.ReadByte()
	p.DamageType = DamageType(r.ReadByte())
	p.Source = r.ReadVector3()
	return p
}

func readEntityItems(r *PacketReader) []EntityUpdateItem {
	n := r.ReadCount(minEntityItemSize)
	var items []EntityUpdateItem
	for i := 0; i < n && r.Err() == nil; i++ {
		items = append(items, readEntityItem(r))
	}
	return items
}

func readEntityItem(r *PacketReader) EntityUpdateItem {
	it := EntityUpdateItem{EntityID: r.ReadUint32()}
	mask := r.ReadByte()
	if mask&^entityFieldAll != 0 {
		r.fail(fmt.Errorf("entity %d: unknown field mask 0x%02x", it.EntityID, mask))
		return it
	}

	if mask&entityFieldCreate != 0 {
		c := &EntityCreate{Kind: EntityKind(r.ReadByte())}
		if r.ReadBool() {
			owner := r.ReadUint32()
			c.OwnerPlayerID = &owner
		}
		it.Create = c
	}
	if mask&entityFieldTrajectory != 0 {
		t := &Trajectory{Type: TrajectoryType(r.ReadByte())}
		t.Origin = r.ReadVector3()
		t.Velocity = r.ReadVector3()
		for i := range t.Orientation {
			t.Orientation[i] = r.ReadFloat32()
		}
		it.Trajectory = t
	}
	if mask&entityFieldHealth != 0 {
		h := r.ReadByte()
		it.Health = &h
	}
	if mask&entityFieldTool != 0 {
		t := Tool(r.ReadByte())
		it.Tool = &t
	}
	if mask&entityFieldBlockColor != 0 {
		c := r.ReadColor()
		it.BlockColor = &c
	}
	if mask&entityFieldInput != 0 {
		in := r.ReadUint16()
		it.Input = &in
	}
	if mask&entityFieldFlags != 0 {
		f := EntityFlags(r.ReadByte())
		it.Flags = &f
	}
	return it
}

func readPlayerItems(r *PacketReader) []PlayerUpdateItem {
	n := r.ReadCount(minPlayerItemSize)
	var items []PlayerUpdateItem
	for i := 0; i < n && r.Err() == nil; i++ {
		it := PlayerUpdateItem{PlayerID: r.ReadUint32()}
		mask := r.ReadByte()
		if mask&^playerFieldAll != 0 {
			r.fail(fmt.Errorf("player %d: unknown field mask 0x%02x", it.PlayerID, mask))
			break
		}
		if mask&playerFieldCreate != 0 {
			it.Create = &PlayerCreate{Name: r.ReadString()}
		}
		if mask&playerFieldTeam != 0 {
			t := r.ReadByte()
			it.Team = &t
		}
		if mask&playerFieldScore != 0 {
			s := r.ReadInt32()
			it.Score = &s
		}
		if mask&playerFieldDeaths != 0 {
			d := r.ReadUint32()
			it.Deaths = &d
		}
		items = append(items, it)
	}
	return items
}
