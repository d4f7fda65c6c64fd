// Package world holds the authoritative simulation state: terrain, entities,
// players, pending block edits, and the listeners that observe them.
package world

import (
	"fmt"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// ChunkSize is the edge length, in columns, of a terrain chunk.
const ChunkSize = 16

// Terrain size limits.
const (
	MaxMapWidth = 4096
	MaxMapDepth = 256
)

// solidBit marks a stored voxel as solid. The low 24 bits are the color.
const solidBit = 1 << 24

type chunk struct {
	generation uint64
	voxels     []uint32
}

// GameMap is a 3D voxel grid. Z grows upward and z = 0 is the bedrock layer
// that anchors every structure.
//
// Storage is split into chunks of ChunkSize x ChunkSize columns. Snapshot
// shares all chunks with the copy; a chunk created before the latest snapshot
// is cloned on its next write, so snapshots stay immutable while the live map
// keeps changing.
type GameMap struct {
	width, height, depth int
	chunksX, chunksY     int
	chunks               []*chunk
	generation           uint64
	readOnly             bool
}

// NewGameMap creates an empty map. Width and height must be multiples of ChunkSize.
func NewGameMap(width, height, depth int) (*GameMap, error) {
	if width <= 0 || height <= 0 || width%ChunkSize != 0 || height%ChunkSize != 0 {
		return nil, fmt.Errorf("map size %dx%d must be a positive multiple of %d", width, height, ChunkSize)
	}
	if width > MaxMapWidth || height > MaxMapWidth {
		return nil, fmt.Errorf("map size %dx%d exceeds %d", width, height, MaxMapWidth)
	}
	if depth <= 0 || depth > MaxMapDepth {
		return nil, fmt.Errorf("map depth %d out of range 1..%d", depth, MaxMapDepth)
	}

	cx, cy := width/ChunkSize, height/ChunkSize
	return &GameMap{
		width:   width,
		height:  height,
		depth:   depth,
		chunksX: cx,
		chunksY: cy,
		chunks:  make([]*chunk, cx*cy),
	}, nil
}

// NewFlatMap creates a map filled with solid ground up to (excluding) groundHeight.
// Columns alternate between two shades of color to make the grid readable.
func NewFlatMap(width, height, depth, groundHeight int, color protocol.Color) (*GameMap, error) {
	m, err := NewGameMap(width, height, depth)
	if err != nil {
		return nil, err
	}
	if groundHeight > depth {
		groundHeight = depth
	}

	shade := color
	shade.R, shade.G, shade.B = shade.R*7/8, shade.G*7/8, shade.B*7/8
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := color
			if (x/4+y/4)%2 == 1 {
				c = shade
			}
			for z := 0; z < groundHeight; z++ {
				m.Set(x, y, z, c)
			}
		}
	}
	return m, nil
}

// Width returns the X extent.
func (m *GameMap) Width() int { return m.width }

// Height returns the Y extent.
func (m *GameMap) Height() int { return m.height }

// Depth returns the Z extent.
func (m *GameMap) Depth() int { return m.depth }

// InBounds reports whether the coordinate lies inside the map.
func (m *GameMap) InBounds(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < m.width && y < m.height && z < m.depth
}

func (m *GameMap) locate(x, y, z int) (ci, vi int) {
	ci = (y/ChunkSize)*m.chunksX + x/ChunkSize
	vi = (z*ChunkSize+y%ChunkSize)*ChunkSize + x%ChunkSize
	return
}

func (m *GameMap) voxel(x, y, z int) uint32 {
	if !m.InBounds(x, y, z) {
		return 0
	}
	ci, vi := m.locate(x, y, z)
	c := m.chunks[ci]
	if c == nil {
		return 0
	}
	return c.voxels[vi]
}

// IsSolid reports whether a block exists at the coordinate. Out-of-bounds is air.
func (m *GameMap) IsSolid(x, y, z int) bool {
	return m.voxel(x, y, z)&solidBit != 0
}

// Color returns the color of a solid block.
func (m *GameMap) Color(x, y, z int) (protocol.Color, bool) {
	v := m.voxel(x, y, z)
	if v&solidBit == 0 {
		return protocol.Color{}, false
	}
	return protocol.ColorFromPacked(v), true
}

// writable returns the chunk for a coordinate, cloning it if a snapshot may
// still reference it.
func (m *GameMap) writable(ci int, create bool) *chunk {
	if m.readOnly {
		panic("world: write to terrain snapshot")
	}
	c := m.chunks[ci]
	switch {
	case c == nil:
		if !create {
			return nil
		}
		c = &chunk{generation: m.generation, voxels: make([]uint32, ChunkSize*ChunkSize*m.depth)}
		m.chunks[ci] = c
	case c.generation < m.generation:
		clone := &chunk{generation: m.generation, voxels: make([]uint32, len(c.voxels))}
		copy(clone.voxels, c.voxels)
		c = clone
		m.chunks[ci] = c
	}
	return c
}

// Set places a solid block. Out-of-bounds writes are ignored.
func (m *GameMap) Set(x, y, z int, color protocol.Color) {
	if !m.InBounds(x, y, z) {
		return
	}
	ci, vi := m.locate(x, y, z)
	m.writable(ci, true).voxels[vi] = solidBit | color.Packed()
}

// Clear removes a block. Out-of-bounds writes are ignored.
func (m *GameMap) Clear(x, y, z int) {
	if !m.InBounds(x, y, z) {
		return
	}
	ci, vi := m.locate(x, y, z)
	if c := m.writable(ci, false); c != nil {
		c.voxels[vi] = 0
	}
}

// Snapshot returns an immutable copy-on-write view of the current terrain.
// It is safe to read the snapshot from another goroutine while the live map
// keeps being modified by its owner.
func (m *GameMap) Snapshot() *GameMap {
	m.generation++
	snap := *m
	snap.chunks = make([]*chunk, len(m.chunks))
	copy(snap.chunks, m.chunks)
	snap.readOnly = true
	return &snap
}

// SolidCount returns the number of solid blocks.
func (m *GameMap) SolidCount() int {
	n := 0
	for _, c := range m.chunks {
		if c == nil {
			continue
		}
		for _, v := range c.voxels {
			if v&solidBit != 0 {
				n++
			}
		}
	}
	return n
}
