package world

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// terrainMagic prefixes every encoded terrain stream.
var terrainMagic = [4]byte{'V', 'X', 'D', '1'}

// ErrBadTerrain is returned when a terrain stream cannot be decoded.
var ErrBadTerrain = errors.New("bad terrain data")

// EncodeTerrain writes m in the column span format:
//
//	[magic:4][width:4][height:4][depth:4]
//	per column, y-major: [spans:varint] then per span
//	[start_z:varint][length:varint][length * rgb:3]
//
// ctx is checked between rows so a long encode can be abandoned.
func EncodeTerrain(ctx context.Context, w io.Writer, m *GameMap) error {
	var header [16]byte
	copy(header[:4], terrainMagic[:])
	binary.LittleEndian.PutUint32(header[4:], uint32(m.width))
	binary.LittleEndian.PutUint32(header[8:], uint32(m.height))
	binary.LittleEndian.PutUint32(header[12:], uint32(m.depth))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write terrain header: %w", err)
	}

	row := make([]byte, 0, 4096)
	for y := 0; y < m.height; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		row = row[:0]
		for x := 0; x < m.width; x++ {
			row = appendColumn(row, m, x, y)
		}
		if _, err := w.Write(row); err != nil {
			return fmt.Errorf("failed to write terrain row %d: %w", y, err)
		}
	}
	return nil
}

func appendColumn(buf []byte, m *GameMap, x, y int) []byte {
	type span struct{ start, length int }
	var spans []span
	for z := 0; z < m.depth; {
		if !m.IsSolid(x, y, z) {
			z++
			continue
		}
		start := z
		for z < m.depth && m.IsSolid(x, y, z) {
			z++
		}
		spans = append(spans, span{start, z - start})
	}

	buf = binary.AppendUvarint(buf, uint64(len(spans)))
	for _, s := range spans {
		buf = binary.AppendUvarint(buf, uint64(s.start))
		buf = binary.AppendUvarint(buf, uint64(s.length))
		for z := s.start; z < s.start+s.length; z++ {
			c, _ := m.Color(x, y, z)
			buf = append(buf, c.R, c.G, c.B)
		}
	}
	return buf
}

// DecodeTerrain reads a map written by EncodeTerrain.
func DecodeTerrain(r io.Reader) (*GameMap, error) {
	br := bufio.NewReader(r)

	var header [16]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("failed to read terrain header: %w", err)
	}
	if !bytes.Equal(header[:4], terrainMagic[:]) {
		return nil, fmt.Errorf("magic %q: %w", header[:4], ErrBadTerrain)
	}

	width := int(binary.LittleEndian.Uint32(header[4:]))
	height := int(binary.LittleEndian.Uint32(header[8:]))
	depth := int(binary.LittleEndian.Uint32(header[12:]))
	m, err := NewGameMap(width, height, depth)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrBadTerrain)
	}

	var rgb [3]byte
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			spans, err := binary.ReadUvarint(br)
			if err != nil {
				return nil, fmt.Errorf("column (%d,%d): %w", x, y, err)
			}
			for i := uint64(0); i < spans; i++ {
				start, err := binary.ReadUvarint(br)
				if err != nil {
					return nil, fmt.Errorf("column (%d,%d) span start: %w", x, y, err)
				}
				length, err := binary.ReadUvarint(br)
				if err != nil {
					return nil, fmt.Errorf("column (%d,%d) span length: %w", x, y, err)
				}
				if start+length > uint64(depth) {
					return nil, fmt.Errorf("column (%d,%d) span %d+%d exceeds depth: %w", x, y, start, length, ErrBadTerrain)
				}
				for z := int(start); z < int(start+length); z++ {
					if _, err := io.ReadFull(br, rgb[:]); err != nil {
						return nil, fmt.Errorf("column (%d,%d) colors: %w", x, y, err)
					}
					m.Set(x, y, z, protocol.Color{R: rgb[0], G: rgb[1], B: rgb[2]})
				}
			}
		}
	}
	return m, nil
}

// LoadTerrainFile reads a terrain file, transparently inflating zlib-compressed files.
func LoadTerrainFile(path string) (*GameMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open terrain file %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("failed to read terrain file %s: %w", path, err)
	}

	var src io.Reader = br
	if !bytes.Equal(head, terrainMagic[:]) {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("terrain file %s is neither raw nor zlib: %w", path, err)
		}
		defer zr.Close()
		src = zr
	}

	m, err := DecodeTerrain(src)
	if err != nil {
		return nil, fmt.Errorf("failed to decode terrain file %s: %w", path, err)
	}
	return m, nil
}

// SaveTerrainFile writes m to path, zlib-compressed at the given level.
// A level of 0 writes the raw format.
func SaveTerrainFile(path string, m *GameMap, level int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create terrain file %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if level == 0 {
		if err := EncodeTerrain(context.Background(), bw, m); err != nil {
			return err
		}
		return bw.Flush()
	}

	zw, err := zlib.NewWriterLevel(bw, level)
	if err != nil {
		return fmt.Errorf("failed to create zlib writer: %w", err)
	}
	if err := EncodeTerrain(context.Background(), zw, m); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish terrain file %s: %w", path, err)
	}
	return bw.Flush()
}
