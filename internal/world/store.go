package world

import (
	"encoding/binary"
	"fmt"

	"github.com/boltdb/bolt"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

var (
	blockBucket = []byte("block")
	metaBucket  = []byte("meta")
	sizeKey     = []byte("size")
)

// ExportBoltStore writes every solid block of m into a bolt database at path.
// Existing blocks in the file are replaced.
func ExportBoltStore(path string, m *GameMap) error {
	db, err := bolt.Open(path, 0666, nil)
	if err != nil {
		return fmt.Errorf("failed to open block store %s: %w", path, err)
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(blockBucket) != nil {
			if err := tx.DeleteBucket(blockBucket); err != nil {
				return err
			}
		}
		blocks, err := tx.CreateBucket(blockBucket)
		if err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		size := make([]byte, 12)
		binary.BigEndian.PutUint32(size[0:], uint32(m.width))
		binary.BigEndian.PutUint32(size[4:], uint32(m.height))
		binary.BigEndian.PutUint32(size[8:], uint32(m.depth))
		if err := meta.Put(sizeKey, size); err != nil {
			return err
		}

		for y := 0; y < m.height; y++ {
			for x := 0; x < m.width; x++ {
				for z := 0; z < m.depth; z++ {
					c, ok := m.Color(x, y, z)
					if !ok {
						continue
					}
					if err := blocks.Put(encodeBlockKey(x, y, z), []byte{c.R, c.G, c.B}); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
}

// ImportBoltStore builds a map from a bolt database written by ExportBoltStore.
func ImportBoltStore(path string) (*GameMap, error) {
	db, err := bolt.Open(path, 0666, &bolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open block store %s: %w", path, err)
	}
	defer db.Close()

	var m *GameMap
	err = db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(metaBucket)
		blocks := tx.Bucket(blockBucket)
		if meta == nil || blocks == nil {
			return fmt.Errorf("missing buckets: %w", ErrBadTerrain)
		}
		size := meta.Get(sizeKey)
		if len(size) != 12 {
			return fmt.Errorf("bad size record: %w", ErrBadTerrain)
		}

		var err error
		m, err = NewGameMap(
			int(binary.BigEndian.Uint32(size[0:])),
			int(binary.BigEndian.Uint32(size[4:])),
			int(binary.BigEndian.Uint32(size[8:])),
		)
		if err != nil {
			return err
		}

		return blocks.ForEach(func(k, v []byte) error {
			if len(k) != 12 || len(v) != 3 {
				return fmt.Errorf("bad block record: %w", ErrBadTerrain)
			}
			x, y, z := decodeBlockKey(k)
			m.Set(x, y, z, protocol.Color{R: v[0], G: v[1], B: v[2]})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to import block store %s: %w", path, err)
	}
	return m, nil
}

func encodeBlockKey(x, y, z int) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint32(key[0:], uint32(int32(x)))
	binary.BigEndian.PutUint32(key[4:], uint32(int32(y)))
	binary.BigEndian.PutUint32(key[8:], uint32(int32(z)))
	return key
}

func decodeBlockKey(key []byte) (x, y, z int) {
	x = int(int32(binary.BigEndian.Uint32(key[0:])))
	y = int(int32(binary.BigEndian.Uint32(key[4:])))
	z = int(int32(binary.BigEndian.Uint32(key[8:])))
	return
}
