package world

import (
	"sort"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// QueueEdit records an edit for the next flush. A later edit at the same
// position replaces the earlier one. Edits outside the map are dropped.
func (w *World) QueueEdit(edit protocol.MapEdit) bool {
	p := edit.Position
	if !w.terrain.InBounds(int(p.X), int(p.Y), int(p.Z)) {
		return false
	}
	w.pending[p] = edit
	return true
}

// BuildBlock queues a block creation.
func (w *World) BuildBlock(pos protocol.IntVector3, color protocol.Color, cause protocol.BlockCreateCause) bool {
	c := color
	return w.QueueEdit(protocol.MapEdit{Position: pos, Color: &c, CreateCause: cause})
}

// DestroyBlock queues a block removal. The bedrock layer cannot be destroyed.
func (w *World) DestroyBlock(pos protocol.IntVector3, cause protocol.BlockDestroyCause) bool {
	if pos.Z <= 0 {
		return false
	}
	return w.QueueEdit(protocol.MapEdit{Position: pos, DestroyCause: cause})
}

// PendingEdits returns the number of queued edits.
func (w *World) PendingEdits() int {
	return len(w.pending)
}

// FlushEdits applies every queued edit in position order, notifies listeners
// with the applied list, then detaches floating clusters. Each cluster is
// announced while its blocks are still in the terrain; the blocks are removed
// and replaced by debris entities only after every cluster was announced.
func (w *World) FlushEdits() {
	if len(w.pending) == 0 {
		return
	}

	edits := make([]protocol.MapEdit, 0, len(w.pending))
	for _, e := range w.pending {
		edits = append(edits, e)
	}
	sort.Slice(edits, func(i, j int) bool { return edits[i].Position.Less(edits[j].Position) })
	clear(w.pending)

	var destroyed []protocol.IntVector3
	for _, e := range edits {
		x, y, z := int(e.Position.X), int(e.Position.Y), int(e.Position.Z)
		if e.Color != nil {
			w.terrain.Set(x, y, z, *e.Color)
		} else {
			w.terrain.Clear(x, y, z)
			destroyed = append(destroyed, e.Position)
		}
	}

	w.notify(func(l Listener) { l.MapEditsFlushed(edits) })

	if len(destroyed) == 0 {
		return
	}

	clusters := FindFloatingClusters(w.terrain, destroyed)
	for _, cluster := range clusters {
		w.notify(func(l Listener) { l.BlocksFalling(cluster) })
	}

	for _, cluster := range clusters {
		var sum protocol.Vector3
		for _, p := range cluster {
			w.terrain.Clear(int(p.X), int(p.Y), int(p.Z))
			sum = sum.Add(protocol.Vector3{X: float32(p.X), Y: float32(p.Y), Z: float32(p.Z)})
		}
		center := sum.Scale(1 / float32(len(cluster))).Add(protocol.Vector3{X: 0.5, Y: 0.5, Z: 0.5})
		if _, err := w.LinkEntity(NewFallingBlock(center, len(cluster), fallingBlockLifetime)); err != nil {
			w.logger.Error().Err(err).Msg("failed to link falling block")
		}
	}

	w.logger.Debug().
		Int("edits", len(edits)).
		Int("clusters", len(clusters)).
		Msg("map edits flushed")
}

var neighbors = [6]protocol.IntVector3{
	// Downward first so grounded searches reach z = 0 quickly.
	{X: 0, Y: 0, Z: -1},
	{X: 1, Y: 0, Z: 0},
	{X: -1, Y: 0, Z: 0},
	{X: 0, Y: 1, Z: 0},
	{X: 0, Y: -1, Z: 0},
	{X: 0, Y: 0, Z: 1},
}

// FindFloatingClusters returns the connected groups of solid blocks adjacent
// to the given positions that no longer reach the bedrock layer. Blocks are
// 6-connected. Each cluster is sorted by position; clusters are ordered by
// their first block.
func FindFloatingClusters(m *GameMap, removed []protocol.IntVector3) [][]protocol.IntVector3 {
	grounded := make(map[protocol.IntVector3]bool)
	floating := make(map[protocol.IntVector3]bool)
	var clusters [][]protocol.IntVector3

	solid := func(p protocol.IntVector3) bool {
		return m.IsSolid(int(p.X), int(p.Y), int(p.Z))
	}

	for _, r := range removed {
		for _, d := range neighbors {
			seed := protocol.IntVector3{X: r.X + d.X, Y: r.Y + d.Y, Z: r.Z + d.Z}
			if !solid(seed) || grounded[seed] || floating[seed] {
				continue
			}

			visited := map[protocol.IntVector3]bool{seed: true}
			stack := []protocol.IntVector3{seed}
			reachesGround := false
			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				if p.Z == 0 || grounded[p] {
					reachesGround = true
					break
				}
				// Push in reverse so the downward neighbor is popped first.
				for i := len(neighbors) - 1; i >= 0; i-- {
					d := neighbors[i]
					n := protocol.IntVector3{X: p.X + d.X, Y: p.Y + d.Y, Z: p.Z + d.Z}
					if visited[n] || !solid(n) {
						continue
					}
					visited[n] = true
					stack = append(stack, n)
				}
			}

			if reachesGround {
				for p := range visited {
					grounded[p] = true
				}
				continue
			}

			cluster := make([]protocol.IntVector3, 0, len(visited))
			for p := range visited {
				floating[p] = true
				cluster = append(cluster, p)
			}
			sort.Slice(cluster, func(i, j int) bool { return cluster[i].Less(cluster[j]) })
			clusters = append(clusters, cluster)
		}
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0].Less(clusters[j][0]) })
	return clusters
}
