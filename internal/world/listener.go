package world

import "github.com/voxeld-project/voxeld/internal/protocol"

// Listener observes world changes. Callbacks run synchronously on the
// goroutine that mutates the World. A listener never owns what it observes;
// pointers passed in are only valid for the duration of the call unless the
// listener looks the object up again by id.
type Listener interface {
	// EntityLinked runs after the entity received its id.
	EntityLinked(e *Entity)
	// EntityUnlinked runs while the entity still holds its id.
	EntityUnlinked(e *Entity)
	PlayerCreated(p *Player)
	// PlayerRemoved runs while the player still holds its id.
	PlayerRemoved(p *Player)
	// MapEditsFlushed runs after a batch of edits was applied to the terrain.
	MapEditsFlushed(edits []protocol.MapEdit)
	// BlocksFalling runs once per detached cluster, before its blocks are removed.
	BlocksFalling(cluster []protocol.IntVector3)
	EntityDamaged(e *Entity, amount int, damage protocol.DamageType, source protocol.Vector3)
	EntityDied(e *Entity, killerID *uint32, damage protocol.DamageType)
	EntityEvent(e *Entity, event protocol.EntityEventType, param uint32)
}

// BaseListener implements Listener with no-ops. Embed it to observe a subset of events.
type BaseListener struct{}

func (BaseListener) EntityLinked(*Entity)                                                  {}
func (BaseListener) EntityUnlinked(*Entity)                                                {}
func (BaseListener) PlayerCreated(*Player)                                                 {}
func (BaseListener) PlayerRemoved(*Player)                                                 {}
func (BaseListener) MapEditsFlushed([]protocol.MapEdit)                                    {}
func (BaseListener) BlocksFalling([]protocol.IntVector3)                                   {}
func (BaseListener) EntityDamaged(*Entity, int, protocol.DamageType, protocol.Vector3)     {}
func (BaseListener) EntityDied(*Entity, *uint32, protocol.DamageType)                      {}
func (BaseListener) EntityEvent(*Entity, protocol.EntityEventType, uint32)                 {}

// Subscription is the handle returned by World.Subscribe.
type Subscription struct {
	world *World
	id    int
}

// Cancel removes the listener. It is safe to call from inside a callback
// and more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.world == nil {
		return
	}
	s.world.unsubscribe(s.id)
	s.world = nil
}

type listenerEntry struct {
	id       int
	listener Listener
}

// Subscribe registers a listener. Listeners are notified in registration order.
func (w *World) Subscribe(l Listener) *Subscription {
	w.nextListenerID++
	id := w.nextListenerID
	w.listeners = append(w.listeners, listenerEntry{id: id, listener: l})
	return &Subscription{world: w, id: id}
}

func (w *World) unsubscribe(id int) {
	for i, entry := range w.listeners {
		if entry.id == id {
			w.listeners = append(w.listeners[:i:i], w.listeners[i+1:]...)
			return
		}
	}
}

// notify calls fn for every listener registered at the time of the call.
func (w *World) notify(fn func(Listener)) {
	snapshot := w.listeners
	for _, entry := range snapshot {
		fn(entry.listener)
	}
}
