// Package events defines the event types carried by the server's EventBus.
package events

import (
	"time"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Peer lifecycle events
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"

	// Game events
	EventPlayerJoined         EventType = "player_joined"
	EventPlayerLeft           EventType = "player_left"
	EventMapTransferStarted   EventType = "map_transfer_started"
	EventMapTransferCompleted EventType = "map_transfer_completed"
	EventChat                 EventType = "chat"

	// Monitoring events
	EventLongTick EventType = "long_tick"
	EventNotify   EventType = "notify"

	// Admin events
	EventKick          EventType = "kick"
	EventParamsChanged EventType = "params_changed"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// PeerPayload describes a peer connecting or disconnecting.
type PeerPayload struct {
	Peer       uint64
	Session    string
	Addr       string
	PlayerName string
	Reason     protocol.DisconnectReason
	// Duration is the connection lifetime, set on disconnect.
	Duration time.Duration
}

// PlayerPayload describes a player joining or leaving the game.
type PlayerPayload struct {
	PlayerID uint32
	Name     string
	Session  string
}

// MapTransferPayload describes a map transfer to one peer.
type MapTransferPayload struct {
	Peer     uint64
	Session  string
	Quality  int
	Bytes    int64
	Duration time.Duration
}

// ChatPayload carries a chat line relayed to all players.
type ChatPayload struct {
	PlayerID uint32
	Name     string
	Text     string
}

// LongTickPayload reports a tick that exceeded its time budget.
type LongTickPayload struct {
	Tick     uint64
	Duration time.Duration
	Budget   time.Duration
}

// KickPayload records an administrative kick or ban.
type KickPayload struct {
	Peer   uint64
	Addr   string
	Reason string
	Ban    bool
}

// NotifyPayload is a human-facing notification for operators.
type NotifyPayload struct {
	Title   string
	Message string
	Level   string // "info", "warning", "error"
}

// ParamsChangedPayload lists the world parameters after an update.
type ParamsChangedPayload struct {
	Params map[string]string
}
