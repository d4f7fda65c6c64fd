package network

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

var (
	// ErrUnknownPeer is returned when addressing a peer that is not connected.
	ErrUnknownPeer = errors.New("unknown peer")
	// ErrPeerClosing is returned when sending to a peer that is being disconnected.
	ErrPeerClosing = errors.New("peer is disconnecting")
	// ErrQueueFull is returned when a peer's outbound queue is full. The peer
	// is disconnected with DisconnectTimeout.
	ErrQueueFull = errors.New("peer outbound queue full")
)

// PeerID identifies a peer for the lifetime of the host. Ids are never reused.
type PeerID uint64

// EventType classifies host events.
type EventType int

const (
	EventConnect EventType = iota + 1
	EventReceive
	EventDisconnect
)

var eventTypeStrings = map[EventType]string{
	EventConnect:    "connect",
	EventReceive:    "receive",
	EventDisconnect: "disconnect",
}

// String returns the string representation of EventType.
func (t EventType) String() string {
	if str, ok := eventTypeStrings[t]; ok {
		return str
	}
	return "unknown"
}

// Event is a peer lifecycle or data event delivered by PollEvents.
type Event struct {
	Type EventType
	Peer PeerID
	Addr string
	// Data is set for EventReceive.
	Data []byte
	// Reason is set for EventDisconnect.
	Reason protocol.DisconnectReason
}

// HostConfig controls admission and buffering.
type HostConfig struct {
	MaxPeers         int
	QueueSize        int
	EventBuffer      int
	DrainGracePeriod time.Duration
}

// DefaultHostConfig returns the default host settings.
func DefaultHostConfig() HostConfig {
	return HostConfig{
		MaxPeers:         32,
		QueueSize:        512,
		EventBuffer:      4096,
		DrainGracePeriod: 3 * time.Second,
	}
}

// AdmissionFilter decides whether a new peer may connect. A non-empty reason
// rejects the peer; the reason is sent to it in a Kick packet.
type AdmissionFilter func(addr string) (reason string)

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID           PeerID    `json:"id"`
	Addr         string    `json:"addr"`
	ConnectedAt  time.Time `json:"connected_at"`
	PendingBytes int       `json:"pending_bytes"`
}

// Host manages peers accepted from a Listener. Events are produced by
// per-peer goroutines and consumed by a single caller through PollEvents.
type Host struct {
	cfg      HostConfig
	listener Listener
	filter   AdmissionFilter

	mu      sync.Mutex
	peers   map[PeerID]*peer
	nextID  PeerID
	closing bool

	events chan Event
	closed chan struct{} // closed when Close starts
	kill   chan struct{} // closed when the drain grace period is over
	wg     sync.WaitGroup

	logger zerolog.Logger
}

// NewHost creates a new Host serving peers accepted from l.
func NewHost(l Listener, cfg HostConfig) *Host {
	def := DefaultHostConfig()
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = def.MaxPeers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.DrainGracePeriod <= 0 {
		cfg.DrainGracePeriod = def.DrainGracePeriod
	}

	return &Host{
		cfg:      cfg,
		listener: l,
		peers:    make(map[PeerID]*peer),
		events:   make(chan Event, cfg.EventBuffer),
		closed:   make(chan struct{}),
		kill:     make(chan struct{}),
		logger:   log.With().Str("component", "host").Str("addr", l.Addr()).Logger(),
	}
}

// SetAdmissionFilter installs fn to screen new peers. Call before Serve.
func (h *Host) SetAdmissionFilter(fn AdmissionFilter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = fn
}

// Serve accepts peers until ctx is cancelled or the host is closed.
func (h *Host) Serve(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			h.listener.Close()
		case <-h.closed:
		}
	}()

	h.logger.Info().Int("max_peers", h.cfg.MaxPeers).Msg("host accepting peers")

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-h.closed:
				return nil
			default:
			}
			if errors.Is(err, ErrListenerClosed) {
				return nil
			}
			h.logger.Error().Err(err).Msg("accept error")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		h.admit(conn)
	}
}

// admit registers conn as a peer unless the host is full, closing or the
// admission filter rejects it. Rejected connections never produce events.
func (h *Host) admit(conn Conn) {
	addr := conn.RemoteAddr()

	h.mu.Lock()
	filter := h.filter
	h.mu.Unlock()
	if filter != nil {
		if reason := filter(addr); reason != "" {
			h.logger.Info().Str("remote", addr).Str("reason", reason).Msg("peer rejected by admission filter")
			conn.WriteMessage(protocol.Encode(&protocol.Kick{Reason: reason}))
			conn.Close(protocol.DisconnectMisc)
			return
		}
	}

	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		conn.Close(protocol.DisconnectServerStopped)
		return
	}
	if len(h.peers) >= h.cfg.MaxPeers {
		count := len(h.peers)
		h.mu.Unlock()
		h.logger.Warn().Str("remote", addr).Int("peers", count).Msg("server full, rejecting peer")
		conn.Close(protocol.DisconnectServerFull)
		return
	}
	h.nextID++
	p := newPeer(h.nextID, conn, h.cfg.QueueSize)
	h.peers[p.id] = p
	h.wg.Add(2)
	h.mu.Unlock()

	h.logger.Debug().Uint64("peer", uint64(p.id)).Str("remote", addr).Msg("peer connected")

	// The connect event must precede any receive event of this peer.
	h.push(Event{Type: EventConnect, Peer: p.id, Addr: addr})
	go h.writeLoop(p)
	go h.readLoop(p)
}

// push delivers an event, blocking while the buffer is full unless the host
// is being torn down.
func (h *Host) push(ev Event) {
	select {
	case h.events <- ev:
	case <-h.kill:
	}
}

// PollEvents passes every event queued at the time of the call to fn. It
// never blocks.
func (h *Host) PollEvents(fn func(Event)) int {
	n := len(h.events)
	for i := 0; i < n; i++ {
		select {
		case ev := <-h.events:
			fn(ev)
		default:
			return i
		}
	}
	return n
}

func (h *Host) lookup(id PeerID) (*peer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[id]
	return p, ok
}

// Send queues data for delivery to a peer.
func (h *Host) Send(id PeerID, data []byte) error {
	p, ok := h.lookup(id)
	if !ok {
		return ErrUnknownPeer
	}
	if err := p.enqueue(data); err != nil {
		if errors.Is(err, ErrQueueFull) {
			h.logger.Warn().Uint64("peer", uint64(id)).Msg("outbound queue full, disconnecting peer")
			p.beginClose(protocol.DisconnectTimeout)
		}
		return err
	}
	return nil
}

// Broadcast queues data for every connected peer.
func (h *Host) Broadcast(data []byte) {
	h.mu.Lock()
	ids := make([]PeerID, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.Send(id, data)
	}
}

// Disconnect closes a peer after its queued messages were written. The
// disconnect event carries reason.
func (h *Host) Disconnect(id PeerID, reason protocol.DisconnectReason) {
	if p, ok := h.lookup(id); ok {
		p.beginClose(reason)
	}
}

// PendingBytes returns the number of bytes queued but not yet written to a peer.
func (h *Host) PendingBytes(id PeerID) int {
	if p, ok := h.lookup(id); ok {
		return int(p.pending.Load())
	}
	return 0
}

// PeerCount returns the number of connected peers.
func (h *Host) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// MaxPeers returns the admission limit.
func (h *Host) MaxPeers() int {
	return h.cfg.MaxPeers
}

// Peers returns a description of every connected peer.
func (h *Host) Peers() []PeerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, PeerInfo{
			ID:           p.id,
			Addr:         p.addr,
			ConnectedAt:  p.connectedAt,
			PendingBytes: int(p.pending.Load()),
		})
	}
	return out
}

// Close stops accepting peers, disconnects every peer with ServerStopped and
// services the transport until all peers are gone, the grace period elapses
// or ctx is done. Remaining connections are then closed forcibly.
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return nil
	}
	h.closing = true
	peers := make([]*peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	close(h.closed)
	if err := h.listener.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("failed to close listener")
	}
	for _, p := range peers {
		p.beginClose(protocol.DisconnectServerStopped)
	}

	drained := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(h.cfg.DrainGracePeriod)
	defer timer.Stop()

	for {
		select {
		case <-drained:
			h.logger.Info().Int("peers", len(peers)).Msg("host closed")
			return nil
		case <-h.events:
			// Nobody polls during shutdown; keep peer goroutines moving.
		case <-timer.C:
			h.forceClose(peers, drained)
			return nil
		case <-ctx.Done():
			h.forceClose(peers, drained)
			return ctx.Err()
		}
	}
}

func (h *Host) forceClose(peers []*peer, drained <-chan struct{}) {
	h.logger.Warn().Msg("drain grace period over, closing remaining peers")
	close(h.kill)
	for _, p := range peers {
		p.conn.Close(protocol.DisconnectServerStopped)
	}
	<-drained
}

// removePeer unregisters p and emits its disconnect event exactly once.
func (h *Host) removePeer(p *peer, remote protocol.DisconnectReason, cause error) {
	p.removeOnce.Do(func() {
		h.mu.Lock()
		delete(h.peers, p.id)
		h.mu.Unlock()

		reason := remote
		if r, ok := p.reason(); ok {
			reason = r
		}
		p.beginClose(reason)

		h.logger.Debug().
			Err(cause).
			Uint64("peer", uint64(p.id)).
			Str("reason", reason.String()).
			Msg("peer disconnected")
		h.push(Event{Type: EventDisconnect, Peer: p.id, Addr: p.addr, Reason: reason})
	})
}

func (h *Host) readLoop(p *peer) {
	defer h.wg.Done()
	for {
		data, err := p.conn.ReadMessage()
		if err != nil {
			h.removePeer(p, reasonFromError(err), err)
			return
		}
		h.push(Event{Type: EventReceive, Peer: p.id, Addr: p.addr, Data: data})
	}
}

func (h *Host) writeLoop(p *peer) {
	defer h.wg.Done()
	failed := false
	write := func(data []byte) {
		defer p.pending.Add(-int64(len(data)))
		if failed {
			return
		}
		if err := p.conn.WriteMessage(data); err != nil {
			failed = true
			h.logger.Debug().Err(err).Uint64("peer", uint64(p.id)).Msg("write failed")
			p.conn.Close(protocol.DisconnectInternalServerError)
		}
	}

	for {
		select {
		case data := <-p.out:
			write(data)
		case <-p.closing:
		drain:
			for {
				select {
				case data := <-p.out:
					write(data)
				default:
					break drain
				}
			}
			reason, _ := p.reason()
			p.conn.Close(reason)
			return
		case <-h.kill:
			return
		}
	}
}

type peer struct {
	id          PeerID
	conn        Conn
	addr        string
	connectedAt time.Time

	out     chan []byte
	pending atomic.Int64

	closing    chan struct{}
	closeOnce  sync.Once
	closeWith  atomic.Uint32
	hasReason  atomic.Bool
	removeOnce sync.Once
}

func newPeer(id PeerID, conn Conn, queueSize int) *peer {
	return &peer{
		id:          id,
		conn:        conn,
		addr:        conn.RemoteAddr(),
		connectedAt: time.Now(),
		out:         make(chan []byte, queueSize),
		closing:     make(chan struct{}),
	}
}

func (p *peer) enqueue(data []byte) error {
	select {
	case <-p.closing:
		return ErrPeerClosing
	default:
	}

	p.pending.Add(int64(len(data)))
	select {
	case p.out <- data:
		return nil
	default:
		p.pending.Add(-int64(len(data)))
		return ErrQueueFull
	}
}

// beginClose records reason (first caller wins) and tells the writer to
// flush and close the connection.
func (p *peer) beginClose(reason protocol.DisconnectReason) {
	p.closeOnce.Do(func() {
		p.closeWith.Store(uint32(reason))
		p.hasReason.Store(true)
		close(p.closing)
	})
}

func (p *peer) reason() (protocol.DisconnectReason, bool) {
	if !p.hasReason.Load() {
		return protocol.DisconnectUnknown, false
	}
	return protocol.DisconnectReason(p.closeWith.Load()), true
}
