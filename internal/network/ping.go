package network

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// ServerInfoFunc reports what a discovery ping reply advertises.
type ServerInfoFunc func() (name string, players, maxPlayers int)

// PingResponder answers UDP server discovery probes. A probe is a datagram
// starting with protocol.AutoPingMagicByte; the reply carries the server
// name, protocol name and player counts.
type PingResponder struct {
	addr   string
	info   ServerInfoFunc
	conn   *net.UDPConn
	logger zerolog.Logger
}

// NewPingResponder creates a new PingResponder.
func NewPingResponder(addr string, info ServerInfoFunc) *PingResponder {
	return &PingResponder{
		addr:   addr,
		info:   info,
		logger: log.With().Str("component", "ping").Logger(),
	}
}

// Listen binds the UDP socket.
func (r *PingResponder) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to start ping responder on %s: %w", r.addr, err)
	}
	r.conn = pc.(*net.UDPConn)
	r.logger.Info().Str("addr", r.conn.LocalAddr().String()).Msg("ping responder started")
	return nil
}

// Addr returns the bound address.
func (r *PingResponder) Addr() string {
	if r.conn == nil {
		return r.addr
	}
	return r.conn.LocalAddr().String()
}

// Serve answers probes until ctx is cancelled. Listen must be called first.
func (r *PingResponder) Serve(ctx context.Context) error {
	if r.conn == nil {
		if err := r.Listen(ctx); err != nil {
			return err
		}
	}

	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				r.logger.Info().Msg("ping responder stopping")
				return nil
			default:
				r.logger.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		if n < 1 || buf[0] != protocol.AutoPingMagicByte {
			continue
		}

		name, players, maxPlayers := r.info()
		reply := protocol.BuildAutoPingResponse(name, players, maxPlayers)
		if _, err := r.conn.WriteToUDP(reply, remote); err != nil {
			r.logger.Warn().Err(err).Str("remote", remote.String()).Msg("failed to send ping reply")
			continue
		}

		r.logger.Trace().Str("remote", remote.String()).Msg("answered ping probe")
	}
}

// Probe sends a discovery ping to addr and returns the raw reply.
func Probe(addr string, timeout time.Duration) ([]byte, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{protocol.AutoPingMagicByte}); err != nil {
		return nil, fmt.Errorf("probe write failed: %w", err)
	}

	buf := make([]byte, 512)
	conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("probe read failed: %w", err)
	}
	return buf[:n], nil
}
