package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// closeCodeBase is added to a DisconnectReason to form the WebSocket close code.
const closeCodeBase = 4000

// WebSocketConfig configures the WebSocket listener.
type WebSocketConfig struct {
	Address string
	Path    string
	// WriteTimeout bounds a single message write.
	WriteTimeout time.Duration
	// MaxAttemptsPerSec limits connection attempts per source address. Zero disables the limit.
	MaxAttemptsPerSec int
	AttemptBurst      int
}

type wsListener struct {
	cfg      WebSocketConfig
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	limiter  *IPLimiter

	accepted  chan Conn
	closed    chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger
}

// ListenWebSocket starts an HTTP listener upgrading requests on cfg.Path to
// WebSocket peers.
func ListenWebSocket(ctx context.Context, cfg WebSocketConfig) (Listener, error) {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Address, err)
	}

	l := &wsListener{
		cfg: cfg,
		ln:  ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game clients are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:  NewIPLimiter(cfg.MaxAttemptsPerSec, cfg.AttemptBurst),
		accepted: make(chan Conn),
		closed:   make(chan struct{}),
		logger:   log.With().Str("component", "websocket").Str("addr", ln.Addr().String()).Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, l.handleUpgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error().Err(err).Msg("websocket listener stopped")
		}
	}()

	l.logger.Info().Str("path", cfg.Path).Msg("websocket listener started")
	return l, nil
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !l.limiter.Allow(HostOf(r.RemoteAddr)) {
		l.logger.Warn().Str("remote", r.RemoteAddr).Msg("connection rate limit exceeded")
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	ws.SetReadLimit(protocol.MaxPacketSize)

	c := newWSConn(ws, r.RemoteAddr, l.cfg.WriteTimeout)
	select {
	case l.accepted <- c:
	case <-l.closed:
		c.Close(protocol.DisconnectServerStopped)
	}
}

func (l *wsListener) Accept() (Conn, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

// Close stops accepting. Hijacked peer connections stay open; the host owns them.
func (l *wsListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		err = l.srv.Close()
	})
	return err
}

func (l *wsListener) Addr() string {
	return l.ln.Addr().String()
}

type wsConn struct {
	ws           *websocket.Conn
	addr         string
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newWSConn(ws *websocket.Conn, addr string, writeTimeout time.Duration) *wsConn {
	return &wsConn{ws: ws, addr: addr, writeTimeout: writeTimeout}
}

// DialWebSocket connects to a WebSocket game server.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	ws.SetReadLimit(protocol.MaxPacketSize)
	return newWSConn(ws, ws.RemoteAddr().String(), 10*time.Second), nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code >= closeCodeBase && ce.Code < closeCodeBase+256 {
				return nil, &CloseError{Reason: protocol.DisconnectReason(ce.Code - closeCodeBase)}
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close(reason protocol.DisconnectReason) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(closeCodeBase+int(reason), reason.String())
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.addr
}
