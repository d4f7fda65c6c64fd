package network

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

var errPipeClosed = errors.New("pipe closed")

// pipeBuffer is the number of messages each direction of a pipe holds.
const pipeBuffer = 1024

// PipeListener is an in-process Listener. Dial creates a connected pair and
// hands the server end to Accept.
type PipeListener struct {
	conns     chan Conn
	closed    chan struct{}
	closeOnce sync.Once
	dialed    atomic.Uint64
}

// NewPipeListener creates a new PipeListener.
func NewPipeListener() *PipeListener {
	return &PipeListener{
		conns:  make(chan Conn),
		closed: make(chan struct{}),
	}
}

// Dial connects a new client and returns its end of the pipe.
func (l *PipeListener) Dial() (Conn, error) {
	n := l.dialed.Add(1)
	client, server := Pipe(fmt.Sprintf("pipe-client-%d", n), "pipe-server")
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *PipeListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, ErrListenerClosed
	}
}

func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *PipeListener) Addr() string {
	return "pipe"
}

type pipeState struct {
	closed    chan struct{}
	closeOnce sync.Once
	reason    protocol.DisconnectReason
}

type pipeConn struct {
	state *pipeState
	in    chan []byte
	out   chan []byte
	// remote is the address of the other end.
	remote string
}

// Pipe returns two connected in-memory Conns. clientAddr is what the second
// (server) end reports as its remote address and vice versa.
func Pipe(clientAddr, serverAddr string) (Conn, Conn) {
	state := &pipeState{closed: make(chan struct{})}
	a := make(chan []byte, pipeBuffer)
	b := make(chan []byte, pipeBuffer)
	client := &pipeConn{state: state, in: a, out: b, remote: serverAddr}
	server := &pipeConn{state: state, in: b, out: a, remote: clientAddr}
	return client, server
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.state.closed:
		// Messages written before the close are still delivered.
		select {
		case data := <-c.in:
			return data, nil
		default:
		}
		return nil, &CloseError{Reason: c.state.reason}
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.state.closed:
		return errPipeClosed
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.state.closed:
		return errPipeClosed
	}
}

func (c *pipeConn) Close(reason protocol.DisconnectReason) error {
	c.state.closeOnce.Do(func() {
		c.state.reason = reason
		close(c.state.closed)
	})
	return nil
}

func (c *pipeConn) RemoteAddr() string {
	return c.remote
}
