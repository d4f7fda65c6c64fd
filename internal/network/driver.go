// Package network implements the transport host: peer lifecycle, admission
// control and message delivery over a pluggable message-oriented driver.
package network

import (
	"errors"
	"fmt"

	"github.com/voxeld-project/voxeld/internal/protocol"
)

// ErrListenerClosed is returned by Accept after the listener was closed.
var ErrListenerClosed = errors.New("listener closed")

// Conn is one message-oriented peer connection. Each message carries exactly
// one packet. ReadMessage and WriteMessage are called from different
// goroutines; neither is called concurrently with itself.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Close ends the connection, telling the remote side why when the driver can.
	Close(reason protocol.DisconnectReason) error
	RemoteAddr() string
}

// Listener accepts incoming peer connections.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() string
}

// CloseError is returned by ReadMessage when the remote side closed the
// connection with a disconnect reason.
type CloseError struct {
	Reason protocol.DisconnectReason
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %s", e.Reason)
}

// reasonFromError extracts the disconnect reason carried by err, if any.
func reasonFromError(err error) protocol.DisconnectReason {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	return protocol.DisconnectUnknown
}
