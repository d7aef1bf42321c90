package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// State is the connection state of one Socket.
type State int

const (
	// NotConnected is terminal until a new socket is created.
	NotConnected State = iota
	// Connecting covers the dial and handshake of a fresh connection.
	Connecting
	// Connected means the handshake succeeded and requests may be sent.
	Connected
	// Reconnecting means the connection dropped for a recoverable reason and
	// the socket is redialing with backoff.
	Reconnecting
	// ReconnectOnDisconnect means the server forgot the session; the next
	// disconnect triggers an immediate full reconnect.
	ReconnectOnDisconnect
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not-connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ReconnectOnDisconnect:
		return "reconnect-on-disconnect"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// DisconnectReason classifies why a connection ended.
type DisconnectReason string

const (
	ReasonClientDisconnect DisconnectReason = "io client disconnect"
	ReasonServerDisconnect DisconnectReason = "io server disconnect"
	ReasonPingTimeout      DisconnectReason = "ping timeout"
	ReasonTransportClose   DisconnectReason = "transport close"
	ReasonTransportError   DisconnectReason = "transport error"
)

// Recoverable reports whether the socket should redial with backoff.
func (r DisconnectReason) Recoverable() bool {
	switch r {
	case ReasonPingTimeout, ReasonTransportClose, ReasonTransportError:
		return true
	default:
		return false
	}
}

// classifyDisconnect maps a read error to a disconnect reason. Close frames
// sent deliberately by the server end the socket; everything that looks like
// a network hiccup is recoverable.
func classifyDisconnect(err error) DisconnectReason {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return ReasonClientDisconnect
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseGoingAway,
			websocket.CloseAbnormalClosure,
			websocket.CloseServiceRestart,
			websocket.CloseTryAgainLater:
			return ReasonTransportClose
		default:
			return ReasonServerDisconnect
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ReasonTransportClose
	}
	return ReasonTransportError
}
