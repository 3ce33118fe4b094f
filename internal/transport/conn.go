package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotConnected is returned by Emit while the session has no live
	// connection. Callers defer the action until the connected notification.
	ErrNotConnected = errors.New("realtime session is not connected")

	// ErrServerClosed is wrapped by drivers when the server closed the
	// connection on purpose.
	ErrServerClosed = errors.New("connection closed by server")
)

// Conn is one established realtime connection carrying JSON frames.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes connections for a Session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler receives the payload of one inbound event.
type Handler func(data json.RawMessage)

// Reason explains why a connection ended.
type Reason string

const (
	ReasonClient    Reason = "io client disconnect"
	ReasonServer    Reason = "io server disconnect"
	ReasonTransport Reason = "transport close"
)

// State of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}
