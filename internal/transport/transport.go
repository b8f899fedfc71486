// Package transport provides the duplex connection used for the endpoint
// control channel and for ping measurements.
package transport

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotOpen is returned by Send when the transport is not open.
	ErrNotOpen = errors.New("transport: not open")
	// ErrClosed is returned by Open after the transport has been closed.
	ErrClosed = errors.New("transport: closed")
)

// ReadyState mirrors the readiness states of a browser WebSocket.
type ReadyState int32

const (
	StateClosed ReadyState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ReadyState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// Transport is one logical duplex connection to a single peer.
type Transport interface {
	// Open establishes the connection and returns once it is usable.
	Open(ctx context.Context) error
	// Send writes one message. It fails with ErrNotOpen unless open.
	Send(data []byte) error
	// Close is idempotent and always leaves the transport CLOSED.
	Close() error
	ReadyState() ReadyState
	// OnMessage registers the handler for inbound messages.
	OnMessage(func([]byte))
	// OnClose registers the handler fired once when the transport reaches
	// CLOSED after a successful Open. err is nil for an explicit Close.
	OnClose(func(err error))
}

// Factory creates unopened transports.
type Factory interface {
	Create(url string) Transport
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(url string) Transport

func (f FactoryFunc) Create(url string) Transport { return f(url) }

// BuildURL substitutes host into a template such as "wss://{host}/user".
func BuildURL(template, host string) string {
	return strings.ReplaceAll(template, "{host}", host)
}
