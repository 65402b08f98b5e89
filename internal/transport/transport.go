// Package transport provides the byte-stream transports Denobo connections
// run over. Every transport hands out plain net.Conn values so the peer
// package can frame packets without caring how bytes move.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"
)

// TransportType identifies the transport protocol.
type TransportType string

const (
	TransportTCP       TransportType = "tcp"
	TransportWebSocket TransportType = "ws"
)

// ErrClosed is returned when using a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport creates and accepts stream connections.
type Transport interface {
	// Dial connects to a remote agent.
	Dial(ctx context.Context, addr string) (net.Conn, error)

	// Listen creates a listener for incoming connections.
	Listen(addr string) (net.Listener, error)

	// Type returns the transport type identifier.
	Type() TransportType
}

// Options configures a transport.
type Options struct {
	// DialTimeout bounds connection establishment when ctx has no deadline.
	DialTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Negative disables keep-alives.
	KeepAlive time.Duration

	// Path is the HTTP path WebSocket listeners serve and dialers request.
	Path string

	// Subprotocol is the WebSocket subprotocol. Empty disables it.
	Subprotocol string

	// ServerTLS enables wss on WebSocket listeners.
	ServerTLS *tls.Config

	// ClientTLS is used when dialing wss:// addresses.
	ClientTLS *tls.Config
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		DialTimeout: 30 * time.Second,
		KeepAlive:   15 * time.Second,
		Path:        DefaultPath,
		Subprotocol: DefaultSubprotocol,
	}
}

// New returns the transport registered under t.
func New(t TransportType, opts Options) (Transport, error) {
	switch t {
	case TransportTCP, "":
		return NewTCPTransport(opts), nil
	case TransportWebSocket:
		return NewWebSocketTransport(opts), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

// HostPort joins a host and port for Dial.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}
