package transport

import (
	"context"
	"fmt"
	"net"
)

// TCPTransport carries packets over plain TCP.
type TCPTransport struct {
	opts Options
}

// NewTCPTransport creates a TCP transport.
func NewTCPTransport(opts Options) *TCPTransport {
	return &TCPTransport{opts: opts}
}

// Type returns the transport type.
func (t *TCPTransport) Type() TransportType {
	return TransportTCP
}

// Dial connects to addr.
func (t *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{
		Timeout:   t.opts.DialTimeout,
		KeepAlive: t.opts.KeepAlive,
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listen binds addr.
func (t *TCPTransport) Listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: t.opts.KeepAlive}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	return ln, nil
}
