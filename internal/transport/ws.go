package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WebSocket transport constants
const (
	DefaultPath        = "/denobo"
	DefaultSubprotocol = "denobo/1"

	// wsReadLimit must fit the largest packet plus its header lines.
	wsReadLimit = 32 * 1024 * 1024

	wsShutdownTimeout = 5 * time.Second
)

// WebSocketTransport carries the packet stream in binary WebSocket messages,
// which lets links cross HTTP proxies and TLS-terminating load balancers.
// Message boundaries are ignored: the connection is read as a byte stream.
type WebSocketTransport struct {
	opts Options
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(opts Options) *WebSocketTransport {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	return &WebSocketTransport{opts: opts}
}

// Type returns the transport type.
func (t *WebSocketTransport) Type() TransportType {
	return TransportWebSocket
}

// Dial connects to addr, which is either host:port or a ws:// or wss:// URL.
func (t *WebSocketTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	u := t.dialURL(addr)

	if _, ok := ctx.Deadline(); !ok && t.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.DialTimeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{}
	if t.opts.Subprotocol != "" {
		dialOpts.Subprotocols = []string{t.opts.Subprotocol}
	}
	if strings.HasPrefix(u, "wss://") && t.opts.ClientTLS != nil {
		dialOpts.HTTPClient = &http.Client{
			Transport: &http.Transport{TLSClientConfig: t.opts.ClientTLS},
		}
	}

	c, _, err := websocket.Dial(ctx, u, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	c.SetReadLimit(wsReadLimit)

	nc := websocket.NetConn(context.Background(), c, websocket.MessageBinary)
	return &wsConn{Conn: nc, remote: wsAddr(u)}, nil
}

func (t *WebSocketTransport) dialURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	scheme := "ws"
	if t.opts.ClientTLS != nil {
		scheme = "wss"
	}
	return scheme + "://" + addr + t.opts.Path
}

// Listen serves WebSocket upgrades on addr. With ServerTLS set the listener
// speaks wss.
func (t *WebSocketTransport) Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("websocket listen %s: %w", addr, err)
	}

	l := &wsListener{
		ln:      ln,
		opts:    t.opts,
		conns:   make(chan net.Conn),
		closeCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(t.opts.Path, l.handleUpgrade)
	l.server = &http.Server{
		Handler:           mux,
		TLSConfig:         t.opts.ServerTLS,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if t.opts.ServerTLS != nil {
			l.server.ServeTLS(ln, "", "")
		} else {
			l.server.Serve(ln)
		}
	}()
	return l, nil
}

// wsListener adapts an HTTP server to net.Listener.
type wsListener struct {
	ln        net.Listener
	server    *http.Server
	opts      Options
	conns     chan net.Conn
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.closeCh:
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	default:
	}

	acceptOpts := &websocket.AcceptOptions{}
	if l.opts.Subprotocol != "" {
		acceptOpts.Subprotocols = []string{l.opts.Subprotocol}
	}
	c, err := websocket.Accept(w, r, acceptOpts)
	if err != nil {
		return
	}
	c.SetReadLimit(wsReadLimit)

	local, _ := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	nc := &wsConn{
		Conn:   websocket.NetConn(context.Background(), c, websocket.MessageBinary),
		local:  local,
		remote: wsAddr(r.RemoteAddr),
	}

	select {
	case l.conns <- nc:
	case <-l.closeCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

// Accept waits for the next upgraded connection.
func (l *wsListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closeCh:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections already accepted stay open.
func (l *wsListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closeCh)
		ctx, cancel := context.WithTimeout(context.Background(), wsShutdownTimeout)
		defer cancel()
		l.closeErr = l.server.Shutdown(ctx)
	})
	return l.closeErr
}

// Addr returns the bound TCP address.
func (l *wsListener) Addr() net.Addr {
	return l.ln.Addr()
}

// wsConn reports the addresses of the underlying HTTP connection.
type wsConn struct {
	net.Conn
	local  net.Addr
	remote net.Addr
}

func (c *wsConn) LocalAddr() net.Addr {
	if c.local != nil {
		return c.local
	}
	return c.Conn.LocalAddr()
}

func (c *wsConn) RemoteAddr() net.Addr {
	if c.remote != nil {
		return c.remote
	}
	return c.Conn.RemoteAddr()
}

type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }
