// Package peer implements Denobo peer connections: the handshake state
// machine, body transforms negotiated per connection, and the session
// packet loop.
package peer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/petermattis/goid"

	"github.com/postalsys/denobo/internal/compression"
	"github.com/postalsys/denobo/internal/crypto"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/metrics"
	"github.com/postalsys/denobo/internal/protocol"
	"github.com/postalsys/denobo/internal/recovery"
)

var (
	// ErrUnexpectedPacket is returned when a packet is not allowed in the current state.
	ErrUnexpectedPacket = errors.New("unexpected packet")

	// ErrBadCredentials is returned when the acceptor rejects the credentials.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrTooManyPeers is returned when the acceptor has no free connection permit.
	ErrTooManyPeers = errors.New("remote has too many peers")

	// ErrRejected is returned when the remote answers NO during the handshake.
	ErrRejected = errors.New("rejected by remote")

	// ErrVersionMismatch is returned when peers speak different protocol versions.
	ErrVersionMismatch = errors.New("protocol version mismatch")

	// ErrInsecurePeer is returned when a secure link is required but not offered.
	ErrInsecurePeer = errors.New("secure link required")

	// ErrPokeTimeout is returned when a poke gets no reply in time.
	ErrPokeTimeout = errors.New("poke timed out")

	// ErrNotLive is returned when sending on a connection that has not finished its handshake.
	ErrNotLive = errors.New("connection is not live")

	// ErrClosed is returned when using a disconnected connection.
	ErrClosed = errors.New("connection closed")
)

// ConnectionState is the handshake or session state of a connection.
type ConnectionState int32

const (
	// StateWaitForGreeting is the acceptor's state until the peer greets.
	StateWaitForGreeting ConnectionState = iota
	// StateInitiateGreeting is the initiator's state until it has greeted.
	StateInitiateGreeting
	// StateNegotiating covers credentials, compression and key exchange.
	StateNegotiating
	// StateTooManyPeers is terminal: the peer is told we are full.
	StateTooManyPeers
	// StateLive accepts session packets.
	StateLive
	// StateDisconnected is terminal.
	StateDisconnected
)

// String returns the string representation of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateWaitForGreeting:
		return "WAIT_FOR_GREETING"
	case StateInitiateGreeting:
		return "INITIATE_GREETING"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateTooManyPeers:
		return "TOO_MANY_PEERS"
	case StateLive:
		return "LIVE"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Defaults for Config.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPokeTimeout      = 5 * time.Second
)

// Config contains configuration for a connection.
type Config struct {
	// LocalName is announced to the peer.
	LocalName string

	// Credentials supplies a password when the acceptor asks for one.
	Credentials CredentialsHandler

	// MasterCredentials, when set, is required from initiators. It may be a
	// bcrypt hash or a plaintext password.
	MasterCredentials string

	// Secure requests or, on the acceptor, requires an encrypted link.
	Secure bool

	// KeyExchange names the key agreement scheme, see crypto.KeyExchangeByName.
	KeyExchange string

	// Compression is the preferred body compressor.
	Compression string

	// Transport labels the connection in stats and metrics.
	Transport string

	HandshakeTimeout time.Duration
	PokeTimeout      time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Observer is told about session packets and the end of a connection.
// Callbacks run on the connection's receive goroutine.
type Observer interface {
	PacketReceived(c *Connection, p *protocol.Packet)
	ConnectionClosed(c *Connection, err error)
}

// ObserverFuncs adapts functions to Observer. Either may be nil.
type ObserverFuncs struct {
	OnPacket func(c *Connection, p *protocol.Packet)
	OnClosed func(c *Connection, err error)
}

// PacketReceived calls OnPacket.
func (f ObserverFuncs) PacketReceived(c *Connection, p *protocol.Packet) {
	if f.OnPacket != nil {
		f.OnPacket(c, p)
	}
}

// ConnectionClosed calls OnClosed.
func (f ObserverFuncs) ConnectionClosed(c *Connection, err error) {
	if f.OnClosed != nil {
		f.OnClosed(c, err)
	}
}

// ObserverID identifies a registered observer for removal.
type ObserverID uint64

type observerEntry struct {
	id       ObserverID
	observer Observer
}

var nextConnID atomic.Uint64

// Connection is one framed, optionally compressed and encrypted channel to
// a remote peer.
type Connection struct {
	id        uint64
	conn      net.Conn
	initiator bool
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics

	state atomic.Int32

	// Negotiated during the handshake.
	infoMu      sync.RWMutex
	remoteName  string
	secure      bool
	compressor  compression.Compressor
	keyExchange crypto.KeyExchange
	keyPair     crypto.KeyPair

	reader  *protocol.PacketReader
	writer  *protocol.PacketWriter
	writeMu sync.Mutex
	cipher  crypto.Cipher

	// Stats
	packetsIn    atomic.Uint64
	packetsOut   atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	established  atomic.Int64
	lastActivity atomic.Int64
	rtt          atomic.Int64

	pokeMu    sync.Mutex
	pokes     map[uint64]chan struct{}
	pokeNonce atomic.Uint64

	obsMu     sync.RWMutex
	obsNextID ObserverID
	observers []observerEntry

	releaseMu sync.Mutex
	release   func()

	started  atomic.Bool
	recvGoid atomic.Int64
	recvDone chan struct{}
	closing  atomic.Bool
	closed   chan struct{}
	closeErr error
}

// NewConnection wraps conn. initiator is true for dialed sockets. A key pair
// for the configured key exchange is generated immediately.
func NewConnection(conn net.Conn, initiator bool, cfg Config) (*Connection, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.PokeTimeout <= 0 {
		cfg.PokeTimeout = DefaultPokeTimeout
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.Credentials == nil {
		cfg.Credentials = NoCredentials{}
	}

	kex, err := crypto.KeyExchangeByName(cfg.KeyExchange)
	if err != nil {
		return nil, err
	}
	kp, err := kex.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}

	c := &Connection{
		id:          nextConnID.Add(1),
		conn:        conn,
		initiator:   initiator,
		cfg:         cfg,
		metrics:     cfg.Metrics,
		keyExchange: kex,
		keyPair:     kp,
		reader:      protocol.NewPacketReader(conn),
		writer:      protocol.NewPacketWriter(conn),
		pokes:       make(map[uint64]chan struct{}),
		recvDone:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
	c.logger = logging.Component(cfg.Logger, "connection").With(
		logging.KeyConnID, c.id,
		logging.KeyRemoteAddr, c.RemoteAddr())

	if initiator {
		c.setState(StateInitiateGreeting)
	} else {
		c.setState(StateWaitForGreeting)
	}
	c.updateActivity()
	return c, nil
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// Initiator reports whether this side dialed the connection.
func (c *Connection) Initiator() bool { return c.initiator }

// State returns the current state.
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// IsLive reports whether session packets may flow.
func (c *Connection) IsLive() bool {
	return c.State() == StateLive
}

// RemoteName returns the peer's agent name, known once the peer has greeted.
func (c *Connection) RemoteName() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.remoteName
}

// Secure reports whether bodies are encrypted.
func (c *Connection) Secure() bool {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.secure
}

// Compression returns the negotiated compressor name.
func (c *Connection) Compression() string {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.compressor == nil {
		return compression.None
	}
	return c.compressor.Name()
}

// LocalAddr returns the local address.
func (c *Connection) LocalAddr() string {
	return addrToString(c.conn.LocalAddr())
}

// RemoteAddr returns the remote address.
func (c *Connection) RemoteAddr() string {
	return addrToString(c.conn.RemoteAddr())
}

// addrToString converts a net.Addr to string, returning empty string if nil.
func addrToString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// SetRelease stores the function that returns this connection's admission
// permit. It is called exactly once when the connection is disconnected, or
// immediately if it already is.
func (c *Connection) SetRelease(release func()) {
	c.releaseMu.Lock()
	if c.closing.Load() && c.release == nil {
		c.releaseMu.Unlock()
		release()
		return
	}
	c.release = release
	c.releaseMu.Unlock()
}

func (c *Connection) releasePermit() {
	c.releaseMu.Lock()
	release := c.release
	c.release = nil
	c.releaseMu.Unlock()
	if release != nil {
		release()
	}
}

// AddObserver registers o and returns an id for RemoveObserver.
func (c *Connection) AddObserver(o Observer) ObserverID {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.obsNextID++
	c.observers = append(c.observers, observerEntry{id: c.obsNextID, observer: o})
	return c.obsNextID
}

// RemoveObserver unregisters an observer.
func (c *Connection) RemoveObserver(id ObserverID) bool {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	for i, e := range c.observers {
		if e.id == id {
			c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Connection) observerSnapshot() []Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	out := make([]Observer, len(c.observers))
	for i, e := range c.observers {
		out[i] = e.observer
	}
	return out
}

// ============================================================================
// Session I/O
// ============================================================================

// Send writes a session packet. Only session codes and NO may be sent once
// the connection is live.
func (c *Connection) Send(code protocol.Code, params protocol.Params) error {
	if !code.IsSession() && code != protocol.CodeNo {
		return fmt.Errorf("%w: cannot send %s on a live connection", ErrUnexpectedPacket, code)
	}
	switch c.State() {
	case StateLive:
	case StateDisconnected, StateTooManyPeers:
		return ErrClosed
	default:
		return ErrNotLive
	}

	p := protocol.NewPacket(code, params)

	c.writeMu.Lock()
	body, err := c.encodeBody(p.Body)
	if err == nil {
		p.Body = body
		err = c.writeLocked(p)
	}
	c.writeMu.Unlock()

	if err != nil {
		c.logger.Debug("send failed", logging.KeyCode, code.String(), logging.KeyError, err)
		c.disconnect(err)
		return err
	}
	return nil
}

// writePlain writes a handshake packet without body transforms.
func (c *Connection) writePlain(code protocol.Code, params protocol.Params) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(protocol.NewPacket(code, params))
}

func (c *Connection) writeLocked(p *protocol.Packet) error {
	n, err := c.writer.Write(p)
	if err != nil {
		return err
	}
	c.packetsOut.Add(1)
	c.bytesOut.Add(uint64(n))
	c.updateActivity()
	c.metrics.RecordPacketSent(p.Code.String(), n)
	return nil
}

// readPlain reads one packet without body transforms.
func (c *Connection) readPlain() (*protocol.Packet, error) {
	p, err := c.reader.Read()
	if err != nil {
		return nil, err
	}
	c.countIn(p)
	return p, nil
}

func (c *Connection) countIn(p *protocol.Packet) {
	c.packetsIn.Add(1)
	c.bytesIn.Add(uint64(len(p.Body)))
	c.updateActivity()
	c.metrics.RecordPacketReceived(p.Code.String(), len(p.Body))
}

// encodeBody compresses then encrypts body. Transformed bodies are base64
// encoded to keep the framing textual. Caller holds writeMu.
func (c *Connection) encodeBody(body string) (string, error) {
	comp := c.compressor
	if compression.IsNone(comp) && c.cipher == nil {
		return body, nil
	}
	data := []byte(body)
	if !compression.IsNone(comp) {
		var err error
		if data, err = comp.Compress(data); err != nil {
			return "", fmt.Errorf("compress body: %w", err)
		}
	}
	if c.cipher != nil {
		data = c.cipher.Encrypt(data)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// decodeBody reverses encodeBody. It only runs on the receive goroutine.
func (c *Connection) decodeBody(body string) (string, error) {
	comp := c.compressor
	if compression.IsNone(comp) && c.cipher == nil {
		return body, nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("%w: body encoding: %v", protocol.ErrInvalidPacket, err)
	}
	if c.cipher != nil {
		data = c.cipher.Decrypt(data)
	}
	if !compression.IsNone(comp) {
		if data, err = comp.Decompress(data); err != nil {
			return "", fmt.Errorf("decompress body: %w", err)
		}
	}
	return string(data), nil
}

// Start launches the receive goroutine. It must be called once, after a
// successful handshake and after observers are registered.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.receiveLoop()
}

func (c *Connection) receiveLoop() {
	c.recvGoid.Store(goid.Get())
	defer close(c.recvDone)
	defer recovery.RecoverWithLog(c.logger, "connection receive loop")

	var cause error
	for {
		p, err := c.reader.Read()
		if err != nil {
			cause = err
			break
		}
		c.countIn(p)
		if err := c.dispatch(p); err != nil {
			cause = err
			break
		}
	}
	c.disconnect(cause)
}

func (c *Connection) dispatch(p *protocol.Packet) error {
	if !p.Code.IsSession() && p.Code != protocol.CodeNo {
		return fmt.Errorf("%w: %s while live", ErrUnexpectedPacket, p.Code)
	}

	body, err := c.decodeBody(p.Body)
	if err != nil {
		return err
	}
	p.Body = body

	if p.Code == protocol.CodePoke {
		return c.handlePoke(p)
	}

	for _, o := range c.observerSnapshot() {
		o.PacketReceived(c, p)
	}
	return nil
}

// ============================================================================
// Poke
// ============================================================================

// Poke sends a liveness probe and waits for the reply. Without a deadline
// on ctx the configured poke timeout applies. A missing reply surfaces as
// ErrPokeTimeout.
func (c *Connection) Poke(ctx context.Context) (time.Duration, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.PokeTimeout)
		defer cancel()
	}

	nonce := c.pokeNonce.Add(1)
	ch := make(chan struct{})
	c.pokeMu.Lock()
	c.pokes[nonce] = ch
	c.pokeMu.Unlock()
	defer func() {
		c.pokeMu.Lock()
		delete(c.pokes, nonce)
		c.pokeMu.Unlock()
	}()

	p := protocol.Params{}
	p.SetInt("nonce", int64(nonce))
	start := time.Now()
	if err := c.Send(protocol.CodePoke, p); err != nil {
		return 0, err
	}
	c.metrics.RecordPokeSent()

	select {
	case <-ch:
		rtt := time.Since(start)
		c.rtt.Store(int64(rtt))
		c.metrics.RecordPokeRecv(rtt.Seconds())
		return rtt, nil
	case <-c.closed:
		return 0, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ErrPokeTimeout
		}
		return 0, ctx.Err()
	}
}

func (c *Connection) handlePoke(p *protocol.Packet) error {
	params, err := p.Params()
	if err != nil {
		return err
	}
	nonce := uint64(params.Int("nonce"))

	if params.Bool("ack") {
		c.pokeMu.Lock()
		ch, ok := c.pokes[nonce]
		if ok {
			delete(c.pokes, nonce)
		}
		c.pokeMu.Unlock()
		if ok {
			close(ch)
		}
		return nil
	}

	reply := protocol.Params{}
	reply.SetInt("nonce", int64(nonce))
	reply.SetBool("ack", true)
	return c.Send(protocol.CodePoke, reply)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Disconnect closes the connection. It blocks until the receive goroutine
// has exited unless called from that goroutine. Later calls wait for the
// first to finish. The admission permit is released exactly once.
func (c *Connection) Disconnect() {
	c.disconnect(nil)
}

// Close implements io.Closer.
func (c *Connection) Close() error {
	c.Disconnect()
	return nil
}

func (c *Connection) isReceiveGoroutine() bool {
	id := c.recvGoid.Load()
	return id != 0 && id == goid.Get()
}

func (c *Connection) disconnect(cause error) {
	self := c.isReceiveGoroutine()
	if !c.closing.CompareAndSwap(false, true) {
		if !self {
			<-c.closed
		}
		return
	}

	prev := c.State()
	c.setState(StateDisconnected)
	c.conn.Close()

	if c.started.Load() && !self {
		<-c.recvDone
	}
	c.releasePermit()

	c.closeErr = cause
	close(c.closed)

	if prev == StateLive {
		c.metrics.RecordPeerDisconnect(disconnectReason(cause))
	}
	c.logger.Debug("connection closed",
		logging.KeyPeer, c.RemoteName(),
		logging.KeyState, prev.String(),
		logging.KeyError, cause)

	for _, o := range c.observerSnapshot() {
		o.ConnectionClosed(c, cause)
	}
}

// Done returns a channel that's closed when the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the reason the connection closed. It is nil for a local
// Disconnect and only meaningful after Done.
func (c *Connection) Err() error {
	select {
	case <-c.closed:
		return c.closeErr
	default:
		return nil
	}
}

func disconnectReason(err error) string {
	switch {
	case err == nil:
		return "local"
	case errors.Is(err, ErrUnexpectedPacket), errors.Is(err, protocol.ErrInvalidPacket),
		errors.Is(err, protocol.ErrBadMagic), errors.Is(err, protocol.ErrUnknownCode):
		return "protocol"
	default:
		return "io"
	}
}

// ============================================================================
// Stats
// ============================================================================

// Stats is a point-in-time view of a connection.
type Stats struct {
	ID           uint64
	RemoteName   string
	RemoteAddr   string
	LocalAddr    string
	Transport    string
	Initiator    bool
	State        string
	Secure       bool
	Compression  string
	PacketsIn    uint64
	PacketsOut   uint64
	BytesIn      uint64
	BytesOut     uint64
	Established  time.Time
	LastActivity time.Time
	RTT          time.Duration
}

// Stats returns current counters.
func (c *Connection) Stats() Stats {
	s := Stats{
		ID:           c.id,
		RemoteName:   c.RemoteName(),
		RemoteAddr:   c.RemoteAddr(),
		LocalAddr:    c.LocalAddr(),
		Transport:    c.cfg.Transport,
		Initiator:    c.initiator,
		State:        c.State().String(),
		Secure:       c.Secure(),
		Compression:  c.Compression(),
		PacketsIn:    c.packetsIn.Load(),
		PacketsOut:   c.packetsOut.Load(),
		BytesIn:      c.bytesIn.Load(),
		BytesOut:     c.bytesOut.Load(),
		LastActivity: time.Unix(0, c.lastActivity.Load()),
		RTT:          time.Duration(c.rtt.Load()),
	}
	if ns := c.established.Load(); ns != 0 {
		s.Established = time.Unix(0, ns)
	}
	return s
}

// RTT returns the last measured poke round-trip time.
func (c *Connection) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

func (c *Connection) updateActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// String returns a string representation.
func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%d, peer=%s, state=%s, addr=%s}",
		c.id, c.RemoteName(), c.State(), c.RemoteAddr())
}
