package peer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/postalsys/denobo/internal/compression"
	"github.com/postalsys/denobo/internal/crypto"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/protocol"
)

// HandshakeResult contains the outcome of a successful handshake.
type HandshakeResult struct {
	RemoteName  string
	Secure      bool
	Compression string
	Duration    time.Duration
}

// Handshake runs the initiator or acceptor side of the handshake and leaves
// the connection live on success. On failure the connection is disconnected.
// The handshake timeout from Config bounds the exchange in addition to ctx.
func (c *Connection) Handshake(ctx context.Context) (*HandshakeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock any pending read or write.
		c.conn.SetDeadline(time.Now())
	})

	start := time.Now()
	var err error
	if c.initiator {
		err = c.initiatorHandshake(ctx)
	} else {
		err = c.acceptorHandshake()
	}

	if !stop() {
		if err == nil {
			err = ctx.Err()
		} else {
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
	}
	if err != nil {
		c.metrics.RecordHandshakeError(handshakeErrorType(err))
		c.logger.Debug("handshake failed", logging.KeyError, err)
		c.disconnect(err)
		return nil, err
	}
	c.conn.SetDeadline(time.Time{})

	elapsed := time.Since(start)
	c.established.Store(time.Now().UnixNano())
	c.setState(StateLive)
	c.metrics.RecordHandshake(elapsed.Seconds())
	c.metrics.RecordPeerConnect(c.cfg.Transport, c.direction())

	res := &HandshakeResult{
		RemoteName:  c.RemoteName(),
		Secure:      c.Secure(),
		Compression: c.Compression(),
		Duration:    elapsed,
	}
	c.logger.Info("connection live",
		logging.KeyPeer, res.RemoteName,
		"secure", res.Secure,
		"compression", res.Compression,
		logging.KeyDuration, elapsed)
	return res, nil
}

// RejectTooManyPeers answers an accepted connection that could not get an
// admission permit and closes it. The peer's greeting is consumed first so
// the refusal is not lost to a connection reset. Cancelling ctx cuts the
// wait for a silent peer short.
func (c *Connection) RejectTooManyPeers(ctx context.Context) {
	c.setState(StateTooManyPeers)
	c.conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	if _, err := c.readPlain(); err == nil && ctx.Err() == nil {
		c.writePlain(protocol.CodeTooManyPeers, nil)
	}
	stop()
	c.disconnect(ErrTooManyPeers)
}

func (c *Connection) direction() string {
	if c.initiator {
		return "outbound"
	}
	return "inbound"
}

// expect reads one plain packet and checks its code is among codes.
func (c *Connection) expect(codes ...protocol.Code) (*protocol.Packet, protocol.Params, error) {
	p, err := c.readPlain()
	if err != nil {
		return nil, nil, err
	}
	for _, code := range codes {
		if p.Code == code {
			params, err := p.Params()
			if err != nil {
				return nil, nil, err
			}
			return p, params, nil
		}
	}
	return p, nil, fmt.Errorf("%w: got %s in state %s", ErrUnexpectedPacket, p.Code, c.State())
}

// ============================================================================
// Initiator
// ============================================================================

func (c *Connection) initiatorHandshake(ctx context.Context) error {
	greet := protocol.Params{}
	greet.Set("name", c.cfg.LocalName)
	greet.SetInt("version", protocol.ProtocolVersion)
	if err := c.writePlain(protocol.CodeGreetings, greet); err != nil {
		return fmt.Errorf("send GREETINGS: %w", err)
	}
	c.setState(StateNegotiating)

	p, params, err := c.expect(protocol.CodeAccepted, protocol.CodeCredentialsPlz,
		protocol.CodeTooManyPeers, protocol.CodeNo)
	if err != nil {
		return err
	}

	switch p.Code {
	case protocol.CodeTooManyPeers:
		return ErrTooManyPeers
	case protocol.CodeNo:
		return fmt.Errorf("%w: %s", ErrRejected, params.Get("reason"))
	case protocol.CodeCredentialsPlz:
		if params, err = c.sendCredentials(ctx, params.Get("name")); err != nil {
			return err
		}
	}

	if v := params.Int("version"); v != protocol.ProtocolVersion {
		return fmt.Errorf("%w: remote speaks %d", ErrVersionMismatch, v)
	}
	remoteName := params.Get("name")
	if remoteName == "" {
		return fmt.Errorf("%w: ACCEPTED without name", protocol.ErrInvalidPacket)
	}
	c.infoMu.Lock()
	c.remoteName = remoteName
	c.infoMu.Unlock()

	alg := c.cfg.Compression
	if alg == "" || alg == compression.None {
		alg = params.Get("compression")
	}
	if alg == "" || !compression.Supported(alg) {
		alg = compression.None
	}
	comp, err := c.negotiateCompression(alg)
	if err != nil {
		return err
	}

	secure := c.cfg.Secure || params.Bool("secure")
	cipher, err := c.beginSecure(secure)
	if err != nil {
		return err
	}

	c.install(comp, cipher)
	return nil
}

// sendCredentials answers CREDENTIALS_PLZ and returns the ACCEPTED params.
func (c *Connection) sendCredentials(ctx context.Context, remoteName string) (protocol.Params, error) {
	password, ok, err := c.cfg.Credentials.Credentials(ctx, remoteName)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	if ok {
		creds := protocol.Params{}
		creds.Set("password", password)
		err = c.writePlain(protocol.CodeCredentials, creds)
	} else {
		err = c.writePlain(protocol.CodeNoCredentials, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("send credentials: %w", err)
	}

	p, params, err := c.expect(protocol.CodeAccepted, protocol.CodeBadCredentials)
	if err != nil {
		return nil, err
	}
	if p.Code == protocol.CodeBadCredentials {
		return nil, ErrBadCredentials
	}
	return params, nil
}

func (c *Connection) negotiateCompression(alg string) (compression.Compressor, error) {
	req := protocol.Params{}
	req.Set("algorithm", alg)
	if err := c.writePlain(protocol.CodeSetCompression, req); err != nil {
		return nil, fmt.Errorf("send SET_COMPRESSION: %w", err)
	}

	_, params, err := c.expect(protocol.CodeSetCompression)
	if err != nil {
		return nil, err
	}
	comp, err := compression.Lookup(params.Get("algorithm"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInvalidPacket, err)
	}
	return comp, nil
}

func (c *Connection) beginSecure(enabled bool) (crypto.Cipher, error) {
	req := protocol.Params{}
	req.SetBool("enabled", enabled)
	if enabled {
		req.Set("kex", c.keyExchange.Name())
		req.Set("public", hex.EncodeToString(c.keyPair.Public()))
	}
	if err := c.writePlain(protocol.CodeBeginSecure, req); err != nil {
		return nil, fmt.Errorf("send BEGIN_SECURE: %w", err)
	}

	p, params, err := c.expect(protocol.CodeBeginSecure, protocol.CodeNo)
	if err != nil {
		return nil, err
	}
	if p.Code == protocol.CodeNo {
		if enabled {
			return nil, fmt.Errorf("%w: %s", ErrRejected, params.Get("reason"))
		}
		return nil, fmt.Errorf("%w: %s", ErrInsecurePeer, params.Get("reason"))
	}
	if !enabled {
		return nil, nil
	}
	if !params.Bool("enabled") {
		return nil, fmt.Errorf("%w: peer declined encryption", ErrInsecurePeer)
	}
	return c.deriveCipher(params.Get("public"))
}

// ============================================================================
// Acceptor
// ============================================================================

func (c *Connection) acceptorHandshake() error {
	_, params, err := c.expect(protocol.CodeGreetings)
	if err != nil {
		return err
	}
	c.setState(StateNegotiating)

	if v := params.Int("version"); v != protocol.ProtocolVersion {
		c.refuse(fmt.Sprintf("unsupported version %d", v))
		return fmt.Errorf("%w: remote speaks %d", ErrVersionMismatch, v)
	}
	remoteName := params.Get("name")
	if remoteName == "" {
		c.refuse("missing name")
		return fmt.Errorf("%w: GREETINGS without name", protocol.ErrInvalidPacket)
	}
	c.infoMu.Lock()
	c.remoteName = remoteName
	c.infoMu.Unlock()

	if c.cfg.MasterCredentials != "" {
		if err := c.checkCredentials(); err != nil {
			return err
		}
	}

	accepted := protocol.Params{}
	accepted.Set("name", c.cfg.LocalName)
	accepted.SetInt("version", protocol.ProtocolVersion)
	accepted.SetBool("secure", c.cfg.Secure)
	if c.cfg.Compression != "" {
		accepted.Set("compression", c.cfg.Compression)
	}
	if err := c.writePlain(protocol.CodeAccepted, accepted); err != nil {
		return fmt.Errorf("send ACCEPTED: %w", err)
	}

	// Compression: echo the request when supported, otherwise fall back to none.
	_, params, err = c.expect(protocol.CodeSetCompression)
	if err != nil {
		return err
	}
	comp, err := compression.Lookup(params.Get("algorithm"))
	if err != nil {
		comp, _ = compression.Lookup(compression.None)
	}
	reply := protocol.Params{}
	reply.Set("algorithm", comp.Name())
	if err := c.writePlain(protocol.CodeSetCompression, reply); err != nil {
		return fmt.Errorf("send SET_COMPRESSION: %w", err)
	}

	_, params, err = c.expect(protocol.CodeBeginSecure)
	if err != nil {
		return err
	}
	var cipher crypto.Cipher
	if params.Bool("enabled") {
		if cipher, err = c.acceptSecure(params); err != nil {
			c.refuse(err.Error())
			return err
		}
	} else {
		if c.cfg.Secure {
			c.refuse("secure link required")
			return ErrInsecurePeer
		}
		off := protocol.Params{}
		off.SetBool("enabled", false)
		if err := c.writePlain(protocol.CodeBeginSecure, off); err != nil {
			return fmt.Errorf("send BEGIN_SECURE: %w", err)
		}
	}

	c.install(comp, cipher)
	return nil
}

func (c *Connection) checkCredentials() error {
	plz := protocol.Params{}
	plz.Set("name", c.cfg.LocalName)
	if err := c.writePlain(protocol.CodeCredentialsPlz, plz); err != nil {
		return fmt.Errorf("send CREDENTIALS_PLZ: %w", err)
	}

	p, params, err := c.expect(protocol.CodeCredentials, protocol.CodeNoCredentials)
	if err != nil {
		return err
	}
	if p.Code == protocol.CodeCredentials && crypto.CheckCredentials(c.cfg.MasterCredentials, params.Get("password")) {
		return nil
	}
	c.writePlain(protocol.CodeBadCredentials, nil)
	return ErrBadCredentials
}

func (c *Connection) acceptSecure(params protocol.Params) (crypto.Cipher, error) {
	if name := params.Get("kex"); name != c.keyExchange.Name() {
		kex, err := crypto.KeyExchangeByName(name)
		if err != nil {
			return nil, err
		}
		kp, err := kex.GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		c.keyExchange, c.keyPair = kex, kp
	}

	cipher, err := c.deriveCipher(params.Get("public"))
	if err != nil {
		return nil, err
	}

	reply := protocol.Params{}
	reply.SetBool("enabled", true)
	reply.Set("kex", c.keyExchange.Name())
	reply.Set("public", hex.EncodeToString(c.keyPair.Public()))
	if err := c.writePlain(protocol.CodeBeginSecure, reply); err != nil {
		return nil, fmt.Errorf("send BEGIN_SECURE: %w", err)
	}
	return cipher, nil
}

// refuse tells the peer why the handshake ends. Errors are ignored since the
// connection is about to close.
func (c *Connection) refuse(reason string) {
	p := protocol.Params{}
	p.Set("reason", reason)
	c.writePlain(protocol.CodeNo, p)
}

// ============================================================================
// Shared
// ============================================================================

func (c *Connection) deriveCipher(remoteHex string) (crypto.Cipher, error) {
	remote, err := hex.DecodeString(remoteHex)
	if err != nil || len(remote) == 0 {
		return nil, crypto.ErrInvalidPublicKey
	}
	secret, err := c.keyPair.SharedSecret(remote)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(secret)
	cipher, err := crypto.NewStreamCipher(secret, c.initiator)
	if err != nil {
		return nil, err
	}
	return cipher, nil
}

// install switches on the negotiated transforms for every later packet.
func (c *Connection) install(comp compression.Compressor, cipher crypto.Cipher) {
	c.writeMu.Lock()
	c.cipher = cipher
	c.infoMu.Lock()
	c.compressor = comp
	c.secure = cipher != nil
	c.infoMu.Unlock()
	c.writeMu.Unlock()
}

func handshakeErrorType(err error) string {
	switch {
	case errors.Is(err, ErrBadCredentials):
		return "bad_credentials"
	case errors.Is(err, ErrTooManyPeers):
		return "too_many_peers"
	case errors.Is(err, ErrVersionMismatch):
		return "version"
	case errors.Is(err, ErrInsecurePeer), errors.Is(err, crypto.ErrInvalidPublicKey):
		return "secure"
	case errors.Is(err, ErrUnexpectedPacket), errors.Is(err, protocol.ErrInvalidPacket),
		errors.Is(err, protocol.ErrBadMagic), errors.Is(err, protocol.ErrUnknownCode):
		return "protocol"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	default:
		return "io"
	}
}
