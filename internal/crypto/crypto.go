// Package crypto provides hop-by-hop key agreement and the stream cipher
// applied to packet bodies on a secured connection.
// Keys are agreed with finite-field Diffie-Hellman (or X25519), expanded
// with HKDF-SHA256 and fed to ChaCha20.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyExchangeModP2048 is Diffie-Hellman over the RFC 3526 2048-bit MODP group.
	KeyExchangeModP2048 = "modp2048"

	// KeyExchangeX25519 is Diffie-Hellman over Curve25519.
	KeyExchangeX25519 = "x25519"

	// hkdfInfo is the context string for HKDF key derivation.
	hkdfInfo = "denobo-stream-v1"

	// modpPrivateBits is the size of a MODP private exponent.
	modpPrivateBits = 256
)

var (
	// ErrInvalidPublicKey is returned when a peer's public value is out of range.
	ErrInvalidPublicKey = errors.New("invalid remote public key")

	// ErrUnknownKeyExchange is returned for unsupported key exchange names.
	ErrUnknownKeyExchange = errors.New("unknown key exchange")
)

// modpPrime is the 2048-bit MODP group prime from RFC 3526 section 3.
var modpPrime, _ = new(big.Int).SetString(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1"+
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD"+
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245"+
		"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED"+
		"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D"+
		"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F"+
		"83655D23DCA3AD961C62F356208552BB9ED529077096966D"+
		"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B"+
		"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9"+
		"DE2BCBF6955817183995497CEA956AE515D2261898FA0510"+
		"15728E5A8AACAA68FFFFFFFFFFFFFFFF", 16)

var modpGenerator = big.NewInt(2)

// KeyExchange generates key pairs for one key agreement scheme.
type KeyExchange interface {
	// Name returns the identifier negotiated on the wire.
	Name() string

	// GenerateKeyPair creates a fresh private/public key pair.
	GenerateKeyPair() (KeyPair, error)
}

// KeyPair is one side of a key agreement.
type KeyPair interface {
	// Public returns the encoded public value sent to the peer.
	Public() []byte

	// SharedSecret combines the local private key with the peer's public value.
	SharedSecret(remotePublic []byte) ([]byte, error)
}

// KeyExchangeByName returns the key exchange registered under name.
func KeyExchangeByName(name string) (KeyExchange, error) {
	switch name {
	case KeyExchangeModP2048, "":
		return ModP2048{}, nil
	case KeyExchangeX25519:
		return X25519{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyExchange, name)
	}
}

// ModP2048 is finite-field Diffie-Hellman with a fixed prime and generator 2.
type ModP2048 struct{}

// Name returns the wire identifier.
func (ModP2048) Name() string { return KeyExchangeModP2048 }

// GenerateKeyPair draws a random exponent and computes g^x mod p.
func (ModP2048) GenerateKeyPair() (KeyPair, error) {
	max := new(big.Int).Lsh(big.NewInt(1), modpPrivateBits)
	x, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, fmt.Errorf("generate private exponent: %w", err)
	}
	// Exponents below 2 give a trivially guessable public value.
	x.Add(x, big.NewInt(2))

	return &modpKeyPair{
		private: x,
		public:  new(big.Int).Exp(modpGenerator, x, modpPrime),
	}, nil
}

type modpKeyPair struct {
	private *big.Int
	public  *big.Int
}

func (k *modpKeyPair) Public() []byte {
	return k.public.FillBytes(make([]byte, modpByteLen()))
}

func (k *modpKeyPair) SharedSecret(remotePublic []byte) ([]byte, error) {
	y := new(big.Int).SetBytes(remotePublic)

	// Reject 0, 1 and p-1 which force the secret into a tiny subgroup.
	pMinus1 := new(big.Int).Sub(modpPrime, big.NewInt(1))
	if y.Cmp(big.NewInt(1)) <= 0 || y.Cmp(pMinus1) >= 0 {
		return nil, ErrInvalidPublicKey
	}

	s := new(big.Int).Exp(y, k.private, modpPrime)
	return s.FillBytes(make([]byte, modpByteLen())), nil
}

func modpByteLen() int {
	return (modpPrime.BitLen() + 7) / 8
}

// X25519 is Diffie-Hellman over Curve25519.
type X25519 struct{}

// Name returns the wire identifier.
func (X25519) Name() string { return KeyExchangeX25519 }

// GenerateKeyPair creates a random scalar and its public point.
func (X25519) GenerateKeyPair() (KeyPair, error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}
	return &x25519KeyPair{private: priv, public: pub}, nil
}

type x25519KeyPair struct {
	private []byte
	public  []byte
}

func (k *x25519KeyPair) Public() []byte {
	out := make([]byte, len(k.public))
	copy(out, k.public)
	return out
}

func (k *x25519KeyPair) SharedSecret(remotePublic []byte) ([]byte, error) {
	if len(remotePublic) != curve25519.PointSize {
		return nil, ErrInvalidPublicKey
	}
	secret, err := curve25519.X25519(k.private, remotePublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return secret, nil
}

// ============================================================================
// Stream cipher
// ============================================================================

// Cipher transforms packet bodies in one connection. Encrypt and Decrypt each
// keep their own keystream position, so bodies must be processed in wire order.
type Cipher interface {
	Encrypt(plaintext []byte) []byte
	Decrypt(ciphertext []byte) []byte
}

// StreamCipher is a pair of ChaCha20 keystreams, one per direction.
// It is safe for concurrent use.
type StreamCipher struct {
	sendMu sync.Mutex
	send   *chacha20.Cipher

	recvMu sync.Mutex
	recv   *chacha20.Cipher
}

// NewStreamCipher expands a shared secret into two directional keystreams.
// Both peers derive the same pair; the initiator sends on the first and the
// acceptor on the second.
func NewStreamCipher(sharedSecret []byte, initiator bool) (*StreamCipher, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("empty shared secret")
	}

	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(hkdfInfo))
	material := make([]byte, 2*(chacha20.KeySize+chacha20.NonceSize))
	if _, err := io.ReadFull(reader, material); err != nil {
		return nil, fmt.Errorf("derive stream keys: %w", err)
	}

	half := chacha20.KeySize + chacha20.NonceSize
	first, err := chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:half])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	second, err := chacha20.NewUnauthenticatedCipher(material[half:half+chacha20.KeySize], material[half+chacha20.KeySize:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	ZeroBytes(material)

	if initiator {
		return &StreamCipher{send: first, recv: second}, nil
	}
	return &StreamCipher{send: second, recv: first}, nil
}

// Encrypt XORs plaintext with the send keystream.
func (s *StreamCipher) Encrypt(plaintext []byte) []byte {
	out := make([]byte, len(plaintext))
	s.sendMu.Lock()
	s.send.XORKeyStream(out, plaintext)
	s.sendMu.Unlock()
	return out
}

// Decrypt XORs ciphertext with the receive keystream.
func (s *StreamCipher) Decrypt(ciphertext []byte) []byte {
	out := make([]byte, len(ciphertext))
	s.recvMu.Lock()
	s.recv.XORKeyStream(out, ciphertext)
	s.recvMu.Unlock()
	return out
}

// ZeroBytes zeroes out a byte slice to prevent sensitive data from lingering
// in memory.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
