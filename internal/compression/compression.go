// Package compression provides the pluggable body compressors negotiated per
// connection.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Algorithm names negotiated on the wire.
const (
	None    = "none"
	Deflate = "deflate"
	Zstd    = "zstd"
	S2      = "s2"
)

// MaxDecompressedSize bounds the output of a single Decompress call.
const MaxDecompressedSize = 16 * 1024 * 1024

var (
	// ErrUnknownAlgorithm is returned by Lookup for unregistered names.
	ErrUnknownAlgorithm = errors.New("unknown compression algorithm")

	// ErrTooLarge is returned when decompressed output exceeds MaxDecompressedSize.
	ErrTooLarge = errors.New("decompressed body too large")
)

// Compressor compresses and restores packet bodies.
// Implementations must be safe for concurrent use.
type Compressor interface {
	Name() string
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Compressor{}
)

func init() {
	Register(noneCompressor{})
	Register(deflateCompressor{level: flate.DefaultCompression})
	Register(newZstdCompressor())
	Register(s2Compressor{})
}

// Register adds or replaces a compressor.
func Register(c Compressor) {
	registryMu.Lock()
	registry[c.Name()] = c
	registryMu.Unlock()
}

// Lookup returns the compressor registered under name. An empty name means None.
func Lookup(name string) (Compressor, error) {
	if name == "" {
		name = None
	}
	registryMu.RLock()
	c, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, name)
	}
	return c, nil
}

// Supported reports whether name is registered.
func Supported(name string) bool {
	_, err := Lookup(name)
	return err == nil
}

// Names lists registered algorithm names in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsNone reports whether c leaves bodies untouched.
func IsNone(c Compressor) bool {
	return c == nil || c.Name() == None
}

type noneCompressor struct{}

func (noneCompressor) Name() string                          { return None }
func (noneCompressor) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noneCompressor) Decompress(src []byte) ([]byte, error) { return src, nil }

type deflateCompressor struct {
	level int
}

func (deflateCompressor) Name() string { return Deflate }

func (d deflateCompressor) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, d.level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(src); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (deflateCompressor) Decompress(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

type zstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCompressor() *zstdCompressor {
	// EncodeAll/DecodeAll are safe for concurrent use on shared instances.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	return &zstdCompressor{enc: enc, dec: dec}
}

func (*zstdCompressor) Name() string { return Zstd }

func (z *zstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

func (z *zstdCompressor) Decompress(src []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, err
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

type s2Compressor struct{}

func (s2Compressor) Name() string { return S2 }

func (s2Compressor) Compress(src []byte) ([]byte, error) {
	return s2.Encode(nil, src), nil
}

func (s2Compressor) Decompress(src []byte) ([]byte, error) {
	n, err := s2.DecodedLen(src)
	if err != nil {
		return nil, err
	}
	if n > MaxDecompressedSize {
		return nil, ErrTooLarge
	}
	return s2.Decode(nil, src)
}
