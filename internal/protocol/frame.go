package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var (
	// ErrBadMagic is returned when a packet does not start with the protocol header line
	ErrBadMagic = errors.New("bad protocol magic")

	// ErrInvalidPacket is returned when a packet header is malformed
	ErrInvalidPacket = errors.New("invalid packet")

	// ErrUnknownCode is returned for codes outside the enumeration
	ErrUnknownCode = errors.New("unknown packet code")

	// ErrPacketTooLarge is returned when a body exceeds MaxBodyLength
	ErrPacketTooLarge = errors.New("packet body exceeds maximum size")
)

// Packet is the only unit written to or read from a connection.
// Wire format:
//
//	DENOBO/1.0\n
//	code:<int>\n
//	body-length:<int>\n
//	<body, exactly body-length bytes>
type Packet struct {
	Code Code
	Body string
}

// NewPacket builds a packet whose body is the encoded params.
func NewPacket(code Code, params Params) *Packet {
	p := &Packet{Code: code}
	if params != nil {
		p.Body = params.Encode()
	}
	return p
}

// Params decodes the packet body.
func (p *Packet) Params() (Params, error) {
	params, err := ParseParams(p.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrInvalidPacket, p.Code, err)
	}
	return params, nil
}

// Encode serializes the packet to bytes.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.Body) > MaxBodyLength {
		return nil, ErrPacketTooLarge
	}

	var buf bytes.Buffer
	buf.Grow(len(Magic) + len(p.Body) + 40)
	buf.WriteString(Magic)
	buf.WriteByte('\n')
	buf.WriteString("code:")
	buf.WriteString(strconv.Itoa(int(p.Code)))
	buf.WriteByte('\n')
	buf.WriteString("body-length:")
	buf.WriteString(strconv.Itoa(len(p.Body)))
	buf.WriteByte('\n')
	buf.WriteString(p.Body)
	return buf.Bytes(), nil
}

// String returns a debug representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Code=%s, BodyLen=%d}", p.Code, len(p.Body))
}

// ============================================================================
// Packet Reader/Writer
// ============================================================================

// PacketReader reads packets from an io.Reader.
type PacketReader struct {
	r *bufio.Reader
}

// NewPacketReader creates a new PacketReader.
func NewPacketReader(r io.Reader) *PacketReader {
	return &PacketReader{r: bufio.NewReaderSize(r, 4096)}
}

// Read reads the next packet. The header is validated before the body is
// consumed; any error leaves the stream in an undefined position.
func (pr *PacketReader) Read() (*Packet, error) {
	line, err := pr.readLine()
	if err != nil {
		return nil, err
	}
	if line != Magic {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, truncate(line, 32))
	}

	code, err := pr.readField("code")
	if err != nil {
		return nil, err
	}
	if !Code(code).Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCode, code)
	}

	length, err := pr.readField("body-length")
	if err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative body length %d", ErrInvalidPacket, length)
	}
	if length > MaxBodyLength {
		return nil, ErrPacketTooLarge
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(pr.r, body); err != nil {
			return nil, err
		}
	}

	return &Packet{Code: Code(code), Body: string(body)}, nil
}

// readLine reads a single header line without its terminator.
func (pr *PacketReader) readLine() (string, error) {
	line, err := pr.r.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("%w: header line too long", ErrInvalidPacket)
		}
		if err == io.EOF && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) > maxLineLength {
		return "", fmt.Errorf("%w: header line too long", ErrInvalidPacket)
	}
	line = bytes.TrimRight(line, "\r\n")
	return string(line), nil
}

// readField reads a "name:<int>" header line.
func (pr *PacketReader) readField(name string) (int, error) {
	line, err := pr.readLine()
	if err != nil {
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	key, value, ok := bytes.Cut([]byte(line), []byte(":"))
	if !ok || string(key) != name {
		return 0, fmt.Errorf("%w: expected %s field, got %q", ErrInvalidPacket, name, truncate(line, 32))
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(value)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidPacket, name, err)
	}
	return n, nil
}

// PacketWriter writes packets to an io.Writer. It is not safe for concurrent
// use; callers serialize writes.
type PacketWriter struct {
	w *bufio.Writer
}

// NewPacketWriter creates a new PacketWriter.
func NewPacketWriter(w io.Writer) *PacketWriter {
	return &PacketWriter{w: bufio.NewWriter(w)}
}

// Write writes a packet and flushes it.
func (pw *PacketWriter) Write(p *Packet) (int, error) {
	data, err := p.Encode()
	if err != nil {
		return 0, err
	}
	n, err := pw.w.Write(data)
	if err != nil {
		return n, err
	}
	return n, pw.w.Flush()
}

// WritePacket is a convenience method to write a packet with the given parameters.
func (pw *PacketWriter) WritePacket(code Code, params Params) (int, error) {
	return pw.Write(NewPacket(code, params))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
