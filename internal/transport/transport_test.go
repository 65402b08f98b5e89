package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// exchange accepts one connection on ln, dials it through tr and checks
// bytes flow both ways.
func exchange(t *testing.T, tr Transport, ln net.Listener, addr string) {
	t.Helper()

	type accepted struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan accepted, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- accepted{c, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := tr.Dial(ctx, addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	var server net.Conn
	select {
	case a := <-acceptCh:
		if a.err != nil {
			t.Fatalf("Accept() error = %v", a.err)
		}
		server = a.conn
	case <-time.After(5 * time.Second):
		t.Fatal("Accept() timed out")
	}
	defer server.Close()

	if _, err := client.Write([]byte("DENOBO/1.0\n")); err != nil {
		t.Fatalf("client Write() error = %v", err)
	}
	buf := make([]byte, 11)
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read error = %v", err)
	}
	if string(buf) != "DENOBO/1.0\n" {
		t.Errorf("server got %q", buf)
	}

	// Two writes may be read back as one stream.
	go func() {
		server.Write([]byte("abc"))
		server.Write([]byte("def"))
	}()
	buf = make([]byte, 6)
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read error = %v", err)
	}
	if string(buf) != "abcdef" {
		t.Errorf("client got %q, want abcdef", buf)
	}

	if server.RemoteAddr() == nil || server.RemoteAddr().String() == "" {
		t.Error("server RemoteAddr should be set")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		in      TransportType
		want    TransportType
		wantErr bool
	}{
		{"", TransportTCP, false},
		{TransportTCP, TransportTCP, false},
		{TransportWebSocket, TransportWebSocket, false},
		{"quic", "", true},
	}

	for _, tt := range tests {
		tr, err := New(tt.in, DefaultOptions())
		if (err != nil) != tt.wantErr {
			t.Errorf("New(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if err == nil && tr.Type() != tt.want {
			t.Errorf("New(%q).Type() = %s, want %s", tt.in, tr.Type(), tt.want)
		}
	}
}

func TestHostPort(t *testing.T) {
	if got := HostPort("::1", 9000); got != "[::1]:9000" {
		t.Errorf("HostPort = %q", got)
	}
	if got := HostPort("localhost", 80); got != "localhost:80" {
		t.Errorf("HostPort = %q", got)
	}
}

func TestTCPTransport_ListenDial(t *testing.T) {
	tr := NewTCPTransport(DefaultOptions())
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	exchange(t, tr, ln, ln.Addr().String())
}

func TestTCPTransport_DialRefused(t *testing.T) {
	tr := NewTCPTransport(DefaultOptions())
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := tr.Dial(context.Background(), addr); err == nil {
		t.Error("Dial() to a closed port should fail")
	}
}

func TestWebSocketTransport_ListenDial(t *testing.T) {
	tr := NewWebSocketTransport(DefaultOptions())
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	exchange(t, tr, ln, ln.Addr().String())
}

func TestWebSocketTransport_ExplicitURL(t *testing.T) {
	opts := DefaultOptions()
	opts.Path = "/mesh"
	tr := NewWebSocketTransport(opts)
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	exchange(t, tr, ln, "ws://"+ln.Addr().String()+"/mesh")
}

func TestWebSocketTransport_TLS(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	serverTLS, err := TLSConfigFromBytes(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("TLSConfigFromBytes() error = %v", err)
	}
	clientTLS, err := ClientTLSConfig("", false)
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}

	opts := DefaultOptions()
	opts.ServerTLS = serverTLS
	opts.ClientTLS = clientTLS
	tr := NewWebSocketTransport(opts)

	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	if got := tr.dialURL(ln.Addr().String()); !strings.HasPrefix(got, "wss://") {
		t.Errorf("dialURL = %q, want wss scheme", got)
	}
	exchange(t, tr, ln, ln.Addr().String())
}

func TestWebSocketListener_AcceptAfterClose(t *testing.T) {
	tr := NewWebSocketTransport(DefaultOptions())
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		done <- err
	}()
	ln.Close()
	ln.Close()

	select {
	case err := <-done:
		if !errors.Is(err, net.ErrClosed) {
			t.Errorf("Accept() error = %v, want net.ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Accept() did not return after Close")
	}
}

func TestClientTLSConfig_CA(t *testing.T) {
	certPEM, _, err := GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	dir := t.TempDir()
	caFile := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(caFile, certPEM, 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := ClientTLSConfig(caFile, true)
	if err != nil {
		t.Fatalf("ClientTLSConfig() error = %v", err)
	}
	if cfg.InsecureSkipVerify || cfg.RootCAs == nil {
		t.Error("expected verification against the CA pool")
	}

	if _, err := ClientTLSConfig(filepath.Join(dir, "missing.pem"), true); err == nil {
		t.Error("expected error for a missing CA file")
	}
}

func TestLoadTLSConfig(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("localhost", time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert() error = %v", err)
	}
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	os.WriteFile(certFile, certPEM, 0600)
	os.WriteFile(keyFile, keyPEM, 0600)

	cfg, err := LoadTLSConfig(certFile, keyFile)
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates = %d, want 1", len(cfg.Certificates))
	}
}
