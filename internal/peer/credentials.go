package peer

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// CredentialsHandler supplies the password sent when an acceptor asks for
// credentials. ok is false when there is nothing to offer.
type CredentialsHandler interface {
	Credentials(ctx context.Context, remoteName string) (password string, ok bool, err error)
}

// CredentialsFunc adapts a function to CredentialsHandler.
type CredentialsFunc func(ctx context.Context, remoteName string) (string, bool, error)

// Credentials calls f.
func (f CredentialsFunc) Credentials(ctx context.Context, remoteName string) (string, bool, error) {
	return f(ctx, remoteName)
}

// NoCredentials never offers a password.
type NoCredentials struct{}

// Credentials returns no password.
func (NoCredentials) Credentials(context.Context, string) (string, bool, error) {
	return "", false, nil
}

// StaticCredentials offers a fixed password to every acceptor, or to the
// named acceptors only when PerPeer is set.
type StaticCredentials struct {
	Password string
	PerPeer  map[string]string
}

// Credentials returns the password for remoteName.
func (s StaticCredentials) Credentials(_ context.Context, remoteName string) (string, bool, error) {
	if pw, ok := s.PerPeer[remoteName]; ok {
		return pw, true, nil
	}
	if s.Password == "" {
		return "", false, nil
	}
	return s.Password, true, nil
}

// PromptCredentials asks on the controlling terminal. Prompts are serialized
// so concurrent handshakes do not interleave.
type PromptCredentials struct {
	In  *os.File
	Out io.Writer

	mu sync.Mutex
}

// Credentials reads a password without echo. An empty answer offers none.
func (p *PromptCredentials) Credentials(ctx context.Context, remoteName string) (string, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	in := p.In
	if in == nil {
		in = os.Stdin
	}
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	if !term.IsTerminal(int(in.Fd())) {
		return "", false, nil
	}

	fmt.Fprintf(out, "Password for %s: ", remoteName)
	pw, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", false, fmt.Errorf("read password: %w", err)
	}
	if len(pw) == 0 {
		return "", false, nil
	}
	return string(pw), true, nil
}
