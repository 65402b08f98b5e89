package recovery

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func capture() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	logger, buf := capture()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "mailbox worker")
		panic("handler blew up")
	}()
	wg.Wait()

	output := buf.String()
	for _, want := range []string{"panic recovered", "component=\"mailbox worker\"", "handler blew up", "stack="} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q: %s", want, output)
		}
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	logger, buf := capture()

	func() {
		defer RecoverWithLog(logger, "quiet")
	}()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func TestRecoverWithLog_NilLogger(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer RecoverWithLog(nil, "nil logger")
		panic("still recovered")
	}()
	<-done
}

func TestRecoverWithCallback(t *testing.T) {
	logger, buf := capture()

	var got any
	func() {
		defer RecoverWithCallback(logger, "message handler", func(r any) { got = r })
		panic("callback test")
	}()

	if got != "callback test" {
		t.Errorf("recovered value = %v, want 'callback test'", got)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestRecoverWithCallback_NotCalledWithoutPanic(t *testing.T) {
	logger, _ := capture()

	called := false
	func() {
		defer RecoverWithCallback(logger, "normal", func(any) { called = true })
	}()

	if called {
		t.Error("callback called without a panic")
	}
}

func TestRecoverWithCallback_NilCallback(t *testing.T) {
	logger, buf := capture()

	func() {
		defer RecoverWithCallback(logger, "nil callback", nil)
		panic(42)
	}()

	if !strings.Contains(buf.String(), "panic=42") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

type notifyWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	done chan struct{}
	once sync.Once
}

func (w *notifyWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	defer w.once.Do(func() { close(w.done) })
	return w.buf.Write(p)
}

func TestGo(t *testing.T) {
	w := &notifyWriter{done: make(chan struct{})}
	logger := slog.New(slog.NewTextHandler(w, nil))

	Go(logger, "worker", func() {
		panic("boom")
	})

	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("panic was not logged")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !strings.Contains(w.buf.String(), "boom") {
		t.Errorf("expected recovered panic in log, got: %s", w.buf.String())
	}
}
