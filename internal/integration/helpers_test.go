// Package integration exercises whole Denobo processes linked over real
// sockets.
package integration

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/config"
	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/node"
)

// inbox collects messages by receiving agent.
type inbox struct {
	mu   sync.Mutex
	msgs map[string][]*actor.Message
}

func newInbox() *inbox {
	return &inbox{msgs: make(map[string][]*actor.Message)}
}

func (in *inbox) HandleMessage(a *actor.Agent, msg *actor.Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.msgs[a.Name()] = append(in.msgs[a.Name()], msg)
}

func (in *inbox) count(agent string) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.msgs[agent])
}

func (in *inbox) payloads(agent string) []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	var out []string
	for _, m := range in.msgs[agent] {
		out = append(out, m.Payload)
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func baseConfig(name string) *config.Config {
	cfg := config.Default()
	cfg.Agent.Name = name
	cfg.Network.Address = "127.0.0.1:0"
	cfg.Network.HandshakeTimeout = 5 * time.Second
	cfg.Network.RouteTimeout = 5 * time.Second
	cfg.Reconnect.InitialDelay = 50 * time.Millisecond
	cfg.Reconnect.MaxDelay = 200 * time.Millisecond
	return cfg
}

func startNode(t *testing.T, cfg *config.Config, in *inbox) *node.Node {
	t.Helper()
	n, err := node.New(cfg, node.WithLogger(logging.NopLogger()), node.WithMessageHandler(in))
	if err != nil {
		t.Fatalf("node.New(%s) error = %v", cfg.Agent.Name, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start(%s) error = %v", cfg.Agent.Name, err)
	}
	t.Cleanup(func() { stopNode(n) })
	return n
}

func stopNode(n *node.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n.Stop(ctx)
}

// peerOf returns a PeerConfig dialing n's listener.
func peerOf(t *testing.T, n *node.Node, persistent bool) config.PeerConfig {
	t.Helper()
	addr := n.Gateway().ListenAddr()
	if addr == nil {
		t.Fatalf("%s is not listening", n.Gateway().Name())
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return config.PeerConfig{Host: host, Port: port, Persistent: persistent}
}

// chain starts processes named by names, each dialing the previous one.
// The first process hosts a local agent called "sink".
func chain(t *testing.T, in *inbox, tweak func(*config.Config), names ...string) []*node.Node {
	t.Helper()
	var nodes []*node.Node
	for i, name := range names {
		cfg := baseConfig(name)
		if i == 0 {
			cfg.Agents = []config.LocalAgent{{Name: "sink"}}
		} else {
			cfg.Peers = []config.PeerConfig{peerOf(t, nodes[i-1], false)}
		}
		if tweak != nil {
			tweak(cfg)
		}
		nodes = append(nodes, startNode(t, cfg, in))
	}
	for i := 1; i < len(nodes); i++ {
		prev, cur := nodes[i-1], nodes[i]
		waitFor(t, 5*time.Second, func() bool {
			return prev.Gateway().ConnectionTo(cur.Gateway().Name()) != nil
		})
	}
	return nodes
}
