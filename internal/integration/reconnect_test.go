package integration

import (
	"context"
	"testing"
	"time"

	"github.com/postalsys/denobo/internal/actor"
	"github.com/postalsys/denobo/internal/agent"
	"github.com/postalsys/denobo/internal/chaos"
	"github.com/postalsys/denobo/internal/config"
	"github.com/postalsys/denobo/internal/transport"
)

func TestPersistentPeerSurvivesChaos(t *testing.T) {
	in := newInbox()
	acfg := baseConfig("a")
	acfg.Agents = []config.LocalAgent{{Name: "sink"}}
	a := startNode(t, acfg, in)

	bcfg := baseConfig("b")
	bcfg.Peers = []config.PeerConfig{peerOf(t, a, true)}
	b := startNode(t, bcfg, in)

	waitFor(t, 5*time.Second, func() bool { return b.Gateway().ConnectionTo("a") != nil })
	first := b.Gateway().ConnectionTo("a").ID()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := chaos.NewMonkey(10*time.Millisecond, chaos.NewSeededFaultInjector(5,
		chaos.FaultConfig{Probability: 1, Type: chaos.FaultDisconnect}))
	m.AddTarget(b.Gateway())
	m.Start(ctx)

	select {
	case ev := <-m.Events():
		if ev.ConnID != first {
			t.Errorf("monkey severed connection %d, want %d", ev.ConnID, first)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("monkey never struck")
	}
	m.Stop()

	waitFor(t, 5*time.Second, func() bool {
		c := b.Gateway().ConnectionTo("a")
		return c != nil && c.ID() != first
	})

	if _, err := b.Send("", []string{"sink"}, "after reconnect"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return in.count("sink") == 1 })
}

func TestPersistentPeerStartedBeforeListener(t *testing.T) {
	in := newInbox()

	// Reserve a port, then release it so the first dials fail.
	reserved := baseConfig("reserved")
	p := startNode(t, reserved, in)
	pc := peerOf(t, p, true)
	stopNode(p)

	bcfg := baseConfig("b")
	bcfg.Network.Address = ""
	bcfg.Peers = []config.PeerConfig{pc}
	b := startNode(t, bcfg, in)

	time.Sleep(150 * time.Millisecond)
	if len(b.Gateway().Connections()) != 0 {
		t.Fatal("connected to a closed port")
	}

	acfg := baseConfig("a")
	acfg.Network.Address = pc.Address()
	startNode(t, acfg, in)

	waitFor(t, 5*time.Second, func() bool { return b.Gateway().ConnectionTo("a") != nil })
}

func TestDeliveryOverFaultyTransport(t *testing.T) {
	delay := chaos.NewSeededFaultInjector(11, chaos.FaultConfig{
		Probability: 0.5,
		Type:        chaos.FaultDelay,
		MinDelay:    time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})
	tr := chaos.WrapTransport(transport.NewTCPTransport(transport.DefaultOptions()), delay)

	newGateway := func(name string) *agent.SocketAgent {
		g := actor.NewGraph()
		sa, err := agent.New(g, name, false, agent.Config{
			Transport:        tr,
			HandshakeTimeout: 5 * time.Second,
		})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(g.Shutdown)
		return sa
	}

	a := newGateway("a")
	b := newGateway("b")
	in := newInbox()
	a.AddMessageHandler(in)

	if err := a.AdvertiseAddress("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := b.AddAddress(ctx, a.ListenAddr().String()); err != nil {
		t.Fatal(err)
	}

	const total = 20
	for i := 0; i < total; i++ {
		if _, err := b.SendMessage([]string{"a"}, "slow"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, 10*time.Second, func() bool { return in.count("a") == total })
	if delay.Hits()[chaos.FaultDelay] == 0 {
		t.Error("no delays injected")
	}
}
