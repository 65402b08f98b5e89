package agent

import (
	"context"
	"sync"

	"github.com/postalsys/denobo/internal/logging"
	"github.com/postalsys/denobo/internal/peer"
	"github.com/postalsys/denobo/internal/recovery"
)

// KeepConnected dials every address now and re-dials it with backoff
// whenever the dial fails or the resulting link drops. The returned
// Reconnector is stopped by Shutdown.
func (sa *SocketAgent) KeepConnected(cfg peer.ReconnectConfig, addrs ...string) *peer.Reconnector {
	r := peer.NewReconnector(cfg, func(ctx context.Context, addr string) error {
		_, err := sa.AddAddress(ctx, addr)
		return err
	}, sa.logger)

	wanted := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		wanted[addr] = true
	}

	var mu sync.Mutex
	links := make(map[uint64]string)

	sa.AddObserver(ObserverFuncs{
		OnAddSucceeded: func(_ *SocketAgent, addr string, conn *peer.Connection) {
			if !wanted[addr] {
				return
			}
			mu.Lock()
			links[conn.ID()] = addr
			mu.Unlock()
		},
		OnAddFailed: func(_ *SocketAgent, addr string, _ error) {
			if wanted[addr] && !sa.isClosed() {
				r.Schedule(addr)
			}
		},
		OnClosed: func(_ *SocketAgent, conn *peer.Connection, _ error) {
			mu.Lock()
			addr, ok := links[conn.ID()]
			delete(links, conn.ID())
			mu.Unlock()
			if ok && !sa.isClosed() {
				sa.logger.Info("link dropped, scheduling reconnect", logging.KeyAddress, addr)
				r.Schedule(addr)
			}
		},
	})

	sa.reconnectMu.Lock()
	sa.reconnectors = append(sa.reconnectors, r)
	sa.reconnectMu.Unlock()

	for _, addr := range addrs {
		if !sa.goTracked(func() {
			defer recovery.RecoverWithLog(sa.logger, "initial dial")
			// Failures are rescheduled by the observer above.
			_, _ = sa.AddAddress(sa.ctx, addr)
		}) {
			r.Stop()
			break
		}
	}
	return r
}

// goTracked runs fn on a goroutine that Shutdown waits for. It reports
// false without running fn once the agent is closed.
func (sa *SocketAgent) goTracked(fn func()) bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if sa.closed {
		return false
	}
	sa.wg.Add(1)
	go func() {
		defer sa.wg.Done()
		fn()
	}()
	return true
}
