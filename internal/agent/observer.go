package agent

import (
	"net"
	"sync"

	"github.com/postalsys/denobo/internal/peer"
)

// Observer is told about changes to a SocketAgent's remote topology.
// Callbacks may run on connection goroutines and must not block for long.
type Observer interface {
	AdvertisingStarted(sa *SocketAgent, addr net.Addr)
	AdvertisingStopped(sa *SocketAgent, addr net.Addr)
	IncomingConnectionAccepted(sa *SocketAgent, conn *peer.Connection)
	ConnectionClosed(sa *SocketAgent, conn *peer.Connection, err error)
	ConnectionAddSucceeded(sa *SocketAgent, addr string, conn *peer.Connection)
	ConnectionAddFailed(sa *SocketAgent, addr string, err error)
}

// ObserverFuncs adapts functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnAdvertisingStarted func(sa *SocketAgent, addr net.Addr)
	OnAdvertisingStopped func(sa *SocketAgent, addr net.Addr)
	OnIncoming           func(sa *SocketAgent, conn *peer.Connection)
	OnClosed             func(sa *SocketAgent, conn *peer.Connection, err error)
	OnAddSucceeded       func(sa *SocketAgent, addr string, conn *peer.Connection)
	OnAddFailed          func(sa *SocketAgent, addr string, err error)
}

func (f ObserverFuncs) AdvertisingStarted(sa *SocketAgent, addr net.Addr) {
	if f.OnAdvertisingStarted != nil {
		f.OnAdvertisingStarted(sa, addr)
	}
}

func (f ObserverFuncs) AdvertisingStopped(sa *SocketAgent, addr net.Addr) {
	if f.OnAdvertisingStopped != nil {
		f.OnAdvertisingStopped(sa, addr)
	}
}

func (f ObserverFuncs) IncomingConnectionAccepted(sa *SocketAgent, conn *peer.Connection) {
	if f.OnIncoming != nil {
		f.OnIncoming(sa, conn)
	}
}

func (f ObserverFuncs) ConnectionClosed(sa *SocketAgent, conn *peer.Connection, err error) {
	if f.OnClosed != nil {
		f.OnClosed(sa, conn, err)
	}
}

func (f ObserverFuncs) ConnectionAddSucceeded(sa *SocketAgent, addr string, conn *peer.Connection) {
	if f.OnAddSucceeded != nil {
		f.OnAddSucceeded(sa, addr, conn)
	}
}

func (f ObserverFuncs) ConnectionAddFailed(sa *SocketAgent, addr string, err error) {
	if f.OnAddFailed != nil {
		f.OnAddFailed(sa, addr, err)
	}
}

// ObserverID identifies a registered observer for removal.
type ObserverID uint64

type observerEntry struct {
	id ObserverID
	o  Observer
}

type observerSet struct {
	mu      sync.RWMutex
	nextID  ObserverID
	entries []observerEntry
}

func (s *observerSet) add(o Observer) ObserverID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.entries = append(s.entries, observerEntry{id: s.nextID, o: o})
	return s.nextID
}

func (s *observerSet) remove(id ObserverID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// each calls fn for every observer registered at the time of the call.
func (s *observerSet) each(fn func(Observer)) {
	s.mu.RLock()
	snapshot := make([]Observer, len(s.entries))
	for i, e := range s.entries {
		snapshot[i] = e.o
	}
	s.mu.RUnlock()

	for _, o := range snapshot {
		fn(o)
	}
}
