// Package health provides health check HTTP endpoints for a Denobo process.
package health

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsProvider provides agent statistics.
type StatsProvider interface {
	// IsRunning returns true if the agent is running.
	IsRunning() bool

	// Stats returns agent statistics.
	Stats() Stats
}

// RouteProvider exposes routing tables keyed by agent name.
type RouteProvider interface {
	// Routes returns, per local agent, the stored route to each destination.
	Routes() map[string]map[string][]string
}

// Stats contains agent health statistics.
type Stats struct {
	Name            string           `json:"name"`
	ListenAddr      string           `json:"listen_addr,omitempty"`
	Transport       string           `json:"transport"`
	PeerCount       int              `json:"peer_count"`
	MaxConnections  int              `json:"max_connections"`
	PermitsInUse    int              `json:"permits_in_use"`
	RouteCount      int              `json:"route_count"`
	PendingSearches int              `json:"pending_searches"`
	QueuedMessages  int              `json:"queued_messages"`
	LocalAgents     []string         `json:"local_agents,omitempty"`
	Connections     []ConnectionInfo `json:"-"`
}

// ConnectionInfo describes one live peer link.
type ConnectionInfo struct {
	ID           uint64
	RemoteName   string
	RemoteAddr   string
	Transport    string
	Initiator    bool
	Secure       bool
	Compression  string
	PacketsIn    uint64
	PacketsOut   uint64
	BytesIn      uint64
	BytesOut     uint64
	Established  time.Time
	LastActivity time.Time
	RTT          time.Duration
}

// ServerConfig contains health server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP reads
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes
	WriteTimeout time.Duration

	// Gatherer serves /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "127.0.0.1:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is an HTTP server for health check endpoints.
type Server struct {
	cfg      ServerConfig
	provider StatsProvider
	routes   RouteProvider
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
	now      func() time.Time
}

// NewServer creates a new health check server.
func NewServer(cfg ServerConfig, provider StatsProvider) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		now:      time.Now,
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/connections", s.handleConnections)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// pprof debug endpoints
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// SetRouteProvider sets the source for /routes.
func (s *Server) SetRouteProvider(p RouteProvider) {
	s.routes = p
}

// Start starts the health check server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the health check server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) available() bool {
	return s.provider != nil && s.provider.IsRunning()
}

// handleHealth handles the basic health check endpoint.
// Returns 200 if the server is responding.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK\n"))
}

// handleHealthz handles the detailed health check endpoint.
// Returns 200 with JSON stats if healthy, 503 if not running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !s.available() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":  "unavailable",
			"running": false,
		})
		return
	}

	stats := s.provider.Stats()
	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		Running bool   `json:"running"`
		Stats
	}{"healthy", true, stats})
}

// handleReady handles the readiness probe endpoint.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if !s.available() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY\n"))
}

// connectionView is the /connections representation of a link.
type connectionView struct {
	ID           uint64 `json:"id"`
	Peer         string `json:"peer"`
	RemoteAddr   string `json:"remote_addr"`
	Transport    string `json:"transport"`
	Direction    string `json:"direction"`
	Secure       bool   `json:"secure"`
	Compression  string `json:"compression"`
	PacketsIn    uint64 `json:"packets_in"`
	PacketsOut   uint64 `json:"packets_out"`
	BytesIn      uint64 `json:"bytes_in"`
	BytesOut     uint64 `json:"bytes_out"`
	Traffic      string `json:"traffic"`
	RTTMs        int64  `json:"rtt_ms"`
	Connected    string `json:"connected"`
	LastActivity string `json:"last_activity"`
}

func (s *Server) viewConnection(c ConnectionInfo) connectionView {
	direction := "inbound"
	if c.Initiator {
		direction = "outbound"
	}
	v := connectionView{
		ID:          c.ID,
		Peer:        c.RemoteName,
		RemoteAddr:  c.RemoteAddr,
		Transport:   c.Transport,
		Direction:   direction,
		Secure:      c.Secure,
		Compression: c.Compression,
		PacketsIn:   c.PacketsIn,
		PacketsOut:  c.PacketsOut,
		BytesIn:     c.BytesIn,
		BytesOut:    c.BytesOut,
		Traffic:     humanize.Bytes(c.BytesIn) + " in / " + humanize.Bytes(c.BytesOut) + " out",
		RTTMs:       c.RTT.Milliseconds(),
	}
	now := s.now()
	if !c.Established.IsZero() {
		v.Connected = humanize.RelTime(c.Established, now, "ago", "from now")
	}
	if !c.LastActivity.IsZero() {
		v.LastActivity = humanize.RelTime(c.LastActivity, now, "ago", "from now")
	}
	return v
}

// handleConnections lists live peer links.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.available() {
		http.Error(w, "agent not running", http.StatusServiceUnavailable)
		return
	}

	stats := s.provider.Stats()
	out := make([]connectionView, 0, len(stats.Connections))
	for _, c := range stats.Connections {
		out = append(out, s.viewConnection(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// routeView is one routing table entry.
type routeView struct {
	Agent       string   `json:"agent"`
	Destination string   `json:"destination"`
	Hops        int      `json:"hops"`
	Route       []string `json:"route"`
}

// handleRoutes dumps every local routing table.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.routes == nil {
		http.Error(w, "route provider not configured", http.StatusServiceUnavailable)
		return
	}

	var out []routeView
	for agent, table := range s.routes.Routes() {
		for dest, names := range table {
			hops := len(names) - 1
			if hops < 0 {
				hops = 0
			}
			out = append(out, routeView{Agent: agent, Destination: dest, Hops: hops, Route: names})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].Destination < out[j].Destination
	})
	if out == nil {
		out = []routeView{}
	}
	writeJSON(w, http.StatusOK, out)
}
