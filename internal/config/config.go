// Package config provides configuration parsing and validation for Denobo.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/denobo/internal/compression"
	"github.com/postalsys/denobo/internal/crypto"
	"github.com/postalsys/denobo/internal/logging"
)

// Config represents the complete process configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Network   NetworkConfig   `yaml:"network"`
	Peers     []PeerConfig    `yaml:"peers"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Agents    []LocalAgent    `yaml:"agents"`
	Health    HealthConfig    `yaml:"health"`
}

// AgentConfig describes the SocketAgent of this process.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Cloneable    bool   `yaml:"cloneable"`
	CloneWorkers int    `yaml:"clone_workers"`
	HistorySize  int    `yaml:"history_size"`
	MaxRouteHops int    `yaml:"max_route_hops"`
	LogLevel     string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat    string `yaml:"log_format"` // text, json
}

// NetworkConfig controls listening, admission and link negotiation.
type NetworkConfig struct {
	Transport string    `yaml:"transport"` // tcp, ws
	Address   string    `yaml:"address"`   // listen address; empty disables listening
	Path      string    `yaml:"ws_path"`   // HTTP path for ws
	TLS       TLSConfig `yaml:"tls"`

	MaxConnections   int           `yaml:"max_connections"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PokeTimeout      time.Duration `yaml:"poke_timeout"`
	PokeInterval     time.Duration `yaml:"poke_interval"`
	RouteTimeout     time.Duration `yaml:"route_timeout"`
	AcceptRate       float64       `yaml:"accept_rate"`
	AcceptBurst      int           `yaml:"accept_burst"`

	Secure      bool   `yaml:"is_secure"`
	KeyExchange string `yaml:"key_exchange"` // modp2048, x25519
	Compression string `yaml:"compression"`  // none, deflate, zstd, s2

	// MasterCredentials is required from dialing peers. Plaintext or bcrypt hash.
	MasterCredentials string `yaml:"master_credentials"`

	// Credentials is offered to peers that ask for a password.
	Credentials       string `yaml:"credentials"`
	CredentialsPrompt bool   `yaml:"credentials_prompt"`
}

// TLSConfig defines TLS settings for the ws transport.
type TLSConfig struct {
	Cert               string `yaml:"cert"`                 // Certificate file path
	Key                string `yaml:"key"`                  // Private key file path
	CA                 string `yaml:"ca"`                   // CA certificate file path
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // Skip verification (dev only)
}

// Enabled reports whether a server certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.Cert != "" && t.Key != ""
}

// PeerConfig defines a remote peer to dial.
type PeerConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Persistent bool   `yaml:"persistent"` // re-dial after failure or disconnect
}

// Address returns host:port.
func (p PeerConfig) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ReconnectConfig defines reconnection behavior for persistent peers.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// LocalAgent is an additional in-process agent.
type LocalAgent struct {
	Name      string   `yaml:"name"`
	Cloneable bool     `yaml:"cloneable"`
	Connect   []string `yaml:"connect"` // names to link with; the SocketAgent when empty
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:         "denobo",
			CloneWorkers: 64,
			HistorySize:  1024,
			MaxRouteHops: 32,
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Network: NetworkConfig{
			Transport:        "tcp",
			Path:             "/denobo",
			MaxConnections:   16,
			HandshakeTimeout: 10 * time.Second,
			PokeTimeout:      5 * time.Second,
			RouteTimeout:     30 * time.Second,
			AcceptBurst:      32,
			KeyExchange:      crypto.KeyExchangeModP2048,
			Compression:      compression.None,
		},
		Peers: []PeerConfig{},
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.2,
			MaxRetries:   0,
		},
		Agents: []LocalAgent{},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Agent.Name == "" {
		errs = append(errs, "agent.name is required")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !logging.ValidFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}
	if c.Agent.CloneWorkers < 1 {
		errs = append(errs, "agent.clone_workers must be positive")
	}
	if c.Agent.HistorySize < 1 {
		errs = append(errs, "agent.history_size must be positive")
	}
	if c.Agent.MaxRouteHops < 1 || c.Agent.MaxRouteHops > 255 {
		errs = append(errs, "agent.max_route_hops must be between 1 and 255")
	}

	errs = append(errs, c.Network.validate()...)

	for i, p := range c.Peers {
		if err := validatePeer(p); err != nil {
			errs = append(errs, fmt.Sprintf("peers[%d]: %v", i, err))
		}
	}

	if c.Reconnect.Multiplier < 1 {
		errs = append(errs, "reconnect.multiplier must be at least 1")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		errs = append(errs, "reconnect.jitter must be between 0 and 1")
	}

	names := map[string]bool{c.Agent.Name: true}
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: name is required", i))
			continue
		}
		if names[a.Name] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate name %s", i, a.Name))
		}
		names[a.Name] = true
	}
	for i, a := range c.Agents {
		for _, n := range a.Connect {
			if !names[n] {
				errs = append(errs, fmt.Sprintf("agents[%d]: connect to unknown agent %s", i, n))
			}
			if n == a.Name {
				errs = append(errs, fmt.Sprintf("agents[%d]: cannot connect to itself", i))
			}
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func (n NetworkConfig) validate() []string {
	var errs []string
	if !isValidTransport(n.Transport) {
		errs = append(errs, fmt.Sprintf("invalid network.transport: %s (must be tcp or ws)", n.Transport))
	}
	if n.Address != "" {
		if _, _, err := net.SplitHostPort(n.Address); err != nil {
			errs = append(errs, fmt.Sprintf("invalid network.address: %v", err))
		}
	}
	if n.Transport == "ws" && !strings.HasPrefix(n.Path, "/") {
		errs = append(errs, "network.ws_path must start with /")
	}
	if (n.TLS.Cert == "") != (n.TLS.Key == "") {
		errs = append(errs, "network.tls.cert and network.tls.key must be set together")
	}
	if n.MaxConnections < 1 {
		errs = append(errs, "network.max_connections must be positive")
	}
	if n.HandshakeTimeout <= 0 {
		errs = append(errs, "network.handshake_timeout must be positive")
	}
	if n.PokeTimeout <= 0 {
		errs = append(errs, "network.poke_timeout must be positive")
	}
	if n.PokeInterval < 0 {
		errs = append(errs, "network.poke_interval must not be negative")
	}
	if n.RouteTimeout <= 0 {
		errs = append(errs, "network.route_timeout must be positive")
	}
	if n.AcceptRate < 0 {
		errs = append(errs, "network.accept_rate must not be negative")
	}
	if _, err := crypto.KeyExchangeByName(n.KeyExchange); err != nil {
		errs = append(errs, fmt.Sprintf("invalid network.key_exchange: %s", n.KeyExchange))
	}
	if !compression.Supported(n.Compression) {
		errs = append(errs, fmt.Sprintf("invalid network.compression: %s (must be one of %s)",
			n.Compression, strings.Join(compression.Names(), ", ")))
	}
	return errs
}

func isValidLogLevel(level string) bool {
	_, err := logging.ParseLevel(level)
	return err == nil
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "ws":
		return true
	default:
		return false
	}
}

func validatePeer(p PeerConfig) error {
	if p.Host == "" {
		return fmt.Errorf("host is required")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Network.MasterCredentials != "" {
		redacted.Network.MasterCredentials = redactedValue
	}
	if redacted.Network.Credentials != "" {
		redacted.Network.Credentials = redactedValue
	}
	if redacted.Network.TLS.Key != "" {
		redacted.Network.TLS.Key = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	return c.Network.MasterCredentials != "" || c.Network.Credentials != ""
}

// Marshal returns the YAML form of the config, including secrets.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
