// Package wizard provides an interactive setup wizard for Denobo.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/postalsys/denobo/internal/compression"
	"github.com/postalsys/denobo/internal/config"
	"github.com/postalsys/denobo/internal/crypto"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the forms collect. buildConfig turns it into a
// config.Config.
type Answers struct {
	Name       string
	ConfigPath string

	Transport  string
	ListenAddr string // empty disables listening
	WSPath     string
	TLSCert    string
	TLSKey     string

	Secure      bool
	KeyExchange string
	Compression string

	// MasterHash is the bcrypt hash of the master credentials, if any.
	MasterHash  string
	Credentials string

	Peers []config.PeerConfig

	LogLevel      string
	HealthEnabled bool
	HealthAddr    string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := defaultAnswers()

	steps := []func(*Answers) error{
		w.askBasicSetup,
		w.askNetworkConfig,
		w.askSecurity,
		w.askPeerConnections,
		w.askAdvancedOptions,
	}
	for _, step := range steps {
		if err := step(&a); err != nil {
			return nil, err
		}
	}

	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated configuration is invalid: %w", err)
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func defaultAnswers() Answers {
	d := config.Default()
	return Answers{
		Name:          d.Agent.Name,
		ConfigPath:    "./denobo.yaml",
		Transport:     d.Network.Transport,
		ListenAddr:    "0.0.0.0:7878",
		WSPath:        d.Network.Path,
		KeyExchange:   d.Network.KeyExchange,
		Compression:   d.Network.Compression,
		LogLevel:      d.Agent.LogLevel,
		HealthAddr:    d.Health.Address,
		HealthEnabled: true,
	}
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____                  _
 |  _ \  ___ _ __   ___ | |__   ___
 | | | |/ _ \ '_ \ / _ \| '_ \ / _ \
 | |_| |  __/ | | | (_) | |_) | (_) |
 |____/ \___|_| |_|\___/|_.__/ \___/
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Agent Overlay Network - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Name this process and choose where to write its configuration."),

			huh.NewInput().
				Title("Agent Name").
				Description("Unique name of the network agent across the overlay").
				Placeholder(a.Name).
				Value(&a.Name).
				Validate(validateName),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder(a.ConfigPath).
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetworkConfig(a *Answers) error {
	listen := a.ListenAddr != ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network Configuration").
				Description("Configure how this agent accepts links from other processes."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(
					huh.NewOption("TCP (plain stream)", "tcp"),
					huh.NewOption("WebSocket (proxy-friendly)", "ws"),
				).
				Value(&a.Transport),

			huh.NewConfirm().
				Title("Accept incoming connections?").
				Value(&listen),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if !listen {
		a.ListenAddr = ""
		return nil
	}

	fields := []huh.Field{
		huh.NewInput().
			Title("Listen Address").
			Description("Address and port to listen on").
			Placeholder("0.0.0.0:7878").
			Value(&a.ListenAddr).
			Validate(validateListenAddr),
	}
	if a.Transport == "ws" {
		fields = append(fields,
			huh.NewInput().
				Title("HTTP Path").
				Description("URL path of the WebSocket endpoint").
				Placeholder(a.WSPath).
				Value(&a.WSPath).
				Validate(validateWSPath),
			huh.NewInput().
				Title("TLS Certificate File (optional)").
				Value(&a.TLSCert).
				Validate(validateOptionalFile),
			huh.NewInput().
				Title("TLS Key File (optional)").
				Value(&a.TLSKey).
				Validate(validateOptionalFile),
		)
	}

	return huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
}

func (w *Wizard) askSecurity(a *Answers) error {
	var master string

	compressionOpts := make([]huh.Option[string], 0, len(compression.Names()))
	for _, name := range compression.Names() {
		compressionOpts = append(compressionOpts, huh.NewOption(name, name))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Link Security").
				Description("Encryption and compression are negotiated per connection."),

			huh.NewConfirm().
				Title("Encrypt links?").
				Description("Diffie-Hellman key agreement followed by a stream cipher").
				Value(&a.Secure),

			huh.NewSelect[string]().
				Title("Key Exchange").
				Options(
					huh.NewOption("MODP 2048-bit (compatible)", crypto.KeyExchangeModP2048),
					huh.NewOption("X25519 (fast)", crypto.KeyExchangeX25519),
				).
				Value(&a.KeyExchange),

			huh.NewSelect[string]().
				Title("Compression").
				Options(compressionOpts...).
				Value(&a.Compression),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Master Credentials (optional)").
				Description("Password required from dialing peers; stored as a bcrypt hash").
				EchoMode(huh.EchoModePassword).
				Value(&master),

			huh.NewInput().
				Title("Credentials (optional)").
				Description("Password offered when a peer asks for one").
				EchoMode(huh.EchoModePassword).
				Value(&a.Credentials),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	if master != "" {
		hash, err := crypto.HashCredentials(master)
		if err != nil {
			return fmt.Errorf("failed to hash master credentials: %w", err)
		}
		a.MasterHash = hash
	}
	return nil
}

func (w *Wizard) askPeerConnections(a *Answers) error {
	var addPeers bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Peer Connections").
				Description("Configure links to other Denobo processes."),

			huh.NewConfirm().
				Title("Add peer connections?").
				Value(&addPeers),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	for addMore := addPeers; addMore; {
		peer, err := w.askSinglePeer(len(a.Peers) + 1)
		if err != nil {
			return err
		}
		a.Peers = append(a.Peers, peer)

		confirmForm := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another peer?").
					Value(&addMore),
			),
		).WithTheme(w.theme)

		if err := confirmForm.Run(); err != nil {
			return err
		}
	}

	return nil
}

func (w *Wizard) askSinglePeer(peerNum int) (config.PeerConfig, error) {
	var addr string
	persistent := true

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Peer #%d", peerNum)),

			huh.NewInput().
				Title("Peer Address").
				Description("host:port of the remote process").
				Placeholder("192.168.1.10:7878").
				Value(&addr).
				Validate(func(s string) error {
					_, err := parsePeer(s, false)
					return err
				}),

			huh.NewConfirm().
				Title("Keep connected?").
				Description("Re-dial with backoff after failure or disconnect").
				Value(&persistent),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.PeerConfig{}, err
	}

	return parsePeer(addr, persistent)
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/healthz, /connections, /routes, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.HealthEnabled {
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Health Address").
				Placeholder(a.HealthAddr).
				Value(&a.HealthAddr).
				Validate(validateListenAddr),
		),
	).WithTheme(w.theme).Run()
}

func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Agent.Name = a.Name
	cfg.Agent.LogLevel = a.LogLevel
	cfg.Agent.LogFormat = "text"

	cfg.Network.Transport = a.Transport
	cfg.Network.Address = a.ListenAddr
	if a.Transport == "ws" {
		cfg.Network.Path = a.WSPath
		cfg.Network.TLS.Cert = a.TLSCert
		cfg.Network.TLS.Key = a.TLSKey
	}
	cfg.Network.Secure = a.Secure
	cfg.Network.KeyExchange = a.KeyExchange
	cfg.Network.Compression = a.Compression
	cfg.Network.MasterCredentials = a.MasterHash
	cfg.Network.Credentials = a.Credentials

	if len(a.Peers) > 0 {
		cfg.Peers = a.Peers
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddr != "" {
		cfg.Health.Address = a.HealthAddr
	}

	return cfg
}

const configHeader = `# Denobo Configuration
# Generated by setup wizard

`

func writeConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	perm := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		perm = 0600
	}
	if err := os.WriteFile(path, []byte(configHeader+string(data)), perm); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Agent name:   %s\n", cfg.Agent.Name)
	fmt.Printf("  Config file:  %s\n", configPath)
	if cfg.Network.Address != "" {
		fmt.Printf("  Listener:     %s://%s\n", cfg.Network.Transport, cfg.Network.Address)
	}
	if cfg.Network.Secure {
		fmt.Printf("  Encryption:   %s\n", cfg.Network.KeyExchange)
	}
	if cfg.Network.Compression != compression.None {
		fmt.Printf("  Compression:  %s\n", cfg.Network.Compression)
	}
	fmt.Printf("  Peers:        %d\n", len(cfg.Peers))
	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the agent:")
	fmt.Printf("    denobo run -c %s\n", configPath)
	fmt.Println()
}

func validateName(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return fmt.Errorf("name must not contain whitespace")
	}
	return nil
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateListenAddr(s string) error {
	if s == "" {
		return fmt.Errorf("address is required")
	}
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validateWSPath(s string) error {
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateOptionalFile(s string) error {
	if s == "" {
		return nil
	}
	if _, err := os.Stat(s); os.IsNotExist(err) {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}

// parsePeer splits host:port into a PeerConfig.
func parsePeer(addr string, persistent bool) (config.PeerConfig, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return config.PeerConfig{}, fmt.Errorf("invalid address format (use host:port)")
	}
	if host == "" {
		return config.PeerConfig{}, fmt.Errorf("host is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return config.PeerConfig{}, fmt.Errorf("port must be between 1 and 65535")
	}
	return config.PeerConfig{Host: host, Port: port, Persistent: persistent}, nil
}
