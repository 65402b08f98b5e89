// Package main provides the CLI entry point for a Denobo process.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/denobo/internal/config"
	"github.com/postalsys/denobo/internal/crypto"
	"github.com/postalsys/denobo/internal/node"
	"github.com/postalsys/denobo/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "denobo",
		Short: "Denobo - overlay network of named agents",
		Long: `Denobo runs a set of named agents that exchange messages by
flooding them across an overlay graph. Agents in different processes
are linked through socket agents speaking a small text protocol with
optional encryption and compression.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a Denobo process",
		Long:  "Start the socket agent and local agents described by the configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			n, err := node.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Starting Denobo agent %s...\n", cfg.Agent.Name)
			if err := n.Start(ctx); err != nil {
				shutdown(n)
				return fmt.Errorf("failed to start: %w", err)
			}

			stats := n.Stats()
			if stats.ListenAddr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Listening: %s://%s\n", stats.Transport, stats.ListenAddr)
			}
			if addr := n.HealthAddress(); addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Health: http://%s/healthz\n", addr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: running (peers: %d, local agents: %d)\n",
				stats.PeerCount, len(stats.LocalAgents))

			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")

			if err := shutdown(n); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Agent stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./denobo.yaml", "Path to configuration file")

	return cmd
}

func shutdown(n *node.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return n.Stop(ctx)
}

func sendCmd() *cobra.Command {
	var (
		configPath string
		from       string
		to         string
		message    string
		route      bool
		backtrack  bool
		peers      int
		timeout    time.Duration
		linger     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Join the overlay, send one message and leave",
		Long: `Start the process described by the configuration, wait for its peers,
optionally discover a route to each recipient, send a single message
and shut down. An empty --to broadcasts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" {
				return fmt.Errorf("--message is required")
			}
			recipients := parseRecipients(to)
			if route && len(recipients) == 0 {
				return fmt.Errorf("--route needs at least one --to recipient")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Health.Enabled = false
			if peers < 0 {
				peers = len(cfg.Peers)
			}

			n, err := node.New(cfg, node.WithMessageHandler(printHandler(cmd.OutOrStdout())))
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			defer shutdown(n)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			if err := n.WaitForPeers(ctx, peers); err != nil {
				return fmt.Errorf("waiting for %d peer(s): %w", peers, err)
			}

			if route {
				for _, dest := range recipients {
					r, err := n.Route(ctx, from, dest, backtrack)
					if err != nil {
						return fmt.Errorf("no route to %s: %w", dest, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "route to %s: %s (%d hops)\n", dest, r, r.Hops())
				}
			}

			msg, err := n.Send(from, recipients, message)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", msg.ID)

			// Give the mailbox time to relay before links close.
			select {
			case <-time.After(linger):
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./denobo.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&from, "from", "", "Local agent sending the message (default: the socket agent)")
	cmd.Flags().StringVar(&to, "to", "", "Comma-separated recipient names; empty broadcasts")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message payload")
	cmd.Flags().BoolVar(&route, "route", false, "Discover and print a route to each recipient first")
	cmd.Flags().BoolVar(&backtrack, "backtrack", false, "Install the reverse route at each destination")
	cmd.Flags().IntVar(&peers, "wait-peers", -1, "Peers to wait for before sending (default: all configured)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	cmd.Flags().DurationVar(&linger, "linger", 500*time.Millisecond, "Time to stay connected after sending")

	return cmd
}

func parseRecipients(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func hashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash",
		Short: "Hash master credentials for the configuration file",
		Long: `Read a password and print its bcrypt hash, suitable for
network.master_credentials. The password is read without echo when
standard input is a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			hash, err := crypto.HashCredentials(pw)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "denobo %s\n", Version)
		},
	}
}
