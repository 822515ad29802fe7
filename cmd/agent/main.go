//go:build darwin || linux

// Command agent is the always-on daemon that proxy instances attach to
// over a Unix domain socket. It opens a single WebSocket connection to a
// remote relay, prints a pairing code (and QR code) once for the whole
// agent, and multiplexes input/output/resize/kill traffic for every
// attached shell session over that one connection.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terminal-remote/terminal-remote/internal/agentserver"
	"github.com/terminal-remote/terminal-remote/internal/config"
	"github.com/terminal-remote/terminal-remote/internal/pairingqr"
	"github.com/terminal-remote/terminal-remote/internal/relaylink"
	"github.com/terminal-remote/terminal-remote/internal/winclose"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("agent: %v (continuing with flag defaults)", err)
		cfg = config.Values{}
	}
	defaultRelayURL := cfg.Get(config.KeyRelayURL, "ws://localhost:8080/ws/agent")
	defaultPairingBase := cfg.Get(config.KeyPairingBaseURL, "")

	var socketPath string
	var relayURL string
	var pairingBaseURL string
	var displayName string
	var noQR bool

	rootCmd := &cobra.Command{
		Use:     "agent",
		Short:   "Run the terminal-remote agent daemon",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pairingBaseURL == "" {
				derived, err := config.PairingBaseFromRelayURL(relayURL)
				if err != nil {
					return err
				}
				pairingBaseURL = derived
			}
			if displayName == "" {
				displayName, _ = os.Hostname()
				if displayName == "" {
					displayName = "agent"
				}
			}
			return runAgent(socketPath, relayURL, pairingBaseURL, displayName, noQR)
		},
	}
	rootCmd.Flags().StringVar(&socketPath, "socket", cfg.Get(config.KeySocketPath, "/tmp/terminal-remote.sock"), "proxy control socket path")
	rootCmd.Flags().StringVar(&relayURL, "relay", defaultRelayURL, "relay agent ingress URL")
	rootCmd.Flags().StringVar(&pairingBaseURL, "pairing-base-url", defaultPairingBase, "base URL used to build the pairing link shown alongside the code (derived from --relay if unset)")
	rootCmd.Flags().StringVar(&displayName, "name", cfg.Get(config.KeyAgentName, ""), "name shown to the relay for this agent (defaults to hostname)")
	rootCmd.Flags().BoolVar(&noQR, "no-qr", false, "skip printing a QR code for the pairing link")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(socketPath, relayURL, pairingBaseURL, displayName string, noQR bool) error {
	server := agentserver.NewServer(winclose.New())
	if err := server.Start(socketPath); err != nil {
		return fmt.Errorf("agent: start: %w", err)
	}

	client := relaylink.New(relayURL, displayName, relaylink.Callbacks{
		OnInput: func(sessionID string, data []byte) {
			server.Enqueue(agentserver.Write{SessionID: sessionID, Data: data})
		},
		OnResize: func(sessionID string, cols, rows uint16) {
			server.Enqueue(agentserver.ResizeSession{SessionID: sessionID, Cols: cols, Rows: rows})
		},
		OnKill: func(sessionID string) {
			server.Enqueue(agentserver.KillSession{SessionID: sessionID})
		},
	})
	go client.Run()
	go announcePairing(client, pairingBaseURL, noQR, displayName)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Printf("agent: shutting down")
		server.Enqueue(agentserver.Shutdown{})
		server.Stop()
		client.Close()
		os.Exit(0)
	}()

	events := server.Events()
	for {
		ev, ok := events.Next()
		if !ok {
			return nil
		}
		switch e := ev.(type) {
		case agentserver.Attached:
			log.Printf("agent: session %s (%s) attached", e.SessionID, e.Name)
		case agentserver.Detached:
			client.NotifySessionEnded(e.SessionID)
		case agentserver.Output:
			client.SendOutput(e.SessionID, e.Data)
		case agentserver.Resize:
			client.SendResize(e.SessionID, e.Cols, e.Rows)
		}
	}
}

// announcePairing waits for the relay to assign this agent's one session
// code, then prints the pairing link (and QR code) once for the agent's
// whole lifetime, not per shell session.
func announcePairing(client *relaylink.Client, pairingBaseURL string, noQR bool, displayName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	code, err := client.Code(ctx)
	if err != nil {
		log.Printf("agent: never received a pairing code: %v", err)
		return
	}

	link := fmt.Sprintf("%s/%s", pairingBaseURL, code)
	fmt.Printf("\nterminal-remote: pair %q with code %s\n  %s\n", displayName, code, link)
	if noQR {
		return
	}
	for _, line := range pairingqr.GenerateLines(link, 60, 30) {
		fmt.Println(line)
	}
}
