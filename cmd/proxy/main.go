//go:build darwin || linux

// Command proxy wraps a shell in a PTY and mirrors it to the local
// terminal as normal, while also streaming a copy to the terminal-remote
// agent over a Unix domain socket so a paired browser can watch and type
// into the same session.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/terminal-remote/terminal-remote/internal/config"
	"github.com/terminal-remote/terminal-remote/internal/ptyproxy"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		cfg = config.Values{}
	}

	var shell string
	var socketPath string

	rootCmd := &cobra.Command{
		Use:     "proxy",
		Short:   "Run a shell under PTY interposition, mirrored to the terminal-remote agent",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ptyproxy.New(shell, socketPath)
			os.Exit(p.Run())
			return nil
		},
	}
	rootCmd.Flags().StringVar(&shell, "shell", cfg.Get(config.KeyShell, ""), "shell to run (defaults to $SHELL)")
	rootCmd.Flags().StringVar(&socketPath, "socket", cfg.Get(config.KeySocketPath, ptyproxy.DefaultSocketPath), "agent control socket path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
