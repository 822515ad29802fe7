// Command relay runs the fan-out relay server: it accepts one WebSocket
// connection per agent at /ws/agent, mints a session code for it, and
// streams that session's output to any number of browsers that connect
// to /ws/browser?code=XXXXX.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/terminal-remote/terminal-remote/internal/relay"
)

var version = "dev"

func main() {
	var addr string

	rootCmd := &cobra.Command{
		Use:     "relay",
		Short:   "Run the terminal-remote fan-out relay",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr)
		},
	}
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(addr string) error {
	state := relay.NewState()
	mux := http.NewServeMux()
	relay.NewIngress(state).Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "sessions: %d\n", state.SessionCount())
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming connections are long-lived
	}

	log.Printf("relay: listening on %s", addr)
	return srv.ListenAndServe()
}
