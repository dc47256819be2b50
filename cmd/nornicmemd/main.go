// Command nornicmemd is the episodic-memory daemon's entry point: a cobra
// CLI wiring config, logging, the five domain stores, Quad-Fusion Search,
// and the JSON-RPC IPC server together, then blocking until a shutdown
// signal arrives.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nornicmemd",
		Short: "nornicmemd - episodic-memory and knowledge-retrieval daemon",
		Long: `nornicmemd is the episodic-memory and knowledge-retrieval daemon.

It exposes the Episode, Hypergraph, Vector, Pattern, and Quad-Fusion Search
stores over a newline-delimited JSON-RPC 2.0 Unix domain socket.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nornicmemd v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the nornicmemd server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Dial the running daemon's socket and report health.status",
		RunE:  runHealthcheck,
	}
	healthCmd.Flags().String("socket", "", "Unix socket path (defaults to NORNICMEM_SOCKET_PATH)")
	healthCmd.Flags().Duration("timeout", 0, "Dial/round-trip timeout (default 3s)")
	rootCmd.AddCommand(healthCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
