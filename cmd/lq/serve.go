package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/livequery/internal/realtime"
	"github.com/mschirtzinger/livequery/internal/tree"
	"github.com/mschirtzinger/livequery/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "advanced",
	Short:   "Serve the tree store over WebSocket",
	Long: `Start a WebSocket server for the local tree store.

Clients send JSON requests and receive replies with the same id:
- get, subscribe, unsubscribe: read or stream a location
- set, push, remove: write a location
Subscriptions stream a snapshot message for every change.

Example usage:
  lq serve                      # Start on default port 8080
  lq serve --port 9000          # Start on custom port
  lq --remote ws://localhost:9000/ws watch /audit/123 --array

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := tree.OpenWithConfig(cfg.Tree.Path, &tree.Config{Logger: logs.New("tree")})
		if err != nil {
			return err
		}
		defer store.Close()

		server := realtime.NewServer(store, &realtime.Config{
			Port:   cfg.Server.Port,
			Logger: logs.New("realtime"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Realtime server started on http://%s\n", ui.RenderPass("✓"), server.GetAddr())
		fmt.Fprintf(out, "WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Fprintf(out, "Health check: http://%s/health\n", server.GetAddr())
		fmt.Fprintln(out, "\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Fprintln(out, "\nShutting down realtime server...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("error during shutdown: %w", err)
		}

		fmt.Fprintln(out, "Realtime server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
