package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/rcourtman/clipboard-relay/internal/config"
	"github.com/rcourtman/clipboard-relay/internal/server"
)

// Version information, set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "clipboard-relay",
	Short:   "Stateless real-time clipboard relay",
	Long:    "clipboard-relay forwards end-to-end encrypted clipboard envelopes between connected devices over WebSocket. It never decrypts, persists, or orders messages across senders.",
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clipboard-relay %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP/WebSocket listener",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var mountPeers bool

func init() {
	serveCmd.Flags().BoolVar(&mountPeers, "mount-peers-endpoint", false,
		"expose a minimal GET /peers admin endpoint (not required by the core relay)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := config.Load()
	log.Info().Msg("starting clipboard relay")

	srv := server.New(cfg)
	srv.MountPeersEndpoint = mountPeers

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, srv); err != nil {
		log.Fatal().Err(err).Msg("relay exited with error")
	}
	log.Info().Msg("relay stopped")
}
