package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vesper-app/vesper/core/engine"
	"github.com/vesper-app/vesper/core/secret"
	"github.com/vesper-app/vesper/server"
)

// serveCmd runs the engine and its HTTP command layer.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tunnel engine and its command API",
	Long: `Run the tunnel engine with the HTTP command layer the desktop UI
talks to. The catalog is loaded from the data directory and the health
monitor starts immediately.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind address (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveHost != "" {
		config.Server.Host = serveHost
	}
	if servePort != 0 {
		config.Server.Port = servePort
	}

	var secrets secret.Store
	if config.Storage.UseKeyring {
		secrets = secret.NewKeyringStore()
	}

	eng := engine.New(config, secrets, logger)
	if err := eng.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	srv := server.NewServer(config.Server, eng, logger)
	return srv.Start()
}
