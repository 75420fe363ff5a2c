package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"desklink/internal/bridge"
	"desklink/internal/devicecfg"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		socketPath string
	)

	cmd := &cobra.Command{
		Use:          "desklink-executor",
		Short:        "Run remote-control commands for the paired owner",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.Default()

			// The owner is re-read on every command so re-pairing takes effect
			// without a restart.
			owner := func() (string, error) {
				cfg, err := devicecfg.Load(configPath)
				if os.IsNotExist(err) {
					return "", nil
				}
				if err != nil {
					return "", err
				}
				return cfg.OwnerID, nil
			}

			if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
				return err
			}
			ln, err := bridge.Listen(socketPath)
			if err != nil {
				return err
			}
			defer os.Remove(socketPath)

			srv := bridge.NewServer(owner, bridge.LogController{Logger: logger}, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Printf("executor: listening on %s", socketPath)
			err = srv.Serve(ctx, ln)
			logger.Printf("executor: stopped")
			return err
		},
	}

	cmd.Flags().StringVar(&configPath, "config", devicecfg.DefaultPath(), "path to the agent config file")
	cmd.Flags().StringVar(&socketPath, "socket", bridge.DefaultSocketPath(), "unix socket to listen on")
	return cmd
}
