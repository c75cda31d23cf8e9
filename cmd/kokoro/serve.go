package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kokoro/common/version"
	"github.com/bdobrica/kokoro/internal/kokoro/app"
)

const serveLongDesc string = `Run the Kokoro server: memory API, persona catalogue, initiative push
channel and idle sweeper.

Configuration is read from KOKORO_* environment variables, for example
KOKORO_HTTP_ADDR, KOKORO_DATABASE_PATH and KOKORO_LLM_API_KEY.`

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Kokoro server",
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadServerConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				config.HTTPAddr = addr
			}
			config.Logger = slog.Default()

			slog.Info("starting kokoro", "version", version.Info())

			kokoro, err := app.New(config)
			if err != nil {
				return fmt.Errorf("failed to initialize kokoro: %w", err)
			}
			defer kokoro.Stop()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return kokoro.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address (overrides KOKORO_HTTP_ADDR)")
	return cmd
}
