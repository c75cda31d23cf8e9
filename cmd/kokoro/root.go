package main

import (
	"github.com/spf13/cobra"

	"github.com/bdobrica/kokoro/common/environment"
	"github.com/bdobrica/kokoro/internal/kokoro/observability"
)

const rootLongDesc string = `Kokoro keeps the memory of companion conversations.

Run the server with:
  kokoro serve

Talk to a companion from the terminal with:
  kokoro chat --character aiko --user asha`

const rootShortDesc string = "Kokoro - companion memory and context"

// env reads every KOKORO_* variable.
var env = environment.New("KOKORO")

func newRootCmd() *cobra.Command {
	var level, format string

	cmd := &cobra.Command{
		Use:          "kokoro",
		Short:        rootShortDesc,
		Long:         rootLongDesc,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			observability.Setup(level, format)
		},
	}

	cmd.PersistentFlags().StringVar(&level, "log-level", env.String("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&format, "log-format", env.String("LOG_FORMAT", "text"), "Log format (text or json)")

	cmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newMemoryCmd(),
		newPersonasCmd(),
		newVersionCmd(),
	)
	return cmd
}
