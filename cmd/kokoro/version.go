package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kokoro/common/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Kokoro\nVersion: %s\nCommit: %s\nBuild Time: %s\n",
				version.Version, version.GitCommit, version.BuildTime)
		},
	}
}
