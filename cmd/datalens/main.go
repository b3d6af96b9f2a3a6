package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "datalens:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "datalens",
		Short:         "Ask questions about tabular data and get answers with charts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("DATALENS_CONFIG"), "path to datalens.toml")

	root.AddCommand(
		newServeCmd(&configPath),
		newAskCmd(&configPath),
		newReplayCmd(&configPath),
	)
	return root
}
