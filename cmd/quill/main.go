package main

import (
	"os"

	"quill/cmd/quill/cli"
	"quill/cmd/quill/pipeline"
	"quill/cmd/quill/route"
	"quill/cmd/quill/run"
	"quill/cmd/quill/serve"
	"quill/cmd/quill/setup"
	"quill/internal/logger"

	"github.com/spf13/cobra"
)

func main() {
	logger.Init("")
	rootCmd := &cobra.Command{
		Use:          "quill",
		Short:        "Quill is an agentic coding engine",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cli.ConfigPath, "config", "c", "", "config file (.toml or .yaml)")
	rootCmd.PersistentFlags().StringVar(&cli.LogLevel, "log-level", "", "debug, info, warn or error")

	rootCmd.AddCommand(setup.Cmd)
	rootCmd.AddCommand(run.Cmd)
	rootCmd.AddCommand(pipeline.Cmd)
	rootCmd.AddCommand(route.Cmd)
	rootCmd.AddCommand(serve.Cmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
