package setup

import (
	"fmt"

	"quill/cmd/quill/cli"
	"quill/internal/config"

	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"setup"},
	Short:   "Write a default configuration file",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cli.ConfigPath
		if path == "" {
			path = config.DefaultPath()
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
		return nil
	},
}
