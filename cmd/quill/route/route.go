package route

import (
	"context"
	"fmt"
	"strings"

	"quill/cmd/quill/cli"
	"quill/internal/router"

	"github.com/spf13/cobra"
)

var (
	role     string
	hasTools bool
)

var Cmd = &cobra.Command{
	Use:   "route [message]",
	Short: "Show which provider and model a request would use",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := cli.Open(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		rt, err := a.Router()
		if err != nil {
			return err
		}

		r := router.Role(role)
		if r == "" {
			if len(args) == 0 {
				return fmt.Errorf("pass a message to classify or --role")
			}
			r = router.Classify(strings.Join(args, " "), hasTools)
		}
		route := rt.Select(r)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "role:     %s\n", r)
		if !rt.Has(r) {
			fmt.Fprintf(out, "fallback: %s\n", rt.Default())
		}
		fmt.Fprintf(out, "provider: %s\n", route.Provider)
		fmt.Fprintf(out, "model:    %s\n", orDefault(route.Model))
		if route.Params.Temperature != nil {
			fmt.Fprintf(out, "temperature: %v\n", *route.Params.Temperature)
		}
		if route.Params.MaxTokens > 0 {
			fmt.Fprintf(out, "max_tokens: %d\n", route.Params.MaxTokens)
		}
		return nil
	},
}

func orDefault(model string) string {
	if model == "" {
		return "(provider default)"
	}
	return model
}

func init() {
	Cmd.Flags().StringVarP(&role, "role", "r", "", "select this role instead of classifying the message")
	Cmd.Flags().BoolVar(&hasTools, "tools", false, "classify as if the request offers tools")
}
