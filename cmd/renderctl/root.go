package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type commandContext struct {
	server  string
	token   string
	jsonOut bool
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.server, c.token)
}

// emit prints v as indented JSON when --json is set and reports whether it did.
func (c *commandContext) emit(w io.Writer, v any) (bool, error) {
	if !c.jsonOut {
		return false, nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return true, enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "renderctl",
		Short:         "Submit and follow slide-deck render jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&ctx.server, "server", envOr("RENDER_API_URL", "http://localhost:8000"), "Render API base URL")
	rootCmd.PersistentFlags().StringVar(&ctx.token, "token", os.Getenv("RENDER_API_TOKEN"), "Bearer token")
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOut, "json", false, "Print raw JSON")

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newStatsCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newTokenCommand())

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
