package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "piiguard",
	Short: "PII detection and classification for wiki content",
	Long: "piiguard detects personal data in documents, assigns classification levels,\n" +
		"tracks incidents and serves the engine over MCP or HTTP.",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Config file (default ~/.piiguard/config.yaml)")
	flags.String("store", "", "Store: memory, sqlite:<path> or postgres://... URL")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Log as JSON")
	flags.String("audit-file", "", "Append audit events to this JSONL file")
	flags.String("audit-level", "", "Audit verbosity (minimal, standard, verbose)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRuntime opens a runtime for the duration of fn.
func withRuntime(cmd *cobra.Command, fn func(rt *runtime) error) (err error) {
	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(rt)
}
