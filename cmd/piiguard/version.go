package main

import (
	"fmt"

	"github.com/spf13/cobra"

	piiguard "github.com/SamuelRCrider/pii-guard"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print piiguard version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "piiguard %s\n", piiguard.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
