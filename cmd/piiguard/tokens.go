package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SamuelRCrider/pii-guard/core"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Work with the reversible token vault",
}

var tokensRevealCmd = &cobra.Command{
	Use:   "reveal [file]",
	Short: "Replace vault tokens in a file or stdin with their original values",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}

		return withRuntime(cmd, func(rt *runtime) error {
			fmt.Fprintln(cmd.OutOrStdout(), rt.guard.Detokenize(cmd.Context(), strings.TrimRight(string(data), "\n")))
			return nil
		})
	},
}

var tokensRevokeCmd = &cobra.Command{
	Use:   "revoke <token>...",
	Short: "Delete tokens so they can no longer be revealed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *runtime) error {
			for _, token := range args {
				if err := rt.guard.Tokens().Revoke(cmd.Context(), token); err != nil {
					return fmt.Errorf("revoke %s: %w", token, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Token %s revoked.\n", token)
			}
			return nil
		})
	},
}

var tokensPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired tokens from the vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd, func(rt *runtime) error {
			n, err := rt.guard.Tokens().PurgeExpired(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired token(s).\n", n)
			return nil
		})
	},
}

var tokensKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new base64 vault key for " + core.VaultKeyEnv,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := core.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

func init() {
	tokensCmd.AddCommand(tokensRevealCmd, tokensRevokeCmd, tokensPurgeCmd, tokensKeygenCmd)
	rootCmd.AddCommand(tokensCmd)
}
