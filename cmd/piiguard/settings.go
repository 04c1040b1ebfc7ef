package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	piiguard "github.com/SamuelRCrider/pii-guard"
	"github.com/SamuelRCrider/pii-guard/core"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change detection and classification settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		return withRuntime(cmd, func(rt *runtime) error {
			settings := rt.guard.Settings().Get(cmd.Context())
			if asJSON {
				return printJSON(cmd.OutOrStdout(), settings)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(settings); err != nil {
				return fmt.Errorf("encode settings: %w", err)
			}
			return enc.Close()
		})
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key=value>...",
	Short: "Change settings, e.g. `settings set email=false enableQuarantine=true`",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := parseAssignments(args)
		if err != nil {
			return err
		}

		return withRuntime(cmd, func(rt *runtime) error {
			saved, err := rt.guard.Settings().Save(cmd.Context(), patch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings saved (quarantine %t).\n", saved.EnableQuarantine)
			return nil
		})
	},
}

var settingsExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Write the current settings as a versioned YAML ruleset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, _ := cmd.Flags().GetString("version")
		author, _ := cmd.Flags().GetString("author")

		return withRuntime(cmd, func(rt *runtime) error {
			ruleset := core.RulesetFromSettings(rt.guard.Settings().Get(cmd.Context()), version)
			ruleset.Metadata.Author = author
			if err := core.SaveRuleset(ruleset, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ruleset %s written to %s (hash %s).\n", version, args[0], ruleset.Metadata.Hash[:12])
			return nil
		})
	},
}

var settingsImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Replace settings with a YAML ruleset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ruleset, err := core.LoadRuleset(args[0])
		if err != nil {
			return err
		}

		return withRuntime(cmd, func(rt *runtime) error {
			if _, err := rt.guard.Settings().Save(cmd.Context(), ruleset.Settings().Stored()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported ruleset %s with %d level(s).\n", ruleset.Metadata.Version, len(ruleset.Levels))
			return nil
		})
	},
}

// parseAssignments turns key=value pairs into a settings patch. Keys are the
// PII type ids plus enableQuarantine.
func parseAssignments(args []string) (core.StoredSettings, error) {
	var patch core.StoredSettings
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return patch, fmt.Errorf("expected key=value, got %q", arg)
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return patch, fmt.Errorf("%s: expected true or false, got %q", key, raw)
		}

		if strings.EqualFold(key, "enableQuarantine") {
			patch.EnableQuarantine = &value
			continue
		}
		if !patch.SetType(core.PIIType(key), value) {
			return patch, fmt.Errorf("unknown setting %q", key)
		}
	}
	return patch, nil
}

func init() {
	settingsShowCmd.Flags().Bool("json", false, "Print settings as JSON")
	settingsExportCmd.Flags().String("version", piiguard.Version, "Ruleset version")
	settingsExportCmd.Flags().String("author", "", "Ruleset author")

	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsExportCmd, settingsImportCmd)
	rootCmd.AddCommand(settingsCmd)
}
