package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SamuelRCrider/pii-guard/core"
)

var classifyCmd = &cobra.Command{
	Use:   "classify [file]",
	Short: "Assign a classification level to a file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		isHTML, _ := cmd.Flags().GetBool("html")

		text := string(data)
		if isHTML {
			text = core.ExtractText(text)
		}

		return withRuntime(cmd, func(rt *runtime) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			level := rt.guard.Classify(ctx, text)
			switch label := core.LabelFor(level); {
			case level == nil:
				fmt.Fprintln(out, "Classification: none")
			case label == "":
				fmt.Fprintf(out, "Classification: %s (rank %d)\n", level.Name, level.Rank)
			default:
				fmt.Fprintf(out, "Classification: %s (rank %d, label %s)\n", level.Name, level.Rank, label)
			}

			if user != "" {
				clearance := rt.guard.UserClearance(ctx, user)
				verdict := "denied"
				if core.CanAccess(clearance, level) {
					verdict = "allowed"
				}
				name := "none"
				if clearance != nil {
					name = clearance.Name
				}
				fmt.Fprintf(out, "User %s: clearance %s, access %s\n", user, name, verdict)
			}
			return nil
		})
	},
}

func init() {
	classifyCmd.Flags().String("user", "", "Also check whether this user may view the content")
	classifyCmd.Flags().Bool("html", false, "Treat input as HTML and classify its text")
	rootCmd.AddCommand(classifyCmd)
}
