package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	piiguard "github.com/SamuelRCrider/pii-guard"
	"github.com/SamuelRCrider/pii-guard/core"
	"github.com/SamuelRCrider/pii-guard/utils"
)

var scanCmd = &cobra.Command{
	Use:   "scan [file]",
	Short: "Detect PII in a file or stdin",
	Long: "Detect PII in a file (or stdin when no file is given).\n\n" +
		"With --page-id the input is treated as a page body: it is debounced,\n" +
		"classified and an incident is recorded when PII is found.",
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

var scanBatchCmd = &cobra.Command{
	Use:   "scan-batch [file]",
	Short: "Scan a JSON array of documents and print per-page hits",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args)
		if err != nil {
			return err
		}

		var docs []piiguard.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return fmt.Errorf("parse documents: %w", err)
		}

		return withRuntime(cmd, func(rt *runtime) error {
			res, err := rt.guard.ScanBatch(cmd.Context(), docs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

func init() {
	f := scanCmd.Flags()
	f.StringSlice("types", nil, "PII types to detect (default: stored settings)")
	f.Bool("redact", false, "Print the input with PII replaced")
	f.Bool("mask", false, "Mask values instead of replacing them (implies --redact)")
	f.Bool("tokenize", false, "Replace PII with reversible vault tokens")
	f.Bool("json", false, "Print findings as JSON")
	f.Bool("html", false, "Treat input as HTML and scan its text")
	f.String("page-id", "", "Run the page pipeline and record incidents under this id")
	f.String("title", "", "Page title recorded with incidents")
	f.String("space", "", "Space key recorded with incidents")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(scanBatchCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	input := string(data)

	flags := cmd.Flags()
	types, _ := flags.GetStringSlice("types")
	redact, _ := flags.GetBool("redact")
	mask, _ := flags.GetBool("mask")
	tokenize, _ := flags.GetBool("tokenize")
	asJSON, _ := flags.GetBool("json")
	isHTML, _ := flags.GetBool("html")
	pageID, _ := flags.GetString("page-id")

	return withRuntime(cmd, func(rt *runtime) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if pageID != "" {
			title, _ := flags.GetString("title")
			space, _ := flags.GetString("space")
			res, err := rt.guard.ScanPage(ctx, piiguard.Document{ID: pageID, Title: title, SpaceKey: space, Body: input})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(out, res)
			}
			printScanResult(out, res)
			return nil
		}

		if isHTML {
			input = core.ExtractText(input)
		}

		if tokenize {
			text, _, err := rt.guard.Tokenize(ctx, input)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, text)
			return nil
		}

		if redact || mask {
			text, _ := rt.guard.Redact(ctx, input, mask)
			fmt.Fprintln(out, text)
			return nil
		}

		var findings []utils.AggregatedFinding
		if len(types) > 0 {
			cfg := core.ConfigFromTypes(types...)
			findings = rt.guard.DetectWith(input, &cfg)
		} else {
			findings = rt.guard.Detect(ctx, input)
		}

		if asJSON {
			return printJSON(out, findings)
		}
		printFindings(out, findings)
		return nil
	})
}

func printFindings(w io.Writer, findings []utils.AggregatedFinding) {
	if len(findings) == 0 {
		fmt.Fprintln(w, "No PII found.")
		return
	}
	fmt.Fprintf(w, "Found %d match(es):\n", utils.TotalCount(findings))
	for _, f := range findings {
		fmt.Fprintf(w, "  %-16s %d  %s\n", f.Type, f.Count, strings.Join(f.Matches, ", "))
	}
}

func printScanResult(w io.Writer, res piiguard.ScanResult) {
	if res.Skipped {
		fmt.Fprintf(w, "Page %s was scanned moments ago; skipped.\n", res.DocumentID)
		return
	}
	printFindings(w, res.Findings)
	if res.Classification != nil {
		fmt.Fprintf(w, "Classification: %s (%s)\n", res.Classification.Name, res.Label)
	}
	if res.IncidentID != "" {
		fmt.Fprintf(w, "Incident: %s [%s]\n", res.IncidentID, res.Status)
	}
}

// readInput reads the named file, or stdin when no file is given.
func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args[0], err)
	}
	return data, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
