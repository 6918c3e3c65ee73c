package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/raaihank/egress-sentinel/internal/audit"
	"github.com/raaihank/egress-sentinel/internal/dlp"
	"github.com/raaihank/egress-sentinel/internal/logger"
)

var errFindings = errors.New("secrets or personal data found")

var scanCmd = &cobra.Command{
	Use:   "scan [file...]",
	Short: "Scan files for secrets and personal data",
	Long: `Scans each file, or stdin when no file or "-" is given, with the same
patterns the proxy uses. Files of any size are scanned in overlapping
chunks. Only truncated summaries of each finding are printed.

Exits non-zero when anything is found.`,
	RunE: runScan,
}

var (
	scanRulesPath string
	scanRedact    bool
	scanJSON      bool
)

func init() {
	scanCmd.Flags().StringVar(&scanRulesPath, "rules", filepath.Join(defaultConfigDir(), dlp.DefaultRulesFile), "Path to the gitleaks-style secret rule file")
	scanCmd.Flags().BoolVar(&scanRedact, "redact", false, "Print the redacted content instead of findings")
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Output findings as JSON lines")
}

// scanReport is one JSON line of scan output
type scanReport struct {
	Source   string             `json:"source"`
	Bytes    int                `json:"bytes"`
	Findings []audit.ScrubEntry `json:"findings"`
}

func runScan(cmd *cobra.Command, args []string) error {
	registry := dlp.LoadRegistry(scanRulesPath, logger.NewNop())
	for _, w := range registry.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	scrubber := dlp.NewScrubber(registry)

	if len(args) == 0 {
		args = []string{"-"}
	}

	found := false
	for _, source := range args {
		text, err := readSource(cmd, source)
		if err != nil {
			return err
		}

		result := scrubber.ScrubLarge(text)
		if result.WasScrubbed() {
			found = true
		}
		if err := printScan(cmd.OutOrStdout(), source, len(text), result); err != nil {
			return err
		}
	}

	if found {
		return errFindings
	}
	return nil
}

func readSource(cmd *cobra.Command, source string) (string, error) {
	var data []byte
	var err error
	if source == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", source, err)
	}
	return string(data), nil
}

func printScan(w io.Writer, source string, size int, result dlp.ScrubResult) error {
	if scanRedact {
		_, err := io.WriteString(w, result.Text)
		return err
	}

	entries := audit.Summarize(result.Findings)
	if scanJSON {
		if entries == nil {
			entries = []audit.ScrubEntry{}
		}
		return json.NewEncoder(w).Encode(scanReport{Source: source, Bytes: size, Findings: entries})
	}

	if len(entries) == 0 {
		fmt.Fprintf(w, "%s: clean\n", source)
		return nil
	}
	fmt.Fprintf(w, "%s: %d finding(s)\n", source, len(entries))
	for i, e := range entries {
		f := result.Findings[i]
		fmt.Fprintf(w, "  %-24s %-6s bytes %d-%d  %s (%d chars)\n",
			e.Pattern, e.Category, f.Start, f.End, e.OriginalPrefix, e.OriginalLength)
	}
	return nil
}
