package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/raaihank/egress-sentinel/internal/dlp"
	"github.com/raaihank/egress-sentinel/internal/policy"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default allow-list and secret rules",
	Long: `Writes trusted_domains.txt and gitleaks.toml into the config directory.
Existing files are left untouched.`,
	RunE: runInit,
}

var initConfigDir string

func init() {
	initCmd.Flags().StringVar(&initConfigDir, "config-dir", defaultConfigDir(), "Directory to write the defaults into")
}

func runInit(cmd *cobra.Command, args []string) error {
	whitelist, err := policy.CreateDefault(initConfigDir)
	if err != nil {
		return err
	}
	rules, err := dlp.CreateDefaultRules(initConfigDir)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Allow-list: %s\n", whitelist)
	fmt.Fprintf(cmd.OutOrStdout(), "Rules:      %s\n", rules)
	return nil
}
