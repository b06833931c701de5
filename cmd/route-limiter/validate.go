package main

import (
	"fmt"

	"github.com/jassus213/go-route-limiter/ruleset"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <rules.yaml>",
	Short: "Validate a rule file",
	Long: `Load a rule file, apply ROUTELIMIT_<NAME>_* overrides and check every rule.

Examples:
  route-limiter validate rules.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: validateRules,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateRules(cmd *cobra.Command, args []string) error {
	rules, err := ruleset.LoadWithEnvOverrides(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, rule := range rules {
		fmt.Fprintf(out, "%3d  %s", i, rule)
		if rule.Description != "" {
			fmt.Fprintf(out, "  # %s", rule.Description)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintf(out, "✓ %d rules valid\n", len(rules))
	return nil
}
