package main

import (
	"fmt"
	"net/http"
	"time"

	ratelimiter "github.com/jassus213/go-route-limiter"
	"github.com/jassus213/go-route-limiter/ruleset"
	"github.com/spf13/cobra"
)

var checkFlags struct {
	identity string
	ip       string
}

var checkCmd = &cobra.Command{
	Use:   "check <rules.yaml> <path>",
	Short: "Show which rule covers a request path",
	Long: `Resolve the rule for a path and print the counter key it would use.

Examples:
  route-limiter check rules.yaml /api/auth/login
  route-limiter check rules.yaml /api/search --identity alice`,
	Args: cobra.ExactArgs(2),
	RunE: checkPath,
}

func init() {
	rootCmd.AddCommand(checkCmd)

	checkCmd.Flags().StringVar(&checkFlags.identity, "identity", "", "authenticated user id")
	checkCmd.Flags().StringVar(&checkFlags.ip, "ip", "", "client address, sent as X-Forwarded-For")
}

func checkPath(cmd *cobra.Command, args []string) error {
	rules, err := ruleset.LoadWithEnvOverrides(args[0])
	if err != nil {
		return err
	}
	registry, err := ratelimiter.NewRegistry(rules...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	path := args[1]
	rule, ok := registry.Match(path)
	if !ok {
		fmt.Fprintf(out, "%s: no rule matches, requests are not limited\n", path)
		return nil
	}

	header := http.Header{}
	if checkFlags.ip != "" {
		header.Set(ratelimiter.HeaderForwardedFor, checkFlags.ip)
	}
	req := ratelimiter.Request{Path: path, Header: header, Identity: checkFlags.identity}
	key := ratelimiter.KeyGenerator{}.Key(req, rule)
	start := ratelimiter.WindowStart(time.Now(), rule.Config.Window)

	fmt.Fprintf(out, "%s: %s\n", path, rule)
	if rule.Description != "" {
		fmt.Fprintf(out, "  description: %s\n", rule.Description)
	}
	fmt.Fprintf(out, "  key:         %s\n", ratelimiter.WindowKey(key, start))
	fmt.Fprintf(out, "  resets at:   %s\n", start.Add(rule.Config.Window).UTC().Format(time.RFC3339))
	return nil
}
