package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const envPrefix = "ROUTELIMIT_"

var (
	envFile string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "route-limiter",
	Short: "Route-scoped admission control for HTTP endpoints",
	Long: `route-limiter applies fixed-window request limits per route and per caller.

Rules are read from a YAML file. Each rule matches paths by prefix or regular
expression; the rule with the longest matcher wins.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		return applyEnv(cmd.Flags())
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading ROUTELIMIT_* variables")
}

// applyEnv fills every flag not given on the command line from
// ROUTELIMIT_<FLAG_NAME>, e.g. --redis-addr from ROUTELIMIT_REDIS_ADDR.
func applyEnv(flags *pflag.FlagSet) error {
	var errs []error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		if val, ok := os.LookupEnv(name); ok {
			if err := flags.Set(f.Name, val); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
