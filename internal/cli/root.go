// Package cli implements the nolan command line. Commands that change
// state go through the daemon's HTTP API; listings read the files under
// $NOLAN_HOME directly so they work while the daemon is down.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/buildinfo"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/debug"
)

var rootCmd = &cobra.Command{
	Use:   "nolan",
	Short: "Schedule, run and chain headless AI agent sessions",
	Long: `nolan runs AI coding agents as detached sessions on cron schedules,
on demand or on named events, survives its own restarts, and chains
implementer, analyzer, qa and merger agents into pipelines.

Getting started:
  nolan serve                        Start the daemon
  nolan agents                       List configured agents
  nolan trigger scanner --wait       Run an agent now
  nolan pipeline create "Add export" Start an idea pipeline
  nolan watch                        Follow runs live`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging under $NOLAN_HOME/logs")
	rootCmd.PersistentFlags().String("home", "", "nolan home directory (default $NOLAN_HOME or ~/.nolan)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if home, _ := cmd.Flags().GetString("home"); home != "" {
			abs, err := filepath.Abs(home)
			if err != nil {
				return err
			}
			if err := os.Setenv(config.EnvHome, abs); err != nil {
				return err
			}
		}
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init(logsDir())
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s logging to %s\n", styled(dimStyle, "[debug]"), logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "nolan starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"pid", os.Getpid(),
			"command", cmd.CommandPath(),
			"args", args,
		)
		return nil
	}
}

func logsDir() string {
	return filepath.Join(config.Home(), "logs")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintln(os.Stderr, styled(errorStyle, "Error: "+describeError(err)))
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
