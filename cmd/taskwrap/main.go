// Package main is the entry point for the taskwrap execution agent.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/szaher/taskwrap/internal/config"
	"github.com/szaher/taskwrap/internal/telemetry"
)

// Version information set at build time.
var version = "0.4.0"

// Global flags.
var (
	verbose bool
	logJSON bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "taskwrap",
		Short: "Supervise a command and report its lifecycle to the control plane",
		Long: `taskwrap wraps the execution of a command: it resolves the
environment the command needs (including secrets from external
stores), launches and supervises it, and reports Task Execution
lifecycle to the remote control plane.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", true, "Log as JSON")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newResolveCmd())

	return root
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if logJSON {
		return telemetry.NewLogger(os.Stderr, level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("taskwrap %s\n", version)
		},
	}
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(config.ExitConfigError)
	}
}
