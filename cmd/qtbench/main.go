// Package main is the CLI entry point for QTBench.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/whhaicheng/QTBench/internal/app/usecase"
	"github.com/whhaicheng/QTBench/internal/domain/config"
	"github.com/whhaicheng/QTBench/internal/infra/configfile"
)

// Version is set at build time.
var Version = "dev"

const (
	exitError     = 1
	exitInterrupt = 130
)

// app carries what every command shares.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
	closeLog   func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{}
	err := newRootCommand(a).ExecuteContext(ctx)
	stop()
	if a.closeLog != nil {
		a.closeLog()
	}

	switch {
	case errors.Is(err, usecase.ErrInterrupted):
		fmt.Fprintln(os.Stderr, "Interrupted")
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, usecase.ErrInterrupted):
		return exitInterrupt
	default:
		return exitError
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "qtbench",
		Short:         "Run benchmark queries through a query service",
		Long:          "QTBench submits benchmark queries one at a time, tracks each one to a terminal state or timeout, and records artifacts.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default ~/.qtbench/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newRunCommand(a))
	root.AddCommand(newHistoryCommand(a))
	root.AddCommand(newShowCommand(a))
	root.AddCommand(newTokenCommand(a))
	root.AddCommand(newVersionCommand())

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nSee '%s --help'", err, cmd.CommandPath())
	})
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := configfile.NewLoader(a.configPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Advanced.LogLevel = a.logLevel
	}
	if err := cfg.Advanced.Validate(); err != nil {
		return err
	}

	closeLog, err := setupLogging(cmd.ErrOrStderr(), cfg.Advanced)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.closeLog = closeLog
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		// Works without a readable config.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "qtbench %s\n", Version)
			return nil
		},
	}
}
