// SPDX-License-Identifier: Apache-2.0

// Package cmd wires the cobra command tree for zeitgitterd, grounded on
// gittuf's internal/cmd/root pattern: the "serve" subcommand's
// --verbose/--no-color flags drive log/slog setup in its PersistentPreRunE,
// and the "serve" subcommand
// composes every boot-time component into one running daemon.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/zeitgitter/zeitgitterd/internal/boot"
	"github.com/zeitgitter/zeitgitterd/internal/config"
	"github.com/zeitgitter/zeitgitterd/internal/logcolor"
	"github.com/zeitgitter/zeitgitterd/internal/version"
)

func New() *cobra.Command {
	root := &cobra.Command{
		Use: "zeitgitterd",
		Short: "A decentralized Git-based timestamping service",
		SilenceUsage: true,
		DisableAutoGenTag: true,
	}

	serve := &cobra.Command{
		Use: "serve",
		Short: "Run the timestamping service",
	}
	flags := config.AddFlags(serve)
	serve.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")
		noColor, _ := cmd.Flags().GetBool("no-color")
		setupLogging(verbose, noColor)
		return nil
	}
	serve.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := flags.Resolve(cmd)
		if err != nil {
			return fmt.Errorf("configuration: %w", err)
		}
		slog.Default().Info("zeitgitterd starting", "version", version.GetVersion())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return boot.Run(ctx, cfg)
	}

	root.AddCommand(serve)
	root.AddCommand(&cobra.Command{
		Use: "version",
		Short: "Print the zeitgitterd version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.GetVersion())
			return err
		},
	})
	return root
}

// setupLogging configures the default slog logger the way gittuf's root
// command does: a text handler on stderr, level gated by --verbose, color
// gated by --no-color and whether stderr is actually a terminal. GnuPG's own
// diagnostics go to stderr too, so log output never goes to stdout.
func setupLogging(verbose, noColor bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	isTerminal := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	handler := slog.Handler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if isTerminal && !noColor {
		handler = logcolor.NewHandler(os.Stderr, level)
	}
	slog.SetDefault(slog.New(handler))
}
