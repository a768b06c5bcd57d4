package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/retrolinker/retrolinker/internal/config"
	"github.com/retrolinker/retrolinker/internal/diag"
)

// rootOptions carries the state every subcommand needs: the merged
// configuration (project file plus, later, per-flag overrides) and the
// diagnostic channel every pipeline stage reports through.
type rootOptions struct {
	cfg        *config.LinkConfig
	configPath string
	diagChan   *diag.Channel

	// exitNonZero is set by a subcommand that completed without a fatal
	// error but still accumulated reportable diagnostics (spec.md §7:
	// "non-zero exit at end").
	exitNonZero bool
}

func newRootCommandWithOptions(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "retrolink",
		Short:         "A multi-format object-file linker and executable dumper",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			opts.cfg = cfg

			diagOpts := []diag.Option{}
			if cfg.LogFile != "" {
				f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				diagOpts = append(diagOpts, diag.WithLogFile(f))
			}
			opts.diagChan = diag.New(diagOpts...)

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to an optional project config file")

	cmd.AddCommand(newLinkCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))

	return cmd
}

// Execute runs the retrolink CLI and returns the process exit code:
// 0 on success, non-zero with a diagnostic written to stderr otherwise
// (spec.md §6).
func Execute() int {
	opts := &rootOptions{}
	cmd := newRootCommandWithOptions(opts)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	if opts.exitNonZero {
		return 1
	}
	return 0
}
