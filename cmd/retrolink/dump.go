package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/retrolinker/retrolinker/internal/flatfmt"
	"github.com/retrolinker/retrolinker/internal/linkerr"
)

// newDumpCommand implements a minimal structural dump of a flat object
// file: section and symbol tables only. A full hex-dumper and pretty
// printer for every historical format is out of scope (spec.md §11
// carries it as an interface contract, not a feature).
func newDumpCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print a flat object file's section and symbol tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runDump(opts, args[0])
		},
	}
	return cmd
}

func runDump(opts *rootOptions, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return linkerr.Wrap(linkerr.KindIoError, "opening input file", err)
	}
	defer f.Close()

	r := flatfmt.NewReader()
	if err := r.ReadFile(f); err != nil {
		return err
	}

	summary, err := r.Summarize()
	if err != nil {
		return err
	}

	fmt.Println(summary)
	return nil
}
