package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/retrolinker/retrolinker/internal/collector"
	"github.com/retrolinker/retrolinker/internal/flatfmt"
	"github.com/retrolinker/retrolinker/internal/format"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/resolve"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

// linkOptions collects the flags of spec.md §6's CLI surface, ahead of
// being applied to the pipeline by runLink.
type linkOptions struct {
	formatName string
	outputPath string
	model      string
	scriptPath string
	prefixChar string

	scriptParams keyValueList
	formatOpts   keyValueList
	overrides    keyValueList
}

func newLinkCommand(opts *rootOptions) *cobra.Command {
	lo := &linkOptions{}

	cmd := &cobra.Command{
		Use:   "link <input...>",
		Short: "Merge object files and write a linked executable image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runLink(opts, lo, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&lo.formatName, "format", "F", "flat", "Output format")
	flags.StringVarP(&lo.outputPath, "output", "o", "", "Output path")
	flags.StringVarP(&lo.model, "model", "M", "", "Memory model (built-in layout script)")
	flags.StringVarP(&lo.scriptPath, "script", "T", "", "Linker script path (overrides --model)")
	flags.VarP(&lo.scriptParams, "param", "P", "Script parameter name=value, repeatable")
	flags.VarP(&lo.formatOpts, "set", "S", "Format option name[=value], repeatable")
	flags.VarP(&lo.overrides, "define", "d", "Symbol override name[=value] or name=segment:offset, repeatable")
	flags.StringVar(&lo.prefixChar, "prefix-char", "$", "Extended symbol-name prefix character")

	return cmd
}

func runLink(opts *rootOptions, lo *linkOptions, inputs []string) error {
	d := opts.diagChan
	opts.cfg.PrefixChar = lo.prefixChar

	outFormat, err := newOutputFormat(lo.formatName)
	if err != nil {
		return err
	}

	scriptParams, err := parseScriptParams(lo.scriptParams.entries)
	if err != nil {
		return linkerr.InvalidScriptParameter(err.Error())
	}

	switch {
	case lo.scriptPath != "":
		src, err := os.ReadFile(lo.scriptPath)
		if err != nil {
			return linkerr.Wrap(linkerr.KindIoError, "reading linker script", err)
		}
		if err := outFormat.SetLinkScript(src, scriptParams); err != nil {
			return err
		}
	case lo.model != "":
		if err := outFormat.SetModel(lo.model); err != nil {
			return err
		}
	}

	formatOpts := parseFormatOptions(lo.formatOpts.entries)
	if err := outFormat.SetOptions(formatOpts); err != nil {
		return err
	}

	overrides, err := parseOverrides(lo.overrides.entries)
	if err != nil {
		return linkerr.InvalidScriptParameter(err.Error())
	}

	merged := module.New(outputName(lo.outputPath, lo.formatName, outFormat))

	c := collector.New(func(e *linkerr.Error) { d.Warn(e) })
	if err := c.CollectFiles(context.Background(), inputs, neverLibrary, readFlatModule); err != nil {
		return err
	}
	if err := c.CombineInto(merged); err != nil {
		return err
	}
	if err := merged.AllocateCommons(); err != nil {
		return err
	}
	if err := applyOverrides(merged, overrides); err != nil {
		return err
	}

	got, err := resolve.BuildGOT(merged, wordSizeForCPU(merged.CPU))
	if err != nil {
		return err
	}

	layoutEngine, err := outFormat.Layout()
	if err != nil {
		return err
	}
	if err := layoutEngine.Run(merged); err != nil {
		return err
	}

	resolveEngine := resolve.New(outFormat.Capabilities(), lo.formatName, got)
	if err := resolveEngine.Resolve(merged, d); err != nil {
		return err
	}

	if err := outFormat.ProcessModule(merged); err != nil {
		return err
	}
	if err := outFormat.CalculateValues(); err != nil {
		return err
	}

	out, err := os.OpenFile(merged.FileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return linkerr.Wrap(linkerr.KindIoError, "opening output file", err)
	}
	defer out.Close()

	if err := outFormat.WriteFile(out); err != nil {
		return err
	}

	if d.ExitNonZero() {
		opts.exitNonZero = true
	}

	return nil
}

// neverLibrary treats every input as an ordinary object file: archive
// (library) input is a format this linker doesn't implement a reader for,
// so every module is unconditionally included (spec.md §4.6's is_library
// parameter always false here).
func neverLibrary(string) bool { return false }

func readFlatModule(_ context.Context, path string) (*module.Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, linkerr.Wrap(linkerr.KindIoError, "opening input file", err)
	}
	defer f.Close()

	r := flatfmt.NewReader()
	if err := r.ReadFile(f); err != nil {
		return nil, err
	}

	m := module.New(path)
	if err := r.GenerateModule(m); err != nil {
		return nil, err
	}
	return m, nil
}

func outputName(explicit, formatName string, f format.OutputFormat) string {
	if explicit != "" {
		return explicit
	}
	ext := format.GetDefaultExtension(f, formatName)
	return format.AppendDefaultExtension("a", ext)
}

func wordSizeForCPU(cpu module.CPU) int {
	if cpu == module.CPUX86_64 {
		return 8
	}
	return 4
}

func parseScriptParams(entries []string) (map[string]uint64, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make(map[string]uint64, len(entries))
	for _, e := range entries {
		name, value, hasValue := splitKeyValue(e)
		if !hasValue {
			return nil, fmt.Errorf("script parameter %q needs a value (-P name=value)", e)
		}
		n, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("script parameter %q: %w", e, err)
		}
		out[name] = n
	}
	return out, nil
}

func parseFormatOptions(entries []string) map[string]string {
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		name, value, hasValue := splitKeyValue(e)
		if !hasValue {
			value = "true"
		}
		out[name] = value
	}
	return out
}

// symbolOverride is a parsed "-d name[=value]" or "-d name=segment:offset"
// flag (spec.md §6), grounded on GNU ld's --defsym: it defines a symbol
// that the input modules did not, rather than forcibly replacing one that
// they did (so it shares the normal first-wins/duplicate rule once
// applied).
type symbolOverride struct {
	name    string
	segment string // empty for an absolute override
	value   uint64
}

func parseOverrides(entries []string) ([]symbolOverride, error) {
	out := make([]symbolOverride, 0, len(entries))
	for _, e := range entries {
		name, value, hasValue := splitKeyValue(e)
		if !hasValue {
			out = append(out, symbolOverride{name: name})
			continue
		}

		if segment, offset, ok := strings.Cut(value, ":"); ok {
			off, err := strconv.ParseUint(offset, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("symbol override %q: %w", e, err)
			}
			out = append(out, symbolOverride{name: name, segment: segment, value: off})
			continue
		}

		addr, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("symbol override %q: %w", e, err)
		}
		out = append(out, symbolOverride{name: name, value: addr})
	}
	return out, nil
}

// applyOverrides defines each -d symbol against the fully merged module,
// once its sections exist for a segment:offset override to resolve
// against.
func applyOverrides(merged *module.Module, overrides []symbolOverride) error {
	for _, ov := range overrides {
		loc := symtarget.NewAbsoluteLocation(ov.value)
		if ov.segment != "" {
			sec, ok := merged.FindSection(ov.segment)
			if !ok {
				return fmt.Errorf("symbol override %q: no such section %q", ov.name, ov.segment)
			}
			loc = symtarget.NewSectionLocation(sec, ov.value)
		}
		merged.AddGlobalSymbol(symtarget.Definition{Name: ov.name, Location: loc}, nil)
	}
	return nil
}
