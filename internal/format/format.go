// Package format defines the narrow reader/writer contract every concrete
// object and executable format implements (spec.md §6), plus the
// capability bits the rest of the pipeline consults to decide how much of
// a module's extended semantics apply to a given output.
package format

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/retrolinker/retrolinker/internal/layout"
	"github.com/retrolinker/retrolinker/internal/module"
)

// InputCapabilities are the bits an InputFormat advertises about what it
// can natively express, consulted by Module to decide whether extended
// symbol-name prefixes need parsing (spec.md §4.5, §6).
type InputCapabilities struct {
	ProvidesSegmentation bool
	ProvidesResources    bool
	ProvidesLibraries    bool
	RequiresDataStreamFix bool
}

// OutputCapabilities are the bits an OutputFormat advertises about the
// executable model it produces (spec.md §6, §4.8).
type OutputCapabilities struct {
	SupportsSegmentation bool
	Is16Bit              bool
	IsProtectedMode       bool
	IsLinear              bool
	SupportsResources     bool
	SupportsLibraries     bool
}

// AdditionalSectionFlagsFunc lets a writer request extra implicit flags for a
// section by name (e.g. a format that always marks ".rsrc" as a
// resource section even if the reader didn't tag it).
type AdditionalSectionFlagsFunc func(name string) uint32

// InputFormat is implemented by every object-format reader.
type InputFormat interface {
	// ReadFile parses raw bytes into format-internal state.
	ReadFile(r io.Reader) error
	// GenerateModule populates m from the previously parsed state.
	GenerateModule(m *module.Module) error

	Capabilities() InputCapabilities
}

// OutputFormat is implemented by every executable-format writer.
type OutputFormat interface {
	// SetModel selects one of the format's built-in memory models by name.
	SetModel(name string) error
	// SetLinkScript compiles a user-supplied layout script, overriding any
	// model selected via SetModel.
	SetLinkScript(src []byte, params map[string]uint64) error
	SetOptions(opts map[string]string) error

	// Layout returns the engine that should run against the fully merged,
	// common-allocated module before ProcessModule is called.
	Layout() (*layout.Engine, error)

	// ProcessModule folds the final, resolved module into writer-internal
	// state.
	ProcessModule(m *module.Module) error
	// CalculateValues finalizes any values (checksums, header fields)
	// that depend on the complete layout.
	CalculateValues() error
	// WriteFile emits the final image.
	WriteFile(w io.Writer) error

	Capabilities() OutputCapabilities
}

// FetchOption looks up a string option by name, applying def if absent.
func FetchOption(opts map[string]string, name, def string) string {
	if v, ok := opts[name]; ok {
		return v
	}
	return def
}

// FetchIntegerOption looks up an option and parses it as an integer
// (decimal, or "0x"-prefixed hex), returning def if absent and an error if
// unparsable.
func FetchIntegerOption(opts map[string]string, name string, def uint64) (uint64, error) {
	raw, ok := opts[name]
	if !ok {
		return def, nil
	}
	base := 10
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		base = 16
		raw = raw[2:]
	}
	v, err := strconv.ParseUint(raw, base, 64)
	if err != nil {
		return 0, fmt.Errorf("format: option %q: invalid integer %q: %w", name, raw, err)
	}
	return v, nil
}

// DefaultExtension returns the format's conventional output file
// extension (e.g. "exe", "elf"); formats that don't have one return "".
type DefaultExtensioner interface {
	DefaultExtension() string
}

// GetDefaultExtension resolves the extension for f: if f implements
// DefaultExtensioner, defers to it; otherwise returns fallback. This
// two-overload shape mirrors formats that have a fixed, opinionated
// extension (e.g. a PE writer always wants ".exe") alongside formats that
// don't care and let the caller decide.
func GetDefaultExtension(f interface{}, fallback string) string {
	if d, ok := f.(DefaultExtensioner); ok {
		if ext := d.DefaultExtension(); ext != "" {
			return ext
		}
	}
	return fallback
}

// AppendDefaultExtension appends "."+ext to path if path has no extension
// of its own.
func AppendDefaultExtension(path, ext string) string {
	if ext == "" {
		return path
	}
	if strings.Contains(lastSegment(path), ".") {
		return path
	}
	return path + "." + ext
}

func lastSegment(path string) string {
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		return path[i+1:]
	}
	return path
}
