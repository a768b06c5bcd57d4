package flatfmt

import (
	"fmt"
	"io"
	"sort"

	"github.com/lunixbochs/struc"

	"github.com/retrolinker/retrolinker/internal/format"
	"github.com/retrolinker/retrolinker/internal/iometa"
	"github.com/retrolinker/retrolinker/internal/layout"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/section"
)

var execMagic = [4]byte{'F', 'L', 'E', 'X'}

type execHeader struct {
	Magic       [4]byte
	LoadAddress uint64
	EntryPoint  uint64
	ImageSize   uint64
}

// Writer implements format.OutputFormat, producing a raw flat binary: a
// small fixed header followed by every laid-out section's bytes in
// address order, zero-padded over gaps and BSS tails. No loader
// conventions, no segmentation, no resources, no libraries.
type Writer struct {
	script *layout.Script
	params map[string]uint64
	options map[string]string

	mod *module.Module

	loadAddress uint64
	entryPoint  uint64
	imageSize   uint64
}

// NewWriter creates an empty Writer, ready for SetModel/SetLinkScript.
func NewWriter() *Writer {
	return &Writer{}
}

// SetModel selects one of the built-in memory models (spec.md §4.7);
// "flat" is the natural fit for this format and is used if neither
// SetModel nor SetLinkScript is ever called.
func (w *Writer) SetModel(name string) error {
	script, err := layout.BuiltinModel(name)
	if err != nil {
		return linkerr.InvalidScriptParameter(err.Error())
	}
	w.script = script
	w.params = nil
	return nil
}

// SetLinkScript compiles a user-supplied layout script, overriding any
// model selected via SetModel.
func (w *Writer) SetLinkScript(src []byte, params map[string]uint64) error {
	script, err := layout.Parse(src)
	if err != nil {
		return linkerr.InvalidScriptParameter(err.Error())
	}
	w.script = script
	w.params = params
	return nil
}

// SetOptions stores format options; this format recognizes "entry", the
// name of the global symbol whose address becomes the header's entry
// point (defaults to the image's load address).
func (w *Writer) SetOptions(opts map[string]string) error {
	w.options = opts
	return nil
}

// Layout returns the engine that lays out the merged module, defaulting
// to the "flat" built-in model if neither SetModel nor SetLinkScript was
// called.
func (w *Writer) Layout() (*layout.Engine, error) {
	if w.script == nil {
		if err := w.SetModel("flat"); err != nil {
			return nil, err
		}
	}
	return layout.New(w.script, w.params), nil
}

// ProcessModule retains the fully merged, laid-out, resolved module for
// writing.
func (w *Writer) ProcessModule(m *module.Module) error {
	w.mod = m
	return nil
}

// CalculateValues derives the header fields that depend on the complete
// layout: load address (the lowest section base), image size (the span
// from the lowest base to the highest section end), and entry point.
func (w *Writer) CalculateValues() error {
	if w.mod == nil {
		return fmt.Errorf("flatfmt: no module processed")
	}

	var minBase, maxEnd uint64
	haveBase := false
	for _, sec := range w.mod.Sections() {
		base, ok := sec.BaseAddress()
		if !ok {
			continue
		}
		end := base + sec.Size()
		if !haveBase || base < minBase {
			minBase = base
		}
		if end > maxEnd {
			maxEnd = end
		}
		haveBase = true
	}
	if !haveBase {
		return fmt.Errorf("flatfmt: module has no laid-out sections")
	}
	w.loadAddress = minBase
	w.imageSize = maxEnd - minBase
	w.entryPoint = w.loadAddress

	entryName := format.FetchOption(w.options, "entry", "")
	if entryName == "" {
		return nil
	}
	def, ok := w.mod.FindGlobalSymbol(entryName)
	if !ok {
		return fmt.Errorf("flatfmt: entry symbol %q is not defined", entryName)
	}
	if !def.Location.IsResolved() {
		return fmt.Errorf("flatfmt: entry symbol %q has no assigned address", entryName)
	}
	w.entryPoint = def.Location.Address()
	return nil
}

type placedSection struct {
	sec  *section.Section
	base uint64
}

// WriteFile emits the header followed by every laid-out section's bytes
// in address order.
func (w *Writer) WriteFile(out io.Writer) error {
	header := execHeader{
		Magic:       execMagic,
		LoadAddress: w.loadAddress,
		EntryPoint:  w.entryPoint,
		ImageSize:   w.imageSize,
	}

	cw := &iometa.CountingWriter{Writer: out}
	if err := struc.PackWithOptions(cw, &header, structOptions); err != nil {
		return linkerr.Wrap(linkerr.KindIoError, "writing flat executable header", err)
	}

	var placed []placedSection
	for _, sec := range w.mod.Sections() {
		base, ok := sec.BaseAddress()
		if !ok {
			continue
		}
		placed = append(placed, placedSection{sec: sec, base: base})
	}
	sort.Slice(placed, func(i, j int) bool { return placed[i].base < placed[j].base })

	cursor := w.loadAddress
	for _, p := range placed {
		if p.base < cursor {
			return fmt.Errorf("flatfmt: section %q at %#x overlaps previous section ending at %#x", p.sec.Name, p.base, cursor)
		}
		if gap := p.base - cursor; gap > 0 {
			if err := iometa.WriteZeros(cw, int(gap)); err != nil {
				return linkerr.Wrap(linkerr.KindIoError, "writing inter-section padding", err)
			}
		}

		data := p.sec.Bytes()
		if _, err := cw.Write(data); err != nil {
			return linkerr.Wrap(linkerr.KindIoError, "writing section data", err)
		}

		if tail := p.sec.Size() - uint64(len(data)); tail > 0 {
			if err := iometa.WriteZeros(cw, int(tail)); err != nil {
				return linkerr.Wrap(linkerr.KindIoError, "writing section zero-fill tail", err)
			}
		}

		cursor = p.base + p.sec.Size()
	}

	return nil
}

// Capabilities reports a linear, non-segmented address space; every other
// capability (protected mode, resources, libraries) is off.
func (w *Writer) Capabilities() format.OutputCapabilities {
	return format.OutputCapabilities{IsLinear: true}
}

// DefaultExtension implements format.DefaultExtensioner.
func (w *Writer) DefaultExtension() string {
	return "bin"
}
