package flatfmt

import (
	"fmt"
	"io"
	"strings"

	"github.com/lunixbochs/struc"

	"github.com/retrolinker/retrolinker/internal/byteio"
	"github.com/retrolinker/retrolinker/internal/format"
	"github.com/retrolinker/retrolinker/internal/linkerr"
	"github.com/retrolinker/retrolinker/internal/module"
	"github.com/retrolinker/retrolinker/internal/reloc"
	"github.com/retrolinker/retrolinker/internal/section"
	"github.com/retrolinker/retrolinker/internal/symtarget"
)

type objHeader struct {
	Magic           [4]byte
	Version         uint16
	CPU             uint16
	Endianness      uint8
	Reserved        uint8
	SectionCount    uint16
	SymbolCount     uint16
	RelocationCount uint16
	Reserved2       uint16
}

type objSectionHeader struct {
	Name       [sectionNameLen]byte
	Flags      uint32
	Alignment  uint32
	Size       uint32
	DataLength uint32
}

type objSymbolRecord struct {
	Name         [symbolNameLen]byte
	Binding      uint8
	Reserved     uint8
	SectionIndex int32
	Offset       uint64
	Size         uint64
	Alignment    uint64
}

type objRelocRecord struct {
	Kind                   uint8
	Size                   uint8
	Endianness             uint8
	AddendFromSectionData  uint8
	ViaGOT                 uint8
	Reserved               uint8
	SourceSectionIndex     int32
	SourceOffset           uint64
	Mask                   uint64
	Shift                  uint32
	Addend                 int64
	TargetSymbolIndex      int32
	HasReference           uint8
	Reserved2              [3]uint8
	ReferenceSymbolIndex   int32
}

var cpuFromFile = map[uint16]module.CPU{
	0: module.CPUUnknown,
	1: module.CPUX86,
	2: module.CPUX86_64,
	3: module.CPU68k,
	4: module.CPUARM,
	5: module.CPUPowerPC,
}

var endiannessFromFile = map[uint8]byteio.Endianness{
	0: byteio.Little,
	1: byteio.Big,
	2: byteio.PDP11,
	3: byteio.AntiPDP11,
}

// Reader implements format.InputFormat for the flat object format.
type Reader struct {
	header   objHeader
	sections []objSectionHeader
	data     [][]byte
	symbols  []objSymbolRecord
	relocs   []objRelocRecord
}

// NewReader creates an empty Reader ready for ReadFile.
func NewReader() *Reader {
	return &Reader{}
}

// ReadFile parses a flat object stream: header, section headers, section
// data (concatenated in section order), symbol table, relocation table.
func (r *Reader) ReadFile(in io.Reader) error {
	if err := struc.UnpackWithOptions(in, &r.header, structOptions); err != nil {
		return linkerr.Wrap(linkerr.KindIoError, "reading flat object header", err)
	}
	if r.header.Magic != objMagic {
		return linkerr.MalformedInput("flat object", fmt.Sprintf("bad magic %v", r.header.Magic))
	}

	r.sections = make([]objSectionHeader, r.header.SectionCount)
	for i := range r.sections {
		if err := struc.UnpackWithOptions(in, &r.sections[i], structOptions); err != nil {
			return linkerr.Wrap(linkerr.KindIoError, "reading flat object section header", err)
		}
	}

	r.data = make([][]byte, r.header.SectionCount)
	for i, sh := range r.sections {
		buf := make([]byte, sh.DataLength)
		if _, err := io.ReadFull(in, buf); err != nil {
			return linkerr.Wrap(linkerr.KindIoError, "reading flat object section data", err)
		}
		r.data[i] = buf
	}

	r.symbols = make([]objSymbolRecord, r.header.SymbolCount)
	for i := range r.symbols {
		if err := struc.UnpackWithOptions(in, &r.symbols[i], structOptions); err != nil {
			return linkerr.Wrap(linkerr.KindIoError, "reading flat object symbol record", err)
		}
	}

	r.relocs = make([]objRelocRecord, r.header.RelocationCount)
	for i := range r.relocs {
		if err := struc.UnpackWithOptions(in, &r.relocs[i], structOptions); err != nil {
			return linkerr.Wrap(linkerr.KindIoError, "reading flat object relocation record", err)
		}
	}

	return nil
}

// Capabilities reports that the flat object format carries no
// segmentation, resources, or library metadata, and needs no post-read
// data-stream fixup.
func (r *Reader) Capabilities() format.InputCapabilities {
	return format.InputCapabilities{}
}

// Summarize renders the section and symbol tables parsed by ReadFile as
// human-readable text, for "retrolink dump".
func (r *Reader) Summarize() (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "cpu=%s endianness=%d sections=%d symbols=%d relocations=%d\n",
		cpuFromFile[r.header.CPU], r.header.Endianness, r.header.SectionCount, r.header.SymbolCount, r.header.RelocationCount)

	fmt.Fprintln(&b, "\nsections:")
	for i, sh := range r.sections {
		fmt.Fprintf(&b, "  [%d] %-16s flags=0x%x align=%d size=%d stored=%d\n",
			i, bytesToName(sh.Name[:]), sh.Flags, sh.Alignment, sh.Size, sh.DataLength)
	}

	fmt.Fprintln(&b, "\nsymbols:")
	for i, sr := range r.symbols {
		fmt.Fprintf(&b, "  [%d] %-32s binding=%d section=%d offset=%d size=%d\n",
			i, bytesToName(sr.Name[:]), sr.Binding, sr.SectionIndex, sr.Offset, sr.Size)
	}

	return b.String(), nil
}

// GenerateModule populates m from the previously parsed object state.
func (r *Reader) GenerateModule(m *module.Module) error {
	m.CPU = cpuFromFile[r.header.CPU]
	m.Endianness = endiannessFromFile[r.header.Endianness]

	sections := make([]*section.Section, len(r.sections))
	for i, sh := range r.sections {
		name := bytesToName(sh.Name[:])
		flags := fromFileFlags(sh.Flags)

		sec := section.New(name, flags, uint64(sh.Alignment))
		if flags.Has(section.ZeroFilled) {
			if len(r.data[i]) > 0 {
				return linkerr.ZeroFilledSectionViolation(name)
			}
			if err := sec.Expand(uint64(sh.Size)); err != nil {
				return linkerr.Wrap(linkerr.KindMalformedInput, "expanding zero-filled section", err)
			}
		} else {
			if _, err := sec.Append(r.data[i]); err != nil {
				return linkerr.Wrap(linkerr.KindMalformedInput, "storing section data", err)
			}
			if err := sec.Expand(uint64(sh.Size)); err != nil {
				return linkerr.Wrap(linkerr.KindMalformedInput, "expanding section", err)
			}
		}

		if err := m.AddSection(sec); err != nil {
			return linkerr.Wrap(linkerr.KindMalformedInput, "registering section", err)
		}
		sections[i] = sec
	}

	locationOf := func(sectionIndex int32, offset uint64) symtarget.Location {
		if sectionIndex < 0 {
			return symtarget.NewAbsoluteLocation(offset)
		}
		return symtarget.NewSectionLocation(sections[sectionIndex], offset)
	}

	for _, sr := range r.symbols {
		def := symtarget.Definition{
			Name:      bytesToName(sr.Name[:]),
			Location:  locationOf(sr.SectionIndex, sr.Offset),
			Size:      sr.Size,
			Alignment: sr.Alignment,
		}
		switch sr.Binding {
		case bindLocal:
			m.AddLocalSymbol(def)
		case bindGlobal:
			m.AddGlobalSymbol(def, nil)
		case bindWeak:
			m.AddWeakSymbol(def)
		case bindCommon:
			m.AddCommonSymbol(def)
		default:
			return linkerr.MalformedInput("flat object", fmt.Sprintf("unknown symbol binding code %d", sr.Binding))
		}
	}

	symbolName := func(idx int32) (symtarget.SymbolName, error) {
		if idx < 0 || int(idx) >= len(r.symbols) {
			return symtarget.SymbolName{}, fmt.Errorf("flatfmt: symbol index %d out of range", idx)
		}
		return symtarget.Bare(bytesToName(r.symbols[idx].Name[:])), nil
	}

	for _, rr := range r.relocs {
		kind, err := fromFileRelocKind(rr.Kind)
		if err != nil {
			return linkerr.Wrap(linkerr.KindMalformedInput, "decoding relocation kind", err)
		}

		name, err := symbolName(rr.TargetSymbolIndex)
		if err != nil {
			return linkerr.Wrap(linkerr.KindMalformedInput, "resolving relocation target symbol", err)
		}

		var target symtarget.Target
		if rr.ViaGOT != 0 {
			target = symtarget.GOTEntry(name)
		} else {
			target = symtarget.FromSymbol(name)
		}

		relocation := reloc.Relocation{
			Size:                  int(rr.Size),
			Source:                locationOf(rr.SourceSectionIndex, rr.SourceOffset),
			Target:                target,
			Addend:                rr.Addend,
			Mask:                  rr.Mask,
			Shift:                 uint(rr.Shift),
			Endianness:            endiannessFromFile[rr.Endianness],
			Kind:                  kind,
			AddendFromSectionData: rr.AddendFromSectionData != 0,
		}

		if rr.HasReference != 0 {
			refName, err := symbolName(rr.ReferenceSymbolIndex)
			if err != nil {
				return linkerr.Wrap(linkerr.KindMalformedInput, "resolving relocation reference symbol", err)
			}
			ref := symtarget.FromSymbol(refName)
			relocation.Reference = &ref
		}

		m.AddRelocation(relocation)
	}

	return nil
}
