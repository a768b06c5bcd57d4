package main

import (
	"fmt"

	"github.com/retrolinker/retrolinker/internal/flatfmt"
	"github.com/retrolinker/retrolinker/internal/format"
)

// formats lists the object/executable format pairs the linker knows how
// to read and write. Only internal/flatfmt is concretely implemented
// (spec.md §1); every other historical format named in spec.md's
// glossary is an interface contract only, with no entry here.
var formats = map[string]struct {
	newReader func() format.InputFormat
	newWriter func() format.OutputFormat
}{
	"flat": {
		newReader: func() format.InputFormat { return flatfmt.NewReader() },
		newWriter: func() format.OutputFormat { return flatfmt.NewWriter() },
	},
}

func newInputFormat(name string) (format.InputFormat, error) {
	f, ok := formats[name]
	if !ok {
		return nil, fmt.Errorf("unknown input format %q", name)
	}
	return f.newReader(), nil
}

func newOutputFormat(name string) (format.OutputFormat, error) {
	f, ok := formats[name]
	if !ok {
		return nil, fmt.Errorf("unknown output format %q", name)
	}
	return f.newWriter(), nil
}
