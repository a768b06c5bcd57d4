// Package layout implements the LayoutEngine (spec.md §4.7): a small
// script language describing segments, their base addresses, and which
// sections flow into them, parsed as YAML and compiled into a set of base
// addresses assigned to every section in a merged module.
package layout

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-viper/mapstructure/v2"
	"gopkg.in/yaml.v3"

	"github.com/retrolinker/retrolinker/internal/section"
)

// SchemaVersion is the script-language version this engine implements;
// a script declares the versions it requires via a semver constraint
// string (e.g. ">=1.0, <2.0").
const SchemaVersion = "1.0.0"

// SelectSpec names the predicate a segment uses to pull sections in from
// the module, per spec.md §4.7's "enumerates section predicates (by name,
// by flag combination, by match/exclude lists)".
type SelectSpec struct {
	Names    []string `mapstructure:"names"`
	FlagsAny []string `mapstructure:"flags_any"`
	FlagsAll []string `mapstructure:"flags_all"`
	FlagsNone []string `mapstructure:"flags_none"`
	Exclude  []string `mapstructure:"exclude"`
}

// Matches reports whether sec satisfies this predicate.
func (s SelectSpec) Matches(sec *section.Section) (bool, error) {
	for _, ex := range s.Exclude {
		if sec.Name == ex {
			return false, nil
		}
	}

	if len(s.FlagsNone) > 0 {
		none, err := parseFlagSet(s.FlagsNone)
		if err != nil {
			return false, err
		}
		if sec.Flags&none != 0 {
			return false, nil
		}
	}

	matched := len(s.Names) == 0 && len(s.FlagsAny) == 0 && len(s.FlagsAll) == 0

	if len(s.Names) > 0 {
		found := false
		for _, n := range s.Names {
			if sec.Name == n {
				found = true
				break
			}
		}
		if !found {
			return false, nil
		}
		matched = true
	}

	if len(s.FlagsAny) > 0 {
		any, err := parseFlagSet(s.FlagsAny)
		if err != nil {
			return false, err
		}
		if sec.Flags&any == 0 {
			return false, nil
		}
		matched = true
	}

	if len(s.FlagsAll) > 0 {
		all, err := parseFlagSet(s.FlagsAll)
		if err != nil {
			return false, err
		}
		if sec.Flags&all != all {
			return false, nil
		}
		matched = true
	}

	return matched, nil
}

var flagNames = map[string]section.Flags{
	"readable":     section.Readable,
	"writable":     section.Writable,
	"executable":   section.Executable,
	"zero_filled":  section.ZeroFilled,
	"mergeable":    section.Mergeable,
	"resource":     section.ResourceFlag,
	"stack":        section.Stack,
	"heap":         section.Heap,
	"group_member": section.GroupMember,
}

func parseFlagSet(names []string) (section.Flags, error) {
	var out section.Flags
	for _, n := range names {
		f, ok := flagNames[n]
		if !ok {
			return 0, fmt.Errorf("layout: unknown flag name %q", n)
		}
		out |= f
	}
	return out, nil
}

// Segment is a compiled segment declaration: a name, an optional fixed
// base address (literal or parameter placeholder), a section predicate,
// and the alignment directive that terminates it.
type Segment struct {
	Name   string
	Base   string // "" (packed after previous segment), a literal, or "?param?"
	Align  uint64
	Select SelectSpec
}

// Script is a parsed, schema-checked layout script.
type Script struct {
	Parameters map[string]uint64
	Segments   []Segment
}

type rawScript struct {
	Schema     string             `yaml:"schema"`
	Parameters map[string]uint64  `yaml:"parameters"`
	Segments   []rawSegment       `yaml:"segments"`
}

type rawSegment struct {
	Name   string                 `yaml:"name"`
	Base   string                 `yaml:"base"`
	Align  uint64                 `yaml:"align"`
	Select map[string]interface{} `yaml:"select"`
}

// Parse decodes and schema-validates a layout script from YAML source.
func Parse(src []byte) (*Script, error) {
	var raw rawScript
	if err := yaml.Unmarshal(src, &raw); err != nil {
		return nil, fmt.Errorf("layout: parsing script: %w", err)
	}

	if raw.Schema != "" {
		constraint, err := semver.NewConstraint(raw.Schema)
		if err != nil {
			return nil, fmt.Errorf("layout: invalid schema constraint %q: %w", raw.Schema, err)
		}
		version, err := semver.NewVersion(SchemaVersion)
		if err != nil {
			return nil, err
		}
		if !constraint.Check(version) {
			return nil, fmt.Errorf("layout: script requires schema %s, engine implements %s", raw.Schema, SchemaVersion)
		}
	}

	script := &Script{Parameters: raw.Parameters}
	for _, rs := range raw.Segments {
		var sel SelectSpec
		if rs.Select != nil {
			if err := mapstructure.Decode(rs.Select, &sel); err != nil {
				return nil, fmt.Errorf("layout: segment %q: decoding select block: %w", rs.Name, err)
			}
		}
		script.Segments = append(script.Segments, Segment{
			Name:   rs.Name,
			Base:   rs.Base,
			Align:  rs.Align,
			Select: sel,
		})
	}

	return script, nil
}

// ResolveBase resolves a segment's Base field against parameter overrides:
// a literal decimal or "0x"-prefixed hex value, or a "?name?" placeholder
// looked up first in overrides then in the script's own parameter
// defaults.
func (s *Script) ResolveBase(base string, overrides map[string]uint64) (uint64, bool, error) {
	if base == "" {
		return 0, false, nil
	}
	if strings.HasPrefix(base, "?") && strings.HasSuffix(base, "?") {
		name := base[1 : len(base)-1]
		if v, ok := overrides[name]; ok {
			return v, true, nil
		}
		if v, ok := s.Parameters[name]; ok {
			return v, true, nil
		}
		return 0, false, fmt.Errorf("layout: unresolved script parameter %q", name)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(base, "0x"), hexOrDec(base), 64)
	if err != nil {
		return 0, false, fmt.Errorf("layout: invalid base address %q: %w", base, err)
	}
	return v, true, nil
}

func hexOrDec(s string) int {
	if strings.HasPrefix(s, "0x") {
		return 16
	}
	return 10
}
