// Package linkerr classifies every error RetroLinker can produce into the
// kinds enumerated in spec.md §7, each with a single well-defined handling
// policy (fatal-abort, or accumulate-and-continue).
package linkerr

import "fmt"

// Kind tags an error with its handling policy.
type Kind int

const (
	KindIoError Kind = iota
	KindMalformedInput
	KindDuplicateSymbol
	KindUndefinedSymbol
	KindRelocationOverflow
	KindUnsupportedRelocationKind
	KindZeroFilledSectionViolation
	KindInvalidScriptParameter
)

// Fatal reports whether an error of this kind must abort the run
// immediately, per the policy table in spec.md §7.
func (k Kind) Fatal() bool {
	switch k {
	case KindIoError, KindMalformedInput, KindZeroFilledSectionViolation, KindInvalidScriptParameter:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	switch k {
	case KindIoError:
		return "IoError"
	case KindMalformedInput:
		return "MalformedInput"
	case KindDuplicateSymbol:
		return "DuplicateSymbol"
	case KindUndefinedSymbol:
		return "UndefinedSymbol"
	case KindRelocationOverflow:
		return "RelocationOverflow"
	case KindUnsupportedRelocationKind:
		return "UnsupportedRelocationKind"
	case KindZeroFilledSectionViolation:
		return "ZeroFilledSectionViolation"
	case KindInvalidScriptParameter:
		return "InvalidScriptParameter"
	default:
		return "Unknown"
	}
}

// Error is a classified RetroLinker error: it carries the Kind driving its
// handling policy, plus a message and optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// IoError reports a fatal stream failure.
func IoError(cause error) *Error {
	return Wrap(KindIoError, "I/O failure", cause)
}

// MalformedInput reports a fatal input-format violation.
func MalformedInput(format, detail string) *Error {
	return New(KindMalformedInput, fmt.Sprintf("malformed %s input: %s", format, detail))
}

// DuplicateSymbol reports a non-fatal duplicate strong definition; the
// first definition wins (spec.md §9 Open Question: keep first-wins,
// surface a warning).
func DuplicateSymbol(name, moduleA, moduleB string) *Error {
	return New(KindDuplicateSymbol, fmt.Sprintf("symbol %q defined in both %q and %q; keeping the first definition", name, moduleA, moduleB))
}

// UndefinedSymbol reports a non-fatal unresolved reference.
func UndefinedSymbol(name string) *Error {
	return New(KindUndefinedSymbol, fmt.Sprintf("undefined symbol %q", name))
}

// RelocationOverflow reports that a patched value didn't fit its field;
// the truncated value is still written.
func RelocationOverflow(sourceDesc string, kind string) *Error {
	return New(KindRelocationOverflow, fmt.Sprintf("relocation overflow at %s (kind %s)", sourceDesc, kind))
}

// UnsupportedRelocationKind reports that a relocation kind cannot be
// expressed in the target format.
func UnsupportedRelocationKind(kind, format string) *Error {
	return New(KindUnsupportedRelocationKind, fmt.Sprintf("relocation kind %s is not supported by format %s", kind, format))
}

// ZeroFilledSectionViolation reports an internal invariant violation: data
// appended to a zero-filled section.
func ZeroFilledSectionViolation(section string) *Error {
	return New(KindZeroFilledSectionViolation, fmt.Sprintf("section %q is zero-filled and cannot carry stored data", section))
}

// InvalidScriptParameter reports a fatal linker-script parameter error.
func InvalidScriptParameter(detail string) *Error {
	return New(KindInvalidScriptParameter, detail)
}
