// Package dlerr holds the error taxonomy shared by the flash heap, the ELF
// loader and the dynamic linker.
package dlerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. A Kind is itself an error so callers can match
// with errors.Is(err, dlerr.ResetNeeded).
type Kind int

const (
	// Format is a malformed ELF image or self-description.
	Format Kind = iota + 1
	// Address is an encoded or virtual address outside the module being processed.
	Address
	// NoSpace is a flash or RAM reservation past the device bounds.
	NoSpace
	// Invalid is an argument the operation cannot accept.
	Invalid
	// Unresolved is an undefined symbol no module or the host image provides.
	Unresolved
	// NameTooLong is a symbol or interpreter name that overflows the name buffer.
	NameTooLong
	// Interpreter is a PT_INTERP name the host image does not provide.
	Interpreter
	// Relocation is an unsupported relocation kind.
	Relocation
	// Overflow is a relocation result that does not fit its instruction field.
	Overflow
	// ResetNeeded is an append below modules that already ran constructors.
	ResetNeeded
	// NotFound is a dlopen miss.
	NotFound
	// Busy is a second session on a device that already has one open.
	Busy
)

var kindText = map[Kind]string{
	Format:      "not executable format",
	Address:     "bad address",
	NoSpace:     "no space left on device",
	Invalid:     "invalid argument",
	Unresolved:  "unresolved symbol",
	NameTooLong: "name too long",
	Interpreter: "unsupported interpreter",
	Relocation:  "unsupported relocation type",
	Overflow:    "relocation overflow",
	ResetNeeded: "reset needed",
	NotFound:    "not found",
	Busy:        "device busy",
}

func (k Kind) Error() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return fmt.Sprintf("dlerr kind %d", int(k))
}

// String returns a short label, used as a metrics label value.
func (k Kind) String() string {
	switch k {
	case Format:
		return "format"
	case Address:
		return "address"
	case NoSpace:
		return "no_space"
	case Invalid:
		return "invalid"
	case Unresolved:
		return "unresolved"
	case NameTooLong:
		return "name_too_long"
	case Interpreter:
		return "interpreter"
	case Relocation:
		return "relocation"
	case Overflow:
		return "overflow"
	case ResetNeeded:
		return "reset_needed"
	case NotFound:
		return "not_found"
	case Busy:
		return "busy"
	}
	return "unknown"
}

// Error is a classified failure with a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// New returns an Error of kind k with a formatted message.
func New(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of kind k around err.
func Wrap(k Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the classification of err, or 0 when err is unclassified
// (for example a raw device I/O failure).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return 0
}
