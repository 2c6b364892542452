// Package errors defines the failure taxonomy of the compilation pipeline.
//
// Module load failures are batch-fatal. Decode, compilation and overlay
// failures are local to one input and are reported without aborting a batch.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a pipeline failure
type Kind string

const (
	KindModuleLoad    Kind = "module_load"    // fetch or compile of the compute module
	KindDecode        Kind = "decode"         // reading or decoding an input image
	KindCompilation   Kind = "compilation"    // feature extraction or artifact encoding
	KindOverlayRender Kind = "overlay_render" // debug overlay drawing or encoding
)

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrModuleLoad    = &Error{Kind: KindModuleLoad}
	ErrDecode        = &Error{Kind: KindDecode}
	ErrCompilation   = &Error{Kind: KindCompilation}
	ErrOverlayRender = &Error{Kind: KindOverlayRender}
)

// Error is the structured error type returned by pipeline stages
type Error struct {
	Cause  error
	Kind   Kind
	Item   string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Kind))
	b.WriteByte(']')

	if e.Item != "" {
		b.WriteString(" ")
		b.WriteString(e.Item)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a pipeline error of the same kind
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// WithItem returns a copy of e attributed to the named input.
func (e *Error) WithItem(item string) *Error {
	c := *e
	c.Item = item
	return &c
}

func newf(kind Kind, cause error, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Detail: detail, Cause: cause}
}

// ModuleLoad creates a compute module load error
func ModuleLoad(cause error, format string, args ...any) *Error {
	return newf(KindModuleLoad, cause, format, args...)
}

// Decode creates an image decode error
func Decode(cause error, format string, args ...any) *Error {
	return newf(KindDecode, cause, format, args...)
}

// Compilation creates a target compilation error
func Compilation(cause error, format string, args ...any) *Error {
	return newf(KindCompilation, cause, format, args...)
}

// OverlayRender creates a debug overlay error
func OverlayRender(cause error, format string, args ...any) *Error {
	return newf(KindOverlayRender, cause, format, args...)
}

// KindOf returns the Kind of the first pipeline error in err's chain,
// or "" if there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Fatal reports whether err aborts a whole batch.
func Fatal(err error) bool {
	return KindOf(err) == KindModuleLoad
}

// Is and As forward to the standard library so pipeline code needs a single
// errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
