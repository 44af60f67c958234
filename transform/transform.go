// Package transform defines the boundary to the build-time transform
// collaborator and ships two transport implementations: a long-lived child
// process speaking framed JSON over stdio, and an HTTP transform service.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Result is what the collaborator returns for one module id.
type Result struct {
	// Code is the transformed module body, not yet wrapped.
	Code string `json:"code"`
	// Deps are statically imported module ids.
	Deps []string `json:"deps"`
	// DynamicDeps are dynamically imported module ids.
	DynamicDeps []string `json:"dynamicDeps"`
}

// Transformer transforms a single module id.
type Transformer interface {
	Transform(ctx context.Context, id string) (*Result, error)
}

// Func adapts a function to the Transformer interface.
type Func func(ctx context.Context, id string) (*Result, error)

// Transform calls f.
func (f Func) Transform(ctx context.Context, id string) (*Result, error) {
	return f(ctx, id)
}

// Loc is a source position reported by the collaborator. Line is 1-based,
// Column is 0-based.
type Loc struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// Error is a transform failure with whatever diagnostics the collaborator
// could provide.
type Error struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Frame   string `json:"frame,omitempty"`
	Code    string `json:"code,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	Loc     *Loc   `json:"loc,omitempty"`

	err error
}

// CodeTransformError is used when the collaborator reports no code.
const CodeTransformError = "TRANSFORM_ERROR"

func (e *Error) Error() string {
	var b strings.Builder
	if e.Plugin != "" {
		fmt.Fprintf(&b, "[plugin:%s] ", e.Plugin)
	}
	if e.ID != "" {
		b.WriteString(e.ID)
		if e.Loc != nil {
			fmt.Fprintf(&b, ":%d:%d", e.Loc.Line, e.Loc.Column)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// AsError returns err as a *Error for id, wrapping foreign errors so callers
// can always report message and stack.
func AsError(err error, id string) *Error {
	var te *Error
	if errors.As(err, &te) {
		if te.ID == "" {
			te.ID = id
		}
		if te.Code == "" {
			te.Code = CodeTransformError
		}
		return te
	}
	return &Error{
		ID:      id,
		Message: err.Error(),
		Stack:   fmt.Sprintf("%+v", err),
		Code:    CodeTransformError,
		err:     err,
	}
}

// WithSourceFrame fills Frame from source when the collaborator reported a
// location but no frame.
func (e *Error) WithSourceFrame(source string) *Error {
	if e.Frame == "" && e.Loc != nil && source != "" {
		e.Frame = SourceFrame(source, e.Loc.Line, e.Loc.Column)
	}
	return e
}
