package compiler

import (
	"errors"
	"fmt"
)

// Compile error kinds. A CompileError matches its kind with errors.Is.
var (
	ErrUnsupportedConstruct = errors.New("unsupported construct")
	ErrDuplicateFunction    = errors.New("duplicate function")
	ErrDuplicateClass       = errors.New("duplicate class")
)

// CompileError reports why a program could not be lowered. Compilation
// stops at the first error and never yields a partial program.
type CompileError struct {
	Kind     error
	Msg      string
	Span     Span
	Function string // enclosing function, if any
}

func (e *CompileError) Error() string {
	s := "compile error: " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Function != "" {
		s += " in " + e.Function
	}
	if e.Span.Start.Line > 0 {
		s += fmt.Sprintf(" at %d:%d", e.Span.Start.Line, e.Span.Start.Column)
	}
	return s
}

func (e *CompileError) Unwrap() error {
	return e.Kind
}
