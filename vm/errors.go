package vm

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the interpreter, stack or heap
// matches exactly one of these with errors.Is.
var (
	ErrExecution       = errors.New("execution error")
	ErrStackOverflow   = errors.New("stack overflow")
	ErrInvalidBytecode = errors.New("invalid bytecode")
	ErrRuntime         = errors.New("runtime error")
	ErrMemory          = errors.New("memory error")
)

// Specific causes, each belonging to a category above.
var (
	ErrStackUnderflow   = errors.New("stack underflow")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrDivisionByZero   = errors.New("division by zero")
	ErrFunctionNotFound = errors.New("function not found")
	ErrUnknownGlobal    = errors.New("unknown global")
	ErrIndexOutOfRange  = errors.New("index out of range")
	ErrUnknownField     = errors.New("unknown field")
	ErrArity            = errors.New("wrong number of arguments")
	ErrNoFrame          = errors.New("no active call frame")
	ErrCancelled        = errors.New("execution cancelled")
	ErrHeapExhausted    = errors.New("heap exhausted")
)

var categoryOf = map[error]error{
	ErrStackUnderflow:   ErrExecution,
	ErrTypeMismatch:     ErrExecution,
	ErrDivisionByZero:   ErrExecution,
	ErrFunctionNotFound: ErrExecution,
	ErrUnknownGlobal:    ErrExecution,
	ErrIndexOutOfRange:  ErrExecution,
	ErrUnknownField:     ErrExecution,
	ErrArity:            ErrExecution,
	ErrNoFrame:          ErrExecution,
	ErrCancelled:        ErrRuntime,
	ErrHeapExhausted:    ErrMemory,
}

// VMError is the error type produced by the VM. Kind is one of the category
// sentinels; Cause is an optional specific sentinel or wrapped lower-layer
// error. IP and Function locate the failing instruction when known.
type VMError struct {
	Kind     error
	Cause    error
	Msg      string
	IP       int
	Function string
}

func (e *VMError) Error() string {
	s := e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	} else if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	if e.IP >= 0 {
		if e.Function != "" {
			s += fmt.Sprintf(" (at %04d in %s)", e.IP, e.Function)
		} else {
			s += fmt.Sprintf(" (at %04d)", e.IP)
		}
	}
	return s
}

func (e *VMError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// newError builds a VMError. kind may be a category or a specific cause; a
// specific cause is filed under its category.
func newError(kind error, format string, args ...any) *VMError {
	e := &VMError{Kind: kind, IP: -1, Msg: fmt.Sprintf(format, args...)}
	if cat, ok := categoryOf[kind]; ok {
		e.Kind = cat
		e.Cause = kind
	}
	return e
}

// wrapError files a lower-layer error under kind.
func wrapError(kind error, err error) *VMError {
	return &VMError{Kind: kind, Cause: err, IP: -1}
}

func typeMismatch(op string, a, b Value) *VMError {
	return newError(ErrTypeMismatch, "cannot %s %s and %s", op, a.Kind(), b.Kind())
}

// locate attaches an instruction position to err if it is a VMError without one.
func locate(err error, ip int, function string) error {
	var ve *VMError
	if errors.As(err, &ve) && ve.IP < 0 {
		ve.IP = ip
		ve.Function = function
	}
	return err
}
