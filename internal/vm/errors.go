package vm

import (
	"errors"
	"fmt"
	"strings"

	"ember/internal/heap"
	"ember/internal/value"
)

// ErrorCode identifies the class of a runtime error.
type ErrorCode int

// Stable error codes - do not change values.
const (
	CodeOutOfMemory    ErrorCode = 1001 // VM1001: heap exhausted after a full collection
	CodeOutOfBounds    ErrorCode = 1002 // VM1002: slot or element index out of range
	CodeDivisionByZero ErrorCode = 1003 // VM1003: integer division or remainder by zero
	CodeNullReference  ErrorCode = 1004 // VM1004: null dereference
	CodeUncaughtThrow  ErrorCode = 1005 // VM1005: throw with no enclosing handler
	CodeHost           ErrorCode = 1006 // VM1006: host function failed
	CodeThread         ErrorCode = 1007 // VM1007: thread or channel misuse
	CodeTimeout        ErrorCode = 1008 // VM1008: timeout or cancellation
	CodeStackOverflow  ErrorCode = 1009 // VM1009: value stack limit reached
	CodeInternal       ErrorCode = 1999 // VM1999: runtime metadata inconsistency
)

// String returns the code as "VM1001" format.
func (c ErrorCode) String() string {
	return fmt.Sprintf("VM%d", int(c))
}

// Catchable reports whether try regions may intercept errors of this code.
func (c ErrorCode) Catchable() bool {
	switch c {
	case CodeOutOfMemory, CodeTimeout, CodeInternal, CodeStackOverflow:
		return false
	}
	return true
}

// Position is a source location recorded in the line table.
type Position struct {
	File string
	Line int
	Col  int
}

func (p Position) String() string {
	if p.Line == 0 {
		return "<no-pos>"
	}
	file := p.File
	if file == "" {
		file = "<unknown>"
	}
	return fmt.Sprintf("%s:%d:%d", file, p.Line, p.Col)
}

// BacktraceFrame represents one frame in the error backtrace.
type BacktraceFrame struct {
	FuncName string
	PC       int
	Pos      Position
	Native   bool
}

// Error is a runtime error surfaced to the host.
type Error struct {
	Code      ErrorCode
	Message   string
	Pos       Position         // Location where the error was raised
	Backtrace []BacktraceFrame // Stack frames from top to bottom
	// Thrown is the value passed to throw, Null for runtime errors.
	Thrown value.Value

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("error %s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying heap or host error, if any.
func (e *Error) Unwrap() error { return e.cause }

// FormatWithFiles formats the error with its location, the offending source
// line when files holds the file's contents, and the backtrace.
func (e *Error) FormatWithFiles(files map[string][]byte) string {
	var sb strings.Builder

	// Header: error VM1003: <message>
	fmt.Fprintf(&sb, "error %s: %s\n", e.Code, e.Message)
	fmt.Fprintf(&sb, "at %s\n", e.Pos)
	if line, ok := sourceLine(files, e.Pos); ok {
		fmt.Fprintf(&sb, "  | %s\n", line)
		if e.Pos.Col > 0 {
			fmt.Fprintf(&sb, "  | %s^\n", strings.Repeat(" ", e.Pos.Col-1))
		}
	}

	if len(e.Backtrace) > 0 {
		sb.WriteString("backtrace:\n")
		for i, f := range e.Backtrace {
			tier := ""
			if f.Native {
				tier = " [native]"
			}
			fmt.Fprintf(&sb, "  %d: %s pc=%d at %s%s\n", i, f.FuncName, f.PC, f.Pos, tier)
		}
	}
	return sb.String()
}

func sourceLine(files map[string][]byte, pos Position) (string, bool) {
	if files == nil || pos.Line <= 0 {
		return "", false
	}
	src, ok := files[pos.File]
	if !ok {
		return "", false
	}
	lines := strings.Split(string(src), "\n")
	if pos.Line > len(lines) {
		return "", false
	}
	return strings.TrimRight(lines[pos.Line-1], "\r"), true
}

// ResultCode classifies the outcome of a host API call.
type ResultCode int

const (
	ResultOK ResultCode = iota
	ResultInvalidArgument
	ResultNotFound
	ResultTypeMismatch
	ResultRuntimeError
	ResultStackUnderflow
)

var resultNames = [...]string{"ok", "invalid argument", "not found", "type mismatch", "runtime error", "stack underflow"}

func (c ResultCode) String() string {
	if int(c) >= 0 && int(c) < len(resultNames) {
		return resultNames[c]
	}
	return fmt.Sprintf("result(%d)", int(c))
}

// HostError is a failure at the host API boundary. It is never delivered to
// try regions.
type HostError struct {
	Code ResultCode
	Err  error
}

func (e *HostError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *HostError) Unwrap() error { return e.Err }

func hostErr(code ResultCode, format string, args ...any) *HostError {
	return &HostError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ResultOf maps an error returned by the host API to its result code.
func ResultOf(err error) ResultCode {
	if err == nil {
		return ResultOK
	}
	var he *HostError
	if errors.As(err, &he) {
		return he.Code
	}
	return ResultRuntimeError
}

// errorBuilder helps construct Error values from the current frame stack.
type errorBuilder struct {
	vm *VM
}

func (eb *errorBuilder) makeError(code ErrorCode, msg string) *Error {
	e := &Error{Code: code, Message: msg, Thrown: value.Null}
	frames := eb.vm.frames
	e.Backtrace = make([]BacktraceFrame, len(frames))
	for i := len(frames) - 1; i >= 0; i-- {
		f := &frames[i]
		line, col := f.Fn.Position(f.PC)
		e.Backtrace[len(frames)-1-i] = BacktraceFrame{
			FuncName: f.Fn.Name,
			PC:       f.PC,
			Pos:      Position{File: f.Fn.File, Line: line, Col: col},
			Native:   f.unit != nil,
		}
	}
	if len(e.Backtrace) > 0 {
		e.Pos = e.Backtrace[0].Pos
	}
	return e
}

func (eb *errorBuilder) divisionByZero() *Error {
	return eb.makeError(CodeDivisionByZero, "integer division by zero")
}

func (eb *errorBuilder) nullReference() *Error {
	return eb.makeError(CodeNullReference, "null reference")
}

func (eb *errorBuilder) outOfBounds(index, length int) *Error {
	return eb.makeError(CodeOutOfBounds, fmt.Sprintf("index %d out of bounds for length %d", index, length))
}

func (eb *errorBuilder) internal(format string, args ...any) *Error {
	return eb.makeError(CodeInternal, fmt.Sprintf(format, args...))
}

// fromHeap converts a heap or collector failure into a runtime error.
func (eb *errorBuilder) fromHeap(err error) *Error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return e
	case errors.Is(err, heap.ErrOutOfMemory):
		e = eb.makeError(CodeOutOfMemory, "out of memory")
	case errors.Is(err, heap.ErrOutOfBounds), errors.Is(err, heap.ErrTooLarge):
		e = eb.makeError(CodeOutOfBounds, err.Error())
	case errors.Is(err, heap.ErrInvalidRef):
		e = eb.makeError(CodeNullReference, err.Error())
	default:
		e = eb.makeError(CodeInternal, err.Error())
	}
	e.cause = err
	return e
}
