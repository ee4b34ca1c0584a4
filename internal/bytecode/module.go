// Package bytecode defines the typed instruction set consumed by the VM:
// the in-memory function table, its binary serialization, static stack
// analysis and stack maps, and a textual assembler and disassembler.
package bytecode

import (
	"fmt"
	"math"
	"sort"

	"ember/internal/value"
)

// ValType is the static type of a local, a global or an operand slot.
type ValType uint8

const (
	TypeVoid ValType = iota
	TypeI32
	TypeI64
	TypeF32
	TypeF64
	TypeBool
	TypeRef
)

var typeNames = [...]string{
	TypeVoid: "void",
	TypeI32:  "i32",
	TypeI64:  "i64",
	TypeF32:  "f32",
	TypeF64:  "f64",
	TypeBool: "bool",
	TypeRef:  "ref",
}

func (t ValType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType resolves a type name.
func ParseType(s string) (ValType, error) {
	for i, n := range typeNames {
		if n == s {
			return ValType(i), nil
		}
	}
	return TypeVoid, fmt.Errorf("unknown type %q", s)
}

// IsRef reports whether slots of this type may hold heap references.
func (t ValType) IsRef() bool { return t == TypeRef }

// Valid reports whether t names a value type (void excluded).
func (t ValType) Valid() bool { return t >= TypeI32 && t <= TypeRef }

// Zero is the initial value of a local or global of this type.
func (t ValType) Zero() value.Value {
	switch t {
	case TypeI32, TypeI64:
		return value.Int(0)
	case TypeF32, TypeF64:
		return value.Float(0)
	case TypeBool:
		return value.Bool(false)
	default:
		return value.Null
	}
}

// Admits reports whether a runtime value is acceptable for this type.
func (t ValType) Admits(v value.Value) bool {
	switch t {
	case TypeI32, TypeI64:
		return v.Kind == value.KindInt
	case TypeF32, TypeF64:
		return v.Kind == value.KindFloat
	case TypeBool:
		return v.Kind == value.KindBool
	case TypeRef:
		return v.Kind == value.KindRef || v.Kind == value.KindNull
	default:
		return false
	}
}

// Instr is one decoded instruction. Arg holds the immediate: an integer,
// float bits, or an index/target depending on Op.Arg(). Type is the result
// type of typed opcodes.
type Instr struct {
	Op   Opcode
	Type ValType
	Arg  int64
}

// Float returns the float immediate.
func (in Instr) Float() float64 { return math.Float64frombits(uint64(in.Arg)) }

// Index returns the immediate as an index or count.
func (in Instr) Index() int { return int(in.Arg) }

// I constructs an instruction with an integer immediate.
func I(op Opcode, arg int64) Instr { return Instr{Op: op, Arg: arg} }

// F constructs a float-constant instruction.
func F(op Opcode, f float64) Instr { return Instr{Op: op, Arg: int64(math.Float64bits(f))} }

// T constructs a typed instruction.
func T(op Opcode, t ValType, arg int64) Instr { return Instr{Op: op, Type: t, Arg: arg} }

// LineEntry maps the first pc of a run of instructions to a source position.
type LineEntry struct {
	PC   int
	Line int
	Col  int
}

// Function is one entry of the function table. The first len(Params)
// locals are the parameters.
type Function struct {
	Name   string
	File   string
	Params []ValType
	Result ValType
	Locals []ValType
	Code   []Instr
	Lines  []LineEntry
	// StackMap is compiler-provided safe-point metadata keyed by bytecode pc.
	// It is optional; the JIT derives and cross-checks it when present.
	StackMap *StackMap

	Index int
}

// Arity is the number of parameters.
func (f *Function) Arity() int { return len(f.Params) }

// Position returns the source line and column recorded for pc.
func (f *Function) Position(pc int) (line, col int) {
	i := sort.Search(len(f.Lines), func(i int) bool { return f.Lines[i].PC > pc })
	if i == 0 {
		return 0, 0
	}
	e := f.Lines[i-1]
	return e.Line, e.Col
}

// Global is a module-level binding.
type Global struct {
	Name string
	Type ValType
}

// HostImport declares a host function callable through host.call.
type HostImport struct {
	Name   string
	Params []ValType
	Result ValType
}

// Module is a loaded function table.
type Module struct {
	Strings   []string
	Globals   []Global
	Imports   []HostImport
	Functions []*Function
	Entry     int
}

// NewModule returns an empty module with no entry point.
func NewModule() *Module { return &Module{Entry: -1} }

// AddFunction appends fn and assigns its index.
func (m *Module) AddFunction(fn *Function) int {
	fn.Index = len(m.Functions)
	m.Functions = append(m.Functions, fn)
	return fn.Index
}

// Intern returns the pool index of s, adding it when missing.
func (m *Module) Intern(s string) int {
	for i, x := range m.Strings {
		if x == s {
			return i
		}
	}
	m.Strings = append(m.Strings, s)
	return len(m.Strings) - 1
}

// Function looks a function up by name.
func (m *Module) Function(name string) (*Function, bool) {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return nil, false
}

// GlobalIndex looks a global up by name.
func (m *Module) GlobalIndex(name string) (int, bool) {
	for i, g := range m.Globals {
		if g.Name == name {
			return i, true
		}
	}
	return -1, false
}

// Validate checks structural well-formedness: indices and targets in range.
// It is not a verifier; stack discipline is checked by Analyze.
func (m *Module) Validate() error {
	if m.Entry >= len(m.Functions) {
		return fmt.Errorf("entry function %d out of range", m.Entry)
	}
	for _, g := range m.Globals {
		if !g.Type.Valid() {
			return fmt.Errorf("global %s: invalid type %s", g.Name, g.Type)
		}
	}
	for fi, fn := range m.Functions {
		if fn.Index != fi {
			return fmt.Errorf("function %s: index %d, table position %d", fn.Name, fn.Index, fi)
		}
		if len(fn.Locals) < len(fn.Params) {
			return fmt.Errorf("function %s: %d locals cannot hold %d params", fn.Name, len(fn.Locals), len(fn.Params))
		}
		for i, p := range fn.Params {
			if fn.Locals[i] != p {
				return fmt.Errorf("function %s: local %d is %s, param is %s", fn.Name, i, fn.Locals[i], p)
			}
		}
		for pc, in := range fn.Code {
			if err := m.validateInstr(fn, in); err != nil {
				return fmt.Errorf("function %s pc %d (%s): %w", fn.Name, pc, in.Op, err)
			}
		}
	}
	return nil
}

func (m *Module) validateInstr(fn *Function, in Instr) error {
	if !in.Op.Valid() {
		return fmt.Errorf("invalid opcode %d", in.Op)
	}
	if in.Op.Has(FlagTyped) && !in.Type.Valid() {
		return fmt.Errorf("missing result type")
	}
	n := in.Arg
	inRange := func(limit int) error {
		if n < 0 || n >= int64(limit) {
			return fmt.Errorf("immediate %d out of range [0,%d)", n, limit)
		}
		return nil
	}
	switch in.Op.Arg() {
	case ArgLocal:
		return inRange(len(fn.Locals))
	case ArgGlobal:
		return inRange(len(m.Globals))
	case ArgTarget:
		return inRange(len(fn.Code))
	case ArgFunc:
		return inRange(len(m.Functions))
	case ArgHost:
		return inRange(len(m.Imports))
	case ArgString:
		return inRange(len(m.Strings))
	case ArgCount:
		if n < 0 {
			return fmt.Errorf("negative count %d", n)
		}
	}
	return nil
}
