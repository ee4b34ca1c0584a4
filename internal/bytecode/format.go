package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"fortio.org/safecast"
)

// Binary layout, little endian:
//
//	magic "EMBR", u32 version
//	u32 pool size, u32 constant-string count, pool strings (u32 len + bytes)
//	u32 globals   { u32 name, u8 type }
//	u32 imports   { u32 name, u8 nparams, u8 params..., u8 result }
//	u32 functions { u32 name, u32 file, u8 nparams, u8 params..., u8 result,
//	                u32 nlocals, u8 locals..., u32 ncode, code...,
//	                u32 nlines { u32 pc, u32 line, u32 col },
//	                u8 has-stack-map [u32 n { u32 pc, u16 height, u64 stack, u64 locals }] }
//	u32 entry (0xffffffff when absent)
//
// An instruction is u8 opcode, u8 type, and an i64 immediate unless the
// opcode takes none.
const (
	Magic         = "EMBR"
	FormatVersion = 1
	noIndex       = ^uint32(0)
)

var (
	// ErrBadMagic is returned for input that is not a serialized module.
	ErrBadMagic = errors.New("bytecode: bad magic")
	// ErrVersion is returned for a format version this build cannot read.
	ErrVersion = errors.New("bytecode: unsupported format version")
	// ErrTruncated is returned when input ends early.
	ErrTruncated = errors.New("bytecode: truncated input")
)

type encoder struct {
	buf  []byte
	pool []string
	idx  map[string]uint32
	err  error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) count(n int) {
	v, err := safecast.Conv[uint32](n)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("bytecode: count %d: %w", n, err)
	}
	e.u32(v)
}

func (e *encoder) small(n int) {
	v, err := safecast.Conv[uint8](n)
	if err != nil && e.err == nil {
		e.err = fmt.Errorf("bytecode: count %d: %w", n, err)
	}
	e.u8(v)
}

func (e *encoder) str(s string) uint32 {
	if i, ok := e.idx[s]; ok {
		return i
	}
	i := uint32(len(e.pool))
	e.pool = append(e.pool, s)
	e.idx[s] = i
	return i
}

// Encode serializes m.
func Encode(m *Module) ([]byte, error) {
	e := &encoder{idx: make(map[string]uint32)}
	// Constant strings keep their indices; names are appended after them.
	for i, s := range m.Strings {
		e.pool = append(e.pool, s)
		if _, ok := e.idx[s]; !ok {
			e.idx[s] = uint32(i)
		}
	}
	body := &encoder{idx: e.idx, pool: e.pool}
	body.count(len(m.Globals))
	for _, g := range m.Globals {
		body.u32(body.str(g.Name))
		body.u8(uint8(g.Type))
	}
	body.count(len(m.Imports))
	for _, imp := range m.Imports {
		body.u32(body.str(imp.Name))
		body.types(imp.Params)
		body.u8(uint8(imp.Result))
	}
	body.count(len(m.Functions))
	for _, fn := range m.Functions {
		body.function(fn)
	}
	if m.Entry < 0 {
		body.u32(noIndex)
	} else {
		body.count(m.Entry)
	}
	if body.err != nil {
		return nil, body.err
	}

	e.buf = append(e.buf, Magic...)
	e.u32(FormatVersion)
	e.count(len(body.pool))
	e.count(len(m.Strings))
	for _, s := range body.pool {
		e.count(len(s))
		e.buf = append(e.buf, s...)
	}
	e.buf = append(e.buf, body.buf...)
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

func (e *encoder) types(ts []ValType) {
	e.small(len(ts))
	for _, t := range ts {
		e.u8(uint8(t))
	}
}

func (e *encoder) function(fn *Function) {
	e.u32(e.str(fn.Name))
	if fn.File == "" {
		e.u32(noIndex)
	} else {
		e.u32(e.str(fn.File))
	}
	e.types(fn.Params)
	e.u8(uint8(fn.Result))
	e.count(len(fn.Locals))
	for _, t := range fn.Locals {
		e.u8(uint8(t))
	}
	e.count(len(fn.Code))
	for _, in := range fn.Code {
		e.u8(uint8(in.Op))
		e.u8(uint8(in.Type))
		if in.Op.Arg() != ArgNone {
			e.u64(uint64(in.Arg))
		}
	}
	e.count(len(fn.Lines))
	for _, l := range fn.Lines {
		e.count(l.PC)
		e.count(l.Line)
		e.count(l.Col)
	}
	if fn.StackMap == nil {
		e.u8(0)
		return
	}
	e.u8(1)
	e.count(len(fn.StackMap.Entries))
	for _, se := range fn.StackMap.Entries {
		e.u32(se.PC)
		e.u16(se.Height)
		e.u64(se.StackRefs)
		e.u64(se.LocalRefs)
	}
}

type decoder struct {
	buf  []byte
	off  int
	pool []string
	err  error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Errorf("%w at offset %d", ErrTruncated, d.off)
		return false
	}
	return true
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) n() int {
	v := d.u32()
	n, err := safecast.Conv[int](v)
	if err != nil && d.err == nil {
		d.err = err
	}
	// Every counted element takes at least one byte.
	if d.err == nil && n > len(d.buf)-d.off {
		d.err = fmt.Errorf("%w: count %d at offset %d", ErrTruncated, n, d.off)
	}
	return n
}

func (d *decoder) str() string {
	i := d.u32()
	if d.err != nil {
		return ""
	}
	if int(i) >= len(d.pool) {
		d.err = fmt.Errorf("bytecode: string index %d out of range", i)
		return ""
	}
	return d.pool[i]
}

func (d *decoder) types() []ValType {
	n := int(d.u8())
	if n == 0 {
		return nil
	}
	ts := make([]ValType, n)
	for i := range ts {
		ts[i] = ValType(d.u8())
	}
	return ts
}

// Decode parses a serialized module.
func Decode(buf []byte) (*Module, error) {
	d := &decoder{buf: buf}
	if !d.need(len(Magic)) || string(buf[:len(Magic)]) != Magic {
		return nil, ErrBadMagic
	}
	d.off = len(Magic)
	if v := d.u32(); d.err == nil && v != FormatVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, v)
	}
	poolLen := d.n()
	constLen := d.n()
	for range poolLen {
		l := d.n()
		if !d.need(l) {
			break
		}
		d.pool = append(d.pool, string(buf[d.off:d.off+l]))
		d.off += l
	}
	if d.err == nil && constLen > len(d.pool) {
		return nil, fmt.Errorf("bytecode: %d constant strings in a pool of %d", constLen, len(d.pool))
	}
	if d.err != nil {
		return nil, d.err
	}

	m := NewModule()
	if constLen > 0 {
		m.Strings = append([]string(nil), d.pool[:constLen]...)
	}
	for range d.n() {
		m.Globals = append(m.Globals, Global{Name: d.str(), Type: ValType(d.u8())})
	}
	for range d.n() {
		imp := HostImport{Name: d.str()}
		imp.Params = d.types()
		imp.Result = ValType(d.u8())
		m.Imports = append(m.Imports, imp)
	}
	for range d.n() {
		fn := d.function()
		if d.err != nil {
			break
		}
		m.AddFunction(fn)
	}
	entry := d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if entry != noIndex {
		m.Entry = int(entry)
	}
	if d.off != len(buf) {
		return nil, fmt.Errorf("bytecode: %d trailing bytes", len(buf)-d.off)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("bytecode: %w", err)
	}
	return m, nil
}

func (d *decoder) function() *Function {
	fn := &Function{Name: d.str()}
	if file := d.u32(); file != noIndex && d.err == nil {
		if int(file) >= len(d.pool) {
			d.err = fmt.Errorf("bytecode: file index %d out of range", file)
			return fn
		}
		fn.File = d.pool[file]
	}
	fn.Params = d.types()
	fn.Result = ValType(d.u8())
	nl := d.n()
	for range nl {
		fn.Locals = append(fn.Locals, ValType(d.u8()))
	}
	nc := d.n()
	for range nc {
		in := Instr{Op: Opcode(d.u8()), Type: ValType(d.u8())}
		if !in.Op.Valid() {
			if d.err == nil {
				d.err = fmt.Errorf("bytecode: function %s: invalid opcode %d", fn.Name, in.Op)
			}
			return fn
		}
		if in.Op.Arg() != ArgNone {
			in.Arg = int64(d.u64())
		}
		fn.Code = append(fn.Code, in)
	}
	for range d.n() {
		fn.Lines = append(fn.Lines, LineEntry{PC: int(d.u32()), Line: int(d.u32()), Col: int(d.u32())})
	}
	if d.u8() == 1 {
		sm := &StackMap{Locals: len(fn.Locals)}
		for range d.n() {
			sm.Entries = append(sm.Entries, StackMapEntry{
				PC:        d.u32(),
				Height:    d.u16(),
				StackRefs: d.u64(),
				LocalRefs: d.u64(),
			})
		}
		fn.StackMap = sm
	}
	return fn
}

// WriteFile serializes m to path.
func WriteFile(path string, m *Module) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadFile loads a serialized module from path.
func ReadFile(path string) (*Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Load reads a serialized module from r.
func Load(r io.Reader) (*Module, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
