package bytecode

import "fmt"

// Opcode is a typed instruction. Every arithmetic and comparison opcode
// fixes its operand type, so neither tier dispatches on tags at run time.
type Opcode uint8

const (
	OpNop Opcode = iota

	OpI32Const
	OpI64Const
	OpF32Const
	OpF64Const
	OpBoolConst
	OpRefNull
	OpStrConst

	OpLocalGet
	OpLocalSet
	OpLocalTee
	OpGlobalGet
	OpGlobalSet

	OpDrop
	OpDup
	OpPick

	OpI32Add
	OpI32Sub
	OpI32Mul
	OpI32DivS
	OpI32RemS
	OpI32And
	OpI32Or
	OpI32Xor
	OpI32Shl
	OpI32ShrS
	OpI32Eqz
	OpI32Eq
	OpI32Ne
	OpI32LtS
	OpI32LeS
	OpI32GtS
	OpI32GeS

	OpI64Add
	OpI64Sub
	OpI64Mul
	OpI64DivS
	OpI64RemS
	OpI64And
	OpI64Or
	OpI64Xor
	OpI64Shl
	OpI64ShrS
	OpI64ShrU
	OpI64Eqz
	OpI64Eq
	OpI64Ne
	OpI64LtS
	OpI64LeS
	OpI64GtS
	OpI64GeS

	OpF32Add
	OpF32Sub
	OpF32Mul
	OpF32Div
	OpF32Neg
	OpF32Eq
	OpF32Ne
	OpF32Lt
	OpF32Le
	OpF32Gt
	OpF32Ge

	OpF64Add
	OpF64Sub
	OpF64Mul
	OpF64Div
	OpF64Neg
	OpF64Eq
	OpF64Ne
	OpF64Lt
	OpF64Le
	OpF64Gt
	OpF64Ge

	OpBoolNot
	OpBoolAnd
	OpBoolOr

	OpI32WrapI64
	OpI64ExtendI32S
	OpF64ConvertI64S
	OpI64TruncSatF64S
	OpF32DemoteF64
	OpF64PromoteF32

	OpRefEq
	OpRefIsNull

	OpJmp
	OpBrIf
	OpBrIfFalse
	OpCall
	OpRet
	OpHostCall
	OpPrint

	OpHeapAlloc
	OpHeapAllocDyn
	OpHeapLoad
	OpHeapStore
	OpHeapLoadDyn
	OpHeapStoreDyn
	OpHeapLen

	OpStrConcat
	OpStrEq

	OpVecNew
	OpVecPush
	OpVecGet
	OpVecSet
	OpVecLen

	OpMapNew
	OpMapGet
	OpMapSet
	OpMapHas
	OpMapLen

	OpThrow
	OpTryBegin
	OpTryEnd

	OpGcCollect

	OpThreadSpawn
	OpThreadJoin
	OpChanNew
	OpChanSend
	OpChanRecv

	opCount
)

// ArgKind describes how an instruction's immediate is interpreted.
type ArgKind uint8

const (
	ArgNone ArgKind = iota
	ArgInt
	ArgFloat
	ArgLocal
	ArgGlobal
	ArgTarget
	ArgFunc
	ArgHost
	ArgString
	ArgCount
)

// Flags classify opcodes for the analysis, the interpreter's safe points
// and the JIT driver.
type Flags uint16

const (
	// FlagAlloc marks opcodes that may allocate.
	FlagAlloc Flags = 1 << iota
	// FlagDynAlloc marks allocations whose size is only known at run time;
	// they are safe points.
	FlagDynAlloc
	// FlagCall marks transfers into another function.
	FlagCall
	// FlagBranch marks opcodes whose immediate is a jump target.
	FlagBranch
	// FlagTerminator marks opcodes after which control never falls through.
	FlagTerminator
	// FlagTyped marks opcodes that carry a result type.
	FlagTyped
	// FlagStore marks heap slot stores, which take the write barrier.
	FlagStore
	// FlagBlocking marks opcodes that may block the thread.
	FlagBlocking
)

type opInfo struct {
	name  string
	arg   ArgKind
	flags Flags
}

var opInfos = [opCount]opInfo{
	OpNop: {"nop", ArgNone, 0},

	OpI32Const:  {"i32.const", ArgInt, 0},
	OpI64Const:  {"i64.const", ArgInt, 0},
	OpF32Const:  {"f32.const", ArgFloat, 0},
	OpF64Const:  {"f64.const", ArgFloat, 0},
	OpBoolConst: {"bool.const", ArgInt, 0},
	OpRefNull:   {"ref.null", ArgNone, 0},
	OpStrConst:  {"str.const", ArgString, FlagAlloc},

	OpLocalGet:  {"local.get", ArgLocal, 0},
	OpLocalSet:  {"local.set", ArgLocal, 0},
	OpLocalTee:  {"local.tee", ArgLocal, 0},
	OpGlobalGet: {"global.get", ArgGlobal, 0},
	OpGlobalSet: {"global.set", ArgGlobal, 0},

	OpDrop: {"drop", ArgNone, 0},
	OpDup:  {"dup", ArgNone, 0},
	OpPick: {"pick", ArgCount, 0},

	OpI32Add:  {"i32.add", ArgNone, 0},
	OpI32Sub:  {"i32.sub", ArgNone, 0},
	OpI32Mul:  {"i32.mul", ArgNone, 0},
	OpI32DivS: {"i32.div_s", ArgNone, 0},
	OpI32RemS: {"i32.rem_s", ArgNone, 0},
	OpI32And:  {"i32.and", ArgNone, 0},
	OpI32Or:   {"i32.or", ArgNone, 0},
	OpI32Xor:  {"i32.xor", ArgNone, 0},
	OpI32Shl:  {"i32.shl", ArgNone, 0},
	OpI32ShrS: {"i32.shr_s", ArgNone, 0},
	OpI32Eqz:  {"i32.eqz", ArgNone, 0},
	OpI32Eq:   {"i32.eq", ArgNone, 0},
	OpI32Ne:   {"i32.ne", ArgNone, 0},
	OpI32LtS:  {"i32.lt_s", ArgNone, 0},
	OpI32LeS:  {"i32.le_s", ArgNone, 0},
	OpI32GtS:  {"i32.gt_s", ArgNone, 0},
	OpI32GeS:  {"i32.ge_s", ArgNone, 0},

	OpI64Add:  {"i64.add", ArgNone, 0},
	OpI64Sub:  {"i64.sub", ArgNone, 0},
	OpI64Mul:  {"i64.mul", ArgNone, 0},
	OpI64DivS: {"i64.div_s", ArgNone, 0},
	OpI64RemS: {"i64.rem_s", ArgNone, 0},
	OpI64And:  {"i64.and", ArgNone, 0},
	OpI64Or:   {"i64.or", ArgNone, 0},
	OpI64Xor:  {"i64.xor", ArgNone, 0},
	OpI64Shl:  {"i64.shl", ArgNone, 0},
	OpI64ShrS: {"i64.shr_s", ArgNone, 0},
	OpI64ShrU: {"i64.shr_u", ArgNone, 0},
	OpI64Eqz:  {"i64.eqz", ArgNone, 0},
	OpI64Eq:   {"i64.eq", ArgNone, 0},
	OpI64Ne:   {"i64.ne", ArgNone, 0},
	OpI64LtS:  {"i64.lt_s", ArgNone, 0},
	OpI64LeS:  {"i64.le_s", ArgNone, 0},
	OpI64GtS:  {"i64.gt_s", ArgNone, 0},
	OpI64GeS:  {"i64.ge_s", ArgNone, 0},

	OpF32Add: {"f32.add", ArgNone, 0},
	OpF32Sub: {"f32.sub", ArgNone, 0},
	OpF32Mul: {"f32.mul", ArgNone, 0},
	OpF32Div: {"f32.div", ArgNone, 0},
	OpF32Neg: {"f32.neg", ArgNone, 0},
	OpF32Eq:  {"f32.eq", ArgNone, 0},
	OpF32Ne:  {"f32.ne", ArgNone, 0},
	OpF32Lt:  {"f32.lt", ArgNone, 0},
	OpF32Le:  {"f32.le", ArgNone, 0},
	OpF32Gt:  {"f32.gt", ArgNone, 0},
	OpF32Ge:  {"f32.ge", ArgNone, 0},

	OpF64Add: {"f64.add", ArgNone, 0},
	OpF64Sub: {"f64.sub", ArgNone, 0},
	OpF64Mul: {"f64.mul", ArgNone, 0},
	OpF64Div: {"f64.div", ArgNone, 0},
	OpF64Neg: {"f64.neg", ArgNone, 0},
	OpF64Eq:  {"f64.eq", ArgNone, 0},
	OpF64Ne:  {"f64.ne", ArgNone, 0},
	OpF64Lt:  {"f64.lt", ArgNone, 0},
	OpF64Le:  {"f64.le", ArgNone, 0},
	OpF64Gt:  {"f64.gt", ArgNone, 0},
	OpF64Ge:  {"f64.ge", ArgNone, 0},

	OpBoolNot: {"bool.not", ArgNone, 0},
	OpBoolAnd: {"bool.and", ArgNone, 0},
	OpBoolOr:  {"bool.or", ArgNone, 0},

	OpI32WrapI64:      {"i32.wrap_i64", ArgNone, 0},
	OpI64ExtendI32S:   {"i64.extend_i32_s", ArgNone, 0},
	OpF64ConvertI64S:  {"f64.convert_i64_s", ArgNone, 0},
	OpI64TruncSatF64S: {"i64.trunc_sat_f64_s", ArgNone, 0},
	OpF32DemoteF64:    {"f32.demote_f64", ArgNone, 0},
	OpF64PromoteF32:   {"f64.promote_f32", ArgNone, 0},

	OpRefEq:     {"ref.eq", ArgNone, 0},
	OpRefIsNull: {"ref.is_null", ArgNone, 0},

	OpJmp:       {"jmp", ArgTarget, FlagBranch | FlagTerminator},
	OpBrIf:      {"br_if", ArgTarget, FlagBranch},
	OpBrIfFalse: {"br_if_false", ArgTarget, FlagBranch},
	OpCall:      {"call", ArgFunc, FlagCall},
	OpRet:       {"ret", ArgNone, FlagTerminator},
	OpHostCall:  {"host.call", ArgHost, FlagCall | FlagAlloc | FlagBlocking},
	OpPrint:     {"print", ArgNone, 0},

	OpHeapAlloc:    {"heap.alloc", ArgCount, FlagAlloc},
	OpHeapAllocDyn: {"heap.alloc_dyn", ArgNone, FlagAlloc | FlagDynAlloc},
	OpHeapLoad:     {"heap.load", ArgCount, FlagTyped},
	OpHeapStore:    {"heap.store", ArgCount, FlagStore},
	OpHeapLoadDyn:  {"heap.load_dyn", ArgNone, FlagTyped},
	OpHeapStoreDyn: {"heap.store_dyn", ArgNone, FlagStore},
	OpHeapLen:      {"heap.len", ArgNone, 0},

	OpStrConcat: {"str.concat", ArgNone, FlagAlloc | FlagDynAlloc},
	OpStrEq:     {"str.eq", ArgNone, 0},

	OpVecNew:  {"vec.new", ArgNone, FlagAlloc | FlagDynAlloc},
	OpVecPush: {"vec.push", ArgNone, FlagAlloc | FlagDynAlloc | FlagStore},
	OpVecGet:  {"vec.get", ArgNone, FlagTyped},
	OpVecSet:  {"vec.set", ArgNone, FlagStore},
	OpVecLen:  {"vec.len", ArgNone, 0},

	OpMapNew: {"map.new", ArgNone, FlagAlloc},
	OpMapGet: {"map.get", ArgNone, FlagTyped},
	OpMapSet: {"map.set", ArgNone, FlagAlloc | FlagDynAlloc | FlagStore},
	OpMapHas: {"map.has", ArgNone, 0},
	OpMapLen: {"map.len", ArgNone, 0},

	OpThrow:    {"throw", ArgNone, FlagTerminator},
	OpTryBegin: {"try_begin", ArgTarget, 0},
	OpTryEnd:   {"try_end", ArgNone, 0},

	OpGcCollect: {"gc.collect", ArgNone, FlagAlloc},

	OpThreadSpawn: {"thread.spawn", ArgFunc, FlagBlocking},
	OpThreadJoin:  {"thread.join", ArgNone, FlagTyped | FlagBlocking},
	OpChanNew:     {"chan.new", ArgNone, 0},
	OpChanSend:    {"chan.send", ArgNone, FlagBlocking},
	OpChanRecv:    {"chan.recv", ArgNone, FlagTyped | FlagBlocking},
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, opCount)
	for i := range opCount {
		m[opInfos[i].name] = Opcode(i)
	}
	return m
}()

// String returns the assembler mnemonic.
func (op Opcode) String() string {
	if op < opCount {
		return opInfos[op].name
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Valid reports whether op is defined.
func (op Opcode) Valid() bool { return op < opCount }

// Arg reports the immediate kind.
func (op Opcode) Arg() ArgKind {
	if op < opCount {
		return opInfos[op].arg
	}
	return ArgNone
}

// Has reports whether op carries all flags in f.
func (op Opcode) Has(f Flags) bool {
	return op < opCount && opInfos[op].flags&f == f
}

// OpcodeByName resolves a mnemonic.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// NumOpcodes is the number of defined opcodes.
const NumOpcodes = int(opCount)
