// Package value defines the tagged runtime value shared by the interpreter,
// the heap and JIT-compiled code.
package value

import (
	"fmt"
	"math"
	"strconv"
	"unsafe"
)

// Kind identifies the variant held by a Value. The numeric tags are part of
// the in-memory layout read by native code and stored in heap slots.
type Kind uint8

const (
	// KindInt is a 64-bit signed integer. 32-bit integers are held sign-extended.
	KindInt Kind = iota
	// KindFloat is a 64-bit float. 32-bit floats are held widened.
	KindFloat
	// KindBool is a boolean stored as 0 or 1.
	KindBool
	// KindNull is the absence marker; its payload is always zero.
	KindNull
	// KindRef is a heap reference; the payload is a word offset into linear memory.
	KindRef
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindNull:
		return "null"
	case KindRef:
		return "ref"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the five variants.
func (k Kind) Valid() bool { return k <= KindRef }

// Value is a 16-byte tagged union: the kind occupies the first word (only
// the low byte is meaningful) and the payload the second.
type Value struct {
	Kind Kind
	_    [7]byte
	Bits uint64
}

const (
	// Size is the in-memory size of a Value in bytes.
	Size = 16
	// KindOffset is the byte offset of the tag.
	KindOffset = 0
	// BitsOffset is the byte offset of the payload.
	BitsOffset = 8
)

var _ [Size - unsafe.Sizeof(Value{})]struct{}
var _ [unsafe.Sizeof(Value{}) - Size]struct{}

// Null is the absence value.
var Null = Value{Kind: KindNull}

// Int constructs an integer value.
func Int(n int64) Value { return Value{Kind: KindInt, Bits: uint64(n)} }

// Float constructs a float value.
func Float(f float64) Value { return Value{Kind: KindFloat, Bits: math.Float64bits(f)} }

// Bool constructs a boolean value.
func Bool(b bool) Value {
	if b {
		return Value{Kind: KindBool, Bits: 1}
	}
	return Value{Kind: KindBool}
}

// Ref constructs a reference to the object whose header sits at word offset off.
// Offset 0 is the null sentinel and yields Null.
func Ref(off uint64) Value {
	if off == 0 {
		return Null
	}
	return Value{Kind: KindRef, Bits: off}
}

// FromWords rebuilds a value from its tag and payload words.
func FromWords(tag, bits uint64) Value {
	return Value{Kind: Kind(tag), Bits: bits}
}

// Int returns the integer payload.
func (v Value) Int() int64 { return int64(v.Bits) }

// Float returns the float payload.
func (v Value) Float() float64 { return math.Float64frombits(v.Bits) }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.Bits != 0 }

// Ref returns the heap offset, or 0 for anything that is not a reference.
func (v Value) Ref() uint64 {
	if v.Kind != KindRef {
		return 0
	}
	return v.Bits
}

// IsRef reports whether v points into the heap.
func (v Value) IsRef() bool { return v.Kind == KindRef && v.Bits != 0 }

// IsNull reports whether v is the absence marker.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Tag returns the tag word as stored in a heap slot.
func (v Value) Tag() uint64 { return uint64(v.Kind) }

// Equal compares kind and payload. References compare by identity.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.Bits == o.Bits
}

// String renders the value for diagnostics and the print builtin.
// References render as their offset; strings are resolved by the heap.
func (v Value) String() string {
	switch v.Kind {
	case KindInt:
		return strconv.FormatInt(v.Int(), 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case KindBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case KindNull:
		return "null"
	case KindRef:
		return fmt.Sprintf("ref@%d", v.Bits)
	default:
		return fmt.Sprintf("<invalid kind %d>", uint8(v.Kind))
	}
}
