// Package tape implements an operator-overloading algorithmic
// differentiation engine: a tape data model, an active scalar type
// that records onto it, and forward/reverse sweep engines that
// replay the tape to compute values and derivatives of arbitrary
// order.
//
// Go has no operator overloading, so "overloaded operators on AD"
// is realized as ordinary functions and methods on the AD value type
// that append to whichever tape is open on the calling goroutine (see
// recorder.go). Package transform provides a build-time AST rewriter
// that lets a model be written in plain float64 arithmetic and
// retargets it onto this API.
package tape

import "github.com/google/uuid"

// Tag classifies an AD value. The ordering Constant < Dynamic <
// Variable is significant: the tag of an operation's result is the
// maximum of its operands' tags.
type Tag uint8

const (
	Constant Tag = iota
	Dynamic
	Variable
)

func maxTag(a, b Tag) Tag {
	if a > b {
		return a
	}
	return b
}

// TapeID identifies a single recording session. It is process-unique
// for the lifetime of the program (minted from a UUID so that ids
// minted by different goroutines never collide without coordination).
type TapeID uuid.UUID

func newTapeID() TapeID {
	return TapeID(uuid.New())
}

func (id TapeID) String() string {
	return uuid.UUID(id).String()
}

var zeroTapeID TapeID

// AD is the active scalar, the user-visible value type that a
// recording program computes with. Combining two Variable-tagged
// values is only legal when they share TapeID; Recorder dispatch
// enforces this (see activeTapeFor in ops.go).
type AD struct {
	Value  float64
	Tag    Tag
	TapeID TapeID
	Addr   uint32
}

// Const returns a constant AD value, carrying no tape address.
func Const(v float64) AD {
	return AD{Value: v, Tag: Constant}
}

// IsConstant, IsDynamic and IsVariable report the value's tag.
func (x AD) IsConstant() bool { return x.Tag == Constant }
func (x AD) IsDynamic() bool  { return x.Tag == Dynamic }
func (x AD) IsVariable() bool { return x.Tag == Variable }

// Traits are the identity predicates on the base numeric type used
// for short-circuit simplification and tape canonicalization (spec.md
// §3). float64 is the only base type this module supports (as in the
// whole retrieval pack — no repo builds a generic scalar field), so
// Traits is a set of free functions rather than a type-parameterized
// interface.
const identityEps = 0

// IdenticalZero reports whether v is bit-identical to 0, the
// "is this provably the additive identity" predicate used to elide
// 0*x, 0+x, x+0 and x-0 without emitting an opcode.
func IdenticalZero(v float64) bool { return v == 0 && !isNegZero(v) }

// IdenticalOne reports whether v is bit-identical to 1, used to elide
// x*1 and x/1.
func IdenticalOne(v float64) bool { return v == 1 }

// IdenticalConstant reports whether two constants compare equal for
// the purpose of tape canonicalization (CSE keys, optimizer folding).
func IdenticalConstant(a, b float64) bool { return a == b }

func isNegZero(v float64) bool {
	return v == 0 && (1/v) < 0
}

// OpCode tags every record on the main and dynamic-parameter tapes.
// It replaces the teacher's vtable-per-operator-class design (a
// polymorphic C++ operator hierarchy in the original CppAD source)
// with a plain enum dispatched through a single switch per sweep, per
// spec.md's design note on dynamic dispatch.
type OpCode uint16

const (
	opInvalid OpCode = iota

	// Structural
	OpBegin
	OpEnd
	OpInv
	OpPar
	OpPri

	// Unary elementary (primary result, possibly with a paired
	// auxiliary result)
	OpAbs
	OpNeg
	OpSqrt
	OpExp
	OpExpm1
	OpLog
	OpLog1p
	OpSinCos // emits sin then cos as a coupled pair
	OpSinhCosh
	OpTan
	OpTanh
	OpAsin
	OpAcos
	OpAtan
	OpAsinh
	OpAcosh
	OpAtanh
	OpErf
	OpErfc
	OpSign

	// Binary arithmetic, one opcode per operand-tag combination
	OpAddPV
	OpAddVV
	OpSubPV
	OpSubVP
	OpSubVV
	OpMulPV
	OpMulVV
	OpDivPV
	OpDivVP
	OpDivVV
	OpZmulPV
	OpZmulVP
	OpZmulVV
	OpPowPV
	OpPowVP
	OpPowVV

	// Comparisons (0 results, side effect on compare_change tracking)
	OpCompare

	// Conditional expression
	OpCondExp

	// Discrete function call
	OpDis

	// Atomic (external) function call framing
	OpAFun
	OpFunAV
	OpFunAP
	OpFunRV
	OpFunRP

	// VecAD indirection
	OpLdp
	OpLdv
	OpStpp
	OpStpv
	OpStvp
	OpStvv

	// Optimizer opcodes
	OpCSkip
	OpCSum
)

// CompareOp is the predicate recorded by a comparison operator or
// consumed by a CondExp operator.
type CompareOp uint8

const (
	Lt CompareOp = iota
	Le
	Eq
	Ge
	Gt
	Ne
)

func (c CompareOp) eval(x, y float64) bool {
	switch c {
	case Lt:
		return x < y
	case Le:
		return x <= y
	case Eq:
		return x == y
	case Ge:
		return x >= y
	case Gt:
		return x > y
	case Ne:
		return x != y
	default:
		panic("bad compare op")
	}
}
