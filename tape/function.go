package tape

import "math"

// Function is a closed recording (spec.md §3's F<Base>): an immutable
// Tape plus the mutable per-order Taylor/partial arenas a sweep writes
// into. Building one via BuildFunction clears the goroutine's active
// recording; a Function itself is safe to use from one goroutine at a
// time (Clone gives each worker goroutine its own arenas, the pattern
// parallel.go uses for ParallelForward).
type Function struct {
	tape *Tape

	dynValue []float64 // current parameter-pool values, mutated by NewDynamic

	taylor   [][]float64 // taylor[varAddr] = coefficients order 0..curOrder
	curOrder int

	partial [][]float64 // partial[varAddr][order], populated by Reverse

	compareChangeCount int

	resultCursor uint32 // next unwritten variable address, advances as Forward walks opcodes

	// afunCalls is t.atomicCalls filtered to the ones that recorded an
	// OpAFun opcode, in the same relative order those opcodes appear
	// in t.opcode, so Forward can pair each OpAFun it meets with the
	// call record describing its operands and registered callback.
	afunCalls []atomicCallRecord

	// dirClones holds one continuation per direction once ForwardDir
	// has opened a multi-direction sweep (forward.go); nil otherwise.
	dirClones []*Function
}

func newFunction(t *Tape) *Function {
	f := &Function{
		tape:     t,
		dynValue: append([]float64(nil), t.parPool...),
		taylor:   make([][]float64, t.nVar),
		curOrder: -1,
	}
	f.evalDynamicTape()
	for _, c := range t.atomicCalls {
		if !c.dynamic {
			f.afunCalls = append(f.afunCalls, c)
		}
	}
	return f
}

// evalDynamicTape replays the dynamic-parameter mini-tape (spec.md
// §4.1's new_dynamic semantics), writing results into f.dynValue in
// place of the recorded placeholder values.
func (f *Function) evalDynamicTape() {
	t := f.tape
	for i, op := range t.dynOpcode {
		args := t.dynArgBegin[i]
		var end uint32
		if i+1 < len(t.dynArgBegin) {
			end = t.dynArgBegin[i+1]
		} else {
			end = uint32(len(t.dynArg))
		}
		a := t.dynArg[args:end]
		out := t.dynIndToPar[i]
		f.dynValue[out] = f.evalDynOp(op, a)
	}
}

func (f *Function) dynOperand(word uint32) float64 {
	kind, idx := decodeOperand(word)
	if kind == operandPar {
		return f.dynValue[idx]
	}
	panic("dynamic-parameter tape referenced a variable operand")
}

func (f *Function) evalDynOp(op OpCode, a []uint32) float64 {
	switch op {
	case OpAddPV, OpAddVV:
		return f.dynOperand(a[0]) + f.dynOperand(a[1])
	case OpSubPV, OpSubVP, OpSubVV:
		return f.dynOperand(a[0]) - f.dynOperand(a[1])
	case OpMulPV, OpMulVV:
		return f.dynOperand(a[0]) * f.dynOperand(a[1])
	case OpDivPV, OpDivVP, OpDivVV:
		return f.dynOperand(a[0]) / f.dynOperand(a[1])
	case OpZmulPV, OpZmulVP, OpZmulVV:
		return azmul(f.dynOperand(a[0]), f.dynOperand(a[1]))
	case OpPowPV, OpPowVP, OpPowVV:
		return powConstSeries([]float64{f.dynOperand(a[0])}, f.dynOperand(a[1]))[0]
	case OpNeg:
		return -f.dynOperand(a[0])
	case OpDis:
		return discreteByID(int(a[0]))(f.dynOperand(a[2]))
	case OpCondExp:
		cop := CompareOp(a[0])
		l, r := f.dynOperand(a[2]), f.dynOperand(a[3])
		if cop.eval(l, r) {
			return f.dynOperand(a[4])
		}
		return f.dynOperand(a[5])
	case OpSinCos:
		x := f.dynOperand(a[0])
		if len(a) > 1 && a[1] == 1 {
			return math.Cos(x)
		}
		return math.Sin(x)
	case OpSinhCosh:
		x := f.dynOperand(a[0])
		if len(a) > 1 && a[1] == 1 {
			return math.Cosh(x)
		}
		return math.Sinh(x)
	default:
		if ev, ok := unaryEval[op]; ok {
			return ev(f.dynOperand(a[0]))
		}
		panic("unhandled dynamic opcode")
	}
}

// NewDynamic replaces the dynamic-parameter independent values and
// replays the dynamic mini-tape, without re-recording the main tape
// (spec.md §4.1). Any in-progress Forward/Reverse state is discarded:
// callers must start again from order 0.
func (f *Function) NewDynamic(p []float64) error {
	if uint32(len(p)) != f.tape.nDynInd {
		return errf(DimensionMismatch, "want %d dynamic parameters, got %d", f.tape.nDynInd, len(p))
	}
	for i, v := range p {
		f.dynValue[i] = v
	}
	f.evalDynamicTape()
	f.taylor = make([][]float64, f.tape.nVar)
	f.curOrder = -1
	f.partial = nil
	return nil
}

// CompareChangeCount reports how many recorded comparisons flipped
// outcome the last time a zero-order Forward ran at a new point
// (spec.md §4.3/§7).
func (f *Function) CompareChangeCount() int { return f.compareChangeCount }

// Domain and Range report the number of independent and dependent
// variables.
func (f *Function) Domain() int { return int(f.tape.nInd) }
func (f *Function) Range() int  { return len(f.tape.depVar) }

// CheckForNaN reports whether any zero-order Taylor coefficient
// computed so far is NaN, the condition spec.md §7 calls
// NanEncountered.
func (f *Function) CheckForNaN() bool {
	if f.curOrder < 0 {
		return false
	}
	for _, c := range f.taylor {
		if len(c) > 0 && c[0] != c[0] {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of f sharing the same immutable
// Tape but with its own Taylor/partial arenas, so it can be driven
// from another goroutine concurrently with f (parallel.go).
func (f *Function) Clone() *Function {
	c := &Function{
		tape:      f.tape,
		dynValue:  append([]float64(nil), f.dynValue...),
		taylor:    make([][]float64, len(f.tape.opArg)),
		curOrder:  -1,
		afunCalls: f.afunCalls,
	}
	c.taylor = make([][]float64, f.tape.nVar)
	return c
}

// cloneState is like Clone but carries over the Taylor coefficients and
// order already computed, used by ForwardDir to fork one continuation
// per direction from a shared zero-order (and, for order >= 2, shared
// lower-order) base.
func (f *Function) cloneState() *Function {
	c := &Function{
		tape:               f.tape,
		dynValue:           append([]float64(nil), f.dynValue...),
		taylor:             make([][]float64, len(f.taylor)),
		curOrder:           f.curOrder,
		resultCursor:       f.resultCursor,
		compareChangeCount: f.compareChangeCount,
		afunCalls:          f.afunCalls,
	}
	for i, row := range f.taylor {
		c.taylor[i] = append([]float64(nil), row...)
	}
	return c
}
