package tape

import "math"

// Unary elementary operators (spec.md §4.3's table). Sin/Cos and
// Sinh/Cosh are recorded as a single coupled opcode each, emitting
// both values as adjacent result variables, because their Taylor
// recurrences need each other's coefficients at every order and
// storing both up front avoids recomputing either from scratch during
// the sweep. Every other unary op (including the ones whose
// derivative law needs an auxiliary quantity, e.g. tan's 1+z²) keeps
// a single result variable and recomputes the auxiliary value from
// the stored Taylor coefficients inside the sweep kernel instead of
// persisting it as a second tape slot — mathematically equivalent,
// and it keeps the opcode/argument encoding uniform.
type unaryFn func(x float64) float64

var unaryEval = map[OpCode]unaryFn{
	OpAbs:    math.Abs,
	OpSqrt:   math.Sqrt,
	OpExp:    math.Exp,
	OpExpm1:  math.Expm1,
	OpLog:    math.Log,
	OpLog1p:  math.Log1p,
	OpTan:    math.Tan,
	OpTanh:   math.Tanh,
	OpAsin:   math.Asin,
	OpAcos:   math.Acos,
	OpAtan:   math.Atan,
	OpAsinh:  math.Asinh,
	OpAcosh:  math.Acosh,
	OpAtanh:  math.Atanh,
	OpErf:    math.Erf,
	OpErfc:   math.Erfc,
	OpSign:   signOf,
}

func signOf(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func unary(op OpCode, x AD) AD {
	f := unaryEval[op]
	value := f(x.Value)
	return unaryGeneric(op, x, value)
}

func unaryGeneric(op OpCode, x AD, value float64) AD {
	if x.Tag != Variable && x.Tag != Dynamic {
		return Const(value)
	}
	t, err := activeTapeFor(x)
	if err != nil {
		panic(err)
	}
	xo := operandFor(t, x)
	if x.Tag == Dynamic {
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, op)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}
	t.beginOp(op, 1, 1)
	t.appendArg(encodeOperand(xo))
	t.closeOpArgs()
	return t.newVar(value, t.nVar-1)
}

func Abs(x AD) AD   { return unary(OpAbs, x) }
func Sqrt(x AD) AD  { return unary(OpSqrt, x) }
func Exp(x AD) AD   { return unary(OpExp, x) }
func Expm1(x AD) AD { return unary(OpExpm1, x) }
func Log(x AD) AD   { return unary(OpLog, x) }
func Log1p(x AD) AD { return unary(OpLog1p, x) }
func Tan(x AD) AD   { return unary(OpTan, x) }
func Tanh(x AD) AD  { return unary(OpTanh, x) }
func Asin(x AD) AD  { return unary(OpAsin, x) }
func Acos(x AD) AD  { return unary(OpAcos, x) }
func Atan(x AD) AD  { return unary(OpAtan, x) }
func Asinh(x AD) AD { return unary(OpAsinh, x) }
func Acosh(x AD) AD { return unary(OpAcosh, x) }
func Atanh(x AD) AD { return unary(OpAtanh, x) }
func Erf(x AD) AD   { return unary(OpErf, x) }
func Erfc(x AD) AD  { return unary(OpErfc, x) }

// Sign is piecewise-constant: its derivative is zero everywhere it is
// defined.
func Sign(x AD) AD { return unary(OpSign, x) }

// Sin and Cos are always recorded together: each Sin(x) or Cos(x)
// call records its own coupled SinCos opcode and returns the
// respective half of the pair.
func Sin(x AD) AD { s, _ := sinCos(x); return s }
func Cos(x AD) AD { _, c := sinCos(x); return c }

func sinCos(x AD) (sin, cos AD) {
	s, c := math.Sin(x.Value), math.Cos(x.Value)
	if x.Tag != Variable && x.Tag != Dynamic {
		return Const(s), Const(c)
	}
	t, err := activeTapeFor(x)
	if err != nil {
		panic(err)
	}
	xo := operandFor(t, x)
	if x.Tag == Dynamic {
		// The dynamic sub-tape only needs zero-order replay, so a
		// single slot per value is enough; two dyn-ops sharing the
		// same operand, discriminated by a trailing flag word, stand
		// in for the coupled pair (see evalDynOp).
		sSlot := t.newDynSlot(s)
		t.dynOpcode = append(t.dynOpcode, OpSinCos)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), 0)
		t.dynIndToPar = append(t.dynIndToPar, sSlot)
		cSlot := t.newDynSlot(c)
		t.dynOpcode = append(t.dynOpcode, OpSinCos)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), 1)
		t.dynIndToPar = append(t.dynIndToPar, cSlot)
		return t.newDyn(s, sSlot), t.newDyn(c, cSlot)
	}
	t.beginOp(OpSinCos, 1, 2)
	t.appendArg(encodeOperand(xo))
	t.closeOpArgs()
	base := t.nVar - 2
	return t.newVar(s, base), t.newVar(c, base+1)
}

func Sinh(x AD) AD { s, _ := sinhCosh(x); return s }
func Cosh(x AD) AD { _, c := sinhCosh(x); return c }

func sinhCosh(x AD) (sinh, cosh AD) {
	s, c := math.Sinh(x.Value), math.Cosh(x.Value)
	if x.Tag != Variable && x.Tag != Dynamic {
		return Const(s), Const(c)
	}
	t, err := activeTapeFor(x)
	if err != nil {
		panic(err)
	}
	xo := operandFor(t, x)
	if x.Tag == Dynamic {
		sSlot := t.newDynSlot(s)
		t.dynOpcode = append(t.dynOpcode, OpSinhCosh)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), 0)
		t.dynIndToPar = append(t.dynIndToPar, sSlot)
		cSlot := t.newDynSlot(c)
		t.dynOpcode = append(t.dynOpcode, OpSinhCosh)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), 1)
		t.dynIndToPar = append(t.dynIndToPar, cSlot)
		return t.newDyn(s, sSlot), t.newDyn(c, cSlot)
	}
	t.beginOp(OpSinhCosh, 1, 2)
	t.appendArg(encodeOperand(xo))
	t.closeOpArgs()
	base := t.nVar - 2
	return t.newVar(s, base), t.newVar(c, base+1)
}
