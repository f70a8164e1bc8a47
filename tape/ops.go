package tape

// Binary and unary arithmetic dispatch (spec.md §4.2). Every
// operation performs the same three-step dance: evaluate the value,
// classify the result's tag as the max of the operand tags, and
// either emit nothing (Constant), emit a dynamic-parameter op
// (Dynamic), or emit a variable op (Variable).

func activeTapeFor(xs ...AD) (*Tape, error) {
	var id TapeID
	have := false
	for _, x := range xs {
		if x.Tag == Variable || x.Tag == Dynamic {
			if !have {
				id, have = x.TapeID, true
			} else if x.TapeID != id {
				return nil, errf(TapeIDMismatch,
					"variables from two different recordings combined")
			}
		}
	}
	if !have {
		return nil, nil // constant operands only; nothing to record
	}
	t := recorder.active()
	if t == nil || t.id != id {
		return nil, errf(TapeIDMismatch, "variable's tape is not the active recording")
	}
	return t, nil
}

func operandFor(t *Tape, x AD) operand {
	switch x.Tag {
	case Variable:
		return operand{operandVar, x.Addr}
	case Dynamic:
		return operand{operandPar, x.Addr}
	default:
		return operand{operandPar, t.newConst(x.Value)}
	}
}

// Add, Sub, Mul, Div implement the four ordinary binary arithmetic
// operators. Azmul (further down in this file) and Pow (pow.go) are
// defined separately since they need family-specific handling
// (Azmul's absorbing rule, Pow's variable-exponent three-result
// encoding).

func Add(x, y AD) AD { return binary(OpAddPV, OpAddPV, OpAddVV, x, y, addSimplify) }
func Sub(x, y AD) AD { return binary(OpSubPV, OpSubVP, OpSubVV, x, y, subSimplify) }
func Mul(x, y AD) AD { return binary(OpMulPV, OpMulPV, OpMulVV, x, y, mulSimplify) }
func Div(x, y AD) AD { return binary(OpDivPV, OpDivVP, OpDivVV, x, y, divSimplify) }

func addSimplify(x, y AD) (AD, bool) {
	if x.Tag != Variable && x.Tag != Dynamic && IdenticalZero(x.Value) {
		return y, true
	}
	if y.Tag != Variable && y.Tag != Dynamic && IdenticalZero(y.Value) {
		return x, true
	}
	return AD{}, false
}

func subSimplify(x, y AD) (AD, bool) {
	if y.Tag != Variable && y.Tag != Dynamic && IdenticalZero(y.Value) {
		return x, true
	}
	return AD{}, false
}

// mulSimplify folds a constant identical-zero operand (0*x, x*0) to
// the constant 0 and elides the multiplicative identity (x*1, 1*x),
// without emitting an opcode. Only constant operands are folded: a
// Variable or Dynamic operand whose value happens to be zero is still
// recorded as an ordinary multiplication (so 0*NaN stays NaN), which
// is where Mul differs from Azmul.
func mulSimplify(x, y AD) (AD, bool) {
	if x.Tag != Variable && x.Tag != Dynamic && IdenticalZero(x.Value) {
		return Const(0), true
	}
	if y.Tag != Variable && y.Tag != Dynamic && IdenticalZero(y.Value) {
		return Const(0), true
	}
	if x.Tag != Variable && x.Tag != Dynamic && IdenticalOne(x.Value) {
		return y, true
	}
	if y.Tag != Variable && y.Tag != Dynamic && IdenticalOne(y.Value) {
		return x, true
	}
	return AD{}, false
}

func divSimplify(x, y AD) (AD, bool) {
	if y.Tag != Variable && y.Tag != Dynamic && IdenticalOne(y.Value) {
		return x, true
	}
	return AD{}, false
}

type binFn func(x, y float64) float64

var binEval = map[OpCode]binFn{
	OpAddPV: func(x, y float64) float64 { return x + y },
	OpSubPV: func(x, y float64) float64 { return x - y },
	OpMulPV: func(x, y float64) float64 { return x * y },
	OpDivPV: func(x, y float64) float64 { return x / y },
}

// binary records a commutative-or-not binary arithmetic operator.
// opPV/opVP/opVV select the opcode used when (param,var), (var,param)
// and (var,var) respectively; commutative operators pass the same
// code for opPV used in both parameter positions (canonicalized to
// _pv, per spec.md §4.2).
func binary(opPV, opVP, opVV OpCode, x, y AD, simplify func(x, y AD) (AD, bool)) AD {
	if r, ok := simplify(x, y); ok {
		return r
	}

	eval := binEval[opPV]
	value := eval(x.Value, y.Value)

	tag := maxTag(x.Tag, y.Tag)
	if tag == Constant {
		return Const(value)
	}

	t, err := activeTapeFor(x, y)
	if err != nil {
		panic(err)
	}

	xo, yo := operandFor(t, x), operandFor(t, y)

	if tag == Dynamic {
		op := dynOpFor(opPV, opVP, opVV, xo, yo)
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, op)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), encodeOperand(yo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}

	op := dynOpFor(opPV, opVP, opVV, xo, yo)
	t.beginOp(op, 2, 1)
	t.appendArg(encodeOperand(xo))
	t.appendArg(encodeOperand(yo))
	t.closeOpArgs()
	return t.newVar(value, t.nVar-1)
}

// dynOpFor picks the opcode variant matching which operand(s) are
// tape variables: opPV when the first operand is a parameter and the
// second a variable, opVP the reverse, opVV when both are variables.
// When neither is a variable (the dynamic-parameter sub-tape, whose
// operands are always parameter-pool references) opPV is used as the
// canonical parameter-only encoding.
func dynOpFor(opPV, opVP, opVV OpCode, xo, yo operand) OpCode {
	switch {
	case xo.kind == operandVar && yo.kind == operandVar:
		return opVV
	case xo.kind == operandVar && yo.kind == operandPar:
		return opVP
	default:
		return opPV
	}
}

// encodeOperand packs an operand's kind into its high bit, so the
// flat op_arg stream (spec.md §3) tells "variable index" from
// "parameter index" without a side channel. The sweeps read each
// operand's kind from this bit rather than from the opcode family
// (Add records a (variable, parameter) pair as OpAddPV, for
// instance); decodeOperand strips it back off.
const operandTagBit = uint32(1) << 31

func encodeOperand(o operand) uint32 {
	if o.kind == operandVar {
		return o.idx | operandTagBit
	}
	return o.idx
}

func decodeOperand(v uint32) (kind operandKind, idx uint32) {
	if v&operandTagBit != 0 {
		return operandVar, v &^ operandTagBit
	}
	return operandPar, v
}

// Azmul is absorbing multiplication: 0*y = 0 for any y, including
// NaN. Mul folds only a constant zero operand at record time; Azmul's
// opcode also yields 0 during a sweep whenever the first operand's
// value is zero.
func Azmul(x, y AD) AD {
	if x.Tag != Variable && x.Tag != Dynamic && IdenticalZero(x.Value) {
		return Const(0)
	}
	value := azmul(x.Value, y.Value)
	tag := maxTag(x.Tag, y.Tag)
	if tag == Constant {
		return Const(value)
	}
	t, err := activeTapeFor(x, y)
	if err != nil {
		panic(err)
	}
	xo, yo := operandFor(t, x), operandFor(t, y)
	op := dynOpFor(OpZmulPV, OpZmulVP, OpZmulVV, xo, yo)
	if tag == Dynamic {
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, op)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), encodeOperand(yo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}
	t.beginOp(op, 2, 1)
	t.appendArg(encodeOperand(xo))
	t.appendArg(encodeOperand(yo))
	t.closeOpArgs()
	return t.newVar(value, t.nVar-1)
}

func azmul(x, y float64) float64 {
	if x == 0 {
		return 0
	}
	return x * y
}

// Neg is the unary arithmetic operator -x.
func Neg(x AD) AD {
	if x.Tag != Variable && x.Tag != Dynamic {
		return Const(-x.Value)
	}
	t, err := activeTapeFor(x)
	if err != nil {
		panic(err)
	}
	xo := operandFor(t, x)
	value := -x.Value
	if x.Tag == Dynamic {
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, OpNeg)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}
	t.beginOp(OpNeg, 1, 1)
	t.appendArg(encodeOperand(xo))
	t.closeOpArgs()
	return t.newVar(value, t.nVar-1)
}
