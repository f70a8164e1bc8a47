package tape

// Comparison operators and the conditional-expression operator
// (spec.md §4.3). A comparison has no result and no Taylor
// contribution; it exists purely so that compare_change can report,
// on replay at a new point, how many recorded booleans flipped.

// Compare records a comparison of x and y under op and returns its
// truth value at the current point. When either operand is tape-
// resident, the outcome is also recorded so a later zero-order
// forward sweep at a different point can detect a flip.
func Compare(op CompareOp, x, y AD) bool {
	outcome := op.eval(x.Value, y.Value)
	if x.Tag != Variable && x.Tag != Dynamic &&
		y.Tag != Variable && y.Tag != Dynamic {
		return outcome
	}
	t, err := activeTapeFor(x, y)
	if err != nil {
		panic(err)
	}
	if t == nil {
		return outcome
	}
	xo, yo := operandFor(t, x), operandFor(t, y)
	t.compareRec = append(t.compareRec, compareRecord{op: op, lhs: xo, rhs: yo, outcome: outcome})
	t.beginOp(OpCompare, 0, 0)
	t.appendArg(uint32(op))
	t.appendArg(encodeOperand(xo))
	t.appendArg(encodeOperand(yo))
	t.appendArg(uint32(len(t.compareRec) - 1)) // index into compareRec, for replay
	t.closeOpArgs()
	return outcome
}

// CondExp selects ifTrue when "left cop right" holds at the current
// point, else ifFalse, recording the comparison exactly as Compare
// does. Higher-order Taylor coefficients and the reverse-mode partial
// only ever flow through the branch actually selected.
func CondExp(cop CompareOp, left, right, ifTrue, ifFalse AD) AD {
	taken := cop.eval(left.Value, right.Value)
	var value float64
	if taken {
		value = ifTrue.Value
	} else {
		value = ifFalse.Value
	}

	tag := maxTag(maxTag(left.Tag, right.Tag), maxTag(ifTrue.Tag, ifFalse.Tag))
	if tag == Constant {
		return Const(value)
	}

	t, err := activeTapeFor(left, right, ifTrue, ifFalse)
	if err != nil {
		panic(err)
	}
	lo, ro := operandFor(t, left), operandFor(t, right)
	to, fo := operandFor(t, ifTrue), operandFor(t, ifFalse)

	flag := condExpFlag(lo, ro, to, fo)

	if tag == Dynamic {
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, OpCondExp)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, uint32(cop), flag,
			encodeOperand(lo), encodeOperand(ro),
			encodeOperand(to), encodeOperand(fo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}

	// Record the comparison for compare_change purposes, same as a
	// standalone Compare.
	t.compareRec = append(t.compareRec, compareRecord{
		op: cop, lhs: lo, rhs: ro, outcome: taken,
	})
	cmpIdx := uint32(len(t.compareRec) - 1)

	t.beginOp(OpCondExp, 7, 1)
	t.appendArg(uint32(cop))
	t.appendArg(flag)
	t.appendArg(encodeOperand(lo))
	t.appendArg(encodeOperand(ro))
	t.appendArg(encodeOperand(to))
	t.appendArg(encodeOperand(fo))
	t.appendArg(cmpIdx)
	t.closeOpArgs()
	return t.newVar(value, t.nVar-1)
}

// condExpFlag packs, one bit per operand, whether left/right/ifTrue/
// ifFalse is a tape variable (1) or a parameter-pool reference (0),
// per spec.md §4.3's "4-bit flag word".
func condExpFlag(lo, ro, to, fo operand) uint32 {
	var flag uint32
	if lo.kind == operandVar {
		flag |= 1 << 0
	}
	if ro.kind == operandVar {
		flag |= 1 << 1
	}
	if to.kind == operandVar {
		flag |= 1 << 2
	}
	if fo.kind == operandVar {
		flag |= 1 << 3
	}
	return flag
}

// Convenience wrappers matching the spec's seed scenario naming
// (CondExpLt, and so on).
func CondExpLt(l, r, t, f AD) AD { return CondExp(Lt, l, r, t, f) }
func CondExpLe(l, r, t, f AD) AD { return CondExp(Le, l, r, t, f) }
func CondExpEq(l, r, t, f AD) AD { return CondExp(Eq, l, r, t, f) }
func CondExpGe(l, r, t, f AD) AD { return CondExp(Ge, l, r, t, f) }
func CondExpGt(l, r, t, f AD) AD { return CondExp(Gt, l, r, t, f) }
func CondExpNe(l, r, t, f AD) AD { return CondExp(Ne, l, r, t, f) }
