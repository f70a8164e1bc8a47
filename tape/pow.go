package tape

import "math"

// Pow implements x**y. When the exponent is a Variable, three result
// variables are emitted — log(base), log(base)*exponent, and the
// final exp[...] — because the derivative of a variable-exponent
// power needs the natural log of the base (spec.md §4.3's "Binary
// arithmetic operators" table). When the exponent is not a variable,
// a single result suffices: the ordinary power rule applies.
func Pow(x, y AD) AD {
	value := math.Pow(x.Value, y.Value)
	tag := maxTag(x.Tag, y.Tag)
	if tag == Constant {
		return Const(value)
	}

	t, err := activeTapeFor(x, y)
	if err != nil {
		panic(err)
	}
	xo, yo := operandFor(t, x), operandFor(t, y)

	if y.Tag != Variable {
		// Ordinary power rule, single result.
		op := dynOpFor(OpPowPV, OpPowVP, OpPowVV, xo, yo)
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

	// Variable exponent: three results (log(base), log(base)*exp, z).
	logBase := math.Log(x.Value)
	prod := logBase * y.Value
	op := dynOpFor(OpPowPV, OpPowVP, OpPowVV, xo, yo)
	if tag == Dynamic {
		// Dynamic parameters never need derivatives through
		// new_dynamic (only zero-order replay), so a single slot
		// carrying the final value suffices; the coupled results
		// are a main-tape-only concept.
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, op)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, encodeOperand(xo), encodeOperand(yo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}
	t.beginOp(op, 2, 3)
	t.appendArg(encodeOperand(xo))
	t.appendArg(encodeOperand(yo))
	t.closeOpArgs()
	_ = logBase
	_ = prod
	return t.newVar(value, t.nVar-1)
}
