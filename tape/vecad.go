package tape

// VecAD is a tape-aware array whose elements and whose index can both
// be tape-resident values (spec.md §4.7). Reads at orders >= 1 are
// taken as if the index were fixed at its zero-order value: the
// derivative does not flow through the index, only through whichever
// element was selected.
type VecAD struct {
	t   *Tape
	rec uint32 // index into t.vecadPool
}

// NewVecAD allocates a VecAD record of the given initial values on
// the tape currently active on the calling goroutine.
func NewVecAD(init []float64) (VecAD, error) {
	t := recorder.active()
	if t == nil {
		return VecAD{}, errf(NoActiveRecording, "NewVecAD")
	}
	data := make([]uint32, len(init))
	isVar := make([]bool, len(init))
	for i, v := range init {
		data[i] = t.newConst(v)
	}
	rec := uint32(len(t.vecadPool))
	t.vecadPool = append(t.vecadPool, vecADRecord{
		length: uint32(len(init)), data: data, isVar: isVar,
	})
	return VecAD{t: t, rec: rec}, nil
}

func (v VecAD) record() *vecADRecord { return &v.t.vecadPool[v.rec] }

// Length returns the number of elements.
func (v VecAD) Length() int { return int(v.record().length) }

// Index reads v[k]. A non-Variable index emits LdpOp only when the
// selected element holds a variable, and otherwise returns the
// element's value as a constant; a Variable index emits LdvOp.
func (v VecAD) Index(idx AD) (AD, error) {
	rec := v.record()
	k := int(idx.Value)
	if k < 0 || k >= int(rec.length) {
		return AD{}, errf(IndexOutOfRange, "index %d, length %d", k, rec.length)
	}

	elemValue := v.elementValue(k)

	if idx.Tag != Variable {
		// Constant (or dynamic, meaning not known until replay, but
		// replay happens at a fixed x so its value is known at
		// record time too) index: LdpOp, one result variable whose
		// derivative is that of the selected element.
		if !rec.isVar[k] {
			return Const(elemValue), nil
		}
		op := v.t.beginOp(OpLdp, 2, 1)
		v.t.appendArg(v.rec)
		v.t.appendArg(uint32(k))
		v.t.closeOpArgs()
		_ = op
		return v.t.newVar(elemValue, v.t.nVar-1), nil
	}

	// Variable index: LdvOp, derivative taken as if k were pinned at
	// its current (zero-order) value.
	op := v.t.beginOp(OpLdv, 2, 1)
	v.t.appendArg(v.rec)
	v.t.appendArg(idx.Addr)
	v.t.closeOpArgs()
	_ = op
	return v.t.newVar(elemValue, v.t.nVar-1), nil
}

func (v VecAD) elementValue(k int) float64 {
	rec := v.record()
	if rec.isVar[k] {
		return v.t.varValue(rec.data[k])
	}
	return v.t.parPool[rec.data[k]]
}

// varValue is a point-lookup helper used only by VecAD bookkeeping at
// record time (the forward-0 kernel computes the same thing from the
// taylor arena during a sweep).
func (t *Tape) varValue(varIdx uint32) float64 {
	// During recording the only way to have a variable index here is
	// a Store having placed it; we keep a side table of last-known
	// values for that purpose.
	return t.lastVarValue[varIdx]
}

// Set stores value at index idx, upgrading the slot to "variable" if
// either idx or value is tape-resident.
func (v VecAD) Set(idx, value AD) error {
	rec := v.record()
	k := int(idx.Value)
	if k < 0 || k >= int(rec.length) {
		return errf(IndexOutOfRange, "index %d, length %d", k, rec.length)
	}

	var op OpCode
	switch {
	case idx.Tag == Variable && value.Tag == Variable:
		op = OpStvv
	case idx.Tag == Variable:
		op = OpStvp
	case value.Tag == Variable:
		op = OpStpv
	default:
		op = OpStpp
	}

	t := v.t
	idxArg := idx.Addr
	if idx.Tag != Variable {
		idxArg = uint32(k)
	}
	var valArg uint32
	if value.Tag == Variable {
		valArg = value.Addr
		if len(t.lastVarValue) <= int(valArg) {
			grown := make([]float64, valArg+1)
			copy(grown, t.lastVarValue)
			t.lastVarValue = grown
		}
		t.lastVarValue[valArg] = value.Value
	} else {
		valArg = t.newConst(value.Value)
	}

	t.beginOp(op, 3, 0)
	t.appendArg(v.rec)
	t.appendArg(idxArg)
	t.appendArg(valArg)
	t.closeOpArgs()

	if idx.Tag != Variable {
		rec.data[k] = valArg
		rec.isVar[k] = value.Tag == Variable
	} else {
		// Variable index: conservatively mark every element as
		// possibly overwritten (matches spec.md's requirement that a
		// store through a variable index upgrades the slot it could
		// have hit; without runtime resolution at record time for
		// every possible k we upgrade all slots, which is sound
		// though coarser than the single-slot case).
		for i := range rec.isVar {
			rec.isVar[i] = true
		}
	}
	return nil
}
