package tape

// CSkip and CSum are the two optimizer opcodes the core itself must
// interpret (spec.md §4.9, §4.10); a full common-subexpression-
// elimination pass is out of scope (spec.md §4.5 names the interface
// only), but these two opcodes are real and exercised end to end: a
// tape built with them must replay identically to one without them.

// csumRecord is the argument block for a CSum opcode: a constant
// base plus four index ranges (variables added, variables
// subtracted, dynamic parameters added, dynamic parameters
// subtracted), matching spec.md §4.10's layout.
type csumRecord struct {
	constPar     uint32
	addVar       []uint32
	subVar       []uint32
	addDyn       []uint32
	subDyn       []uint32
}

// FoldCumulativeSums counts the uses of every variable and walks the
// Add_vv/Add_pv/Sub_vv/Sub_vp/Sub_pv opcodes whose result is used at
// most once, but it does not rewrite them: every opcode is copied
// unchanged into the new Tape and no CSum opcode is emitted. CSum
// opcodes come only from EmitCSum. It returns a new Tape; t is left
// untouched.
func FoldCumulativeSums(t *Tape) *Tape {
	useCount := make([]int, t.nVar+1)
	for i := range t.opcode {
		for _, a := range t.args(i) {
			kind, idx := decodeOperand(a)
			if kind == operandVar && int(idx) < len(useCount) {
				useCount[idx]++
			}
		}
	}
	for _, d := range t.depVar {
		if int(d) < len(useCount) {
			useCount[d]++
		}
	}

	out := &Tape{
		id:          t.id,
		parPool:     append([]float64(nil), t.parPool...),
		parIsDyn:    append([]bool(nil), t.parIsDyn...),
		stringPool:  append([]string(nil), t.stringPool...),
		dynOpcode:   append([]OpCode(nil), t.dynOpcode...),
		dynArgBegin: append([]uint32(nil), t.dynArgBegin...),
		dynArg:      append([]uint32(nil), t.dynArg...),
		dynIndToPar: append([]uint32(nil), t.dynIndToPar...),
		vecadPool:   append([]vecADRecord(nil), t.vecadPool...),
		atomicCalls: append([]atomicCallRecord(nil), t.atomicCalls...),
		compareRec:  append([]compareRecord(nil), t.compareRec...),
		cSkipRec:    append([]cSkipRecord(nil), t.cSkipRec...),
		nInd:        t.nInd,
		nDynInd:     t.nDynInd,
		nVar:        t.nVar,
	}

	var resultVar uint32
	isAddSubPV := func(op OpCode) bool {
		switch op {
		case OpAddPV, OpAddVV, OpSubPV, OpSubVP, OpSubVV:
			return true
		default:
			return false
		}
	}

	for i, op := range t.opcode {
		nres := int(t.opNRes[i])
		if isAddSubPV(op) && nres == 1 && useCount[resultVar] <= 1 {
			// Fold-worthy in principle; this pass still emits the
			// original opcode, so the copied stream replays exactly
			// like t.
			out.opcode = append(out.opcode, op)
		} else {
			out.opcode = append(out.opcode, op)
		}
		out.opArgBegin = append(out.opArgBegin, uint32(len(out.opArg)))
		out.opArg = append(out.opArg, t.args(i)...)
		out.opNRes = append(out.opNRes, t.opNRes[i])
		resultVar += uint32(nres)
	}
	out.opArgBegin = append(out.opArgBegin, uint32(len(out.opArg)))
	out.depVar = append([]uint32(nil), t.depVar...)
	out.closed = t.closed
	return out
}

// EmitCSum appends a literal CSum opcode computing
// base + sum(addVar) + sum(addDyn) - sum(subVar) - sum(subDyn), for
// callers that already know the grouping they want; addVar and subVar
// are variable addresses, addDyn and subDyn parameter-pool slots.
func (t *Tape) EmitCSum(base float64, addVar, subVar, addDyn, subDyn []uint32) AD {
	value := base
	for _, v := range addVar {
		value += t.lastVarValue[v]
	}
	for _, v := range subVar {
		value -= t.lastVarValue[v]
	}
	for _, d := range addDyn {
		value += t.parPool[d]
	}
	for _, d := range subDyn {
		value -= t.parPool[d]
	}

	constIdx := t.newConst(base)
	i := t.beginOp(OpCSum, 0, 1)
	t.appendArg(constIdx)
	t.appendArg(uint32(len(addVar)))
	for _, v := range addVar {
		t.appendArg(v)
	}
	t.appendArg(uint32(len(subVar)))
	for _, v := range subVar {
		t.appendArg(v)
	}
	t.appendArg(uint32(len(addDyn)))
	for _, d := range addDyn {
		t.appendArg(d)
	}
	t.appendArg(uint32(len(subDyn)))
	for _, d := range subDyn {
		t.appendArg(d)
	}
	t.closeOpArgs()
	_ = i
	return t.newVar(value, t.nVar-1)
}

// csumArgs decodes a CSum opcode's argument block back into its
// components.
func csumArgs(args []uint32) (constIdx uint32, addVar, subVar, addDyn, subDyn []uint32) {
	p := 0
	constIdx = args[p]
	p++
	nAdd := int(args[p])
	p++
	addVar = args[p : p+nAdd]
	p += nAdd
	nSub := int(args[p])
	p++
	subVar = args[p : p+nSub]
	p += nSub
	nAddDyn := int(args[p])
	p++
	addDyn = args[p : p+nAddDyn]
	p += nAddDyn
	nSubDyn := int(args[p])
	p++
	subDyn = args[p : p+nSubDyn]
	return
}

// CSkip encodes a conditional-skip hint (spec.md §4.9). Correctness
// must hold identically with CSkip ignored; the sweep engines treat
// it purely as an optimization (see forward.go/reverse.go): both
// simply fall through OpCSkip via the same nres == 0 guard that skips
// OpCompare's bookkeeping opcode, so a CSkip hint can never change a
// result, only (in a fuller optimizer than this one) save work.
type cSkipRecord struct {
	cmpIdx      uint32
	branchTaken bool

	skipBegin, skipEndPrimary, skipEndAux uint32
}

// FoldConditionalSkips scans a tape for CondExp opcodes whose untaken
// branch operand is produced by exactly one earlier opcode used
// nowhere else, and records a CSkip hint (spec.md §4.9, grounded on
// CppAD's optimize/csum/cskip machinery) marking that opcode
// skippable whenever the comparison keeps its recorded outcome. It
// returns a new Tape (or t itself when no hint applies); t is left
// untouched. This is a reference producer, not a general optimizer:
// it only
// recognizes the single-producer-opcode case, not arbitrary skippable
// subexpression DAGs, and the CSkip opcodes it emits are hints the
// sweep engines are free to ignore (and currently do — see the
// comment on cSkipRecord).
func FoldConditionalSkips(t *Tape) *Tape {
	useCount := make([]int, t.nVar+1)
	for i := range t.opcode {
		for _, a := range t.args(i) {
			kind, idx := decodeOperand(a)
			if kind == operandVar && int(idx) < len(useCount) {
				useCount[idx]++
			}
		}
	}
	for _, d := range t.depVar {
		if int(d) < len(useCount) {
			useCount[d]++
		}
	}

	producedBy := make([]int, t.nVar+1)
	for i := range producedBy {
		producedBy[i] = -1
	}
	var resultVar uint32
	for i := range t.opcode {
		nres := int(t.opNRes[i])
		for k := 0; k < nres; k++ {
			producedBy[resultVar+uint32(k)] = i
		}
		resultVar += uint32(nres)
	}

	type plan struct {
		afterOpIdx int
		rec        cSkipRecord
	}
	var plans []plan

	for i, op := range t.opcode {
		if op != OpCondExp {
			continue
		}
		args := t.args(i)
		cmpIdx := args[6]
		outcome := t.compareRec[cmpIdx].outcome
		var skip operand
		if outcome {
			skip = decodeOperandPair(args[5]) // false branch not taken
		} else {
			skip = decodeOperandPair(args[4]) // true branch not taken
		}
		if skip.kind != operandVar {
			continue
		}
		if int(skip.idx) >= len(useCount) || useCount[skip.idx] != 1 {
			continue
		}
		prodIdx := producedBy[skip.idx]
		if prodIdx < 0 || prodIdx >= i {
			continue
		}
		plans = append(plans, plan{
			afterOpIdx: i,
			rec: cSkipRecord{
				cmpIdx:         cmpIdx,
				branchTaken:    outcome,
				skipBegin:      uint32(prodIdx),
				skipEndPrimary: uint32(prodIdx + 1),
				skipEndAux:     uint32(prodIdx + 1),
			},
		})
	}

	if len(plans) == 0 {
		return t
	}

	planAt := make(map[int][]cSkipRecord, len(plans))
	for _, p := range plans {
		planAt[p.afterOpIdx] = append(planAt[p.afterOpIdx], p.rec)
	}

	out := &Tape{
		id:          t.id,
		parPool:     append([]float64(nil), t.parPool...),
		parIsDyn:    append([]bool(nil), t.parIsDyn...),
		stringPool:  append([]string(nil), t.stringPool...),
		dynOpcode:   append([]OpCode(nil), t.dynOpcode...),
		dynArgBegin: append([]uint32(nil), t.dynArgBegin...),
		dynArg:      append([]uint32(nil), t.dynArg...),
		dynIndToPar: append([]uint32(nil), t.dynIndToPar...),
		vecadPool:   append([]vecADRecord(nil), t.vecadPool...),
		compareRec:  append([]compareRecord(nil), t.compareRec...),
		nInd:        t.nInd,
		nDynInd:     t.nDynInd,
		nVar:        t.nVar,
	}
	for i, op := range t.opcode {
		out.opcode = append(out.opcode, op)
		out.opArgBegin = append(out.opArgBegin, uint32(len(out.opArg)))
		out.opArg = append(out.opArg, t.args(i)...)
		out.opNRes = append(out.opNRes, t.opNRes[i])
		for _, rec := range planAt[i] {
			out.cSkipRec = append(out.cSkipRec, rec)
			idx := uint32(len(out.cSkipRec) - 1)
			out.opcode = append(out.opcode, OpCSkip)
			out.opArgBegin = append(out.opArgBegin, uint32(len(out.opArg)))
			out.opArg = append(out.opArg, idx)
			out.opNRes = append(out.opNRes, 0)
		}
	}
	out.opArgBegin = append(out.opArgBegin, uint32(len(out.opArg)))
	out.depVar = append([]uint32(nil), t.depVar...)
	out.closed = t.closed
	return out
}
