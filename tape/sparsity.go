package tape

// Pattern is a Jacobian or Hessian sparsity pattern: for each of a
// fixed number of rows, the set of columns that may be structurally
// nonzero (spec.md §4.5). Two representations are kept, matching the
// two the spec names explicitly: a dense bit pattern (cheap for small
// problems) and a sorted-index list pattern (cheap when the pattern is
// actually sparse). Both satisfy the same interface so callers never
// need to know which one they got back.
type Pattern interface {
	Rows() int
	Cols() int
	Row(i int) []int
	Set(i, j int)
}

// BitPattern stores one bool per (row, col) pair.
type BitPattern struct {
	rows, cols int
	bits       []bool
}

func NewBitPattern(rows, cols int) *BitPattern {
	return &BitPattern{rows: rows, cols: cols, bits: make([]bool, rows*cols)}
}

func (p *BitPattern) Rows() int { return p.rows }
func (p *BitPattern) Cols() int { return p.cols }

func (p *BitPattern) Set(i, j int) { p.bits[i*p.cols+j] = true }

func (p *BitPattern) Row(i int) []int {
	var out []int
	for j := 0; j < p.cols; j++ {
		if p.bits[i*p.cols+j] {
			out = append(out, j)
		}
	}
	return out
}

// ListPattern stores, per row, a sorted slice of the nonzero columns.
type ListPattern struct {
	rows, cols int
	list       [][]int
	seen       []map[int]bool
}

func NewListPattern(rows, cols int) *ListPattern {
	return &ListPattern{rows: rows, cols: cols, list: make([][]int, rows), seen: make([]map[int]bool, rows)}
}

func (p *ListPattern) Rows() int { return p.rows }
func (p *ListPattern) Cols() int { return p.cols }

func (p *ListPattern) Set(i, j int) {
	if p.seen[i] == nil {
		p.seen[i] = make(map[int]bool)
	}
	if p.seen[i][j] {
		return
	}
	p.seen[i][j] = true
	row := p.list[i]
	k := len(row)
	for k > 0 && row[k-1] > j {
		k--
	}
	row = append(row, 0)
	copy(row[k+1:], row[k:])
	row[k] = j
	p.list[i] = row
}

func (p *ListPattern) Row(i int) []int { return p.list[i] }

// IdentityPattern returns the n-by-n pattern where row i's only
// nonzero column is i, the standard seed for forward Jacobian
// sparsity (spec.md §4.5's "seed with the identity" algorithm).
func IdentityPattern(n int) Pattern {
	p := NewBitPattern(n, n)
	for i := 0; i < n; i++ {
		p.Set(i, i)
	}
	return p
}

// ForJacSparsity propagates an input pattern (rows indexed by
// independent variable, one column set per row) forward through the
// tape to produce a pattern over the dependent variables: row i of
// the result is the union, over every independent j whose pattern row
// contains a column that reaches variable addr of dependent i, of
// that variable's dependency set. Concretely this is a forward
// dataflow pass over opcodes building a per-variable dependency set,
// then reading off the rows named by dep_var.
func (f *Function) ForJacSparsity(in Pattern, transposeIn, _ bool) (Pattern, error) {
	t := f.tape
	if transposeIn {
		return nil, errf(InvariantViolated, "ForJacSparsity: transposed input not supported")
	}
	varSet := make([]map[int]bool, t.nVar)
	// Inv variables (addr 1..nInd) seed from the corresponding row of
	// in (row k == independent k).
	for k := uint32(0); k < t.nInd; k++ {
		s := make(map[int]bool)
		for _, c := range in.Row(int(k)) {
			s[c] = true
		}
		varSet[k+1] = s
	}

	addrs := make([]uint32, len(t.opcode)+1)
	for k, n := range t.opNRes {
		addrs[k+1] = addrs[k] + uint32(n)
	}

	union := func(dst map[int]bool, src map[int]bool) map[int]bool {
		if dst == nil {
			dst = make(map[int]bool, len(src))
		}
		for c := range src {
			dst[c] = true
		}
		return dst
	}

	for i, op := range t.opcode {
		nres := int(t.opNRes[i])
		if nres == 0 || op == OpBegin || op == OpInv {
			continue
		}
		base := addrs[i]
		args := t.args(i)
		var deps map[int]bool
		opArgs := argOperandWords(op, args)
		for _, w := range opArgs {
			o := decodeOperandPair(w)
			if o.kind == operandVar {
				deps = union(deps, varSet[o.idx])
			}
		}
		for k := 0; k < nres; k++ {
			varSet[base+uint32(k)] = deps
		}
	}

	out := NewListPattern(len(t.depVar), int(t.nInd))
	for i, v := range t.depVar {
		for c := range varSet[v] {
			out.Set(i, c)
		}
	}
	return out, nil
}

// argOperandWords extracts the encoded-operand words from an opcode's
// argument slice, skipping metadata words (comparison ops, CSum's
// length-prefixed lists) that aren't themselves operand references.
func argOperandWords(op OpCode, args []uint32) []uint32 {
	switch op {
	case OpCondExp:
		return []uint32{args[2], args[3], args[4], args[5]}
	case OpDis:
		return []uint32{args[2]}
	case OpCSum:
		_, addVar, subVar, _, _ := csumArgs(args)
		out := make([]uint32, 0, len(addVar)+len(subVar))
		for _, v := range addVar {
			out = append(out, encodeOperand(operand{operandVar, v}))
		}
		for _, v := range subVar {
			out = append(out, encodeOperand(operand{operandVar, v}))
		}
		return out
	case OpLdp:
		return nil
	case OpLdv:
		return nil
	case OpAFun:
		return nil
	default:
		return args
	}
}

// RevJacSparsity propagates a pattern backward from the dependent
// variables to the independent ones: the dual computation to
// ForJacSparsity, seeded from the outputs instead of the inputs.
func (f *Function) RevJacSparsity(in Pattern) (Pattern, error) {
	t := f.tape
	varSet := make([]map[int]bool, t.nVar)
	for i, v := range t.depVar {
		s := make(map[int]bool)
		for _, c := range in.Row(i) {
			s[c] = true
		}
		varSet[v] = union(varSet[v], s)
	}

	addrs := make([]uint32, len(t.opcode)+1)
	for k, n := range t.opNRes {
		addrs[k+1] = addrs[k] + uint32(n)
	}

	for i := len(t.opcode) - 1; i >= 0; i-- {
		op := t.opcode[i]
		nres := int(t.opNRes[i])
		if nres == 0 || op == OpBegin || op == OpInv {
			continue
		}
		base := addrs[i]
		var out map[int]bool
		for k := 0; k < nres; k++ {
			out = union(out, varSet[base+uint32(k)])
		}
		for _, w := range argOperandWords(op, t.args(i)) {
			o := decodeOperandPair(w)
			if o.kind == operandVar {
				varSet[o.idx] = union(varSet[o.idx], out)
			}
		}
	}

	res := NewListPattern(int(t.nInd), in.Cols())
	for k := uint32(0); k < t.nInd; k++ {
		for c := range varSet[k+1] {
			res.Set(int(k), c)
		}
	}
	return res, nil
}

func union(dst map[int]bool, src map[int]bool) map[int]bool {
	if dst == nil {
		dst = make(map[int]bool, len(src))
	}
	for c := range src {
		dst[c] = true
	}
	return dst
}

// RevHesSparsity is the reverse-direction dual of ForHesSparsity
// (spec.md §6's `rev_hes_sparsity(select_y, transpose)`): given a
// subset of dependent-variable indices, it returns a sound
// over-approximation of which independent-variable pairs may have a
// nonzero second partial of some selected dependent. Two independents
// are marked connected whenever RevJacSparsity shows them both
// reaching the same selected dependent, the same "shares a Jacobian
// row" criterion ForHesSparsity uses in the forward direction.
func (f *Function) RevHesSparsity(selectY []int, transpose bool) (Pattern, error) {
	if transpose {
		return nil, errf(InvariantViolated, "RevHesSparsity: transposed output not supported")
	}
	t := f.tape
	m := len(t.depVar)
	seed := NewListPattern(m, m)
	for _, y := range selectY {
		seed.Set(y, y)
	}
	rev, err := f.RevJacSparsity(seed)
	if err != nil {
		return nil, err
	}
	n := int(t.nInd)
	byLabel := make(map[int][]int)
	for k := 0; k < n; k++ {
		for _, label := range rev.Row(k) {
			byLabel[label] = append(byLabel[label], k)
		}
	}
	out := NewBitPattern(n, n)
	for _, ks := range byLabel {
		for _, i := range ks {
			for _, j := range ks {
				out.Set(i, j)
			}
		}
	}
	return out, nil
}

// ForHesSparsity computes, for a given subset of independent variables
// vars, a conservative set of (i, j) pairs whose second partial may be
// nonzero (spec.md §4.5): i and j are marked connected whenever some
// dependent output's Jacobian sparsity row contains both. This is a
// sound over-approximation, not the tight per-opcode-linearity
// analysis CppAD's own sparse Hessian pass performs — if i and j never
// reach a common output, their cross partial is certainly zero; if
// they do, this pass conservatively assumes it might be nonzero
// without checking whether every opcode on the shared path is
// actually linear in both. See DESIGN.md.
func (f *Function) ForHesSparsity(vars []int) (Pattern, error) {
	t := f.tape
	in := IdentityPattern(int(t.nInd))
	fwd, err := f.ForJacSparsity(in, false, false)
	if err != nil {
		return nil, err
	}
	want := make(map[int]bool, len(vars))
	for _, v := range vars {
		want[v] = true
	}
	out := NewBitPattern(int(t.nInd), int(t.nInd))
	for o := 0; o < len(t.depVar); o++ {
		row := fwd.Row(o)
		for _, i := range row {
			if !want[i] {
				continue
			}
			for _, j := range row {
				out.Set(i, j)
			}
		}
	}
	return out, nil
}
