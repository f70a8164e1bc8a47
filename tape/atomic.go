package tape

import "sync"

// Atomic functions are user-registered black-box n-to-m operators
// (spec.md §4.8). The callback is the only place user code re-enters
// the core: spec.md §9 requires it be pure with respect to the
// active recording, which CallAtomic enforces by never touching the
// goroutine's active-tape slot except to read from it.
type AtomicID int

// Atomic is implemented by a registered external function. Forward
// computes order-th order Taylor coefficients of y from coefficients
// of x up to and including order; Reverse accumulates partials of x
// from partials of y. Both report ok=false when the requested order
// is unsupported, which aborts the sweep with AtomicOrderUnsupported.
type Atomic interface {
	// N and M are the number of inputs and outputs.
	N() int
	M() int
	// Forward computes the outputs' coefficients at the given order.
	// taylorX holds n*(order+1) values and taylorY m*(order+1):
	// coefficient j of input (or output) k sits at k*(order+1)+j, and
	// the sweep reads each output's order-th coefficient. typeX gives
	// each input's tag (so the callback can skip work for constant
	// inputs) and needY which outputs are actually needed.
	Forward(order int, typeX []Tag, needY []bool, taylorX, taylorY []float64) bool
	// Reverse accumulates d(weighted sum of y)/dx into partialX from
	// partialY, given forward Taylor coefficients of both.
	Reverse(order int, typeX []Tag, taylorX, taylorY, partialY, partialX []float64) bool
	// ForJacSparsity returns, for each output, the set of input
	// indices it structurally depends on.
	ForJacSparsity() [][]int
	// ForHesSparsity returns, for each pair of inputs, whether the
	// Hessian of some output may be nonzero there.
	ForHesSparsity() [][2]int
}

var atomicMu sync.Mutex
var atomicRegistry []Atomic

// RegisterAtomic registers a, returning its AtomicID. Like discrete
// function registration, meant to happen during single-threaded
// setup.
func RegisterAtomic(a Atomic) AtomicID {
	atomicMu.Lock()
	defer atomicMu.Unlock()
	id := AtomicID(len(atomicRegistry))
	atomicRegistry = append(atomicRegistry, a)
	return id
}

func atomicByID(id AtomicID) Atomic {
	atomicMu.Lock()
	defer atomicMu.Unlock()
	return atomicRegistry[id]
}

// CallAtomic emits one AFunOp call block (spec.md §4.8) for the
// registered atomic id, with the given arguments, and returns its m
// results.
func CallAtomic(id AtomicID, args []AD) ([]AD, error) {
	a := atomicByID(id)
	if len(args) != a.N() {
		return nil, errf(DimensionMismatch, "atomic %d: want %d args, got %d", id, a.N(), len(args))
	}

	tag := Constant
	for _, x := range args {
		tag = maxTag(tag, x.Tag)
	}

	typeX := make([]Tag, len(args))
	x0 := make([]float64, len(args))
	for i, x := range args {
		typeX[i] = x.Tag
		x0[i] = x.Value
	}
	y0 := make([]float64, a.M())
	needAll := make([]bool, a.M())
	for i := range needAll {
		needAll[i] = true
	}
	if !a.Forward(0, typeX, needAll, x0, y0) {
		return nil, errf(AtomicOrderUnsupported, "atomic %d order 0", id)
	}

	if tag == Constant {
		out := make([]AD, a.M())
		for i, v := range y0 {
			out[i] = Const(v)
		}
		return out, nil
	}

	t, err := activeTapeFor(args...)
	if err != nil {
		return nil, err
	}

	callID := uint32(len(t.atomicCalls))
	argBegin := uint32(len(t.opArg))
	for _, x := range args {
		xo := operandFor(t, x)
		t.appendArg(encodeOperand(xo))
	}

	out := make([]AD, a.M())
	resBegin := uint32(len(t.opArg))
	if tag == Dynamic {
		// Dynamic-tagged atomic calls never touch the main tape's
		// opcode stream: they only occupy parameter-pool slots, and
		// like every other dynamic op are recomputed from scratch by
		// evalAtomicDynCalls on NewDynamic rather than via dynOpcode
		// (Atomic.Forward needs the full operand slice, which the
		// dynOpcode encoding has no room for).
		for i, v := range y0 {
			slot := t.newDynSlot(v)
			out[i] = t.newDyn(v, slot)
			t.appendArg(slot)
		}
	} else {
		base := t.nVar
		t.beginOp(OpAFun, 0, a.M())
		for i, v := range y0 {
			out[i] = t.newVar(v, base+uint32(i))
			t.appendArg(base + uint32(i))
		}
		t.closeOpArgs()
	}
	t.atomicCalls = append(t.atomicCalls, atomicCallRecord{
		atomicID: id, callID: callID,
		n: uint32(a.N()), m: uint32(a.M()),
		argBegin: argBegin, resBegin: resBegin,
		dynamic: tag == Dynamic,
	})
	return out, nil
}

// Checkpoint exposes a closed Function as a single atomic call inside
// an outer recording (spec.md §4.6). The inner function's tape is
// recorded once; each appearance in an outer recording costs exactly
// one atomic-call block.
type checkpointAtomic struct {
	f *Function
}

func (c *checkpointAtomic) N() int { return int(c.f.tape.nInd) }
func (c *checkpointAtomic) M() int { return len(c.f.tape.depVar) }

func (c *checkpointAtomic) Forward(order int, typeX []Tag, needY []bool, taylorX, taylorY []float64) bool {
	if order != 0 {
		return false // checkpoints replay only zero order in this module
	}
	y, err := c.f.Clone().Forward(0, taylorX)
	if err != nil {
		return false
	}
	copy(taylorY, y)
	return true
}

func (c *checkpointAtomic) Reverse(order int, typeX []Tag, taylorX, taylorY, partialY, partialX []float64) bool {
	if order != 0 {
		return false
	}
	g := c.f.Clone()
	if _, err := g.Forward(0, taylorX); err != nil {
		return false
	}
	dw, err := g.Reverse(0, partialY)
	if err != nil {
		return false
	}
	copy(partialX, dw)
	return true
}

func (c *checkpointAtomic) ForJacSparsity() [][]int {
	pat, err := c.f.ForJacSparsity(IdentityPattern(int(c.f.tape.nInd)), false, false)
	if err != nil {
		return nil
	}
	out := make([][]int, len(c.f.tape.depVar))
	for i := range out {
		out[i] = pat.Row(i)
	}
	return out
}

func (c *checkpointAtomic) ForHesSparsity() [][2]int { return nil }

// Checkpoint registers f as an atomic function and returns the id to
// use with CallAtomic.
func Checkpoint(f *Function) AtomicID {
	return RegisterAtomic(&checkpointAtomic{f: f})
}
