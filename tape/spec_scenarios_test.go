package tape

// Scenario coverage beyond TestPrimitiveGradients: the reverse-order-d
// sweep, Hessian-via-forward-over-reverse, CondExp/compare_change,
// Discrete, VecAD, NewDynamic, Atomic, the CSum/CSkip optimizer
// opcodes, sparsity patterns, serialization, and CheckForNaN. Each
// test builds its own small tape rather than sharing fixtures, the
// teacher's own style of one recording per test.

import (
	"bytes"
	"math"
	"testing"
)

func closeEnough(t *testing.T, got, want float64, msg string) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s = %v, want %v", msg, got, want)
	}
}

// reverse(2, [0, 0, 1]) of sin(x) at x=0.5: order-0 value, order-1
// equals cos(x), and the partial with respect to x's order-1
// coefficient (entry 1) equals -sin(x), the worked example spec.md
// walks through for order-d reverse.
func TestReverseOrder2Sin(t *testing.T) {
	x := []float64{0.5}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Sin(xs[0])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}

	y0, err := f.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	closeEnough(t, y0[0], math.Sin(0.5), "forward(0)")

	y1, err := f.Forward(1, []float64{1})
	if err != nil {
		t.Fatalf("Forward(1): %v", err)
	}
	closeEnough(t, y1[0], math.Cos(0.5), "forward(1)")

	y2, err := f.Forward(2, []float64{0})
	if err != nil {
		t.Fatalf("Forward(2): %v", err)
	}
	closeEnough(t, y2[0], -math.Sin(0.5)/2, "forward(2) Taylor coefficient")

	dw, err := f.Reverse(2, []float64{0, 0, 1})
	if err != nil {
		t.Fatalf("Reverse(2): %v", err)
	}
	if len(dw) != 3 {
		t.Fatalf("Reverse(2) returned %d entries, want 3", len(dw))
	}
	closeEnough(t, dw[1], -math.Sin(0.5), "reverse(2) partial w.r.t. order-1 coefficient")
}

// Reverse at order 0 must still agree with the closed-form gradient
// for a function combining several opcodes, guarding against the
// order-d generalization breaking the order-0 case every other test
// in this package depends on.
func TestReverseOrder0AgreesWithDirectFormula(t *testing.T) {
	x := []float64{1.3, -0.4}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Add(Mul(xs[0], xs[0]), Exp(xs[1]))
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if _, err := f.Forward(0, x); err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	dw, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse(0): %v", err)
	}
	closeEnough(t, dw[0], 2*x[0], "d/dx0")
	closeEnough(t, dw[1], math.Exp(x[1]), "d/dx1")
}

// Hessian computed via forward-over-reverse AD, exact for a function
// with genuine curvature, checked against the closed-form second
// partials of x^2*y + sin(x).
func TestHessianForwardOverReverse(t *testing.T) {
	x := []float64{0.7, 1.1}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Add(Mul(Mul(xs[0], xs[0]), xs[1]), Sin(xs[0]))
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}

	h, err := f.Hessian(x, []float64{1})
	if err != nil {
		t.Fatalf("Hessian: %v", err)
	}
	// f = x^2*y + sin(x)
	// d/dx = 2xy + cos(x), d/dy = x^2
	// d2/dx2 = 2y - sin(x), d2/dxdy = 2x, d2/dy2 = 0
	closeEnough(t, h[0][0], 2*x[1]-math.Sin(x[0]), "Hxx")
	closeEnough(t, h[0][1], 2*x[0], "Hxy")
	closeEnough(t, h[1][0], 2*x[0], "Hyx")
	closeEnough(t, h[1][1], 0, "Hyy")
}

// CondExp and CompareChangeCount: the branch taken at record time
// flows derivatives correctly, and re-evaluating at a point where the
// comparison flips is reported by CompareChangeCount.
func TestCondExpAndCompareChangeCount(t *testing.T) {
	x := []float64{1.0}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := CondExp(Gt, xs[0], Const(0), Mul(xs[0], xs[0]), Neg(xs[0]))
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}

	if _, err := f.Forward(0, []float64{2}); err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	if got := f.CompareChangeCount(); got != 0 {
		t.Fatalf("CompareChangeCount after same-sign point = %d, want 0", got)
	}
	g, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	closeEnough(t, g[0], 4, "d/dx taken branch (x^2)' at x=2")

	c := f.Clone()
	if _, err := c.Forward(0, []float64{-1}); err != nil {
		t.Fatalf("Forward(0) at flipped point: %v", err)
	}
	if got := c.CompareChangeCount(); got != 1 {
		t.Fatalf("CompareChangeCount after sign flip = %d, want 1", got)
	}
	g2, err := c.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse at flipped point: %v", err)
	}
	closeEnough(t, g2[0], -1, "d/dx untaken-at-record branch (-x)' = -1")
}

// Discrete functions contribute their table value at order 0 and a
// zero derivative at every order above it.
func TestDiscreteFunction(t *testing.T) {
	id := RegisterDiscrete("tape_test_floor", math.Floor)
	x := []float64{3.7}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Discrete(id, "tape_test_floor", xs[0])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	y0, err := f.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	closeEnough(t, y0[0], 3, "floor(3.7)")
	g, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	closeEnough(t, g[0], 0, "discrete derivative")
}

// VecAD: indexing by a constant slot and by a tape-resident index both
// read the right element, and the derivative flows only through the
// element actually selected, not through the index.
func TestVecADIndexing(t *testing.T) {
	x := []float64{5, 1}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	v, err := NewVecAD([]float64{10, 20, 30})
	if err != nil {
		t.Fatalf("NewVecAD: %v", err)
	}
	// Overwrite element 1 with a tape variable so the derivative has
	// somewhere to flow.
	elem1 := Mul(xs[0], Const(2))
	if err := v.Set(Const(1), elem1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	selected, err := v.Index(xs[1]) // xs[1] == 1 at record time
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	y := Mul(selected, Const(3))
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	y0, err := f.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	closeEnough(t, y0[0], 5*2*3, "v[1]*3 with v[1]=2*x")
	g, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	closeEnough(t, g[0], 6, "d/dx0 through the selected VecAD element")
	closeEnough(t, g[1], 0, "derivative does not flow through the index")
}

// NewDynamic replays the dynamic-parameter mini-tape at a new point
// without re-recording, and resets sweep state so a fresh Forward(0)
// is required.
func TestNewDynamicReplay(t *testing.T) {
	xs, ps, err := Independent([]float64{2}, []float64{10})
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Mul(xs[0], ps[0])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	y0, err := f.Forward(0, []float64{2})
	if err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	closeEnough(t, y0[0], 20, "x*p before NewDynamic")

	if err := f.NewDynamic([]float64{100}); err != nil {
		t.Fatalf("NewDynamic: %v", err)
	}
	if _, err := f.Forward(1, []float64{1}); err == nil {
		t.Fatal("expected Forward(1) to fail before a fresh Forward(0) after NewDynamic")
	}
	y1, err := f.Forward(0, []float64{2})
	if err != nil {
		t.Fatalf("Forward(0) after NewDynamic: %v", err)
	}
	closeEnough(t, y1[0], 200, "x*p after NewDynamic")
}

// testSquareAtomic registers x -> x^2 as an external Atomic callback,
// exercising the one path back into user code the core allows.
type testSquareAtomic struct{}

func (testSquareAtomic) N() int { return 1 }
func (testSquareAtomic) M() int { return 1 }
func (testSquareAtomic) Forward(order int, typeX []Tag, needY []bool, taylorX, taylorY []float64) bool {
	if order != 0 {
		return false
	}
	taylorY[0] = taylorX[0] * taylorX[0]
	return true
}
func (testSquareAtomic) Reverse(order int, typeX []Tag, taylorX, taylorY, partialY, partialX []float64) bool {
	if order != 0 {
		return false
	}
	partialX[0] = partialY[0] * 2 * taylorX[0]
	return true
}
func (testSquareAtomic) ForJacSparsity() [][]int  { return [][]int{{0}} }
func (testSquareAtomic) ForHesSparsity() [][2]int { return [][2]int{{0, 0}} }

func TestAtomicCall(t *testing.T) {
	id := RegisterAtomic(testSquareAtomic{})
	x := []float64{3}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	out, err := CallAtomic(id, []AD{xs[0]})
	if err != nil {
		t.Fatalf("CallAtomic: %v", err)
	}
	f, err := BuildFunction(out)
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	y0, err := f.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	closeEnough(t, y0[0], 9, "atomic square(3)")
	g, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	closeEnough(t, g[0], 6, "atomic square'(3)")
}

// FoldCumulativeSums must replay identically to the unfolded tape: the
// pass's own correctness contract (spec.md §4.5c).
func TestFoldCumulativeSumsReplaysIdentically(t *testing.T) {
	x := []float64{1, 2, 3}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Add(Add(xs[0], xs[1]), xs[2])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	folded := FoldCumulativeSums(f.tape)
	ff := newFunction(folded)

	y0, err := f.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0) original: %v", err)
	}
	y1, err := ff.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0) folded: %v", err)
	}
	closeEnough(t, y1[0], y0[0], "folded tape value")

	g0, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse original: %v", err)
	}
	g1, err := ff.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse folded: %v", err)
	}
	for i := range g0 {
		closeEnough(t, g1[i], g0[i], "folded tape gradient component")
	}
}

// EmitCSum exercises the literal CSum producer directly: base + adds -
// subs must forward and reverse exactly like the unfolded sum would.
func TestEmitCSum(t *testing.T) {
	x := []float64{4, 1, 2}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	t0 := xs[0].TapeID
	tp := recorder.active()
	if tp == nil || tp.id != t0 {
		t.Fatal("expected the recording goroutine's active tape")
	}
	y := tp.EmitCSum(10, []uint32{xs[0].Addr}, []uint32{xs[1].Addr, xs[2].Addr}, nil, nil)
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	y0, err := f.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	closeEnough(t, y0[0], 10+4-1-2, "10+x0-x1-x2")
	g, err := f.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	closeEnough(t, g[0], 1, "d/dx0")
	closeEnough(t, g[1], -1, "d/dx1")
	closeEnough(t, g[2], -1, "d/dx2")
}

// FoldConditionalSkips must recognize the untaken branch of a CondExp
// whose sole producer is a single, otherwise-unused opcode, and the
// resulting tape (with an OpCSkip hint spliced in) must still forward
// and reverse identically, per the correctness contract of spec.md
// §4.9 ("must hold identically with CSkip ignored").
func TestFoldConditionalSkips(t *testing.T) {
	x := []float64{2}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	unused := Mul(xs[0], xs[0]) // used nowhere except the untaken branch below
	y := CondExp(Gt, xs[0], Const(0), xs[0], unused)
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}

	skipped := FoldConditionalSkips(f.tape)
	foundCSkip := false
	for _, op := range skipped.opcode {
		if op == OpCSkip {
			foundCSkip = true
		}
	}
	if !foundCSkip {
		t.Fatal("expected FoldConditionalSkips to emit an OpCSkip opcode")
	}
	if len(skipped.cSkipRec) != 1 {
		t.Fatalf("len(cSkipRec) = %d, want 1", len(skipped.cSkipRec))
	}

	ff := newFunction(skipped)
	y0, err := ff.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0) with CSkip present: %v", err)
	}
	closeEnough(t, y0[0], 2, "CondExp taken branch value with CSkip present")
	g, err := ff.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse with CSkip present: %v", err)
	}
	closeEnough(t, g[0], 1, "CondExp taken branch derivative with CSkip present")
}

// ForJacSparsity/RevJacSparsity/ForHesSparsity/RevHesSparsity over a
// function where the sparsity structure is known by inspection:
// y0 = x0*x1 (depends on both, cross second partial nonzero),
// y1 = x2 (depends only on x2).
func TestSparsityPatterns(t *testing.T) {
	xs, _, err := Independent([]float64{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y0 := Mul(xs[0], xs[1])
	y1 := xs[2]
	f, err := BuildFunction([]AD{y0, y1})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}

	fwd, err := f.ForJacSparsity(IdentityPattern(3), false, false)
	if err != nil {
		t.Fatalf("ForJacSparsity: %v", err)
	}
	row0 := fwd.Row(0)
	if !containsInt(row0, 0) || !containsInt(row0, 1) || containsInt(row0, 2) {
		t.Fatalf("ForJacSparsity row 0 = %v, want {0,1}", row0)
	}
	row1 := fwd.Row(1)
	if len(row1) != 1 || row1[0] != 2 {
		t.Fatalf("ForJacSparsity row 1 = %v, want {2}", row1)
	}

	rev, err := f.RevJacSparsity(IdentityPattern(2))
	if err != nil {
		t.Fatalf("RevJacSparsity: %v", err)
	}
	if !containsInt(rev.Row(0), 0) || !containsInt(rev.Row(1), 0) {
		t.Fatalf("RevJacSparsity: both x0 and x1 should reach label 0")
	}
	if !containsInt(rev.Row(2), 1) {
		t.Fatalf("RevJacSparsity: x2 should reach label 1")
	}

	hes, err := f.ForHesSparsity([]int{0, 1, 2})
	if err != nil {
		t.Fatalf("ForHesSparsity: %v", err)
	}
	if !containsInt(hes.Row(0), 1) {
		t.Fatalf("ForHesSparsity: (0,1) should be flagged (shared output y0)")
	}
	if containsInt(hes.Row(2), 0) || containsInt(hes.Row(2), 1) {
		t.Fatalf("ForHesSparsity: x2 shares no output with x0/x1")
	}

	revHes, err := f.RevHesSparsity([]int{0}, false)
	if err != nil {
		t.Fatalf("RevHesSparsity: %v", err)
	}
	if !containsInt(revHes.Row(0), 1) {
		t.Fatalf("RevHesSparsity selecting y0: (0,1) should be flagged")
	}
	if containsInt(revHes.Row(2), 0) {
		t.Fatalf("RevHesSparsity selecting y0: x2 should not be connected to x0")
	}
	if _, err := f.RevHesSparsity([]int{0}, true); err == nil {
		t.Fatal("expected RevHesSparsity(transpose=true) to be rejected")
	}
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ForwardDir advances two directions at once from a shared order-0
// base point; each direction's order-1 coefficient must equal the
// directional derivative along that direction.
func TestForwardDir(t *testing.T) {
	x := []float64{2, 3}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Mul(xs[0], xs[1])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if _, err := f.Forward(0, x); err != nil {
		t.Fatalf("Forward(0): %v", err)
	}

	dirs := [][]float64{{1, 0}, {0, 1}}
	ys, err := f.ForwardDir(1, 2, dirs)
	if err != nil {
		t.Fatalf("ForwardDir(1): %v", err)
	}
	closeEnough(t, ys[0][0], x[1], "d/dx0 direction (x1)")
	closeEnough(t, ys[1][0], x[0], "d/dx1 direction (x0)")

	ys2, err := f.ForwardDir(2, 2, [][]float64{{0, 0}, {0, 0}})
	if err != nil {
		t.Fatalf("ForwardDir(2): %v", err)
	}
	// d^2/dt^2 of (x0+t*e0)*(x1+t*e0') with no curvature along either
	// pure-axis direction: mixed term only, each direction alone has
	// a flat second Taylor coefficient.
	closeEnough(t, ys2[0][0], 0, "second-order coefficient along x0 direction")
	closeEnough(t, ys2[1][0], 0, "second-order coefficient along x1 direction")
}

// Encode/Decode round-trips a tape including CondExp and CSkip state,
// since compareRec/cSkipRec must survive serialization for replay at
// a decoded Function to match the original.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	x := []float64{2}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := CondExp(Gt, xs[0], Const(0), Mul(xs[0], xs[0]), Neg(xs[0]))
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}

	var buf bytes.Buffer
	if err := f.Encode(&buf); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	y0, err := decoded.Forward(0, x)
	if err != nil {
		t.Fatalf("Forward(0) on decoded Function: %v", err)
	}
	closeEnough(t, y0[0], 4, "decoded CondExp value")
	g, err := decoded.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse on decoded Function: %v", err)
	}
	closeEnough(t, g[0], 4, "decoded CondExp derivative")
}

// CheckForNaN reports true once a zero-order Taylor coefficient goes
// NaN (e.g. log of a negative number), and false before any Forward
// call or at a point that stays finite.
func TestCheckForNaN(t *testing.T) {
	xs, _, err := Independent([]float64{-1}, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Log(xs[0])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if f.CheckForNaN() {
		t.Fatal("CheckForNaN before any Forward call should be false")
	}
	if _, err := f.Forward(0, []float64{-1}); err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	if !f.CheckForNaN() {
		t.Fatal("CheckForNaN after log(-1) should be true")
	}

	c := f.Clone()
	if _, err := c.Forward(0, []float64{2}); err != nil {
		t.Fatalf("Forward(0) at a finite point: %v", err)
	}
	if c.CheckForNaN() {
		t.Fatal("CheckForNaN at a finite point should be false")
	}
}
