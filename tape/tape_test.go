package tape

// Testing the core forward/reverse sweep, table-driven in the
// teacher's own ad/tape_test.go style (runsuite over a slice of named
// cases, each run at several points).

import (
	"math"
	"testing"
)

// ddx differentiates f at x and returns the order-0 gradient, the
// style the teacher's own ad/tape_test.go helper (also named ddx)
// uses: build, evaluate, take the gradient in one call.
func ddx(t *testing.T, x []float64, f func(xs []AD) AD) []float64 {
	t.Helper()
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := f(xs)
	fn, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if _, err := fn.Forward(0, x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	g, err := fn.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse: %v", err)
	}
	return g
}

type gradCase struct {
	name string
	f    func(xs []AD) AD
	at   []float64
	want []float64
}

func runGradSuite(t *testing.T, cases []gradCase) {
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := ddx(t, c.at, c.f)
			if len(got) != len(c.want) {
				t.Fatalf("gradient length = %d, want %d", len(got), len(c.want))
			}
			for i := range got {
				if math.Abs(got[i]-c.want[i]) > 1e-9 {
					t.Errorf("d/dx[%d] = %v, want %v", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestPrimitiveGradients(t *testing.T) {
	runGradSuite(t, []gradCase{
		{"x+y", func(xs []AD) AD { return Add(xs[0], xs[1]) }, []float64{3, 5}, []float64{1, 1}},
		{"x-y", func(xs []AD) AD { return Sub(xs[0], xs[1]) }, []float64{3, 5}, []float64{1, -1}},
		{"x*y", func(xs []AD) AD { return Mul(xs[0], xs[1]) }, []float64{2, 3}, []float64{3, 2}},
		{"x/y", func(xs []AD) AD { return Div(xs[0], xs[1]) }, []float64{2, 4}, []float64{0.25, -0.125}},
		{"x*x", func(xs []AD) AD { return Mul(xs[0], xs[0]) }, []float64{3}, []float64{6}},
		{"sin(x)", func(xs []AD) AD { return Sin(xs[0]) }, []float64{1}, []float64{math.Cos(1)}},
		{"cos(x)", func(xs []AD) AD { return Cos(xs[0]) }, []float64{1}, []float64{-math.Sin(1)}},
		{"sqrt(x)", func(xs []AD) AD { return Sqrt(xs[0]) }, []float64{4}, []float64{0.25}},
		{"exp(x)", func(xs []AD) AD { return Exp(xs[0]) }, []float64{0}, []float64{1}},
		{"log(x)", func(xs []AD) AD { return Log(xs[0]) }, []float64{2}, []float64{0.5}},
	})
}

// Identity simplifications: x+0, x*1, x*0 etc should fold to the
// operand itself or a constant rather than recording a new opcode,
// per spec.md §4.2.
func TestIdentitySimplifications(t *testing.T) {
	xs, _, err := Independent([]float64{3}, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	x := xs[0]
	zero := Const(0)
	one := Const(1)

	if got := Add(x, zero); got.Value != x.Value {
		t.Errorf("x+0 = %v, want %v", got.Value, x.Value)
	}
	if got := Mul(x, one); got.Value != x.Value {
		t.Errorf("x*1 = %v, want %v", got.Value, x.Value)
	}
	if got := Mul(x, zero); got.Value != 0 {
		t.Errorf("x*0 = %v, want 0", got.Value)
	}
}

func TestBuildFunctionClearsActiveRecording(t *testing.T) {
	x := []float64{1, 2}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	if _, ok := ActiveTapeID(); !ok {
		t.Fatal("expected an active recording after Independent")
	}
	y := Add(xs[0], xs[1])
	if _, err := BuildFunction([]AD{y}); err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if _, ok := ActiveTapeID(); ok {
		t.Fatal("expected no active recording after BuildFunction")
	}
}

func TestIndependentWithoutClosingPriorRecordingErrors(t *testing.T) {
	if _, _, err := Independent([]float64{1}, nil); err != nil {
		t.Fatalf("first Independent: %v", err)
	}
	defer AbortRecording()
	if _, _, err := Independent([]float64{1}, nil); err == nil {
		t.Fatal("expected an error recording a second tape on the same goroutine")
	}
}

func TestFunctionCurOrderInvariant(t *testing.T) {
	x := []float64{2}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Mul(xs[0], xs[0])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if _, err := f.Forward(0, x); err != nil {
		t.Fatalf("first Forward(0, ...): %v", err)
	}
	if _, err := f.Forward(0, x); err == nil {
		t.Fatal("expected an error re-running Forward(0, ...) on an already-advanced Function")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	x := []float64{2}
	xs, _, err := Independent(x, nil)
	if err != nil {
		t.Fatalf("Independent: %v", err)
	}
	y := Mul(xs[0], xs[0])
	f, err := BuildFunction([]AD{y})
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	a := f.Clone()
	b := f.Clone()
	if _, err := a.Forward(0, []float64{2}); err != nil {
		t.Fatalf("a.Forward: %v", err)
	}
	if _, err := b.Forward(0, []float64{3}); err != nil {
		t.Fatalf("b.Forward: %v", err)
	}
}
