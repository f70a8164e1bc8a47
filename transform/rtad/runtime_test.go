package ad

// Table-driven gradient tests in the teacher's own ad/tape_test.go
// style (a ddx helper differentiating a small closure, a runSuite
// that checks the gradient at several points), adapted to this
// package's Setup/Return/BuildFunction flow rather than the teacher's
// own implicit top-level tape.

import (
	"math"
	"testing"
)

// ddx runs f over a fresh recording on x and returns the gradient of
// its single differentiated result.
func ddx(t *testing.T, x []float64, f func(x []float64) *float64) []float64 {
	t.Helper()
	Setup(x)
	y := f(x)
	Return(y)
	fn, err := BuildFunction()
	if err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if _, err := fn.Forward(0, x); err != nil {
		t.Fatalf("Forward(0): %v", err)
	}
	g, err := fn.Reverse(0, []float64{1})
	if err != nil {
		t.Fatalf("Reverse(0): %v", err)
	}
	return g
}

type gradCase struct {
	name string
	f    func(x []float64) *float64
	at   []float64
	want []float64
}

func runSuite(t *testing.T, cases []gradCase) {
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			got := ddx(t, append([]float64(nil), c.at...), c.f)
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

func TestArithmeticGradients(t *testing.T) {
	runSuite(t, []gradCase{
		{"x+y", func(x []float64) *float64 {
			return Arithmetic(OpAdd, &x[0], &x[1])
		}, []float64{3, 5}, []float64{1, 1}},
		{"x-y", func(x []float64) *float64 {
			return Arithmetic(OpSub, &x[0], &x[1])
		}, []float64{5, 2}, []float64{1, -1}},
		{"x*y", func(x []float64) *float64 {
			return Arithmetic(OpMul, &x[0], &x[1])
		}, []float64{2, 3}, []float64{3, 2}},
		{"x/y", func(x []float64) *float64 {
			return Arithmetic(OpDiv, &x[0], &x[1])
		}, []float64{2, 4}, []float64{0.25, -0.125}},
		{"-x", func(x []float64) *float64 {
			return Arithmetic(OpNeg, &x[0])
		}, []float64{4}, []float64{-1}},
		{"x*x", func(x []float64) *float64 {
			return Arithmetic(OpMul, &x[0], &x[0])
		}, []float64{3}, []float64{6}},
	})
}

func TestAssignment(t *testing.T) {
	got := ddx(t, []float64{3, 5}, func(x []float64) *float64 {
		y := Assignment(&x[1], Arithmetic(OpAdd, &x[0], &x[1]))
		return y
	})
	want := []float64{1, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("d/dx[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParallelAssignmentSwap(t *testing.T) {
	// x, y = y, x*y differentiated with respect to the original x, y;
	// the result returned is the new x (= old y), so dg/dx = 0,
	// dg/dy = 1.
	got := ddx(t, []float64{3, 5}, func(x []float64) *float64 {
		tmpY := Arithmetic(OpMul, &x[0], &x[1])
		ParallelAssignment(&x[0], &x[1], &x[1], tmpY)
		return &x[0]
	})
	want := []float64{0, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("d/dx[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCallNested(t *testing.T) {
	got := ddx(t, []float64{3}, func(x []float64) *float64 {
		return Call(func(dummy []float64) {
			a := dummy[0]
			Enter(&a)
			Return(Arithmetic(OpMul, &a, &a))
		}, 1, &x[0])
	})
	want := []float64{6}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("d/dx[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestCalledReportsNesting(t *testing.T) {
	if Called() {
		t.Fatal("Called() true outside any Call")
	}
	var insideCall bool
	Setup([]float64{1})
	y := Call(func(dummy []float64) {
		a := dummy[0]
		Enter(&a)
		insideCall = Called()
		Return(&a)
	}, 1, &place0)
	Return(y)
	if _, err := BuildFunction(); err != nil {
		t.Fatalf("BuildFunction: %v", err)
	}
	if !insideCall {
		t.Error("Called() false inside a Call-wrapped method")
	}
}

var place0 float64 = 1

func TestElemental(t *testing.T) {
	RegisterElemental(math.Sin, func(value float64, params ...float64) []float64 {
		return []float64{math.Cos(params[0])}
	})
	RegisterElemental(math.Pow, func(value float64, params ...float64) []float64 {
		base, exp := params[0], params[1]
		return []float64{exp * math.Pow(base, exp-1), value * math.Log(base)}
	})

	runSuite(t, []gradCase{
		{"sin(x)", func(x []float64) *float64 {
			return Elemental(math.Sin, &x[0])
		}, []float64{0.5}, []float64{math.Cos(0.5)}},
		{"pow(x,y)", func(x []float64) *float64 {
			return Elemental(math.Pow, &x[0], &x[1])
		}, []float64{2, 3}, []float64{3 * 2 * 2, 8 * math.Log(2)}},
	})
}

func TestVlemental(t *testing.T) {
	sum := func(xs []float64) float64 {
		s := 0.
		for _, x := range xs {
			s += x
		}
		return s
	}
	RegisterVlemental(sum, func(value float64, params []float64) []float64 {
		g := make([]float64, len(params))
		for i := range g {
			g[i] = 1
		}
		return g
	})

	got := ddx(t, []float64{1, 2, 3}, func(x []float64) *float64 {
		return Vlemental(sum, x)
	})
	want := []float64{1, 1, 1}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("d/dx[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
