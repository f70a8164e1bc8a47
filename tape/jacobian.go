package tape

// Jacobian computes the full Jacobian of f at x via n forward sweeps,
// one unit direction per independent variable (spec.md §4.4's worked
// example). Each column is exact first-order AD, not a numerical
// approximation.
func (f *Function) Jacobian(x []float64) ([][]float64, error) {
	n := int(f.tape.nInd)
	m := len(f.tape.depVar)
	jac := make([][]float64, m)
	for i := range jac {
		jac[i] = make([]float64, n)
	}

	if _, err := f.Forward(0, x); err != nil {
		return nil, err
	}

	for j := 0; j < n; j++ {
		dir := make([]float64, n)
		dir[j] = 1
		col, err := f.forwardOneColumn(dir)
		if err != nil {
			return nil, err
		}
		for i := 0; i < m; i++ {
			jac[i][j] = col[i]
		}
	}
	return jac, nil
}

// forwardOneColumn runs Forward(0) and then Forward(1, dir) on a clone
// of f, taking the clone's order-0 point from f's stored independent
// values, so f itself keeps only its order-0 coefficients across
// columns.
func (f *Function) forwardOneColumn(dir []float64) ([]float64, error) {
	clone := f.Clone()
	x0 := make([]float64, len(dir))
	for i := range f.taylor {
		if i < int(f.tape.nInd)+1 && i > 0 {
			x0[i-1] = f.taylor[i][0]
		}
	}
	if _, err := clone.Forward(0, x0); err != nil {
		return nil, err
	}
	return clone.Forward(1, dir)
}

// Hessian computes the Hessian of w·y at x by true forward-over-reverse
// AD, the standard second-derivative trick built on the order-d reverse
// sweep in reverse.go: for each independent j, a fresh clone is run
// through Forward(0, x), Forward(1, e_j) (the directional derivative
// along the j-th unit vector), then Reverse(1, ...) seeded only on the
// order-1 slot of each dependent's weight. The order-0 half of that
// reverse's result (the partials with respect to each independent's
// order-0 coefficient) is column j of sum_i w_i * Hessian(f_i)(x); n clones
// and sweeps in total, each exact, none of it finite-difference.
func (f *Function) Hessian(x []float64, w []float64) ([][]float64, error) {
	n := int(f.tape.nInd)
	m := len(f.tape.depVar)
	h := make([][]float64, n)
	for i := range h {
		h[i] = make([]float64, n)
	}

	w2 := make([]float64, m*2)
	for i, wi := range w {
		w2[i*2+1] = wi
	}

	for j := 0; j < n; j++ {
		dir := make([]float64, n)
		dir[j] = 1

		c := f.Clone()
		if _, err := c.Forward(0, x); err != nil {
			return nil, err
		}
		if _, err := c.Forward(1, dir); err != nil {
			return nil, err
		}
		dw, err := c.Reverse(1, w2)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			h[i][j] = dw[i*2]
		}
	}
	return h, nil
}
