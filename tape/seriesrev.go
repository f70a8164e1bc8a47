package tape

// Reverse-mode transposes of the forward recurrences in series.go.
// Each *Rev helper takes the same forward inputs the matching series.go
// function took (plus the already-computed result, since Forward has
// already stored it) and an incoming adjoint row `pz` (one entry per
// Taylor order, pz[k] being d(final scalar)/d(z[k])), and returns the
// adjoint contribution(s) to the argument row(s). Composite operators
// (Tan, Pow, Log1p, Expm1, Erf/Erfc-less inverse-trig family) build
// their reverse by replaying the same sequence of primitive calls
// forward.go used and transposing each step in turn, exactly the way
// reverse.go already did by hand for the order-0-only case this
// generalizes.

// mulSeriesRev is the direct transcription of the Mul_vv rule spec.md
// §4.3 gives: pa_k += sum_{j>=k} pz_j * b_{j-k}, and symmetrically pb.
func mulSeriesRev(a, b, pz []float64) (pa, pb []float64) {
	n := len(pz)
	pa = make([]float64, n)
	pb = make([]float64, n)
	for j := 0; j < n; j++ {
		if pz[j] == 0 {
			continue
		}
		for k := 0; k <= j; k++ {
			pa[k] += pz[j] * b[j-k]
			pb[k] += pz[j] * a[j-k]
		}
	}
	return
}

// divSeriesRev transposes divSeries's forward substitution z = a/b
// (equivalently a = conv(z, b)), given b and the already-computed
// result z = out, processing orders from the top down the same way
// the forward substitution built them bottom-up.
func divSeriesRev(b, z, pz []float64) (pa, pb []float64) {
	n := len(pz)
	pa = make([]float64, n)
	pb = make([]float64, n)
	acc := append([]float64(nil), pz...)
	for j := n - 1; j >= 0; j-- {
		g := acc[j] / b[0]
		pa[j] += g
		pb[0] -= g * z[j]
		for k := 0; k < j; k++ {
			acc[k] -= g * b[j-k]
			pb[j-k] -= g * z[k]
		}
	}
	return
}

// sqrtSeriesRev transposes sqrtSeries (z*z = a).
func sqrtSeriesRev(z, pz []float64) []float64 {
	n := len(pz)
	pa := make([]float64, n)
	acc := append([]float64(nil), pz...)
	for j := n - 1; j >= 1; j-- {
		g := acc[j] / (2 * z[0])
		acc[0] -= acc[j] * z[j] / z[0]
		pa[j] += g
		for k := 1; k < j; k++ {
			acc[k] -= g * z[j-k]
			acc[j-k] -= g * z[k]
		}
	}
	pa[0] += acc[0] / (2 * z[0])
	return pa
}

// expSeriesRev transposes expSeries (z' = a'*z, the defining ODE of
// exp, expressed coefficient-wise as z_j*j = sum_{k<j} (j-k)*a_{j-k}*z_k).
func expSeriesRev(a, z, pz []float64) []float64 {
	n := len(pz)
	pa := make([]float64, n)
	acc := append([]float64(nil), pz...)
	for j := n - 1; j >= 1; j-- {
		g := acc[j] / float64(j)
		for k := 0; k < j; k++ {
			w := float64(j - k)
			pa[j-k] += g * w * z[k]
			acc[k] += g * w * a[j-k]
		}
	}
	pa[0] += acc[0] * z[0]
	return pa
}

// logSeriesRev transposes logSeries (a_0*z' relation, z_j*a_0*j +
// sum_{k=1}^{j-1} k*z_k*a_{j-k} = j*a_j).
func logSeriesRev(a, z, pz []float64) []float64 {
	n := len(pz)
	pa := make([]float64, n)
	acc := append([]float64(nil), pz...)
	for j := n - 1; j >= 1; j-- {
		g := acc[j] / a[0]
		acc[0] -= acc[j] * z[j] / a[0]
		pa[j] += g
		for k := 1; k < j; k++ {
			coef := float64(k) / float64(j)
			acc[k] -= g * coef * a[j-k]
			pa[j-k] -= g * coef * z[k]
		}
	}
	pa[0] += acc[0] / a[0]
	return pa
}

// sinCosSeriesRev transposes the coupled sinCosSeries recurrence.
func sinCosSeriesRev(a, sin, cos, psin, pcos []float64) []float64 {
	n := len(psin)
	pa := make([]float64, n)
	as := append([]float64(nil), psin...)
	ac := append([]float64(nil), pcos...)
	for j := n - 1; j >= 1; j-- {
		gs, gc := as[j], ac[j]
		// s_j = sum_k w(k)*cos[k], c_j = -sum_k w(k)*sin[k],
		// w(k) = (j-k)/j * a[j-k].
		for k := 0; k < j; k++ {
			coef := float64(j-k) / float64(j)
			wk := coef * a[j-k]
			ac[k] += gs * wk
			pa[j-k] += gs * coef * cos[k]
			as[k] += -gc * wk
			pa[j-k] += -gc * coef * sin[k]
		}
	}
	pa[0] += as[0]*cos[0] - ac[0]*sin[0]
	return pa
}

// sinhCoshSeriesRev transposes the coupled sinhCoshSeries recurrence.
func sinhCoshSeriesRev(a, sinh, cosh, psinh, pcosh []float64) []float64 {
	n := len(psinh)
	pa := make([]float64, n)
	as := append([]float64(nil), psinh...)
	ac := append([]float64(nil), pcosh...)
	for j := n - 1; j >= 1; j-- {
		gs, gc := as[j], ac[j]
		for k := 0; k < j; k++ {
			coef := float64(j-k) / float64(j)
			wk := coef * a[j-k]
			ac[k] += gs * wk
			pa[j-k] += gs * coef * cosh[k]
			as[k] += gc * wk
			pa[j-k] += gc * coef * sinh[k]
		}
	}
	pa[0] += as[0]*cosh[0] + ac[0]*sinh[0]
	return pa
}

// tanhSeriesRev transposes tanhSeries, using the already-computed
// result z and the self-referential b_k = 1{k=0} - sum_{m=0}^{k} z_m*z_{k-m}
// (b = 1 - z*z as a truncated series) that tanhSeries recomputes fresh
// at every forward step.
func tanhSeriesRev(a, z, pz []float64) []float64 {
	n := len(pz)
	pa := make([]float64, n)
	acc := append([]float64(nil), pz...)
	for j := n - 1; j >= 1; j-- {
		g := acc[j] / float64(j)
		for k := 0; k < j; k++ {
			coef := float64(j - k)
			var bk float64
			if k == 0 {
				bk = 1
			}
			for m := 0; m <= k; m++ {
				bk -= z[m] * z[k-m]
			}
			pa[j-k] += g * coef * bk
			pbk := g * coef * a[j-k]
			for p := 0; p <= k; p++ {
				acc[p] += pbk * (-2 * z[k-p])
			}
		}
	}
	pa[0] += acc[0] * (1 - z[0]*z[0])
	return pa
}
