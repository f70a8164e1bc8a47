package tape

import "math"

// Truncated power-series arithmetic, shared by the forward sweep's
// unary/binary Taylor kernels (spec.md §4.4's recurrences). Each
// helper takes coefficient slices of equal length order+1 (coefficient
// j is the order-j Taylor coefficient, i.e. x(t) = sum_j x[j] t^j, the
// convention CppAD itself uses) and returns a slice of the same
// length. Forward() only ever reads the last entry of the result: all
// lower orders were already computed and stored on a previous call,
// and recomputing them here is simpler than threading incremental
// state through every operator, at the cost of repeating O(order)
// work per step.

func addSeries(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range out {
		out[i] = a[i] + b[i]
	}
	return out
}

func subSeries(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for i := range out {
		out[i] = a[i] - b[i]
	}
	return out
}

func scaleSeries(a []float64, c float64) []float64 {
	out := make([]float64, len(a))
	for i := range out {
		out[i] = a[i] * c
	}
	return out
}

func constSeries(n int, v float64) []float64 {
	out := make([]float64, n)
	out[0] = v
	return out
}

func mulSeries(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for j := range out {
		var sum float64
		for k := 0; k <= j; k++ {
			sum += a[k] * b[j-k]
		}
		out[j] = sum
	}
	return out
}

// divSeries computes a/b as a truncated power series; b[0] must be
// nonzero.
func divSeries(a, b []float64) []float64 {
	out := make([]float64, len(a))
	for j := range out {
		sum := a[j]
		for k := 0; k < j; k++ {
			sum -= out[k] * b[j-k]
		}
		out[j] = sum / b[0]
	}
	return out
}

func sqrtSeries(a []float64) []float64 {
	out := make([]float64, len(a))
	out[0] = math.Sqrt(a[0])
	for j := 1; j < len(out); j++ {
		sum := a[j]
		for k := 1; k < j; k++ {
			sum -= out[k] * out[j-k]
		}
		out[j] = sum / (2 * out[0])
	}
	return out
}

func expSeries(a []float64) []float64 {
	out := make([]float64, len(a))
	out[0] = math.Exp(a[0])
	for j := 1; j < len(out); j++ {
		var sum float64
		for k := 0; k < j; k++ {
			sum += float64(j-k) * a[j-k] * out[k]
		}
		out[j] = sum / float64(j)
	}
	return out
}

func logSeries(a []float64) []float64 {
	out := make([]float64, len(a))
	out[0] = math.Log(a[0])
	for j := 1; j < len(out); j++ {
		sum := a[j]
		for k := 1; k < j; k++ {
			sum -= float64(k) * out[k] * a[j-k] / float64(j)
		}
		out[j] = sum / a[0]
	}
	return out
}

// sinCosSeries returns sin(a) and cos(a) as coupled truncated series.
func sinCosSeries(a []float64) (sin, cos []float64) {
	sin = make([]float64, len(a))
	cos = make([]float64, len(a))
	sin[0], cos[0] = math.Sin(a[0]), math.Cos(a[0])
	for j := 1; j < len(a); j++ {
		var s, c float64
		for k := 0; k < j; k++ {
			w := float64(j-k) * a[j-k] / float64(j)
			s += w * cos[k]
			c -= w * sin[k]
		}
		sin[j], cos[j] = s, c
	}
	return
}

func sinhCoshSeries(a []float64) (sinh, cosh []float64) {
	sinh = make([]float64, len(a))
	cosh = make([]float64, len(a))
	sinh[0], cosh[0] = math.Sinh(a[0]), math.Cosh(a[0])
	for j := 1; j < len(a); j++ {
		var s, c float64
		for k := 0; k < j; k++ {
			w := float64(j-k) * a[j-k] / float64(j)
			s += w * cosh[k]
			c += w * sinh[k]
		}
		sinh[j], cosh[j] = s, c
	}
	return
}

func tanhSeries(a []float64) []float64 {
	z := make([]float64, len(a))
	z[0] = math.Tanh(a[0])
	for j := 1; j < len(a); j++ {
		// b[k] = (1 - tanh^2)[k], needed only up to k=j-1, computable
		// from z[0:j] already on hand.
		prev := z[:j]
		b := subSeries(constSeries(j, 1), mulSeries(prev, prev))
		var sum float64
		for k := 0; k < j; k++ {
			sum += float64(j-k) * a[j-k] * b[k] / float64(j)
		}
		z[j] = sum
	}
	return z
}

// integrateDerivative solves for z given that z'(t) = h(t) as formal
// power series, i.e. (k+1) z[k+1] = h[k]. Used by Erf/Erfc whose
// derivative is an explicit function of x with no reciprocal term.
func integrateDerivative(z0 float64, h []float64) []float64 {
	out := make([]float64, len(h)+1)
	out[0] = z0
	for k := range h {
		out[k+1] = h[k] / float64(k+1)
	}
	return out
}

// integrateRatio solves for z given that z'(t)*u(t) = x'(t), i.e.
// sum_{k=0}^{j} (k+1) z[k+1] u[j-k] = (j+1) x[j+1], the pattern shared
// by Asin/Acos/Atan/Asinh/Acosh/Atanh (u is an algebraic function of x
// computed via the series helpers above).
func integrateRatio(z0 float64, x, u []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	out[0] = z0
	for j := 0; j < n-1; j++ {
		var sum float64
		for k := 0; k < j; k++ {
			sum += float64(k+1) * out[k+1] * u[j-k]
		}
		out[j+1] = (float64(j+1)*x[j+1] - sum) / (float64(j+1) * u[0])
	}
	return out
}

func powConstSeries(x []float64, p float64) []float64 {
	return expSeries(scaleSeries(logSeries(x), p))
}
