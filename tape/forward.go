package tape

import "math"

// Forward computes the order-th Taylor coefficient of every dependent
// variable given the order-th coefficients of the independent
// variables (spec.md §4.4). Orders must be supplied in sequence
// starting at 0: Forward(0, x0) establishes values, Forward(1, x1)
// first derivatives along direction x1, and so on. Calling out of
// sequence returns InvariantViolated.
//
// This is the core the rest of the module is built around: every
// other operation (Jacobian, Hessian, atomic callbacks, checkpoints)
// ultimately bottoms out in a sequence of Forward calls.
func (f *Function) Forward(order int, x []float64) ([]float64, error) {
	if order != f.curOrder+1 {
		return nil, errf(InvariantViolated, "Forward called at order %d, expected %d", order, f.curOrder+1)
	}
	if uint32(len(x)) != f.tape.nInd {
		return nil, errf(DimensionMismatch, "want %d independent coefficients, got %d", f.tape.nInd, len(x))
	}

	t := f.tape
	for v := range f.taylor {
		if len(f.taylor[v]) != order {
			// Every variable must have exactly `order` coefficients
			// stored before this call writes the order-th one; a
			// variable with fewer means an earlier opcode failed to
			// grow it, an invariant bug rather than a user error.
			return nil, errf(InvariantViolated, "variable %d has %d coefficients, expected %d", v, len(f.taylor[v]), order)
		}
	}

	// Each order's walk writes variables from address 0 upward.
	f.resultCursor = 0
	flips := 0
	indSeen := 0
	afunSeen := 0

	for i, op := range t.opcode {
		nres := int(t.opNRes[i])
		if nres == 0 {
			if op == OpCompare {
				a := t.args(i)
				if order == 0 {
					cop := CompareOp(a[0])
					lv := f.operandValue(decodeOperandPair(a[1]), 0)
					rv := f.operandValue(decodeOperandPair(a[2]), 0)
					idx := a[3]
					if cop.eval(lv, rv) != t.compareRec[idx].outcome {
						flips++
					}
				}
			}
			continue
		}

		base := f.nextResultAddr()
		args := t.args(i)
		switch op {
		case OpBegin, OpInv:
			var c float64
			if order == 0 {
				if op == OpInv {
					c = x[indSeen]
					indSeen++
				}
			} else if op == OpInv {
				c = x[indSeen]
				indSeen++
			}
			f.appendCoeff(base, c)

		case OpPar:
			v := 0.0
			if order == 0 {
				v = f.dynValue[args[0]]
			}
			f.appendCoeff(base, v)

		case OpAddPV, OpAddVV:
			xs, ys := f.operandSeries(args[0], order), f.operandSeries(args[1], order)
			f.appendCoeff(base, addSeries(xs, ys)[order])

		case OpSubPV, OpSubVP, OpSubVV:
			xs, ys := f.operandSeries(args[0], order), f.operandSeries(args[1], order)
			f.appendCoeff(base, subSeries(xs, ys)[order])

		case OpMulPV, OpMulVV:
			xs, ys := f.operandSeries(args[0], order), f.operandSeries(args[1], order)
			f.appendCoeff(base, mulSeries(xs, ys)[order])

		case OpZmulPV, OpZmulVP, OpZmulVV:
			xs, ys := f.operandSeries(args[0], order), f.operandSeries(args[1], order)
			if xs[0] == 0 {
				f.appendCoeff(base, 0)
			} else {
				f.appendCoeff(base, mulSeries(xs, ys)[order])
			}

		case OpDivPV, OpDivVP, OpDivVV:
			xs, ys := f.operandSeries(args[0], order), f.operandSeries(args[1], order)
			f.appendCoeff(base, divSeries(xs, ys)[order])

		case OpPowPV, OpPowVP, OpPowVV:
			xs := f.operandSeries(args[0], order)
			if nres == 3 {
				// Variable exponent: always needs the 3-slot
				// log(base)/log(base)*exp/z encoding regardless of
				// which operand is the tape variable (see pow.go).
				ys := f.operandSeries(args[1], order)
				l := logSeries(xs)
				prod := mulSeries(l, ys)
				z := expSeries(prod)
				f.appendCoeff(base, l[order])
				f.appendCoeff(base+1, prod[order])
				f.appendCoeff(base+2, z[order])
			} else {
				_, yIdx := decodeOperand(args[1])
				y := f.dynValue[yIdx]
				f.appendCoeff(base, powConstSeries(xs, y)[order])
			}

		case OpNeg:
			xs := f.operandSeries(args[0], order)
			f.appendCoeff(base, -xs[order])

		case OpAbs:
			xs := f.operandSeries(args[0], order)
			sign := signOf(xs[0])
			if order == 0 {
				f.appendCoeff(base, math.Abs(xs[0]))
			} else {
				f.appendCoeff(base, sign*xs[order])
			}

		case OpSqrt:
			xs := f.operandSeries(args[0], order)
			f.appendCoeff(base, sqrtSeries(xs)[order])

		case OpExp:
			xs := f.operandSeries(args[0], order)
			f.appendCoeff(base, expSeries(xs)[order])

		case OpExpm1:
			xs := f.operandSeries(args[0], order)
			e := expSeries(xs)
			if order == 0 {
				f.appendCoeff(base, e[0]-1)
			} else {
				f.appendCoeff(base, e[order])
			}

		case OpLog:
			xs := f.operandSeries(args[0], order)
			f.appendCoeff(base, logSeries(xs)[order])

		case OpLog1p:
			xs := f.operandSeries(args[0], order)
			shifted := addSeries(xs, constSeries(len(xs), 1))
			f.appendCoeff(base, logSeries(shifted)[order])

		case OpSinCos:
			xs := f.operandSeries(args[0], order)
			s, c := sinCosSeries(xs)
			f.appendCoeff(base, s[order])
			f.appendCoeff(base+1, c[order])

		case OpSinhCosh:
			xs := f.operandSeries(args[0], order)
			s, c := sinhCoshSeries(xs)
			f.appendCoeff(base, s[order])
			f.appendCoeff(base+1, c[order])

		case OpTan:
			xs := f.operandSeries(args[0], order)
			s, c := sinCosSeries(xs)
			f.appendCoeff(base, divSeries(s, c)[order])

		case OpTanh:
			xs := f.operandSeries(args[0], order)
			f.appendCoeff(base, tanhSeries(xs)[order])

		case OpAsin:
			xs := f.operandSeries(args[0], order)
			u := sqrtSeries(subSeries(constSeries(len(xs), 1), mulSeries(xs, xs)))
			f.appendCoeff(base, integrateRatio(math.Asin(xs[0]), xs, u)[order])

		case OpAcos:
			xs := f.operandSeries(args[0], order)
			u := sqrtSeries(subSeries(constSeries(len(xs), 1), mulSeries(xs, xs)))
			negX := scaleSeries(xs, -1)
			z := integrateRatio(math.Acos(xs[0]), negX, u)
			f.appendCoeff(base, z[order])

		case OpAtan:
			xs := f.operandSeries(args[0], order)
			u := addSeries(constSeries(len(xs), 1), mulSeries(xs, xs))
			f.appendCoeff(base, integrateRatio(math.Atan(xs[0]), xs, u)[order])

		case OpAsinh:
			xs := f.operandSeries(args[0], order)
			u := sqrtSeries(addSeries(constSeries(len(xs), 1), mulSeries(xs, xs)))
			f.appendCoeff(base, integrateRatio(math.Asinh(xs[0]), xs, u)[order])

		case OpAcosh:
			xs := f.operandSeries(args[0], order)
			u := sqrtSeries(subSeries(mulSeries(xs, xs), constSeries(len(xs), 1)))
			f.appendCoeff(base, integrateRatio(math.Acosh(xs[0]), xs, u)[order])

		case OpAtanh:
			xs := f.operandSeries(args[0], order)
			u := subSeries(constSeries(len(xs), 1), mulSeries(xs, xs))
			f.appendCoeff(base, integrateRatio(math.Atanh(xs[0]), xs, u)[order])

		case OpErf, OpErfc:
			xs := f.operandSeries(args[0], order)
			h := make([]float64, len(xs)-1)
			coef := 2 / math.Sqrt(math.Pi)
			negSq := scaleSeries(mulSeries(xs, xs), -1)
			g := expSeries(negSq)
			for k := range h {
				h[k] = coef * g[k] * xs0deriv(xs, k)
			}
			z0 := math.Erf(xs[0])
			if op == OpErfc {
				z0 = math.Erfc(xs[0])
				for k := range h {
					h[k] = -h[k]
				}
			}
			f.appendCoeff(base, integrateDerivative(z0, h)[order])

		case OpSign:
			xs := f.operandSeries(args[0], order)
			if order == 0 {
				f.appendCoeff(base, signOf(xs[0]))
			} else {
				f.appendCoeff(base, 0)
			}

		case OpCondExp:
			cop := CompareOp(args[0])
			lo, ro := decodeOperandPair(args[2]), decodeOperandPair(args[3])
			cmpIdx := args[6]
			lv, rv := f.operandValue(lo, 0), f.operandValue(ro, 0)
			taken := cop.eval(lv, rv)
			if order == 0 && taken != t.compareRec[cmpIdx].outcome {
				flips++
			}
			var branch operand
			if taken {
				branch = decodeOperandPair(args[4])
			} else {
				branch = decodeOperandPair(args[5])
			}
			f.appendCoeff(base, f.operandValue(branch, order))

		case OpDis:
			xs := f.operandSeries(args[2], order)
			_ = xs
			if order == 0 {
				fn := discreteByID(int(args[0]))
				xv := f.operandValue(decodeOperandPair(args[2]), 0)
				f.appendCoeff(base, fn(xv))
			} else {
				f.appendCoeff(base, 0)
			}

		case OpAFun:
			call := f.afunCalls[afunSeen]
			afunSeen++
			a := atomicByID(call.atomicID)
			n, m := int(call.n), int(call.m)
			typeX := make([]Tag, n)
			taylorX := make([]float64, n*(order+1))
			argWords := t.opArg[call.argBegin : call.argBegin+uint32(n)]
			for k, w := range argWords {
				o := decodeOperandPair(w)
				if o.kind == operandVar {
					typeX[k] = Variable
				} else {
					typeX[k] = Dynamic
				}
				for j := 0; j <= order; j++ {
					taylorX[k*(order+1)+j] = f.operandValue(o, j)
				}
			}
			taylorY := make([]float64, m*(order+1))
			needY := make([]bool, m)
			for k := range needY {
				needY[k] = true
			}
			if !a.Forward(order, typeX, needY, taylorX, taylorY) {
				return nil, errf(AtomicOrderUnsupported, "atomic %d order %d", call.atomicID, order)
			}
			for k := 0; k < m; k++ {
				f.appendCoeff(base+uint32(k), taylorY[k*(order+1)+order])
			}
			continue

		case OpLdp:
			rec := &t.vecadPool[args[0]]
			k := args[1]
			if rec.isVar[k] {
				f.appendCoeff(base, f.operandValue(operand{operandVar, rec.data[k]}, order))
			} else if order == 0 {
				f.appendCoeff(base, t.parPool[rec.data[k]])
			} else {
				f.appendCoeff(base, 0)
			}

		case OpLdv:
			rec := &t.vecadPool[args[0]]
			idxVar := args[1]
			k := int(f.taylor[idxVar][0])
			if k < 0 || k >= len(rec.data) {
				f.appendCoeff(base, math.NaN())
				break
			}
			if rec.isVar[k] {
				f.appendCoeff(base, f.operandValue(operand{operandVar, rec.data[k]}, order))
			} else if order == 0 {
				f.appendCoeff(base, t.parPool[rec.data[k]])
			} else {
				f.appendCoeff(base, 0)
			}

		case OpCSum:
			_, addVar, subVar, addDyn, subDyn := csumArgs(args)
			var sum float64
			if order == 0 {
				sum = t.parPool[args[0]]
			}
			for _, v := range addVar {
				sum += f.operandValue(operand{operandVar, v}, order)
			}
			for _, v := range subVar {
				sum -= f.operandValue(operand{operandVar, v}, order)
			}
			if order == 0 {
				for _, d := range addDyn {
					sum += f.dynValue[d]
				}
				for _, d := range subDyn {
					sum -= f.dynValue[d]
				}
			}
			f.appendCoeff(base, sum)

		default:
			return nil, errf(InvariantViolated, "Forward: unhandled opcode %d", op)
		}
	}

	f.curOrder = order
	if order == 0 {
		f.compareChangeCount = flips
	}

	y := make([]float64, len(t.depVar))
	for i, v := range t.depVar {
		y[i] = f.taylor[v][order]
	}
	return y, nil
}

// ForwardDir advances order-th Taylor coefficients along n_dir
// directions at once (spec.md §6's `forward_dir(order, n_dir, x)`).
// Order 1 forks one continuation per direction off the shared
// zero-order base point already established by a prior Forward(0, x0);
// every later order call along the same direction set continues that
// direction's own continuation, so directions that diverged at order 1
// keep diverging independently rather than being re-merged. This
// module does not pack multiple directions into one coefficient array
// the way CppAD does (see DESIGN.md): each direction gets its own
// Function clone and the per-direction Forward calls are independent,
// trading CppAD's tighter memory layout for reusing the existing
// single-direction sweep unchanged.
func (f *Function) ForwardDir(order, nDir int, x [][]float64) ([][]float64, error) {
	if order < 1 {
		return nil, errf(InvariantViolated, "ForwardDir: order must be >= 1 (order 0 carries no direction)")
	}
	if nDir < 1 || len(x) != nDir {
		return nil, errf(DimensionMismatch, "ForwardDir: want %d directions, got %d", nDir, len(x))
	}

	if order == 1 {
		if f.curOrder != 0 {
			return nil, errf(InvariantViolated, "ForwardDir(1, ...) called before Forward(0, ...)")
		}
		f.dirClones = make([]*Function, nDir)
		for d := range f.dirClones {
			f.dirClones[d] = f.cloneState()
		}
	} else if len(f.dirClones) != nDir {
		return nil, errf(InvariantViolated, "ForwardDir: direction count %d does not match the %d directions opened at order 1", nDir, len(f.dirClones))
	}

	ys := make([][]float64, nDir)
	for d := 0; d < nDir; d++ {
		if uint32(len(x[d])) != f.tape.nInd {
			return nil, errf(DimensionMismatch, "ForwardDir: direction %d wants %d coefficients, got %d", d, f.tape.nInd, len(x[d]))
		}
		y, err := f.dirClones[d].Forward(order, x[d])
		if err != nil {
			return nil, err
		}
		ys[d] = y
	}
	return ys, nil
}

// nextResultAddr and appendCoeff let opcode kernels write results
// without recomputing the running variable-address counter; Forward
// walks opcodes in tape order so the counter only ever increases.
func (f *Function) nextResultAddr() uint32 {
	return f.resultCursor
}

func (f *Function) appendCoeff(addr uint32, c float64) {
	f.taylor[addr] = append(f.taylor[addr], c)
	if addr+1 > f.resultCursor {
		f.resultCursor = addr + 1
	}
}

// operandSeries returns operand a's coefficients 0..order as a plain
// slice, used by the series-arithmetic helpers.
func (f *Function) operandSeries(word uint32, order int) []float64 {
	o := decodeOperandPair(word)
	out := make([]float64, order+1)
	for j := 0; j <= order; j++ {
		out[j] = f.operandValue(o, j)
	}
	return out
}

func (f *Function) operandValue(o operand, order int) float64 {
	if o.kind == operandVar {
		if order < len(f.taylor[o.idx]) {
			return f.taylor[o.idx][order]
		}
		return 0
	}
	if order == 0 {
		return f.dynValue[o.idx]
	}
	return 0
}

func decodeOperandPair(word uint32) operand {
	kind, idx := decodeOperand(word)
	return operand{kind, idx}
}

// xs0deriv returns xs[k+1]*(k+1), the "x'(t)" coefficient at order k
// used by Erf/Erfc's direct-integration kernel.
func xs0deriv(xs []float64, k int) float64 {
	if k+1 >= len(xs) {
		return 0
	}
	return xs[k+1] * float64(k+1)
}
