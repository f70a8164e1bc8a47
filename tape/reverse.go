package tape

import "math"

// Reverse accumulates, given forward Taylor coefficients already
// computed through order `order` and a weight vector `w` over the
// dependent variables' coefficients (len(w) == len(dep_var)*(order+1)),
// the partial derivative of the weighted sum with respect to every
// order-k Taylor coefficient of every independent variable (spec.md
// §4.3's reverse-sweep algorithm, §6's `reverse(d, w) -> dw` contract).
// The returned slice is flattened the same way: dw[i*(order+1)+k].
// order == 0 reproduces the plain gradient this package has always
// returned (len(w) == len(dep_var), len(dw) == n_ind), so existing
// callers that only ever used order 0 are unaffected.
//
// Forward must have been called in sequence up through `order` first.
func (f *Function) Reverse(order int, w []float64) ([]float64, error) {
	if order < 0 {
		return nil, errf(InvariantViolated, "Reverse: order must be >= 0")
	}
	if f.curOrder < order {
		return nil, errf(InvariantViolated, "Reverse(%d, ...) called before Forward(%d, ...)", order, order)
	}
	t := f.tape
	width := order + 1
	if len(w) != len(t.depVar)*width {
		return nil, errf(DimensionMismatch, "want %d weights, got %d", len(t.depVar)*width, len(w))
	}

	partial := make([][]float64, t.nVar)
	for i := range partial {
		partial[i] = make([]float64, width)
	}
	for i, v := range t.depVar {
		row := partial[v]
		for k := 0; k < width; k++ {
			row[k] += w[i*width+k]
		}
	}

	afunIdx := len(f.afunCalls)

	addrs := make([]uint32, len(t.opcode)+1)
	for k, n := range t.opNRes {
		addrs[k+1] = addrs[k] + uint32(n)
	}

	for i := len(t.opcode) - 1; i >= 0; i-- {
		op := t.opcode[i]
		nres := int(t.opNRes[i])
		if nres == 0 {
			continue
		}
		base := addrs[i]
		args := t.args(i)
		pz := partial[base]

		switch op {
		case OpBegin, OpInv, OpPar:
			// leaves; nothing to propagate further back

		case OpAddPV, OpAddVV:
			addPartialRow(partial, args[0], pz)
			addPartialRow(partial, args[1], pz)

		case OpSubPV, OpSubVP, OpSubVV:
			addPartialRow(partial, args[0], pz)
			addPartialRow(partial, args[1], negRow(pz))

		case OpMulPV, OpMulVV:
			x := f.operandSeries(args[0], order)
			y := f.operandSeries(args[1], order)
			px, py := mulSeriesRev(x, y, pz)
			addPartialRow(partial, args[0], px)
			addPartialRow(partial, args[1], py)

		case OpZmulPV, OpZmulVP, OpZmulVV:
			x := f.operandSeries(args[0], order)
			if x[0] != 0 {
				y := f.operandSeries(args[1], order)
				px, py := mulSeriesRev(x, y, pz)
				addPartialRow(partial, args[0], px)
				addPartialRow(partial, args[1], py)
			}

		case OpDivPV, OpDivVP, OpDivVV:
			y := f.operandSeries(args[1], order)
			z := f.taylor[base][:width]
			px, py := divSeriesRev(y, z, pz)
			addPartialRow(partial, args[0], px)
			addPartialRow(partial, args[1], py)

		case OpPowPV, OpPowVP, OpPowVV:
			x := f.operandSeries(args[0], order)
			if nres == 3 {
				logRow := f.taylor[base][:width]
				prodRow := f.taylor[base+1][:width]
				zRow := f.taylor[base+2][:width]
				pzTop := partial[base+2]
				y := f.operandSeries(args[1], order)
				pprod := expSeriesRev(prodRow, zRow, pzTop)
				plog, py := mulSeriesRev(logRow, y, pprod)
				px := logSeriesRev(x, logRow, plog)
				addPartialRow(partial, args[0], px)
				addPartialRow(partial, args[1], py)
			} else {
				_, yIdx := decodeOperand(args[1])
				y := f.dynValue[yIdx]
				logRow := logSeries(x)
				prodRow := scaleSeries(logRow, y)
				zRow := f.taylor[base][:width]
				pprod := expSeriesRev(prodRow, zRow, pz)
				plog := scaleSeries(pprod, y)
				px := logSeriesRev(x, logRow, plog)
				addPartialRow(partial, args[0], px)
			}

		case OpNeg:
			addPartialRow(partial, args[0], negRow(pz))

		case OpAbs:
			x0 := f.operandValue(decodeOperandPair(args[0]), 0)
			addPartialRow(partial, args[0], scaleSeries(pz, signOf(x0)))

		case OpSqrt:
			z := f.taylor[base][:width]
			addPartialRow(partial, args[0], sqrtSeriesRev(z, pz))

		case OpExp:
			x := f.operandSeries(args[0], order)
			z := f.taylor[base][:width]
			addPartialRow(partial, args[0], expSeriesRev(x, z, pz))

		case OpExpm1:
			x := f.operandSeries(args[0], order)
			z := append([]float64(nil), f.taylor[base][:width]...)
			z[0]++
			addPartialRow(partial, args[0], expSeriesRev(x, z, pz))

		case OpLog:
			x := f.operandSeries(args[0], order)
			z := f.taylor[base][:width]
			addPartialRow(partial, args[0], logSeriesRev(x, z, pz))

		case OpLog1p:
			x := f.operandSeries(args[0], order)
			shifted := append([]float64(nil), x...)
			shifted[0]++
			z := f.taylor[base][:width]
			addPartialRow(partial, args[0], logSeriesRev(shifted, z, pz))

		case OpSinCos:
			x := f.operandSeries(args[0], order)
			sinRow := f.taylor[base][:width]
			cosRow := f.taylor[base+1][:width]
			addPartialRow(partial, args[0], sinCosSeriesRev(x, sinRow, cosRow, partial[base], partial[base+1]))

		case OpSinhCosh:
			x := f.operandSeries(args[0], order)
			sinhRow := f.taylor[base][:width]
			coshRow := f.taylor[base+1][:width]
			addPartialRow(partial, args[0], sinhCoshSeriesRev(x, sinhRow, coshRow, partial[base], partial[base+1]))

		case OpTan:
			x := f.operandSeries(args[0], order)
			sinRow, cosRow := sinCosSeries(x)
			z := f.taylor[base][:width]
			ps, pc := divSeriesRev(cosRow, z, pz)
			addPartialRow(partial, args[0], sinCosSeriesRev(x, sinRow, cosRow, ps, pc))

		case OpTanh:
			x := f.operandSeries(args[0], order)
			z := f.taylor[base][:width]
			addPartialRow(partial, args[0], tanhSeriesRev(x, z, pz))

		case OpAsin, OpAcos, OpAtan, OpAsinh, OpAcosh, OpAtanh, OpErf, OpErfc:
			if order > 0 {
				return nil, errf(InvariantViolated, "Reverse: order %d not supported for opcode %d (inverse-trig/erf family is order-0 reverse only)", order, op)
			}
			x0 := f.operandValue(decodeOperandPair(args[0]), 0)
			var deriv float64
			switch op {
			case OpAsin:
				deriv = 1 / math.Sqrt(1-x0*x0)
			case OpAcos:
				deriv = -1 / math.Sqrt(1-x0*x0)
			case OpAtan:
				deriv = 1 / (1 + x0*x0)
			case OpAsinh:
				deriv = 1 / math.Sqrt(1+x0*x0)
			case OpAcosh:
				deriv = 1 / math.Sqrt(x0*x0-1)
			case OpAtanh:
				deriv = 1 / (1 - x0*x0)
			case OpErf:
				deriv = 2 / math.Sqrt(math.Pi) * math.Exp(-x0*x0)
			case OpErfc:
				deriv = -2 / math.Sqrt(math.Pi) * math.Exp(-x0*x0)
			}
			addPartialRow(partial, args[0], []float64{pz[0] * deriv})

		case OpSign:
			// piecewise constant: zero derivative almost everywhere

		case OpCondExp:
			cop := CompareOp(args[0])
			lo, ro := decodeOperandPair(args[2]), decodeOperandPair(args[3])
			taken := cop.eval(f.operandValue(lo, 0), f.operandValue(ro, 0))
			var branch uint32
			if taken {
				branch = args[4]
			} else {
				branch = args[5]
			}
			addPartialRow(partial, branch, pz)

		case OpDis:
			// derivative is zero by definition

		case OpAFun:
			afunIdx--
			call := f.afunCalls[afunIdx]
			a := atomicByID(call.atomicID)
			n, m := int(call.n), int(call.m)
			typeX := make([]Tag, n)
			taylorX := make([]float64, n)
			taylorY := make([]float64, m)
			partialY := make([]float64, m)
			argWords := t.opArg[call.argBegin : call.argBegin+uint32(n)]
			for k, wv := range argWords {
				o := decodeOperandPair(wv)
				if o.kind == operandVar {
					typeX[k] = Variable
				} else {
					typeX[k] = Dynamic
				}
				taylorX[k] = f.operandValue(o, 0)
			}
			for k := 0; k < m; k++ {
				taylorY[k] = f.taylor[base+uint32(k)][0]
				partialY[k] = partial[base+uint32(k)][0]
			}
			if order > 0 {
				return nil, errf(AtomicOrderUnsupported, "atomic %d reverse order %d: atomic functions only support order 0 reverse", call.atomicID, order)
			}
			partialX := make([]float64, n)
			if !a.Reverse(0, typeX, taylorX, taylorY, partialY, partialX) {
				return nil, errf(AtomicOrderUnsupported, "atomic %d reverse order 0", call.atomicID)
			}
			for k, wv := range argWords {
				addPartialRow(partial, wv, []float64{partialX[k]})
			}

		case OpLdp:
			rec := &t.vecadPool[args[0]]
			k := args[1]
			if rec.isVar[k] {
				addPartialRow(partial, encodeOperand(operand{operandVar, rec.data[k]}), pz)
			}

		case OpLdv:
			rec := &t.vecadPool[args[0]]
			idxVar := args[1]
			kk := int(f.taylor[idxVar][0])
			if kk >= 0 && kk < len(rec.data) && rec.isVar[kk] {
				addPartialRow(partial, encodeOperand(operand{operandVar, rec.data[kk]}), pz)
			}

		case OpCSum:
			_, addVar, subVar, _, _ := csumArgs(args)
			for _, v := range addVar {
				addToRow(partial[v], pz)
			}
			for _, v := range subVar {
				addToRow(partial[v], negRow(pz))
			}

		default:
			return nil, errf(InvariantViolated, "Reverse: unhandled opcode %d", op)
		}
	}

	dx := make([]float64, int(t.nInd)*width)
	for i := uint32(0); i < t.nInd; i++ {
		copy(dx[int(i)*width:int(i+1)*width], partial[i+1])
	}
	return dx, nil
}

func addPartialRow(partial [][]float64, word uint32, contrib []float64) {
	o := decodeOperandPair(word)
	if o.kind == operandVar {
		addToRow(partial[o.idx], contrib)
	}
}

func addToRow(row, contrib []float64) {
	for k := range contrib {
		row[k] += contrib[k]
	}
}

func negRow(a []float64) []float64 {
	out := make([]float64, len(a))
	for i, v := range a {
		out[i] = -v
	}
	return out
}
