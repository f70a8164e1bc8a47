package tape

import "sync"

// Discrete functions are registered pure float64 -> float64 table
// lookups whose derivative is, by definition, zero at every order
// (spec.md §4.8/GLOSSARY). Registration is append-only and meant to
// happen during single-threaded setup (spec.md §5's "shared-resource
// policy").

var discreteMu sync.Mutex
var discreteFuncs []func(float64) float64
var discreteNames = map[string]int{}

// RegisterDiscrete registers a named discrete function and returns
// its id, used to encode Dis opcodes.
func RegisterDiscrete(name string, f func(float64) float64) int {
	discreteMu.Lock()
	defer discreteMu.Unlock()
	if id, ok := discreteNames[name]; ok {
		discreteFuncs[id] = f
		return id
	}
	id := len(discreteFuncs)
	discreteFuncs = append(discreteFuncs, f)
	discreteNames[name] = id
	return id
}

func discreteByID(id int) func(float64) float64 {
	discreteMu.Lock()
	defer discreteMu.Unlock()
	return discreteFuncs[id]
}

// Discrete calls the registered discrete function id on x, recording
// a Dis opcode when x is tape-resident.
func Discrete(id int, name string, x AD) AD {
	f := discreteByID(id)
	value := f(x.Value)
	if x.Tag != Variable && x.Tag != Dynamic {
		return Const(value)
	}
	t, err := activeTapeFor(x)
	if err != nil {
		panic(err)
	}
	xo := operandFor(t, x)
	nameIdx := t.internString(name)
	if x.Tag == Dynamic {
		slot := t.newDynSlot(value)
		t.dynOpcode = append(t.dynOpcode, OpDis)
		t.dynArgBegin = append(t.dynArgBegin, uint32(len(t.dynArg)))
		t.dynArg = append(t.dynArg, uint32(id), nameIdx, encodeOperand(xo))
		t.dynIndToPar = append(t.dynIndToPar, slot)
		return t.newDyn(value, slot)
	}
	t.beginOp(OpDis, 3, 1)
	t.appendArg(uint32(id))
	t.appendArg(nameIdx)
	t.appendArg(encodeOperand(xo))
	t.closeOpArgs()
	return t.newVar(value, t.nVar-1)
}
