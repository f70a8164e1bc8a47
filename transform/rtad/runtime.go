// Package ad is the runtime that transform/transform.go's rewritten
// model methods call into: the AST rewriter retargets its
// runtimeImportPath constant at this package, so every emitted
// Value/Arithmetic/Assignment/Call/Elemental/Enter/Return call binds
// here instead of computing ordinary float64 arithmetic.
//
// The rewriter represents a tape-tracked float by the memory address
// of the plain float64 variable holding it (a "place"): &x rather
// than a wrapper type, so ordinary Go code reading x still sees the
// right number. The tape package represents a tape-tracked float as a
// value type (tape.AD) with no stable address. The two conventions
// are bridged with a side table,
// place2AD, keyed by the place's pointer identity: Arithmetic/
// Assignment/etc. look up a place's current tape.AD here, compute the
// new one via the tape package's exported operators, and stash the
// result back under a (possibly new) place's address, while also
// writing the plain float64 so code that passes a place to an
// undifferentiated function still gets the right value (see
// transform.go's "default" CallExpr case, which forwards arguments to
// non-elemental, non-differentiated functions unrewritten).
package ad

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/dtolpin/gotape/tape"
	"github.com/modern-go/gls"
)

// OpCode identifies an Arithmetic operator; the names match the
// varExpr identifiers transform.go emits (OpAdd, OpSub, ...).
type OpCode int

const (
	OpNeg OpCode = iota
	OpAdd
	OpSub
	OpMul
	OpDiv
)

var placesMu sync.Mutex
var place2AD = make(map[*float64]tape.AD)

// adOf returns the tape value associated with a place. A place never
// registered here (for instance a *float64 belonging to code the
// rewriter left alone) is treated as a plain constant holding its
// current value.
func adOf(p *float64) tape.AD {
	placesMu.Lock()
	v, ok := place2AD[p]
	placesMu.Unlock()
	if !ok {
		return tape.Const(*p)
	}
	return v
}

// setPlace associates p with v, keeping *p in sync so undifferentiated
// code reading p directly still observes the right number.
func setPlace(p *float64, v tape.AD) {
	*p = v.Value
	placesMu.Lock()
	place2AD[p] = v
	placesMu.Unlock()
}

// newPlace allocates a fresh place holding v.
func newPlace(v tape.AD) *float64 {
	p := new(float64)
	setPlace(p, v)
	return p
}

// Value returns a place holding the constant v. Emitted for every
// literal, named constant, and result of an undifferentiated call in
// a differentiated expression.
func Value(v float64) *float64 {
	return newPlace(tape.Const(v))
}

// Arithmetic applies op to one or two operand places and returns a
// place holding the result, the runtime counterpart of transform.go's
// rewritten +, -, *, / and unary - expressions.
func Arithmetic(op OpCode, operands ...*float64) *float64 {
	var result tape.AD
	switch op {
	case OpNeg:
		result = tape.Neg(adOf(operands[0]))
	case OpAdd:
		result = tape.Add(adOf(operands[0]), adOf(operands[1]))
	case OpSub:
		result = tape.Sub(adOf(operands[0]), adOf(operands[1]))
	case OpMul:
		result = tape.Mul(adOf(operands[0]), adOf(operands[1]))
	case OpDiv:
		result = tape.Div(adOf(operands[0]), adOf(operands[1]))
	default:
		panic(fmt.Sprintf("ad: unknown arithmetic op %d", op))
	}
	return newPlace(result)
}

// Assignment handles a single-target assignment lhs = rhs, rebinding
// lhs's place to rhs's current value.
func Assignment(lhs, rhs *float64) *float64 {
	setPlace(lhs, adOf(rhs))
	return lhs
}

// ParallelAssignment handles a1, a2, ... = b1, b2, ...: places is the
// concatenation of the n left-hand places followed by the n
// right-hand places. Every right-hand value is read before any
// left-hand place is overwritten, matching Go's own parallel
// assignment semantics (relevant when an assignment swaps or reuses
// places, e.g. x, y = y, x).
func ParallelAssignment(places ...*float64) *float64 {
	n := len(places) / 2
	lhs, rhs := places[:n], places[n:]
	vals := make([]tape.AD, n)
	for i, r := range rhs {
		vals[i] = adOf(r)
	}
	for i, l := range lhs {
		setPlace(l, vals[i])
	}
	if n == 0 {
		return nil
	}
	return lhs[0]
}

// frame carries one nested differentiated call's incoming arguments
// and outgoing result across the Call/Enter/Setup/Return boundary, on
// a per-goroutine stack.
type frame struct {
	args []tape.AD
	ret  tape.AD
}

var framesMu sync.Mutex
var frames = make(map[int64][]*frame)

func goStack() []*frame { return frames[tapeGoID()] }

func pushFrame(f *frame) {
	framesMu.Lock()
	defer framesMu.Unlock()
	id := tapeGoID()
	frames[id] = append(frames[id], f)
}

func popFrame() *frame {
	framesMu.Lock()
	defer framesMu.Unlock()
	id := tapeGoID()
	s := frames[id]
	top := s[len(s)-1]
	frames[id] = s[:len(s)-1]
	return top
}

func topFrame() *frame {
	framesMu.Lock()
	defer framesMu.Unlock()
	s := frames[tapeGoID()]
	if len(s) == 0 {
		return nil
	}
	return s[len(s)-1]
}

// Called reports whether the calling method was entered through Call,
// as opposed to being invoked directly by user code. Generated method
// prologues use this to decide between Enter (pull arguments pushed
// by Call) and Setup/panic (fresh top-level entry, or a
// non-differentiable direct call to a helper method).
func Called() bool {
	return topFrame() != nil
}

// Call invokes a differentiated method indirectly so its actual
// float64 arguments can be threaded through the tape rather than
// through Go's own call convention: wrapped is a closure generated by
// transform.go that invokes the real method with dummy zero
// arguments in the differentiated positions (the callee's own Enter
// call overwrites them with the values pushed here).
func Call(wrapped func([]float64), nargs int, args ...*float64) *float64 {
	f := &frame{args: make([]tape.AD, len(args))}
	for i, p := range args {
		f.args[i] = adOf(p)
	}
	pushFrame(f)
	dummy := make([]float64, nargs)
	wrapped(dummy)
	popFrame()
	return newPlace(f.ret)
}

// Enter pulls the current frame's arguments into the callee's local
// parameter places, in declaration order; called at the top of every
// differentiated non-Observe method when Called() is true.
func Enter(params ...*float64) {
	f := topFrame()
	if f == nil {
		panic("ad: Enter called outside Call")
	}
	for i, p := range params {
		if i < len(f.args) {
			setPlace(p, f.args[i])
		}
	}
}

// Setup begins a fresh recording over x, for a top-level
// (not Call-initiated) invocation of Observe: x's elements become the
// tape's independent variables, and their places are the addresses of
// x's own backing array (&x[i], as the rewriter emits for slice
// indexing), so subsequent Arithmetic/Assignment calls in the method
// body see them as ordinary tape-resident places.
func Setup(x []float64) {
	xs, _, err := tape.Independent(x, nil)
	if err != nil {
		panic(err)
	}
	for i := range x {
		setPlace(&x[i], xs[i])
	}
}

// Return closes out a differentiated method. At the top level
// (outside any Call) it builds the Function from the tape opened by
// Setup and stashes it for BuildFunction to retrieve. Nested inside a
// Call, it instead stores the result on the current frame for Call to
// pick up.
func Return(results ...*float64) *float64 {
	if len(results) != 1 {
		panic("ad: Return expects exactly one result")
	}
	v := adOf(results[0])
	if f := topFrame(); f != nil {
		f.ret = v
		return results[0]
	}
	lastBuiltMu.Lock()
	lastBuilt[tapeGoID()] = v
	lastBuiltMu.Unlock()
	return results[0]
}

var lastBuiltMu sync.Mutex
var lastBuilt = make(map[int64]tape.AD)

// BuildFunction closes the recording started by the most recent
// top-level Setup/Return pair on the calling goroutine and returns the
// compiled Function, the entry point a generated model's caller uses
// to get derivatives of the differentiated method.
func BuildFunction() (*tape.Function, error) {
	lastBuiltMu.Lock()
	v, ok := lastBuilt[tapeGoID()]
	delete(lastBuilt, tapeGoID())
	lastBuiltMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("ad: Return was never called on this goroutine")
	}
	return tape.BuildFunction([]tape.AD{v})
}

// ElementalGradientFunc computes an elemental function's gradient at
// value = f(params...), keeping the same registration shape a plain
// gradient table would have: one function pointer to one gradient
// closure.
type ElementalGradientFunc func(value float64, params ...float64) []float64

type elementalEntry struct {
	id tape.AtomicID
	n  int
}

var elementalsMu sync.Mutex
var elementals = make(map[uintptr]*elementalEntry)
var gradients = make(map[uintptr]ElementalGradientFunc)

func fkey(f interface{}) uintptr { return reflect.ValueOf(f).Pointer() }

// RegisterElemental registers the gradient function for an elemental
// function f, so later Elemental(f, ...) calls inside a differentiated
// method propagate derivatives through it.
func RegisterElemental(f interface{}, g ElementalGradientFunc) {
	elementalsMu.Lock()
	defer elementalsMu.Unlock()
	gradients[fkey(f)] = g
	delete(elementals, fkey(f)) // force re-registration with the new gradient
}

// elementalAtomic adapts an arbitrary func(float64, float64, ...) float64
// plus its registered gradient into a tape.Atomic, so Elemental calls
// replay through the ordinary atomic-function machinery (order 0
// only).
type elementalAtomic struct {
	fn   reflect.Value
	n    int
	grad ElementalGradientFunc
}

func (e *elementalAtomic) N() int { return e.n }
func (e *elementalAtomic) M() int { return 1 }

func (e *elementalAtomic) Forward(order int, typeX []tape.Tag, needY []bool, taylorX, taylorY []float64) bool {
	if order != 0 {
		return false
	}
	args := make([]reflect.Value, e.n)
	for i := 0; i < e.n; i++ {
		args[i] = reflect.ValueOf(taylorX[i])
	}
	out := e.fn.Call(args)
	taylorY[0] = out[0].Float()
	return true
}

func (e *elementalAtomic) Reverse(order int, typeX []tape.Tag, taylorX, taylorY, partialY, partialX []float64) bool {
	if order != 0 {
		return false
	}
	g := e.grad(taylorY[0], taylorX...)
	for i := range partialX {
		partialX[i] = partialY[0] * g[i]
	}
	return true
}

func (e *elementalAtomic) ForJacSparsity() [][]int {
	deps := make([]int, e.n)
	for i := range deps {
		deps[i] = i
	}
	return [][]int{deps}
}

func (e *elementalAtomic) ForHesSparsity() [][2]int { return nil }

func elementalID(fn interface{}, n int) tape.AtomicID {
	key := fkey(fn)
	elementalsMu.Lock()
	defer elementalsMu.Unlock()
	if e, ok := elementals[key]; ok {
		return e.id
	}
	g, ok := gradients[key]
	if !ok {
		panic(fmt.Sprintf("ad: elemental function %v has no registered gradient; "+
			"call ad.RegisterElemental first", reflect.ValueOf(fn)))
	}
	id := tape.RegisterAtomic(&elementalAtomic{fn: reflect.ValueOf(fn), n: n, grad: g})
	elementals[key] = &elementalEntry{id: id, n: n}
	return id
}

// Elemental calls a scalar elemental function fn (math.Sin and
// friends, or a user function registered with RegisterElemental) on
// the current values of args, replacing the call with a tape-resident
// atomic operator so its contribution to the gradient is not lost.
func Elemental(fn interface{}, args ...*float64) *float64 {
	id := elementalID(fn, len(args))
	xs := make([]tape.AD, len(args))
	for i, p := range args {
		xs[i] = adOf(p)
	}
	out, err := tape.CallAtomic(id, xs)
	if err != nil {
		panic(err)
	}
	return newPlace(out[0])
}

// VlementalGradientFunc computes a vector elemental's gradient at
// value = f(params), one partial per element of params.
type VlementalGradientFunc func(value float64, params []float64) []float64

var vgradientsMu sync.Mutex
var vgradients = make(map[uintptr]VlementalGradientFunc)
var velementals = make(map[uintptr]*elementalEntry)

// RegisterVlemental registers the gradient function for a vector
// elemental function f (one taking a single []float64 and returning
// float64), the Vlemental counterpart of RegisterElemental.
func RegisterVlemental(f interface{}, g VlementalGradientFunc) {
	vgradientsMu.Lock()
	defer vgradientsMu.Unlock()
	vgradients[fkey(f)] = g
	delete(velementals, fkey(f))
}

type vlementalAtomic struct {
	fn   reflect.Value
	n    int
	grad VlementalGradientFunc
}

func (e *vlementalAtomic) N() int { return e.n }
func (e *vlementalAtomic) M() int { return 1 }

func (e *vlementalAtomic) Forward(order int, typeX []tape.Tag, needY []bool, taylorX, taylorY []float64) bool {
	if order != 0 {
		return false
	}
	params := append([]float64(nil), taylorX...)
	out := e.fn.Call([]reflect.Value{reflect.ValueOf(params)})
	taylorY[0] = out[0].Float()
	return true
}

func (e *vlementalAtomic) Reverse(order int, typeX []tape.Tag, taylorX, taylorY, partialY, partialX []float64) bool {
	if order != 0 {
		return false
	}
	g := e.grad(taylorY[0], taylorX)
	for i := range partialX {
		partialX[i] = partialY[0] * g[i]
	}
	return true
}

func (e *vlementalAtomic) ForJacSparsity() [][]int {
	deps := make([]int, e.n)
	for i := range deps {
		deps[i] = i
	}
	return [][]int{deps}
}

func (e *vlementalAtomic) ForHesSparsity() [][2]int { return nil }

func vlementalID(fn interface{}, n int) tape.AtomicID {
	key := fkey(fn)
	vgradientsMu.Lock()
	defer vgradientsMu.Unlock()
	if e, ok := velementals[key]; ok && e.n == n {
		return e.id
	}
	g, ok := vgradients[key]
	if !ok {
		panic(fmt.Sprintf("ad: vector elemental function %v has no registered gradient; "+
			"call ad.RegisterVlemental first", reflect.ValueOf(fn)))
	}
	id := tape.RegisterAtomic(&vlementalAtomic{fn: reflect.ValueOf(fn), n: n, grad: g})
	velementals[key] = &elementalEntry{id: id, n: n}
	return id
}

// Vlemental calls a vector elemental function fn(arg) on the current
// values of arg, the Vlemental counterpart of Elemental. Unlike the
// scalar places Arithmetic/Elemental operate on, arg is an ordinary
// []float64: transform.go only rewrites float64-typed subexpressions
// to places, and a whole slice argument is passed through unrewritten
// (see transform.go's isVlemental).
func Vlemental(fn interface{}, arg []float64) *float64 {
	id := vlementalID(fn, len(arg))
	xs := make([]tape.AD, len(arg))
	haveTape := false
	for i, v := range arg {
		xs[i] = tape.Const(v)
		if p := placeFor(arg, i); p != nil {
			if ad, ok := lookupPlace(p); ok {
				xs[i] = ad
				haveTape = true
			}
		}
	}
	_ = haveTape
	out, err := tape.CallAtomic(id, xs)
	if err != nil {
		panic(err)
	}
	return newPlace(out[0])
}

// placeFor returns the address of arg[i], used by Vlemental to look
// up any tape association already recorded for a slice element
// through earlier &x[i] places in the same method body.
func placeFor(arg []float64, i int) *float64 { return &arg[i] }

func lookupPlace(p *float64) (tape.AD, bool) {
	placesMu.Lock()
	v, ok := place2AD[p]
	placesMu.Unlock()
	return v, ok
}

// tapeGoID identifies the calling goroutine the same way tape's own
// recorder does (github.com/modern-go/gls), so the frame stack and
// lastBuilt map line up with whichever tape is active for
// Independent/BuildFunction.
func tapeGoID() int64 { return gls.GoID() }
