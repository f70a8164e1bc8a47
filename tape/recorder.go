package tape

// The recorder: a map keyed by goroutine id that holds the Tape
// currently open on each goroutine (spec.md §4.1). This generalizes the
// teacher's opt-in mtStore (ad/gls.go, enabled only by calling
// MTSafeOn) into the default: every goroutine owns its tape slot
// from the start, located via github.com/modern-go/gls the same way
// the teacher's own examples/mt/main.go already imports it.

import (
	"sync"

	"github.com/modern-go/gls"
)

type recorderStore struct {
	mu    sync.Mutex
	byGo  map[int64]*Tape
	safe  bool // true once primed for concurrent use (IsParallelSafe)
}

var recorder = &recorderStore{byGo: make(map[int64]*Tape)}

func goID() int64 { return gls.GoID() }

func (s *recorderStore) active() *Tape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byGo[goID()]
}

func (s *recorderStore) setActive(t *Tape) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGo[goID()] = t
}

func (s *recorderStore) clearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byGo, goID())
}

// MTSafeOn sets the flag that IsParallelSafe reports. Every goroutine
// already owns its own tape slot in the recorder map, and Independent
// does not consult the flag. There is no MTSafeOff, matching the
// teacher's own doc comment for the same contract.
func MTSafeOn() {
	recorder.mu.Lock()
	recorder.safe = true
	recorder.mu.Unlock()
}

// IsParallelSafe reports whether MTSafeOn has been called.
func IsParallelSafe() bool {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return recorder.safe
}

// Independent begins a recording on the calling goroutine. x and p
// are not modified; the returned slices hold new Variable/Dynamic
// values with tape addresses, usable as tape-resident values for the
// remainder of the recording. Independent fails with
// RecordingAlreadyActive if this goroutine already has an open tape.
func Independent(x, p []float64) (xs, ps []AD, err error) {
	if recorder.active() != nil {
		return nil, nil, errf(RecordingAlreadyActive, "goroutine %d", goID())
	}
	t := newTape()
	recorder.setActive(t)

	xs = make([]AD, len(x))
	for i, v := range x {
		idx := t.beginOp(OpInv, 0, 1)
		t.closeOpArgs()
		_ = idx
		xs[i] = t.newVar(v, t.nVar-1)
	}
	t.nInd = uint32(len(x))

	ps = make([]AD, len(p))
	for i, v := range p {
		slot := t.newDynSlot(v)
		ps[i] = t.newDyn(v, slot)
	}
	t.nDynInd = uint32(len(p))

	return xs, ps, nil
}

// BuildFunction closes the recording active on the calling goroutine,
// recording each element of y as a dependent variable/parameter, and
// returns the compiled Function. The active slot is cleared so a
// subsequent Independent call on this goroutine starts a fresh tape.
func BuildFunction(y []AD) (*Function, error) {
	t := recorder.active()
	if t == nil {
		return nil, errf(NoActiveRecording, "BuildFunction")
	}
	for _, v := range y {
		if v.Tag == Variable && v.TapeID != t.id {
			return nil, errf(TapeIDMismatch, "dependent from a different recording")
		}
	}
	t.beginOp(OpEnd, 0, 0)
	t.closeOpArgs()

	t.depVar = make([]uint32, len(y))
	for i, v := range y {
		switch v.Tag {
		case Variable:
			t.depVar[i] = v.Addr
		default:
			// Constant or Dynamic dependents are represented by a
			// Par opcode copying the pool entry into a fresh
			// variable, so dep_var is always a variable index
			// (spec.md §3 invariant).
			var slot uint32
			if v.Tag == Dynamic {
				slot = v.Addr
			} else {
				slot = t.newConst(v.Value)
			}
			t.beginOp(OpPar, 1, 1)
			t.appendArg(slot)
			t.closeOpArgs()
			t.depVar[i] = t.nVar - 1
		}
	}

	t.closed = true
	recorder.clearActive()
	return newFunction(t), nil
}

// AbortRecording discards the tape open on the calling goroutine. Any
// AD value still carrying the aborted TapeID remains readable as a
// Constant (via its Value field) but can no longer be combined as a
// Variable.
func AbortRecording() {
	recorder.clearActive()
}

// ActiveTapeID returns the TapeID open on the calling goroutine, and
// whether a recording is active at all.
func ActiveTapeID() (TapeID, bool) {
	t := recorder.active()
	if t == nil {
		return zeroTapeID, false
	}
	return t.id, true
}
