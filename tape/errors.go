package tape

import "fmt"

// ErrKind classifies the error conditions a recording or a sweep can
// raise. Most are protocol violations by the embedding program;
// OrderExceedsCapacity and NanEncountered are recoverable (see Recoverable).
type ErrKind int

const (
	_ ErrKind = iota
	RecordingAlreadyActive
	NoActiveRecording
	TapeIDMismatch
	DimensionMismatch
	OrderExceedsCapacity
	NanEncountered
	AtomicOrderUnsupported
	AtomicFailed
	IndexOutOfRange
	InvariantViolated
)

func (k ErrKind) String() string {
	switch k {
	case RecordingAlreadyActive:
		return "recording already active"
	case NoActiveRecording:
		return "no active recording"
	case TapeIDMismatch:
		return "tape id mismatch"
	case DimensionMismatch:
		return "dimension mismatch"
	case OrderExceedsCapacity:
		return "order exceeds capacity"
	case NanEncountered:
		return "nan encountered"
	case AtomicOrderUnsupported:
		return "atomic order unsupported"
	case AtomicFailed:
		return "atomic failed"
	case IndexOutOfRange:
		return "index out of range"
	case InvariantViolated:
		return "invariant violated"
	default:
		return "unknown error"
	}
}

// Error is the error type surfaced by package tape. It carries the
// classifying Kind so callers can switch on it with errors.As, plus a
// free-form message for diagnostics.
type Error struct {
	Kind ErrKind
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is makes errors.Is(err, &tape.Error{Kind: k}) match any *Error with
// the same Kind, whatever its message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func errf(kind ErrKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Recoverable reports whether the error kind allows the caller to
// retry the same operation after adjusting state (resizing an arena,
// re-evaluating at a different point), per spec.md §7.
func Recoverable(kind ErrKind) bool {
	return kind == OrderExceedsCapacity || kind == NanEncountered
}
