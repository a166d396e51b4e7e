package concmark

import "github.com/pkg/errors"

// Only construction-time failures are Go errors: an invalid Config
// (ErrInvalidConfig) and resource exhaustion (ErrResourceExhausted,
// spec §7.1). Every other error kind
// (overflow, full-GC abort, timed-out, yield) is recorded as a flag
// on the relevant struct and inspected at well-defined junctures —
// never returned, never wrapped, never logged on the hot path.

// errConfig wraps a configuration validation failure.
func errConfig(msg string) error {
	return errors.Wrap(ErrInvalidConfig, msg)
}

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("concmark: invalid configuration")

// ErrResourceExhausted is returned by New when the bitmap backing
// store or the global stacks cannot be allocated. It is fatal: the
// caller should abort process initialization, matching spec §7.1.
var ErrResourceExhausted = errors.New("concmark: could not reserve marking engine resources")

// newResourceError wraps ErrResourceExhausted with the specific cause.
func newResourceError(cause string) error {
	return errors.Wrap(ErrResourceExhausted, cause)
}

// OverflowReason identifies which structure's inability to absorb a
// push caused an AbortOverflow, used for logging/statistics and
// recorded (per spec §4.E "push ... set has_aborted and record an
// overflow reason") alongside the flag itself rather than replacing
// it — it never drives control flow on its own.
type OverflowReason int

const (
	OverflowNone OverflowReason = iota
	// OverflowTaskQueueSpill: a task's local queue was full and the
	// global mark stack could not absorb the spilled chunk (or the
	// single reference that triggered the spill), per spec §4.E
	// "push(ref)": "If the global mark stack overflows, set
	// has_aborted and record an overflow reason."
	OverflowTaskQueueSpill
)

func (r OverflowReason) String() string {
	switch r {
	case OverflowNone:
		return "none"
	case OverflowTaskQueueSpill:
		return "task-queue-spill"
	default:
		return "unknown"
	}
}

// AbortReason classifies why do_marking_step returned early. Mirrors
// the five kinds named in spec §7 (overflow, cm-aborted, yield,
// timed-out, satb), plus AbortMoreWork for the termination-offer
// withdrawal that restarts the step without being a genuine abort
// condition, and "none" for a clean, non-aborted return.
type AbortReason int

const (
	AbortNone AbortReason = iota
	AbortOverflow
	AbortGlobalAbort // "cm-aborted": a full-GC invoked Abort()
	AbortYield
	AbortTimedOut
	AbortSATB
	// AbortMoreWork marks a step that withdrew its termination offer
	// because the global mark stack (or this task) still has work;
	// it deliberately triggers neither updateResidual nor
	// enterOverflowBarriers, only the outer worker loop's retry.
	AbortMoreWork
)

func (r AbortReason) String() string {
	switch r {
	case AbortNone:
		return "none"
	case AbortOverflow:
		return "overflow"
	case AbortGlobalAbort:
		return "cm-aborted"
	case AbortYield:
		return "yield"
	case AbortTimedOut:
		return "timed-out"
	case AbortSATB:
		return "satb"
	case AbortMoreWork:
		return "more-work"
	default:
		return "unknown"
	}
}
