package wal

import "sync/atomic"

// LogState is one of the coordinator's lifecycle states (spec.md §4.7).
type LogState uint32

const (
	Uninitialized LogState = iota
	StateOpen
	Compacting
	InstallingSnapshot
	Disposed
)

func (s LogState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case StateOpen:
		return "open"
	case Compacting:
		return "compacting"
	case InstallingSnapshot:
		return "installing_snapshot"
	case Disposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// stateMachine tracks the coordinator's lifecycle state. Grounded on
// node/roles.go's RoleStateMachine (an atomic.Uint32 swap plus a
// Whoami reader), generalized with an explicit transition table since
// spec.md §4.7 defines exactly which transitions are legal, unlike the
// teacher's unconditional TransitTo.
type stateMachine struct {
	state atomic.Uint32
}

func newStateMachine() *stateMachine {
	return &stateMachine{}
}

func (m *stateMachine) whoami() LogState {
	return LogState(m.state.Load())
}

// transit moves the machine from `from` to `to`, failing if the
// current state is not `from`. Exclusive-lock-holding callers are
// expected to serialize their own access; this only guards against
// programmer error, not concurrent transitions.
func (m *stateMachine) transit(from, to LogState) bool {
	return m.state.CompareAndSwap(uint32(from), uint32(to))
}

// force sets the state unconditionally, used for the two transitions
// that are always legal regardless of current state: Uninitialized ->
// Open at construction, and any state -> Disposed at teardown.
func (m *stateMachine) force(to LogState) {
	m.state.Store(uint32(to))
}
