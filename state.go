package asyncloop

import (
	"sync/atomic"
)

// LoopState is the run state of a [Loop].
//
// State machine:
//
//	StateAwake → StateRunning          [Run()/Tick() via CAS]
//	StateRunning → StateSleeping       [poll() via CAS, blocked awaiting I/O or timers]
//	StateSleeping → StateRunning       [poll() returns, via CAS]
//	StateRunning → StateAwake          [Run()/Tick() return]
//	any → StateTerminated              [Close()]
//	StateTerminated → (terminal)
//
// Stop does not change the state; Run observes it at the next tick
// boundary. No transition enters StateTerminating.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but Run/Tick has not
	// yet been called (or the last Run/Tick has returned).
	StateAwake LoopState = 0
	// StateTerminated indicates the loop has been closed.
	StateTerminated LoopState = 1
	// StateSleeping indicates the loop is blocked in the I/O backend's poll,
	// awaiting readiness or the earliest timer deadline.
	StateSleeping LoopState = 2
	// StateRunning indicates the loop is actively executing a tick.
	StateRunning LoopState = 3
	// StateTerminating is defined for the state set, but no transition of
	// the loop enters it.
	StateTerminating LoopState = 4
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine, cache-line padded to avoid false
// sharing with neighboring fields in [Loop].
type fastState struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte
	v atomic.Uint64
	_ [sizeOfCacheLine - sizeOfAtomicUint64]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(StateAwake))
	return s
}

func (s *fastState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *fastState) Store(state LoopState) { s.v.Store(uint64(state)) }

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

func (s *fastState) TransitionAny(validFrom []LoopState, to LoopState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			return true
		}
	}
	return false
}

func (s *fastState) IsTerminal() bool { return s.Load() == StateTerminated }

func (s *fastState) IsRunning() bool {
	state := s.Load()
	return state == StateRunning || state == StateSleeping
}

func (s *fastState) CanAcceptWork() bool {
	state := s.Load()
	return state == StateAwake || state == StateRunning || state == StateSleeping
}
