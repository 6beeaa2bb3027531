package engine

import (
	"fmt"
	"sync"

	"github.com/roach88/vicap/internal/record"
)

// State is a session's position in the capture lifecycle.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateClosing
	StateClosed
	StateAborting
	StateAborted
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

// Status maps a terminal state to the persisted session status.
func (s State) Status() record.SessionStatus {
	switch s {
	case StateClosed:
		return record.StatusClosed
	case StateAborted:
		return record.StatusAborted
	default:
		return record.StatusRecording
	}
}

// transitions lists the allowed moves. Starting may go straight to Aborted
// because nothing was persisted yet. Closing may escalate to Aborting when
// the final flush fails.
var transitions = map[State][]State{
	StateIdle:      {StateStarting},
	StateStarting:  {StateRecording, StateAborted},
	StateRecording: {StateClosing, StateAborting},
	StateClosing:   {StateClosed, StateAborting},
	StateAborting:  {StateAborted},
}

// TransitionError reports a move the lifecycle does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// StateObserver is called after every transition, outside the state lock.
type StateObserver func(from, to State)

// stateMachine is the owned lifecycle of one session.
type stateMachine struct {
	mu       sync.Mutex
	state    State
	observer StateObserver
}

func newStateMachine(observer StateObserver) *stateMachine {
	return &stateMachine{state: StateIdle, observer: observer}
}

// Current returns the current state.
func (m *stateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next if allowed from the current state.
func (m *stateMachine) Transition(next State) error {
	m.mu.Lock()
	from := m.state
	if !allowed(from, next) {
		m.mu.Unlock()
		return &TransitionError{From: from, To: next}
	}
	m.state = next
	m.mu.Unlock()

	if m.observer != nil {
		m.observer(from, next)
	}
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
