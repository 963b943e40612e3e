package session

import "fmt"

// State is the lifecycle state of a session.
type State string

const (
	// StateCreated indicates a loaded volume with no segmentation result.
	StateCreated State = "created"

	// StateSegmenting indicates a segmentation run is in flight.
	StateSegmenting State = "segmenting"

	// StateSegmented indicates a result is attached. Results never change after this.
	StateSegmented State = "segmented"

	// StateDestroyed indicates the session was deleted or expired.
	StateDestroyed State = "destroyed"
)

// stateMachine validates session state transitions. The table is never
// written after construction.
type stateMachine struct {
	transitions map[State][]State
}

// newStateMachine creates a state machine with the session lifecycle transitions.
func newStateMachine() *stateMachine {
	return &stateMachine{
		transitions: map[State][]State{
			StateCreated:    {StateSegmenting, StateSegmented, StateDestroyed},
			StateSegmenting: {StateSegmented, StateCreated, StateDestroyed},
			StateSegmented:  {StateDestroyed},
			StateDestroyed:  {}, // Terminal state
		},
	}
}

// Transition moves a session to a new state if the transition is valid.
// The caller must hold the session's write lock.
func (sm *stateMachine) Transition(s *Session, to State) error {
	if s == nil {
		return fmt.Errorf("cannot transition nil session")
	}

	if !sm.CanTransition(s.state, to) {
		return fmt.Errorf("invalid transition from %s to %s", s.state, to)
	}

	s.state = to
	return nil
}

// CanTransition checks if a transition from one state to another is valid.
func (sm *stateMachine) CanTransition(from, to State) bool {
	validStates, exists := sm.transitions[from]
	if !exists {
		return false
	}

	for _, state := range validStates {
		if state == to {
			return true
		}
	}

	return false
}

// IsTerminal checks if a state is terminal (no outgoing transitions).
func (sm *stateMachine) IsTerminal(state State) bool {
	transitions, exists := sm.transitions[state]
	return exists && len(transitions) == 0
}
