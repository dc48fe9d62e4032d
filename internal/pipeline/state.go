package pipeline

import "fmt"

// State is a stage of a pipeline run.
type State string

const (
	StateDiscovering State = "DISCOVERING"
	StateUnpacking   State = "UNPACKING"
	StateParsing     State = "PARSING"
	StateVerifying   State = "VERIFYING"
	StateRetryWait   State = "RETRY_WAIT"
	StateExporting   State = "EXPORTING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

var transitions = map[State][]State{
	StateDiscovering: {StateUnpacking, StateParsing, StateFailed},
	StateUnpacking:   {StateParsing, StateFailed},
	StateParsing:     {StateVerifying, StateFailed},
	StateVerifying:   {StateExporting, StateRetryWait, StateFailed},
	StateRetryWait:   {StateParsing, StateVerifying, StateFailed},
	StateExporting:   {StateDone, StateFailed},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition checks that a run may move from one state to another.
func Transition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
