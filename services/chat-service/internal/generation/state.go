package generation

import "fmt"

type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateCompleted
	StateStopped
	StateErrored
)

var stateNames = [...]string{"idle", "starting", "streaming", "completed", "stopped", "errored"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateErrored
}

// A session completes only after content arrived; an empty response ends
// as errored.
var transitions = map[State][]State{
	StateIdle:      {StateStarting, StateErrored},
	StateStarting:  {StateStreaming, StateStopped, StateErrored},
	StateStreaming: {StateCompleted, StateStopped, StateErrored},
}

// CanTransition reports whether from -> to is a legal session transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
