package worker

import "errors"

// State is a worker's position in its lifecycle.
//
//	parsed -> installing -> installed -> activating -> activated
//
// Any state may move to redundant; a failed install always does.
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

var stateNames = [...]string{
	StateParsed:     "parsed",
	StateInstalling: "installing",
	StateInstalled:  "installed",
	StateActivating: "activating",
	StateActivated:  "activated",
	StateRedundant:  "redundant",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	// ErrNotActive is returned for events sent to a worker that is not
	// activated. The edge treats such requests as uncontrolled.
	ErrNotActive = errors.New("worker: not active")
	// ErrInvalidTransition is returned when a lifecycle step is invoked
	// out of order.
	ErrInvalidTransition = errors.New("worker: invalid state transition")
)
