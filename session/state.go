package session

import "fmt"

// State is the position of the session in the betting flow.
type State int

const (
	Idle State = iota
	Selecting
	AwaitingApproval
	Approved
	RaceSubmitted
	Reconciling
	Settled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Selecting:
		return "selecting"
	case AwaitingApproval:
		return "awaiting-approval"
	case Approved:
		return "approved"
	case RaceSubmitted:
		return "race-submitted"
	case Reconciling:
		return "reconciling"
	case Settled:
		return "settled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// racing reports whether a race transaction is outstanding or its result is on display.
func (s State) racing() bool {
	return s == RaceSubmitted || s == Reconciling || s == Settled
}

// transitions lists the allowed moves out of every state.
var transitions = map[State][]State{
	Idle:             {Selecting, AwaitingApproval, Approved},
	Selecting:        {Selecting, AwaitingApproval, Approved, Idle},
	AwaitingApproval: {Approved, Selecting},
	Approved:         {Selecting, AwaitingApproval, Approved, RaceSubmitted, Idle},
	RaceSubmitted:    {Reconciling, Approved},
	Reconciling:      {Settled},
	Settled:          {Idle, Selecting},
}

// CanTransition reports whether the machine may move from one state to another.
// Reset to Idle is always allowed.
func CanTransition(from, to State) bool {
	if to == Idle {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
