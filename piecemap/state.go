package piecemap

import (
	"fmt"
)

// Our own progress on a piece.
type State uint8

const (
	Missing State = iota
	// At least one block has been requested.
	InProgress
	// Every block is present and the hash is being checked.
	Verifying
	Complete
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InProgress:
		return "in progress"
	case Verifying:
		return "verifying"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Whether blocks may still be requested for a piece in this state.
func (s State) Requestable() bool {
	return s == Missing || s == InProgress
}

func legalTransition(from, to State) bool {
	switch from {
	case Missing:
		return to == InProgress
	case InProgress:
		// Back to Missing when every request was released before any data arrived.
		return to == Verifying || to == Missing
	case Verifying:
		return to == Complete || to == Missing
	default:
		return false
	}
}
