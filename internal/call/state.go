package call

import (
	"errors"
	"fmt"
	"slices"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// State is the lifecycle of one call session.
type State int32

const (
	StateIdle State = iota
	StateInitiating
	StateJoining
	StateNegotiating
	StateConnected
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateInitiating:  "initiating",
	StateJoining:     "joining",
	StateNegotiating: "negotiating",
	StateConnected:   "connected",
	StateClosed:      "closed",
}

// Initiating may fall back to Joining when another client wrote the offer first.
var transitions = map[State][]State{
	StateIdle:        {StateInitiating, StateJoining, StateClosed},
	StateInitiating:  {StateJoining, StateNegotiating, StateClosed},
	StateJoining:     {StateNegotiating, StateClosed},
	StateNegotiating: {StateConnected, StateClosed},
	StateConnected:   {StateClosed},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

func (s State) CanTransition(to State) bool {
	return slices.Contains(transitions[s], to)
}

func checkTransition(from, to State) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// CloseReason tells why a session ended.
type CloseReason string

const (
	CloseHangup     CloseReason = "hangup"
	CloseTeardown   CloseReason = "teardown"
	CloseRemoteLeft CloseReason = "remote_left"
	CloseTimeout    CloseReason = "timeout"
	CloseError      CloseReason = "error"
)
