package queue

import (
	"fmt"
	"strconv"
)

// State is the numeric lifecycle state shared by batches and their steps.
type State int

const (
	StateDone    State = 0
	StateSched   State = 1
	StateProg    State = 2
	StateModFail State = 3
	StateReqFail State = 4
	StateRemoved State = 5
)

var stateNames = map[State]string{
	StateDone:    "done",
	StateSched:   "sched",
	StateProg:    "prog",
	StateModFail: "mod_fail",
	StateReqFail: "req_fail",
	StateRemoved: "removed",
}

// String returns the short state name.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further work will happen in this state.
func (s State) Terminal() bool {
	return s != StateSched && s != StateProg
}

// Attr renders the state as stored in a status attribute.
func (s State) Attr() string {
	return strconv.Itoa(int(s))
}

// ParseState decodes a status attribute.
func ParseState(v string) (State, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid status %q: %w", v, err)
	}
	s := State(n)
	if _, ok := stateNames[s]; !ok {
		return 0, fmt.Errorf("unknown status %d", n)
	}
	return s, nil
}
