package rpcserver

import (
	"strings"

	"github.com/roach88/kbq/internal/txn"
)

// State is the lifecycle state of a request slot.
type State string

const (
	StateEmpty      State = "empty"
	StateNewJob     State = "new_job"
	StateProcessing State = "processing"
)

// States lists every state in lifecycle order.
var States = []State{StateEmpty, StateNewJob, StateProcessing}

// ParseState validates a state literal. Matching is case-insensitive.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	switch st {
	case StateEmpty, StateNewJob, StateProcessing:
		return st, nil
	}
	return "", txn.Invalid("state", s, "must be one of empty, new_job, processing")
}

func (s State) String() string { return string(s) }
