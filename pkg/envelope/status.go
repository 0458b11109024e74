package envelope

import "fmt"

// Status is the lifecycle state of a credit envelope.
type Status string

const (
	StatusOffered   Status = "offered"
	StatusAccepted  Status = "accepted"
	StatusSpent     Status = "spent"
	StatusSettled   Status = "settled"
	StatusDefaulted Status = "defaulted"
	StatusRevoked   Status = "revoked"
)

// transitions is the allowed status graph. Self-loops permit re-publication of
// the current status with refreshed annotations.
var transitions = map[Status]map[Status]bool{
	StatusOffered: {
		StatusOffered:  true,
		StatusAccepted: true,
		StatusRevoked:  true,
	},
	StatusAccepted: {
		StatusAccepted:  true,
		StatusSpent:     true,
		StatusRevoked:   true,
		StatusSettled:   true,
		StatusDefaulted: true,
	},
	StatusSpent: {
		StatusSpent:     true,
		StatusSettled:   true,
		StatusDefaulted: true,
	},
	StatusSettled:   {StatusSettled: true},
	StatusDefaulted: {StatusDefaulted: true},
	StatusRevoked:   {StatusRevoked: true},
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("envelope: invalid status %q", s)
	}
	return st, nil
}

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further state change is possible.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusDefaulted || s == StatusRevoked
}

// CanTransition reports whether from -> to is in the allowed graph.
func CanTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}
