package model

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusPending Status = "Pending"
	StatusActive  Status = "Active"
	StatusDenied  Status = "Denied"
	StatusDeleted Status = "Deleted"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a status change that is not in the transition table.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("invalid state transition to %s", e.To)
	}
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// priors maps each target status to the statuses it may be reached from.
// Active -> Active is accepted so that approval can be replayed.
var priors = map[Status][]Status{
	StatusActive:  {StatusPending, StatusDenied, StatusDeleted, StatusActive},
	StatusDenied:  {StatusPending},
	StatusDeleted: {StatusActive},
	StatusPending: {StatusDeleted},
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDenied, StatusDeleted:
		return true
	}
	return false
}

func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

// AllowedPriors returns the statuses from which to can be entered.
func AllowedPriors(to Status) []Status {
	p := priors[to]
	out := make([]Status, len(p))
	copy(out, p)
	return out
}

func CanTransition(from, to Status) bool {
	for _, p := range priors[to] {
		if p == from {
			return true
		}
	}
	return false
}

func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// CheckGuard verifies that every status in guard may legally move to `to`.
func CheckGuard(guard []Status, to Status) error {
	if len(guard) == 0 {
		return &TransitionError{To: to}
	}
	for _, from := range guard {
		if err := CheckTransition(from, to); err != nil {
			return err
		}
	}
	return nil
}

func StatusStrings(in []Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
