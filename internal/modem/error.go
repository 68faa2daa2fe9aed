package modem

import (
	"fmt"

	"github.com/juju/errors"
)

// Deterministic negative answer: network denied, wrong PIN, PUK.
// Retrying within the cycle will not help.
type rejectedError struct {
	errors.Err
}

func rejectedf(format string, args ...interface{}) error {
	e := &rejectedError{errors.NewErr(format+" rejected", args...)}
	e.SetLocation(1)
	return e
}

func IsRejected(err error) bool {
	_, ok := errors.Cause(err).(*rejectedError)
	return ok
}

// Stage retry budget spent.
type exhaustedError struct {
	errors.Err
	Last error
}

func exhausted(stage Stage, attempts int, last error) error {
	msg := fmt.Sprintf("stage=%s attempts=%d exhausted", stage, attempts)
	if last != nil {
		msg += ", last: " + last.Error()
	}
	e := &exhaustedError{Err: errors.NewErr("%s", msg), Last: last}
	e.SetLocation(1)
	return e
}

func IsExhausted(err error) bool {
	_, ok := errors.Cause(err).(*exhaustedError)
	return ok
}
