package panel

import (
	"errors"
	"fmt"
)

// ErrUnavailable is satisfied by every failure of a panel operation. Callers
// that only need to know whether the call worked should test for it with
// errors.Is.
var ErrUnavailable = errors.New("panel unavailable")

// Kind classifies why a panel call failed.
type Kind int

const (
	KindTransport Kind = iota + 1 // no HTTP response after all retries
	KindAuth                      // login failed or the replay was refused again
	KindStatus                    // unexpected HTTP status
	KindMalformed                 // empty or non-JSON body
	KindRejected                  // well-formed body with success=false
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error describes a failed panel call.
type Error struct {
	Kind     Kind
	Endpoint string
	Status   int
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("panel %s %s", e.Endpoint, e.Kind)
	if e.Status != 0 {
		s += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrUnavailable.
func (e *Error) Is(target error) bool {
	return target == ErrUnavailable
}

// KindOf returns the Kind of a panel error, or 0 when err did not come from a
// panel call.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
