// Package fault defines the instrument-independent error taxonomy shared by all
// instrument families, and the static per-family tables that translate numeric
// device codes into it.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the instrument-independent class of a failure
type Kind int

const (
	// Other is the fallback for unmapped device codes and foreign errors
	Other Kind = iota

	// CommsFailure is an unreachable transport or a persistent timeout
	CommsFailure

	// ProtocolError is a response that did not parse as expected
	ProtocolError

	// HardwareFailure is a permanent device fault (lamp, sensor, memory)
	HardwareFailure

	// Misread is a transient measurement defect, eligible for bounded retry
	Misread

	// NeedsCalibration means the instrument refuses to measure until calibrated
	NeedsCalibration

	// Unsupported is a mode or option not available on this model or firmware
	Unsupported

	// UserAbort is an operator-initiated cancellation
	UserAbort
)

var kindNames = map[Kind]string{
	Other:            "other hardware error",
	CommsFailure:     "communications failure",
	ProtocolError:    "protocol error",
	HardwareFailure:  "hardware failure",
	Misread:          "misread",
	NeedsCalibration: "needs calibration",
	Unsupported:      "unsupported",
	UserAbort:        "user abort",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable is true for kinds the state machines may retry automatically
func (k Kind) Retryable() bool {
	return k == Misread || k == ProtocolError
}

// NoCode is stored in Error.Code when the failure did not come from the device
const NoCode = -1

// Error is a classified failure.  Code is the original device code, or NoCode
// when the failure originated on the host side.
type Error struct {
	Kind   Kind
	Code   int
	Desc   string
	Family string
	Err    error
}

func (e *Error) Error() string {
	var s string
	if e.Code != NoCode {
		if e.Family != "" {
			s = fmt.Sprintf("%s: %s: device code %d - %s", e.Family, e.Kind, e.Code, e.Desc)
		} else {
			s = fmt.Sprintf("%s: device code %d - %s", e.Kind, e.Code, e.Desc)
		}
	} else {
		s = fmt.Sprintf("%s: %s", e.Kind, e.Desc)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying cause, if any
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind with no code, so that
// errors.Is(err, fault.New(fault.UserAbort, "")) behaves as expected
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Code == NoCode && t.Desc == ""
}

// New creates a host-side error of the given kind
func New(kind Kind, desc string) *Error {
	return &Error{Kind: kind, Code: NoCode, Desc: desc}
}

// Newf is New with formatting
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies err.  If err already carries a kind it is returned unchanged.
func Wrap(kind Kind, desc string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Code: NoCode, Desc: desc, Err: err}
}

// Sentinel returns a code-less error of kind k suitable for errors.Is
func Sentinel(k Kind) error {
	return &Error{Kind: k, Code: NoCode}
}

// KindOf returns the kind of err.  Errors that were never classified are Other.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Other
}

// CodeOf returns the device code carried by err, or NoCode
func CodeOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return NoCode
}

// IsKind reports whether err is classified as k
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}
