package rtc

import (
	"errors"
	"fmt"
)

var (
	ErrTrackNotFound        = errors.New("track not found")
	ErrTrackExists          = errors.New("track already added")
	ErrTypeMismatch         = errors.New("session description type mismatch")
	ErrInvalidPeerID        = errors.New("invalid peer id")
	ErrPeerClosed           = errors.New("peer closed")
	ErrUnsupportedTrack     = errors.New("unsupported track implementation")
	ErrUnsupportedDirection = errors.New("unsupported transceiver direction")
	ErrOfferPending         = errors.New("local offer still pending")
)

// Error records a failed peer operation.
type Error struct {
	Op      string
	Peer    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Peer != "" && e.Details != "" {
		return fmt.Sprintf("%s %s: %v (%s)", e.Op, e.Peer, e.Err, e.Details)
	}
	if e.Peer != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Peer, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewPeerError(op, peer string, err error) *Error {
	return &Error{Op: op, Peer: peer, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
