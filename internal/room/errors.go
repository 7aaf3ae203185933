package room

import (
	"errors"

	"github.com/camuschat/camus-sub000/internal/rtc"
)

var (
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrNotStarted         = errors.New("manager not started")
	ErrShutdown           = errors.New("manager shut down")

	// Re-exported so callers of this package need not import rtc to
	// classify track and negotiation errors.
	ErrTypeMismatch  = rtc.ErrTypeMismatch
	ErrTrackExists   = rtc.ErrTrackExists
	ErrTrackNotFound = rtc.ErrTrackNotFound
)
