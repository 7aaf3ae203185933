package signaling

import "errors"

var (
	ErrNotConnected   = errors.New("signaling: not connected")
	ErrShutdown       = errors.New("signaling: shut down")
	ErrRequestTimeout = errors.New("signaling: request timed out")
	ErrEmptyPayload   = errors.New("signaling: empty payload")
	ErrUnknownCodec   = errors.New("signaling: unknown codec")
)
