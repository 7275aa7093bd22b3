package shared

import "errors"

var (
	ErrNoLogger            = errors.New("no logger provided")
	ErrNoRelay             = errors.New("no relay provided")
	ErrNoSession           = errors.New("no session bound")
	ErrSessionAlreadyBound = errors.New("session already bound")
	ErrSessionClosed       = errors.New("session closed")
	ErrShareAlreadyActive  = errors.New("screen share already active")
	ErrShareNotActive      = errors.New("screen share not active")
	ErrCallNotIdle         = errors.New("call is not idle")
	ErrCallNotRinging      = errors.New("call is not ringing")
	ErrNoCapture           = errors.New("no capture backend provided")
	ErrRelayNotConnected   = errors.New("relay not connected")
)
