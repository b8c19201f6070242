package domain

import (
	"errors"
	"fmt"
)

var (
	ErrConnectionLost   = errors.New("connection lost")
	ErrConnectionFailed = errors.New("connection failed, reconnect attempts exhausted")
	ErrTimeout          = errors.New("timeout error")

	// ErrDesync wraps the reason an order book was invalidated.
	ErrDesync = errors.New("order book desynchronized")
	// Gap in the update sequence. Forces a resync.
	ErrOrderBookUpdateIsOutOfSequence = errors.New("order book update is out of sequence")
	// Update already covered by the snapshot, skip it.
	ErrOrderBookUpdateIsOutdated = errors.New("order book update is outdated")
	ErrChecksumMismatch          = errors.New("order book checksum mismatch")
	ErrCrossedBook               = errors.New("order book is crossed")
	ErrSnapshotTooOld            = errors.New("snapshot predates buffered updates")
	ErrResyncExhausted           = errors.New("order book resync attempts exhausted")

	ErrEngineClosed          = errors.New("engine closed")
	ErrSubscriptionClosed    = errors.New("subscription closed")
	ErrUnknownExchange       = errors.New("unknown exchange")
	ErrUnsupportedChannel    = errors.New("channel is not supported by exchange")
	ErrDuplicateRequestID    = errors.New("duplicate request id")
	ErrOrderBookInitializing = errors.New("order book is initializing")
	ErrOrderBookNotFound     = errors.New("order book not found")
	ErrProviderNotFound      = errors.New("provider not found")
)

// ConnectionError is a transport failure on a given endpoint.
type ConnectionError struct {
	Exchange string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Exchange, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ParseError is returned by adapters for frames they cannot decode.
type ParseError struct {
	Exchange string
	Frame    string
	Err      error
}

func NewParseError(exchange string, frame []byte, err error) *ParseError {
	const maxFrame = 256
	s := string(frame)
	if len(s) > maxFrame {
		s = s[:maxFrame] + "..."
	}
	return &ParseError{Exchange: exchange, Frame: s, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: cannot parse frame %s: %v", e.Exchange, e.Frame, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ProtocolError is an error reported by the exchange itself.
type ProtocolError struct {
	Exchange string
	Code     string
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s protocol error %s: %s", e.Exchange, e.Code, e.Message)
}

func desyncError(cause error) error {
	return fmt.Errorf("%w: %w", ErrDesync, cause)
}
