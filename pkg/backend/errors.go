package backend

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the backend could not be reached: network
	// failure, authentication rejection or an open circuit breaker.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrProtocol means the backend answered with something that does not
	// fit its protocol, or the stream was used in the wrong state.
	ErrProtocol = errors.New("backend protocol error")

	// ErrTimeout means no unit arrived within the bounded wait.
	ErrTimeout = errors.New("backend timeout")

	// ErrEndOfStream is the end marker: the backend has produced every unit
	// for the current request.
	ErrEndOfStream = errors.New("end of stream")

	// ErrClosed is returned when a unit is sent on a stream that is no
	// longer open. It is always wrapped in [ErrProtocol].
	ErrClosed = errors.New("stream closed")
)

// Classify names the taxonomy class of err for metrics and client notices:
// "unavailable", "protocol", "timeout", "canceled", "end_of_stream" or
// "unknown". A nil error yields "".
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEndOfStream):
		return "end_of_stream"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unknown"
	}
}
