package whep

import (
	"errors"
	"fmt"
)

var (
	ErrPaused     = errors.New("stream session is paused")
	ErrNoEndpoint = errors.New("stream endpoint is empty")
	ErrClosed     = errors.New("stream session is closed")

	// ErrNoDataFlowing is reported when a track arrived but never produced a frame with dimensions.
	ErrNoDataFlowing = errors.New("Track received but no data is flowing")

	errTornDown           = errors.New("session torn down")
	errNoLocalDescription = errors.New("Local description unavailable after gathering")
	errEmptyAnswer        = errors.New("Server returned an empty answer")
)

// ExchangeError is a failed offer/answer round trip.
type ExchangeError struct {
	StatusCode int
	Err        error
}

func (e *ExchangeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("Server returned %d", e.StatusCode)
	}
	return fmt.Sprintf("Failed to reach stream endpoint: %v", e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// TransportError is raised when the peer connection reports failed, disconnected or closed.
type TransportError struct {
	Reason string
}

func (e *TransportError) Error() string {
	return e.Reason
}

// MediaError is raised when the downstream media sink reports a playback error.
type MediaError struct {
	Reason string
}

func (e *MediaError) Error() string {
	return e.Reason
}

func failureKind(err error) string {
	var (
		exchangeErr  *ExchangeError
		transportErr *TransportError
		mediaErr     *MediaError
	)
	switch {
	case errors.As(err, &exchangeErr):
		return "exchange"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &mediaErr):
		return "media"
	case errors.Is(err, ErrNoDataFlowing):
		return "verification"
	default:
		return "negotiation"
	}
}

func failureReason(err error) string {
	if err == nil || err.Error() == "" {
		return "Unknown error"
	}
	return err.Error()
}
