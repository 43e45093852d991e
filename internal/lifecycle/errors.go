package lifecycle

import "errors"

var (
	// ErrForbidden is returned when the acting user neither owns the stream
	// nor holds the fleet-manager capability.
	ErrForbidden = errors.New("not authorized for this stream")

	// ErrAlreadyStreaming rejects a start on a live stream.
	ErrAlreadyStreaming = errors.New("stream is already streaming")

	// ErrAlreadyStarting rejects a start while one is in flight.
	ErrAlreadyStarting = errors.New("stream start already in progress")

	// ErrStopInProgress rejects a start while a stop is still resolving.
	ErrStopInProgress = errors.New("stream stop in progress")

	// ErrInvalidRequest is returned for payloads that fail semantic
	// validation.
	ErrInvalidRequest = errors.New("invalid stream configuration")
)
