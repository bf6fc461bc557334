package protocol

import "errors"

// Sentinel errors shared across the protocol boundary, so callers can
// translate them to HTTP status codes or close codes without string
// matching.
var (
	ErrInvalidSessionHash = errors.New("session hash must be 64 lowercase hex characters")
	ErrMissingMessage     = errors.New("message is required")
	ErrMissingURL         = errors.New("url is required")
	ErrInvalidLatency     = errors.New("latency_ms must be >= 0")
	ErrUnknownCommandType = errors.New("unknown command type")
	ErrTerminated         = errors.New("session is terminated")
	ErrSessionNotFound    = errors.New("session not found")
	ErrBatchActionUnknown = errors.New("unknown batch action")
)
