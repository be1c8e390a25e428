package service

import (
	"errors"

	"github.com/ChidoriOS-CAF/android-external-perfetto/internal/infrastructure/monitoring"
)

var (
	// ErrSessionActive is returned by EnableTracing when the consumer
	// already has a session. The existing session is left untouched.
	ErrSessionActive = errors.New("tracing session already active")

	// ErrNoSession is returned by session operations on a consumer without
	// a session
	ErrNoSession = errors.New("no tracing session")

	// ErrResourceExhausted is returned when buffer IDs, buffer memory or
	// shared memory cannot be obtained. Nothing is left half-registered.
	ErrResourceExhausted = errors.New("resources exhausted")

	// ErrInvalidConfig wraps trace config validation failures
	ErrInvalidConfig = errors.New("invalid trace config")

	// ErrDisconnected is returned by calls on an endpoint after Disconnect
	ErrDisconnected = errors.New("endpoint disconnected")

	// ErrInvalidDescriptor is returned when registering a nameless data source
	ErrInvalidDescriptor = errors.New("invalid data source descriptor")
)

// Copy path rejections. They are never surfaced to producers; the endpoint
// counts them and feeds them to the producer's quarantine breaker.
var (
	ErrUnknownBuffer      = errors.New("no session owns buffer")
	ErrUnauthorizedWriter = errors.New("producer not authorized for buffer")
	ErrChunkTooLarge      = errors.New("chunk larger than buffer")

	errMisbehaving = errors.New("producer sent bad chunks")
)

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrUnknownBuffer):
		return monitoring.DropUnknownBuffer
	case errors.Is(err, ErrUnauthorizedWriter):
		return monitoring.DropUnauthorized
	case errors.Is(err, ErrChunkTooLarge):
		return monitoring.DropTooLarge
	default:
		return "other"
	}
}
