package link

import "errors"

var (
	// ErrNotReady is returned for writes issued outside the Ready state
	ErrNotReady = errors.New("link not ready")

	// ErrDisconnected completes writes that were in flight when the link dropped
	ErrDisconnected = errors.New("link disconnected")

	// ErrPayloadTooLarge is returned under the reject oversize policy
	ErrPayloadTooLarge = errors.New("payload exceeds link limit")

	// ErrTimeout is returned when connect, discovery or a write exceeds its deadline
	ErrTimeout = errors.New("link operation timed out")

	// ErrServiceNotFound means the peripheral does not expose the display service
	ErrServiceNotFound = errors.New("service not found")

	// ErrCharacteristicNotFound means the display characteristic is missing
	ErrCharacteristicNotFound = errors.New("characteristic not found")

	// ErrAlreadyRunning is returned by a second concurrent Run
	ErrAlreadyRunning = errors.New("link manager already running")
)
