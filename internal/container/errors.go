package container

import "errors"

// Sentinel errors for container operations.
var (
	// ErrNotFound indicates the container does not exist.
	ErrNotFound = errors.New("container not found")

	// ErrInvalidImage indicates the image reference does not parse.
	ErrInvalidImage = errors.New("invalid image reference")

	// ErrStartFailed indicates the container could not be started.
	ErrStartFailed = errors.New("container start failed")

	// ErrNotRunning indicates an operation that requires a running container.
	ErrNotRunning = errors.New("container not running")

	// ErrInvalidTransition indicates an operation not valid in the
	// container's current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrTimeout indicates the container never became ready.
	ErrTimeout = errors.New("operation timed out")

	// ErrAttachFailed indicates a PTY session could not be established.
	ErrAttachFailed = errors.New("failed to attach to container")
)
