package client

import "errors"

var (
	// ErrDaemonNotRunning is returned when no run daemon is listening on
	// the unix socket.
	ErrDaemonNotRunning = errors.New("no conditioning run in progress")

	// ErrPermissionDenied is returned when the user may not access the
	// daemon socket.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when the daemon answers 404.
	ErrNotFound = errors.New("404 not found")
)
