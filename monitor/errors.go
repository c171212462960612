package monitor

import "errors"

var (
	// ErrNotRunning is returned when a command is sent while the worker is not running.
	ErrNotRunning = errors.New("monitor: not running")
	// ErrCommandPending is returned when the command slot already holds an unprocessed command.
	ErrCommandPending = errors.New("monitor: command already pending")
	// ErrAlreadyOpen is returned by Open when the monitor is connecting or running.
	ErrAlreadyOpen = errors.New("monitor: already open")
	// ErrCloseTimeout is returned by Close when the worker did not stop in time.
	ErrCloseTimeout = errors.New("monitor: close timeout")
)
