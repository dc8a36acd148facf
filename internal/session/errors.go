package session

import "errors"

var (
	// ErrSessionActive is returned by Start while another session is running.
	ErrSessionActive = errors.New("a recording session is already active")

	// ErrConnectTimeout is returned when the capture page never connects.
	ErrConnectTimeout = errors.New("capture page did not connect in time")

	// ErrNoClient is returned by Stop when no capture page is connected.
	// Callers treat it as a warning: the page may have closed on its own.
	ErrNoClient = errors.New("no capture client connected")
)
