package session

import "errors"

// ErrSuperseded is returned by a Start that was cancelled by a later Start or
// Stop before it reached Connected.
var ErrSuperseded = errors.New("session: start superseded")

// PermissionError reports that the microphone could not be acquired because
// access was refused. The session moves to Error.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return "session: microphone permission denied: " + e.Err.Error()
}

func (e *PermissionError) Unwrap() error { return e.Err }

// ChannelError reports that the live channel could not be opened or failed
// while connected. The session moves to Error and releases every resource.
type ChannelError struct {
	Err error
}

func (e *ChannelError) Error() string {
	return "session: live channel: " + e.Err.Error()
}

func (e *ChannelError) Unwrap() error { return e.Err }
