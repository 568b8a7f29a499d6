package capture

import "errors"

var (
	ErrDeviceUnavailable = errors.New("microphone unavailable")
	ErrNoActiveSession   = errors.New("no active recording session")
	ErrEncodingFailure   = errors.New("audio encoding failed")
	ErrAlreadyCapturing  = errors.New("capture already in progress")
	ErrStopPending       = errors.New("capture is already stopping")
)
