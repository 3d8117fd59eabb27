package session

import "errors"

// Configuration errors, returned synchronously from Start. Transport
// failures are never returned this way; they surface as the error state.
var (
	errMissingURI           = errors.New("session: URI is required")
	errMissingBitrate       = errors.New("session: target bitrate is required")
	errMissingGeometry      = errors.New("session: width and height are required")
	errMissingFrameDuration = errors.New("session: frame duration is required")

	// ErrAlreadyStarted is returned by Start on a session that has left the
	// none state. Sessions are single-use.
	ErrAlreadyStarted = errors.New("session: already started")
)
