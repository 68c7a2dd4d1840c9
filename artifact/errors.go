package artifact

import "errors"

var (
	// ErrArtifactExpired means no usable artifact exists for the session.
	// The caller must initiate a new session.
	ErrArtifactExpired = errors.New("connection artifact expired or invalidated")
)
