package session

import "errors"

// artifactNotFoundError is returned when the model artifact path does not
// resolve to a regular file.
type artifactNotFoundError struct {
	path string
	err  error
}

func (e artifactNotFoundError) Error() string {
	if e.err != nil {
		return "model artifact not found: " + e.path + ": " + e.err.Error()
	}
	return "model artifact not found: " + e.path
}

func (e artifactNotFoundError) Unwrap() error { return e.err }

// ErrArtifactNotFound constructs an artifactNotFoundError for path.
func ErrArtifactNotFound(path string, cause error) error {
	return artifactNotFoundError{path: path, err: cause}
}

// IsArtifactNotFound reports whether err indicates a missing artifact (404).
func IsArtifactNotFound(err error) bool {
	var e artifactNotFoundError
	return errors.As(err, &e)
}

type notInitializedError struct{}

func (notInitializedError) Error() string { return "session not initialized" }

// ErrNotInitialized is returned by Send and Reset before a successful Initialize.
var ErrNotInitialized error = notInitializedError{}

// IsNotInitialized reports whether err indicates an uninitialized session (409).
func IsNotInitialized(err error) bool {
	var e notInitializedError
	return errors.As(err, &e)
}

// replyInterruptedError is returned by SendStream when the backend fails
// after part of the reply was delivered. No turns are appended.
type replyInterruptedError struct{ err error }

func (e replyInterruptedError) Error() string { return "reply interrupted: " + e.err.Error() }

func (e replyInterruptedError) Unwrap() error { return e.err }

// ErrReplyInterrupted wraps the backend failure that cut a streamed reply short.
func ErrReplyInterrupted(cause error) error { return replyInterruptedError{err: cause} }

// IsReplyInterrupted reports whether err ended a partially streamed reply.
func IsReplyInterrupted(err error) bool {
	var e replyInterruptedError
	return errors.As(err, &e)
}
