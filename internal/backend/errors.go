package backend

import (
	"errors"
	"fmt"
)

// ErrContextExhausted reports that the decode cache has no room left.
var ErrContextExhausted = errors.New("context window exhausted")

// backendUnavailableError signals that the backend could not serve a request
// (transport failure, non-2xx reply, load failure). Sessions degrade to the
// fallback responder on it.
type backendUnavailableError struct {
	backend string
	err     error
}

func (e backendUnavailableError) Error() string {
	if e.err == nil {
		return "backend unavailable: " + e.backend
	}
	return fmt.Sprintf("backend unavailable: %s: %v", e.backend, e.err)
}

func (e backendUnavailableError) Unwrap() error { return e.err }

// ErrBackendUnavailable wraps cause as a backend-unavailable error.
func ErrBackendUnavailable(backend string, cause error) error {
	return backendUnavailableError{backend: backend, err: cause}
}

// IsBackendUnavailable reports whether err means the backend cannot serve.
// Missing runtime dependencies count as unavailable.
func IsBackendUnavailable(err error) bool {
	var bu backendUnavailableError
	return errors.As(err, &bu) || IsDependencyUnavailable(err)
}

// dependencyUnavailableError signals a runtime dependency that is not built
// into this binary (e.g. llama.cpp without the llama tag).
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var du dependencyUnavailableError
	return errors.As(err, &du)
}

// artifactMissingError signals that a file the backend needs besides the
// weights (e.g. the tokenizer) does not resolve. Sessions treat it like a
// missing artifact rather than degrading.
type artifactMissingError struct {
	backend string
	err     error
}

func (e artifactMissingError) Error() string {
	return fmt.Sprintf("%s: artifact missing: %v", e.backend, e.err)
}

func (e artifactMissingError) Unwrap() error { return e.err }

// ErrArtifactMissing wraps cause as an artifact-missing error.
func ErrArtifactMissing(backend string, cause error) error {
	return artifactMissingError{backend: backend, err: cause}
}

// IsArtifactMissing reports whether err means a required file is absent.
func IsArtifactMissing(err error) bool {
	var am artifactMissingError
	return errors.As(err, &am)
}
