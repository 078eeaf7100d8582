package engine

import (
	"errors"
	"fmt"
)

// tokenizationError means the prompt could not be encoded.
type tokenizationError struct{ err error }

func (e tokenizationError) Error() string { return fmt.Sprintf("tokenization failed: %v", e.err) }
func (e tokenizationError) Unwrap() error { return e.err }

// ErrTokenization wraps an encode failure.
func ErrTokenization(err error) error { return tokenizationError{err: err} }

// IsTokenization reports whether err is a tokenization failure.
func IsTokenization(err error) bool {
	var te tokenizationError
	return errors.As(err, &te)
}

// decodingError means generated ids could not be turned back into text.
type decodingError struct{ err error }

func (e decodingError) Error() string { return fmt.Sprintf("decoding failed: %v", e.err) }
func (e decodingError) Unwrap() error { return e.err }

// ErrDecoding wraps a detokenization failure.
func ErrDecoding(err error) error { return decodingError{err: err} }

// IsDecoding reports whether err is a decoding failure.
func IsDecoding(err error) bool {
	var de decodingError
	return errors.As(err, &de)
}
