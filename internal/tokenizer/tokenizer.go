// Package tokenizer converts text to token ids and back for the in-process
// backends. Implementations are safe for concurrent reads once constructed.
package tokenizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// CompanionFile is the tokenizer description discovered next to a model artifact.
const CompanionFile = "tokenizer.json"

// Tokenizer is the adapter consumed by the generation engine.
type Tokenizer interface {
	// Encode converts text into token ids. Implementations may prepend a BOS id.
	Encode(text string) ([]int, error)
	// Decode converts ids into text. Special tokens are skipped.
	Decode(ids []int) (string, error)
	// EOS returns the end-of-sequence id when the vocabulary defines one.
	EOS() (int, bool)
	// VocabSize returns the number of ids the tokenizer can produce.
	VocabSize() int
}

// ErrUnknownToken is returned when text cannot be mapped onto the vocabulary.
var ErrUnknownToken = errors.New("tokenizer: text not representable in vocabulary")

// ErrInvalidID is returned by Decode for ids outside the vocabulary.
var ErrInvalidID = errors.New("tokenizer: invalid token id")

// CompanionPath returns the tokenizer.json path that belongs to artifactPath.
func CompanionPath(artifactPath string) string {
	return filepath.Join(filepath.Dir(artifactPath), CompanionFile)
}

// LoadCompanion loads the tokenizer.json that sits next to artifactPath.
// It returns an error wrapping os.ErrNotExist when there is none.
func LoadCompanion(artifactPath string) (Tokenizer, error) {
	p := CompanionPath(artifactPath)
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return ParseHF(b)
}
