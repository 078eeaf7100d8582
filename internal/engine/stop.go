package engine

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Stop is the punctuation early-stop heuristic: once MinTokens have been
// generated, and every Every tokens after that, the partial text is checked
// for a trailing terminal character.
type Stop struct {
	Enabled   bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	MinTokens int    `json:"min_tokens" yaml:"min_tokens" toml:"min_tokens"`
	Every     int    `json:"every" yaml:"every" toml:"every"`
	Terminals string `json:"terminals" yaml:"terminals" toml:"terminals"`
}

// DefaultStop checks at 50 tokens and every 10 after for '.', '!' or '?'.
func DefaultStop() Stop {
	return Stop{Enabled: true, MinTokens: 50, Every: 10, Terminals: ".!?"}
}

// Due reports whether the heuristic runs after generated tokens.
func (s Stop) Due(generated int) bool {
	if !s.Enabled || generated < s.MinTokens || generated <= 0 {
		return false
	}
	every := s.Every
	if every <= 0 {
		every = 1
	}
	return (generated-s.MinTokens)%every == 0
}

// Terminal reports whether text ends in one of the terminal characters,
// ignoring trailing whitespace.
func (s Stop) Terminal(text string) bool {
	terms := s.Terminals
	if terms == "" {
		terms = ".!?"
	}
	text = strings.TrimRightFunc(text, unicode.IsSpace)
	if text == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(text)
	return r != utf8.RuneError && strings.ContainsRune(terms, r)
}
