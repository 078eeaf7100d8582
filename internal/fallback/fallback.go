// Package fallback answers messages with canned replies when no real
// backend is reachable.
package fallback

import (
	"fmt"
	"strings"
	"unicode"
)

// DefaultModelName stands in for an unknown model.
const DefaultModelName = "your model"

// Responder produces a reply without a language model.
type Responder interface {
	Respond(message, modelName string) string
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(message, modelName string) string

func (f ResponderFunc) Respond(message, modelName string) string { return f(message, modelName) }

// Rules is the keyword responder.
var Rules Responder = ResponderFunc(Respond)

type rule struct {
	keywords []string
	// plural also matches each keyword with a trailing "s".
	plural bool
	reply  func(message, model string) string
}

// rules are tried in order; the first whose keyword appears wins.
var rules = []rule{
	{[]string{"hello", "hi"}, false, func(_, model string) string {
		return fmt.Sprintf("Hello! I'm your local assistant and I'll be running %s once a model server is available. How can I help you today?", model)
	}},
	{[]string{"model", "llm"}, true, func(_, model string) string {
		return fmt.Sprintf("I'm running in fallback mode right now, but I'm configured to use your %s model. Start a local model server to get real answers.", model)
	}},
	{[]string{"performance", "speed"}, false, func(_, _ string) string {
		return "Local inference keeps everything on your machine. Speed depends on your hardware and the model size; smaller quantized models answer fastest."
	}},
	{[]string{"help", "what"}, false, func(_, _ string) string {
		return "I'm a local AI assistant. I can chat with you and run your local language model for private conversations. Try /system to set my instructions or /reset to start over."
	}},
}

// Respond applies the keyword rules to the case-folded message. A keyword
// matches a whole word; noun keywords also match their plural.
func Respond(message, modelName string) string {
	if strings.TrimSpace(modelName) == "" {
		modelName = DefaultModelName
	}
	words := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, r := range rules {
		if containsAny(words, r.keywords, r.plural) {
			return r.reply(message, modelName)
		}
	}
	return fmt.Sprintf("I understand you're asking about '%s'. I'm running in fallback mode with your %s model, so my answers are limited until a model server is reachable.", message, modelName)
}

func containsAny(words, keywords []string, plural bool) bool {
	for _, w := range words {
		for _, k := range keywords {
			if w == k || (plural && w == k+"s") {
				return true
			}
		}
	}
	return false
}
