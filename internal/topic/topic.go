// Package topic derives the key clusters are deduplicated on from a topic
// label.
package topic

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Key normalizes a topic label: trimmed, trailing punctuation removed,
// whitespace collapsed, casefolded. "Password Reset?" and "password  reset"
// share the key "password reset". A blank result means the label carries no
// topic.
func Key(label string) string {
	s := strings.TrimSpace(label)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r)
	})
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}
