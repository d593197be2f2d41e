// Package urgency classifies free text into urgent / not urgent / unknown
// using negation-aware keyword matching. It is the only language
// understanding in the system.
package urgency

import (
	"regexp"
	"strings"
)

// Class is the outcome of classification.
type Class int

const (
	// Unknown means no urgency keyword was found.
	Unknown Class = iota
	// Urgent means an urgency keyword appeared without a preceding negation.
	Urgent
	// NotUrgent means an urgency keyword appeared negated ("not urgent").
	NotUrgent
)

// String returns a readable name for logs.
func (c Class) String() string {
	switch c {
	case Urgent:
		return "urgent"
	case NotUrgent:
		return "not_urgent"
	default:
		return "unknown"
	}
}

var (
	keywordRe  = regexp.MustCompile(`\b(?:urgent|important|crucial|critical)\b`)
	negationRe = regexp.MustCompile(`\b(?:not|non|less)\s+(?:urgent|important|crucial|critical)\b`)
)

// Classify maps free text to a Class. A negation immediately before a
// keyword wins over the bare keyword.
func Classify(text string) Class {
	text = strings.ToLower(text)
	switch {
	case negationRe.MatchString(text):
		return NotUrgent
	case keywordRe.MatchString(text):
		return Urgent
	default:
		return Unknown
	}
}
