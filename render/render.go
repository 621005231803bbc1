// Package render draws a feed on a terminal or as an HTML transcript.
package render

import (
	"strings"
	"time"

	"github.com/gosuda/roomchat/feed"
)

// Class is how a message is presented relative to the viewer.
type Class int

const (
	Other Class = iota
	Own
	System
)

func (c Class) String() string {
	switch c {
	case Own:
		return "own"
	case System:
		return "system"
	default:
		return "other"
	}
}

// Classify reports System for system messages, Own when m was written by
// self and Other otherwise.
func Classify(m feed.Message, self string) Class {
	if m.IsSystem() {
		return System
	}
	if self != "" && m.Author == self {
		return Own
	}
	return Other
}

// Clock formats the time of a message as "15:04" in loc.
func Clock(ts feed.Timestamp, loc *time.Location) string {
	if ts.IsZero() {
		return "--:--"
	}
	if loc == nil {
		loc = time.Local
	}
	return ts.Time().In(loc).Format("15:04")
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#039;",
)

// EscapeHTML escapes the five HTML-significant characters.
func EscapeHTML(s string) string { return htmlEscaper.Replace(s) }
