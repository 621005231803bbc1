// Package identity validates and generates chat nicknames and room keys.
package identity

import (
	"errors"
	"fmt"
	"hash/fnv"
	"html"
	"math/rand/v2"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/gosuda/roomchat/feed"
)

const (
	MaxNickname = 24
	MinNickname = 2
	MaxRoom     = 32
)

var (
	ErrEmptyNickname    = errors.New("identity: nickname is empty")
	ErrNicknameTooShort = fmt.Errorf("identity: nickname needs at least %d characters", MinNickname)
)

// Strict policy for nicknames - no HTML at all
var nicknamePolicy = bluemonday.StrictPolicy()

// Palette holds the accent colors handed out to participants.
var Palette = []string{
	"#e57373", "#f06292", "#ba68c8", "#7986cb", "#4fc3f7",
	"#4db6ac", "#81c784", "#dce775", "#ffb74d", "#a1887f",
}

var words = []string{
	"Nova", "Vega", "Orion", "Lyra", "Atlas", "Echo", "Pixel", "Comet",
	"Maple", "River", "Ember", "Falcon", "Quartz", "Zephyr", "Juniper", "Onyx",
}

// SanitizeNickname strips markup and control characters, trims and caps the
// result at MaxNickname runes. It may return "".
func SanitizeNickname(nickname string) string {
	decoded := html.UnescapeString(nickname)
	s := nicknamePolicy.Sanitize(decoded)
	// The policy re-escapes entities; the terminal wants plain text.
	s = html.UnescapeString(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) || r == utf8.RuneError {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > MaxNickname {
		s = string([]rune(s)[:MaxNickname])
		s = strings.TrimSpace(s)
	}
	return s
}

// New validates name and assigns it a color derived from the name, so the
// same nickname keeps its color across sessions.
func New(name string) (feed.Identity, error) {
	name = SanitizeNickname(name)
	if name == "" {
		return feed.Identity{}, ErrEmptyNickname
	}
	if utf8.RuneCountInString(name) < MinNickname {
		return feed.Identity{}, ErrNicknameTooShort
	}
	return feed.Identity{Name: name, Color: ColorFor(name)}, nil
}

// ColorFor picks a palette entry for name.
func ColorFor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// Generate returns a random identity such as "Nova42".
func Generate() feed.Identity {
	name := fmt.Sprintf("%s%02d", words[rand.IntN(len(words))], rand.IntN(100))
	return feed.Identity{Name: name, Color: ColorFor(name)}
}

// SanitizeRoom lower-cases s and keeps only [a-z0-9_-], capped at MaxRoom.
func SanitizeRoom(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if b.Len() >= MaxRoom {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// codeAlphabet leaves out characters that are easy to confuse.
const codeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// NewRoomCode returns a random six character room key.
func NewRoomCode() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = codeAlphabet[rand.IntN(len(codeAlphabet))]
	}
	return string(b)
}

// RoomFromQuery extracts and sanitizes the room parameter of a raw query
// string such as "room=Lobby&x=1". It returns "" when absent or invalid.
func RoomFromQuery(rawQuery string) string {
	q, err := url.ParseQuery(strings.TrimPrefix(rawQuery, "?"))
	if err != nil {
		return ""
	}
	return SanitizeRoom(q.Get("room"))
}
