package relay

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode"

	"github.com/gorilla/websocket"
)

// sanitizeString removes control characters and limits string length.
// It preserves valid Unicode including emojis, CJK characters, and printable symbols.
func sanitizeString(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var builder strings.Builder
	builder.Grow(len(s))
	n := 0
	for _, r := range s {
		if n >= maxLen {
			break
		}
		// Skip control characters except tab and newline
		if unicode.IsControl(r) && r != '\t' && r != '\n' {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		builder.WriteRune(r)
		n++
	}
	return strings.TrimSpace(builder.String())
}

// writeJSON writes a JSON-encoded frame to the websocket connection without
// HTML escaping, so <, > and & reach the client unchanged.
func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return w.Close()
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
