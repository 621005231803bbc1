package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind distinguishes user messages from system announcements.
type Kind string

const (
	KindUser   Kind = "user"
	KindSystem Kind = "system"
)

const (
	joinedSuffix = " joined the chat"
	leftSuffix   = " left the chat"
)

// JoinedText is the system announcement for name entering a room.
func JoinedText(name string) string { return name + joinedSuffix }

// LeftText is the system announcement for name leaving a room.
func LeftText(name string) string { return name + leftSuffix }

// AnnouncedName returns the participant named by a join or leave
// announcement.
func AnnouncedName(text string) (string, bool) {
	for _, suffix := range []string{joinedSuffix, leftSuffix} {
		if name, ok := strings.CutSuffix(text, suffix); ok && strings.TrimSpace(name) != "" {
			return name, true
		}
	}
	return "", false
}

// Identity is the local participant of a session.
type Identity struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Message is one entry of a room feed.
type Message struct {
	ID        string    `json:"id"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	Kind      Kind      `json:"type"`
	Color     string    `json:"color,omitempty"`
	Timestamp Timestamp `json:"timestamp"`
}

// UnmarshalJSON accepts both string and numeric ids; snapshots written by
// older clients used Date.now() values.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = Message(aux.plain)
	m.ID = ""
	id := bytes.TrimSpace(aux.ID)
	switch {
	case len(id) == 0 || bytes.Equal(id, []byte("null")):
	case id[0] == '"':
		if err := json.Unmarshal(id, &m.ID); err != nil {
			return err
		}
	default:
		var n json.Number
		if err := json.Unmarshal(id, &n); err != nil {
			return fmt.Errorf("parse message id: %w", err)
		}
		m.ID = n.String()
	}
	return nil
}

// IsSystem reports whether m is a system announcement.
func (m Message) IsSystem() bool { return m.Kind == KindSystem }

// Timestamp is either a client-captured time or a server-assigned epoch in
// milliseconds. A deployment uses one kind consistently; the two are never
// compared with each other.
type Timestamp struct {
	client time.Time
	server int64
	isSrv  bool
}

// ClientTime returns a client-side timestamp, encoded as an ISO-8601 string.
func ClientTime(t time.Time) Timestamp {
	return Timestamp{client: t.UTC()}
}

// ServerTime returns a server-assigned timestamp in epoch milliseconds,
// encoded as a JSON number.
func ServerTime(ms int64) Timestamp {
	return Timestamp{server: ms, isSrv: true}
}

// IsServer reports whether the timestamp was assigned by the store.
func (t Timestamp) IsServer() bool { return t.isSrv }

// IsZero reports whether no time was recorded.
func (t Timestamp) IsZero() bool {
	if t.isSrv {
		return false
	}
	return t.client.IsZero()
}

// Millis returns the server epoch value; zero for client timestamps.
func (t Timestamp) Millis() int64 { return t.server }

// Time converts the timestamp to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	if t.isSrv {
		return time.UnixMilli(t.server).UTC()
	}
	return t.client
}

func (t Timestamp) String() string {
	if t.isSrv {
		return strconv.FormatInt(t.server, 10)
	}
	if t.client.IsZero() {
		return ""
	}
	return t.client.Format(time.RFC3339Nano)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.isSrv {
		return []byte(strconv.FormatInt(t.server, 10)), nil
	}
	if t.client.IsZero() {
		return []byte("null"), nil
	}
	// Millisecond precision, the same shape as Date.prototype.toISOString.
	return json.Marshal(t.client.Format("2006-01-02T15:04:05.000Z07:00"))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = Timestamp{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", s, err)
		}
		*t = ClientTime(parsed)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	ms, err := n.Int64()
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil {
			return fmt.Errorf("parse timestamp %s: %w", n, err)
		}
		ms = int64(f)
	}
	*t = ServerTime(ms)
	return nil
}
