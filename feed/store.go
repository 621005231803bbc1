package feed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
)

// AppendFunc receives one record from a subscription.
type AppendFunc func(Message)

// ErrorFunc receives the failure that ended a subscription's stream.
type ErrorFunc func(error)

// Subscription is a live "record appended" feed for one room.
type Subscription interface {
	// Cancel stops delivery. It is safe to call more than once and never
	// waits for a callback that is already running.
	Cancel()
	// Backlog is the number of historical records replayed before live
	// ones, or -1 when the store cannot tell.
	Backlog() int
}

// LogStore is the push backend: an ordered append-only log per room.
//
// Subscribe replays up to limit of the most recent records, oldest first,
// followed by records appended afterwards. When the stream ends for any
// reason other than Cancel, onError (if not nil) is called once, after the
// last record. Implementations must not invoke either callback from the
// goroutine that called Subscribe.
type LogStore interface {
	Append(ctx context.Context, room string, m Message) error
	Subscribe(ctx context.Context, room string, limit int, onAppend AppendFunc, onError ErrorFunc) (Subscription, error)
}

// SnapshotStore is the polling backend: a whole ordered list per room.
type SnapshotStore interface {
	// ReadSnapshot returns the persisted list. A missing or unparseable
	// snapshot reads as an empty list without error.
	ReadSnapshot(ctx context.Context, room string) ([]Message, error)
	WriteSnapshot(ctx context.Context, room string, msgs []Message) error
}

// KV is an opaque string key-value store, the shape of browser local storage.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// DefaultRetention is how many messages a snapshot keeps.
const DefaultRetention = 50

// KVSnapshots stores each room's feed as one JSON array under
// "chatMessages/<room>", keeping only the most recent entries.
type KVSnapshots struct {
	kv   KV
	keep int
}

// NewSnapshotStore adapts kv into a SnapshotStore that retains the last keep
// messages on every write. keep <= 0 selects DefaultRetention.
func NewSnapshotStore(kv KV, keep int) *KVSnapshots {
	if keep <= 0 {
		keep = DefaultRetention
	}
	return &KVSnapshots{kv: kv, keep: keep}
}

// SnapshotPrefix starts every snapshot key.
const SnapshotPrefix = "chatMessages/"

// SnapshotKey is the KV key holding a room's snapshot.
func SnapshotKey(room string) string { return SnapshotPrefix + room }

func (s *KVSnapshots) ReadSnapshot(ctx context.Context, room string) ([]Message, error) {
	raw, ok, err := s.kv.Get(ctx, SnapshotKey(room))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	return DecodeSnapshot([]byte(raw)), nil
}

func (s *KVSnapshots) WriteSnapshot(ctx context.Context, room string, msgs []Message) error {
	data, err := EncodeSnapshot(Retain(msgs, s.keep))
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, SnapshotKey(room), string(data)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Retain returns the last keep messages of msgs.
func Retain(msgs []Message, keep int) []Message {
	if keep <= 0 || len(msgs) <= keep {
		return msgs
	}
	return msgs[len(msgs)-keep:]
}

// EncodeSnapshot marshals a feed as a JSON array.
func EncodeSnapshot(msgs []Message) ([]byte, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return data, nil
}

// DecodeSnapshot parses a JSON array of messages. Corrupt input yields an
// empty feed; the next write replaces it.
func DecodeSnapshot(data []byte) []Message {
	if len(data) == 0 {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		log.Debug().Err(err).Int("bytes", len(data)).Msg("[feed] discard malformed snapshot")
		return nil
	}
	return msgs
}
