// Package logstore is an append-only per-room message log on Pebble with
// live subscriptions. It backs the relay server and local push sessions.
package logstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/internal/dispatch"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("logstore: closed")

// Options configures Open.
type Options struct {
	// Dir is the Pebble directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// MaxPerRoom caps each room's log; older records are deleted on append.
	// Zero keeps everything.
	MaxPerRoom int
	Clock      clock.Clock
}

// Store persists records under "m\x00<room>\x00<seq>", where seq is an
// 8-byte big-endian counter per room.
type Store struct {
	db    *pebble.DB
	clock clock.Clock
	max   int

	mu     sync.Mutex
	closed bool
	next   map[string]uint64
	lastMs int64
	subs   map[string]map[*subscription]struct{}
}

func Open(opts Options) (*Store, error) {
	po := &pebble.Options{}
	dir := filepath.Clean(opts.Dir)
	switch {
	case opts.InMemory:
		po.FS = vfs.NewMem()
		dir = ""
	case opts.Dir == "":
		return nil, errors.New("logstore: Dir is required")
	default:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Store{
		db:    db,
		clock: clk,
		max:   opts.MaxPerRoom,
		next:  make(map[string]uint64),
		subs:  make(map[string]map[*subscription]struct{}),
	}, nil
}

func roomPrefix(room string) []byte {
	b := make([]byte, 0, len(room)+3)
	b = append(b, 'm', 0)
	b = append(b, room...)
	return append(b, 0)
}

// roomUpper is the first key after every record of room.
func roomUpper(room string) []byte {
	p := roomPrefix(room)
	p[len(p)-1] = 1
	return p
}

func recordKey(room string, seq uint64) []byte {
	k := roomPrefix(room)
	return binary.BigEndian.AppendUint64(k, seq)
}

func (s *Store) roomIter(room string) (*pebble.Iterator, error) {
	return s.db.NewIter(&pebble.IterOptions{
		LowerBound: roomPrefix(room),
		UpperBound: roomUpper(room),
	})
}

// nextSeqLocked discovers the next sequence of room by reading its last key.
func (s *Store) nextSeqLocked(room string) (uint64, error) {
	if n, ok := s.next[room]; ok {
		return n, nil
	}
	it, err := s.roomIter(room)
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	var n uint64
	if it.Last() {
		k := it.Key()
		if len(k) >= 8 {
			n = binary.BigEndian.Uint64(k[len(k)-8:]) + 1
		}
	}
	s.next[room] = n
	return n, nil
}

// Put stores m in room, assigning its id and server timestamp, and fans the
// stored record out to the room's subscribers.
func (s *Store) Put(ctx context.Context, room string, m feed.Message) (feed.Message, error) {
	if err := ctx.Err(); err != nil {
		return feed.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return feed.Message{}, ErrClosed
	}
	seq, err := s.nextSeqLocked(room)
	if err != nil {
		return feed.Message{}, err
	}

	ms := s.clock.Now().UnixMilli()
	if ms < s.lastMs {
		ms = s.lastMs
	}
	s.lastMs = ms
	m.ID = fmt.Sprintf("%016x", seq)
	m.Timestamp = feed.ServerTime(ms)

	val, err := json.Marshal(m)
	if err != nil {
		return feed.Message{}, err
	}
	if err := s.db.Set(recordKey(room, seq), val, pebble.Sync); err != nil {
		return feed.Message{}, err
	}
	s.next[room] = seq + 1

	if s.max > 0 && seq+1 > uint64(s.max) {
		cut := seq + 1 - uint64(s.max)
		if err := s.db.DeleteRange(recordKey(room, 0), recordKey(room, cut), pebble.NoSync); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("[logstore] trim failed")
		}
	}

	for sub := range s.subs[room] {
		sub.push(m)
	}
	return m, nil
}

// Append implements feed.LogStore.
func (s *Store) Append(ctx context.Context, room string, m feed.Message) error {
	_, err := s.Put(ctx, room, m)
	return err
}

// Recent returns up to limit of the newest records of room, oldest first.
// limit <= 0 returns the whole log.
func (s *Store) Recent(ctx context.Context, room string, limit int) ([]feed.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.recentLocked(room, limit)
}

func (s *Store) recentLocked(room string, limit int) ([]feed.Message, error) {
	it, err := s.roomIter(room)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	out := make([]feed.Message, 0, 64)
	for ok := it.Last(); ok; ok = it.Prev() {
		if limit > 0 && len(out) >= limit {
			break
		}
		var m feed.Message
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			log.Debug().Err(err).Str("room", room).Msg("[logstore] skip undecodable record")
			continue
		}
		out = append(out, m)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, it.Error()
}

// Rooms lists every room with at least one stored record.
func (s *Store) Rooms(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte{'m', 0}, UpperBound: []byte{'m', 1}})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var rooms []string
	for ok := it.First(); ok; {
		k := it.Key()
		rest := k[2:]
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			ok = it.Next()
			continue
		}
		room := string(rest[:end])
		rooms = append(rooms, room)
		ok = it.SeekGE(roomUpper(room))
	}
	return rooms, it.Error()
}

// Subscribe replays the newest limit records of room and then every record
// stored afterwards. Callbacks run on a goroutine owned by the subscription.
// Closing the store ends the stream with ErrClosed.
func (s *Store) Subscribe(ctx context.Context, room string, limit int, fn feed.AppendFunc, onErr feed.ErrorFunc) (feed.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	recent, err := s.recentLocked(room, limit)
	if err != nil {
		return nil, err
	}
	sub := &subscription{
		store:   s,
		room:    room,
		fn:      fn,
		onErr:   onErr,
		q:       dispatch.New(),
		backlog: len(recent),
	}
	for _, m := range recent {
		sub.push(m)
	}
	if s.subs[room] == nil {
		s.subs[room] = make(map[*subscription]struct{})
	}
	s.subs[room][sub] = struct{}{}
	log.Debug().Str("room", room).Int("backlog", sub.backlog).Msg("[logstore] subscribed")
	return sub, nil
}

// Subscribers returns the number of live subscriptions on room.
func (s *Store) Subscribers(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[room])
}

func (s *Store) drop(sub *subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.subs[sub.room]; set != nil {
		delete(set, sub)
		if len(set) == 0 {
			delete(s.subs, sub.room)
		}
	}
}

// Close ends every subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.end(ErrClosed)
		}
	}
	return s.db.Close()
}

type subscription struct {
	store   *Store
	room    string
	fn      feed.AppendFunc
	onErr   feed.ErrorFunc
	q       *dispatch.Queue
	backlog int
	once    sync.Once
}

func (sub *subscription) push(m feed.Message) {
	sub.q.Push(func() { sub.fn(m) })
}

// end delivers what is queued, then err.
func (sub *subscription) end(err error) {
	if sub.onErr == nil {
		sub.q.Close()
		return
	}
	sub.q.Finish(func() { sub.onErr(err) })
}

func (sub *subscription) Backlog() int { return sub.backlog }

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		sub.q.Close()
		sub.store.drop(sub)
	})
}
