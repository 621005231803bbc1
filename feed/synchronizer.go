package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Strategy selects how a Synchronizer keeps its feed in step with storage.
type Strategy int

const (
	// Poll re-reads the whole snapshot on an interval and replaces the feed.
	Poll Strategy = iota
	// Push subscribes to appended records and adds them one at a time.
	Push
)

func (s Strategy) String() string {
	switch s {
	case Poll:
		return "poll"
	case Push:
		return "push"
	default:
		return "unknown"
	}
}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultSettleDelay  = 500 * time.Millisecond
	DefaultReplayLimit  = 100
	DefaultRoom         = "general"
)

// Options configures a Synchronizer.
type Options struct {
	Strategy Strategy
	// Snapshots backs the Poll strategy.
	Snapshots SnapshotStore
	// Log backs the Push strategy.
	Log LogStore

	Renderer Renderer
	Clock    clock.Clock

	PollInterval time.Duration
	// SettleDelay bounds the replay window when the store cannot report
	// how many historical records it replays.
	SettleDelay time.Duration
	ReplayLimit int
	DefaultRoom string

	// OnStatus receives storage failures for a status indicator.
	OnStatus func(error)
}

// Synchronizer owns the feed of at most one active session.
type Synchronizer struct {
	opts Options

	// writeMu serializes local snapshot writes in Poll mode.
	writeMu sync.Mutex

	mu     sync.Mutex
	cur    *session
	joins  uint64
	lastID int64
}

type replayMode int

const (
	modeReplaying replayMode = iota
	modeLive
)

// session is the state of one room subscription. A new value is created on
// every join and room change; callbacks holding an older value are stale.
type session struct {
	join uint64
	self Identity
	room string
	feed []Message

	// push; sub is nil after the stream was lost. gen tells the callbacks
	// of successive subscriptions apart.
	sub       Subscription
	gen       int
	seen      map[string]struct{}
	mode      replayMode
	backlog   int
	delivered int
	started   time.Time

	// poll
	cancel   context.CancelFunc
	done     chan struct{}
	writes   uint64
	inflight int
}

// New validates opts and fills defaults.
func New(opts Options) (*Synchronizer, error) {
	switch opts.Strategy {
	case Poll:
		if opts.Snapshots == nil {
			return nil, fmt.Errorf("%w: poll needs Snapshots", ErrNoStore)
		}
	case Push:
		if opts.Log == nil {
			return nil, fmt.Errorf("%w: push needs Log", ErrNoStore)
		}
	default:
		return nil, fmt.Errorf("feed: unknown strategy %d", opts.Strategy)
	}
	if opts.Renderer == nil {
		opts.Renderer = nopRenderer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = DefaultReplayLimit
	}
	if strings.TrimSpace(opts.DefaultRoom) == "" {
		opts.DefaultRoom = DefaultRoom
	}
	return &Synchronizer{opts: opts}, nil
}

// Strategy reports the configured synchronization strategy.
func (s *Synchronizer) Strategy() Strategy { return s.opts.Strategy }

// Join starts a session for self in room. An empty room selects the default
// room. Only one session may be active; a second Join fails with
// ErrAlreadyJoined rather than opening a duplicate subscription.
func (s *Synchronizer) Join(ctx context.Context, self Identity, room string) (*Session, error) {
	self.Name = strings.TrimSpace(self.Name)
	if self.Name == "" {
		return nil, ErrInvalidIdentity
	}
	room = s.roomKey(room)

	s.mu.Lock()
	if s.cur != nil {
		s.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	s.joins++
	sess, err := s.startLocked(ctx, s.joins, self, room)
	if err != nil {
		s.mu.Unlock()
		s.report(err)
		return nil, err
	}
	s.cur = sess
	s.mu.Unlock()

	log.Info().Str("room", room).Str("user", self.Name).Stringer("strategy", s.opts.Strategy).Msg("[feed] joined")
	s.announce(ctx, sess, JoinedText(self.Name))
	return &Session{s: s, join: sess.join}, nil
}

// Snapshot returns a copy of the current feed, oldest first.
func (s *Synchronizer) Snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || len(s.cur.feed) == 0 {
		return nil
	}
	out := make([]Message, len(s.cur.feed))
	copy(out, s.cur.feed)
	return out
}

// Current returns the joined identity and room.
func (s *Synchronizer) Current() (Identity, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return Identity{}, "", false
	}
	return s.cur.self, s.cur.room, true
}

// Replaying reports whether a Push session is still inside its replay window.
func (s *Synchronizer) Replaying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.opts.Strategy != Push {
		return false
	}
	return s.cur.replaying(s.opts.Clock.Now(), s.opts.SettleDelay)
}

func (s *Synchronizer) roomKey(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return s.opts.DefaultRoom
	}
	return room
}

func (s *Synchronizer) active(join uint64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.join != join {
		return nil
	}
	return s.cur
}

func (s *Synchronizer) report(err error) {
	if err == nil || s.opts.OnStatus == nil {
		return
	}
	s.opts.OnStatus(err)
}

// startLocked builds a session and brings its strategy up. s.mu is held.
func (s *Synchronizer) startLocked(ctx context.Context, join uint64, self Identity, room string) (*session, error) {
	sess := &session{join: join, self: self, room: room}
	if s.opts.Strategy == Push {
		if err := s.subscribeLocked(ctx, sess); err != nil {
			return nil, err
		}
		return sess, nil
	}
	if err := s.startPollLocked(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// stopLocked releases the strategy resource of sess. s.mu is held.
func (s *Synchronizer) stopLocked(sess *session) {
	if sess.sub != nil {
		sess.sub.Cancel()
	}
	if sess.cancel != nil {
		sess.cancel()
	}
	sess.feed = nil
	sess.seen = nil
}

// wait blocks until the poll loop of sess has exited. s.mu must not be held.
func (s *Synchronizer) wait(sess *session) {
	if sess.done != nil {
		<-sess.done
	}
}

// end clears the active session if it still belongs to join.
func (s *Synchronizer) end(join uint64) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.cur
	if cur == nil || cur.join != join {
		return nil
	}
	s.cur = nil
	s.stopLocked(cur)
	s.opts.Renderer.RenderAll(nil, "")
	return cur
}

// announce emits a system message; failures are reported, not returned.
func (s *Synchronizer) announce(ctx context.Context, sess *session, text string) {
	m := Message{Kind: KindSystem, Text: text}
	if err := s.emit(ctx, sess, m); err != nil {
		log.Warn().Err(err).Str("room", sess.room).Msg("[feed] system message not delivered")
	}
}

// emit submits m through the storage collaborator of the active strategy.
func (s *Synchronizer) emit(ctx context.Context, sess *session, m Message) error {
	if s.opts.Strategy == Push {
		return s.appendRemote(ctx, sess, m)
	}
	return s.appendLocal(ctx, sess, m)
}

// nextIDLocked returns a creation-time id, bumped so it never repeats.
func (s *Synchronizer) nextIDLocked(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= s.lastID {
		ms = s.lastID + 1
	}
	s.lastID = ms
	return strconv.FormatInt(ms, 10)
}
