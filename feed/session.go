package feed

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// Session is the handle returned by Join. It stays valid across room
// changes and goes stale once the session is left; stale handles reject
// Send and ignore Leave.
type Session struct {
	s    *Synchronizer
	join uint64
}

// Active reports whether the handle still refers to the running session.
func (h *Session) Active() bool {
	return h.s.active(h.join) != nil
}

// Room returns the current room key, or "" once the session has ended.
func (h *Session) Room() string {
	if sess := h.s.active(h.join); sess != nil {
		return sess.room
	}
	return ""
}

// Send submits text as a user message. Empty text and stale handles are
// rejected before any I/O.
func (h *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	sess := h.s.active(h.join)
	if sess == nil {
		return ErrNotJoined
	}
	m := Message{
		Author: sess.self.Name,
		Color:  sess.self.Color,
		Text:   text,
		Kind:   KindUser,
	}
	return h.s.emit(ctx, sess, m)
}

// Leave announces the departure, cancels the subscription or poll timer and
// discards the feed. Calling it on an ended session is a no-op.
func (h *Session) Leave(ctx context.Context) error {
	sess := h.s.active(h.join)
	if sess == nil {
		return nil
	}
	h.s.announce(ctx, sess, LeftText(sess.self.Name))
	ended := h.s.end(h.join)
	if ended == nil {
		return nil
	}
	h.s.wait(ended)
	log.Info().Str("room", ended.room).Str("user", ended.self.Name).Msg("[feed] left")
	return nil
}

// ChangeRoom moves the session to room. The old subscription or timer is torn
// down before the new one is established, so nothing from the old room can
// reach the new feed. If the new room cannot be joined the session ends.
func (h *Session) ChangeRoom(ctx context.Context, room string) error {
	s := h.s
	room = s.roomKey(room)
	old := s.active(h.join)
	if old == nil {
		return ErrNotJoined
	}
	if old.room == room {
		return nil
	}
	s.announce(ctx, old, LeftText(old.self.Name))

	s.mu.Lock()
	cur := s.cur
	if cur == nil || cur.join != h.join {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.cur = nil
	s.stopLocked(cur)
	next, err := s.startLocked(ctx, cur.join, cur.self, room)
	if err != nil {
		s.opts.Renderer.RenderAll(nil, "")
		s.mu.Unlock()
		s.wait(cur)
		s.report(err)
		return err
	}
	s.cur = next
	s.mu.Unlock()
	s.wait(cur)

	log.Info().Str("from", cur.room).Str("to", room).Str("user", cur.self.Name).Msg("[feed] changed room")
	s.announce(ctx, next, JoinedText(next.self.Name))
	return nil
}

// Refresh runs one polling cycle now. A Push session re-opens its
// subscription if the stream was lost and otherwise does nothing.
func (h *Session) Refresh(ctx context.Context) error {
	sess := h.s.active(h.join)
	if sess == nil {
		return ErrNotJoined
	}
	if h.s.opts.Strategy != Poll {
		return h.s.resubscribe(ctx, sess)
	}
	return h.s.refresh(ctx, sess)
}
