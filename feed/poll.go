package feed

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// startPollLocked loads the persisted snapshot and starts the poll timer.
func (s *Synchronizer) startPollLocked(ctx context.Context, sess *session) error {
	msgs, err := s.opts.Snapshots.ReadSnapshot(ctx, sess.room)
	if err != nil {
		return &IOError{Op: "read", Room: sess.room, Err: err}
	}
	sess.feed = msgs
	s.opts.Renderer.RenderAll(sess.feed, sess.self.Name)
	s.opts.Renderer.ScrollToLatest()

	pollCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel
	sess.done = make(chan struct{})
	go s.pollLoop(pollCtx, sess, s.opts.Clock.Ticker(s.opts.PollInterval))
	return nil
}

func (s *Synchronizer) pollLoop(ctx context.Context, sess *session, ticker *clock.Ticker) {
	defer close(sess.done)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refresh(ctx, sess); err != nil && ctx.Err() == nil {
				log.Debug().Err(err).Str("room", sess.room).Msg("[feed] poll failed")
			}
		}
	}
}

// refresh replaces the feed of sess with the persisted snapshot. A read that
// overlapped a local write is dropped; the next tick picks the write up.
func (s *Synchronizer) refresh(ctx context.Context, sess *session) error {
	s.mu.Lock()
	if s.cur != sess {
		s.mu.Unlock()
		return ErrNotJoined
	}
	if sess.inflight > 0 {
		s.mu.Unlock()
		return nil
	}
	writes := sess.writes
	room := sess.room
	s.mu.Unlock()

	msgs, err := s.opts.Snapshots.ReadSnapshot(ctx, room)

	s.mu.Lock()
	if s.cur != sess {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		err = &IOError{Op: "read", Room: room, Err: err}
		s.report(err)
		return err
	}
	defer s.mu.Unlock()
	if sess.inflight > 0 || sess.writes != writes {
		return nil
	}
	sess.feed = msgs
	s.opts.Renderer.RenderAll(sess.feed, sess.self.Name)
	return nil
}

// appendLocal adds m to the feed and flushes the feed as the new snapshot.
// The feed only changes once the write has succeeded.
func (s *Synchronizer) appendLocal(ctx context.Context, sess *session, m Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.cur != sess {
		s.mu.Unlock()
		return ErrNotJoined
	}
	now := s.opts.Clock.Now()
	m.ID = s.nextIDLocked(now)
	m.Timestamp = ClientTime(now)
	next := make([]Message, len(sess.feed), len(sess.feed)+1)
	copy(next, sess.feed)
	next = append(next, m)
	room := sess.room
	sess.inflight++
	s.mu.Unlock()

	err := s.opts.Snapshots.WriteSnapshot(ctx, room, next)

	s.mu.Lock()
	sess.inflight--
	if s.cur != sess {
		// Completed after leave or a room change; the old session is gone.
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		err = &IOError{Op: "write", Room: room, Err: err}
		s.report(err)
		return err
	}
	sess.feed = append(sess.feed, m)
	sess.writes++
	s.opts.Renderer.RenderAll(sess.feed, sess.self.Name)
	s.opts.Renderer.ScrollToLatest()
	s.mu.Unlock()
	return nil
}
