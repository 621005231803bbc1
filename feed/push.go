package feed

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// subscribeLocked opens the room subscription. Callbacks for sess block on
// s.mu until the caller releases it, so the backlog is known before the
// first record is judged. Records already admitted stay deduplicated across
// re-subscriptions.
func (s *Synchronizer) subscribeLocked(ctx context.Context, sess *session) error {
	if sess.seen == nil {
		sess.seen = make(map[string]struct{})
	}
	sess.gen++
	gen := sess.gen
	sess.backlog = -1
	sess.delivered = 0
	sess.started = s.opts.Clock.Now()
	sess.mode = modeReplaying

	sub, err := s.opts.Log.Subscribe(ctx, sess.room, s.opts.ReplayLimit,
		func(m Message) { s.deliver(sess, gen, m) },
		func(err error) { s.streamLost(sess, gen, err) },
	)
	if err != nil {
		return &IOError{Op: "subscribe", Room: sess.room, Err: err}
	}
	sess.sub = sub
	sess.backlog = sub.Backlog()
	if gen == 1 {
		s.opts.Renderer.RenderAll(nil, sess.self.Name)
	}
	return nil
}

// deliver admits one record for sess. Records for a stale session or an
// older subscription, and records already admitted, are ignored.
func (s *Synchronizer) deliver(sess *session, gen int, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != sess || sess.gen != gen {
		return
	}
	// Duplicates still count toward the replay backlog.
	replay := sess.replaying(s.opts.Clock.Now(), s.opts.SettleDelay)
	sess.delivered++
	if m.ID != "" {
		if _, dup := sess.seen[m.ID]; dup {
			return
		}
		sess.seen[m.ID] = struct{}{}
	}
	sess.feed = append(sess.feed, m)
	s.opts.Renderer.RenderSingle(m, sess.self.Name)
	if !replay {
		s.opts.Renderer.ScrollToLatest()
	}
}

// streamLost handles the end of a subscription that was not canceled. The
// session stays joined; Refresh or the next Send subscribes again.
func (s *Synchronizer) streamLost(sess *session, gen int, err error) {
	s.mu.Lock()
	if s.cur != sess || sess.gen != gen || sess.sub == nil {
		s.mu.Unlock()
		return
	}
	sess.sub.Cancel()
	sess.sub = nil
	s.mu.Unlock()

	log.Warn().Err(err).Str("room", sess.room).Msg("[feed] subscription lost")
	s.report(&IOError{Op: "subscribe", Room: sess.room, Err: err})
}

// resubscribe re-opens the subscription of sess after streamLost.
func (s *Synchronizer) resubscribe(ctx context.Context, sess *session) error {
	s.mu.Lock()
	if s.cur != sess || sess.sub != nil {
		s.mu.Unlock()
		return nil
	}
	err := s.subscribeLocked(ctx, sess)
	s.mu.Unlock()
	if err != nil {
		s.report(err)
		return err
	}
	log.Info().Str("room", sess.room).Msg("[feed] subscription restored")
	return nil
}

// appendRemote hands m to the log store; it shows up in the feed only when
// the subscription echoes it back, so a lost subscription is restored first.
func (s *Synchronizer) appendRemote(ctx context.Context, sess *session, m Message) error {
	if err := s.resubscribe(ctx, sess); err != nil {
		return err
	}
	m.ID = ""
	m.Timestamp = Timestamp{}
	if err := s.opts.Log.Append(ctx, sess.room, m); err != nil {
		err = &IOError{Op: "append", Room: sess.room, Err: err}
		s.report(err)
		return err
	}
	return nil
}

// replaying decides whether the next record belongs to the replay window.
// A known backlog ends the window once that many records have arrived; the
// settle delay only applies when the store cannot report a backlog.
func (sess *session) replaying(now time.Time, settle time.Duration) bool {
	if sess.mode == modeLive {
		return false
	}
	var done bool
	if sess.backlog >= 0 {
		done = sess.delivered >= sess.backlog
	} else {
		done = now.Sub(sess.started) >= settle
	}
	if done {
		sess.mode = modeLive
	}
	return !done
}
