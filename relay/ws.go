package relay

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/feed"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingEvery    = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: 10 * time.Second,
}

// handleWS streams a room: a hello frame with the replay count, the replayed
// records, then live records as they are stored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	mu := &sync.Mutex{}
	var (
		backlog   int
		delivered int
	)
	// Records block on mu until the hello frame is out.
	mu.Lock()
	sub, err := s.store.Subscribe(r.Context(), room, limitParam(r, s.opts.ReplayLimit, s.opts.ReplayLimit), func(m feed.Message) {
		mu.Lock()
		defer mu.Unlock()
		replay := delivered < backlog
		delivered++
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := writeJSON(conn, Frame{Type: FrameRecord, Message: &m, Replay: replay}); err != nil {
			log.Debug().Err(err).Str("room", room).Msg("[relay] drop subscriber")
			_ = conn.Close()
		}
	}, func(err error) {
		// The store is going away; the reader loop below cleans up.
		log.Debug().Err(err).Str("room", room).Msg("[relay] subscription ended")
		mu.Lock()
		_ = conn.Close()
		mu.Unlock()
	})
	if err != nil {
		mu.Unlock()
		log.Error().Err(err).Str("room", room).Msg("[relay] subscribe failed")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"))
		_ = conn.Close()
		return
	}
	backlog = sub.Backlog()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = writeJSON(conn, Frame{Type: FrameHello, Room: room, Backlog: backlog})
	mu.Unlock()
	if err != nil {
		sub.Cancel()
		_ = conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = mu
	s.mu.Unlock()
	s.metrics.subscribers.Inc()
	log.Debug().Str("room", room).Int("backlog", backlog).Msg("[relay] subscriber attached")

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(pingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer func() {
			close(done)
			sub.Cancel()
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
			s.metrics.subscribers.Dec()
			mu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			mu.Unlock()
			s.wg.Done()
		}()
		// Subscribers only listen; reading keeps pongs and close frames flowing.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Debug().Err(err).Str("room", room).Msg("[relay] subscriber gone")
				return
			}
		}
	}()
}
