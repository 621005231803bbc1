// Package relay serves room logs over HTTP and WebSocket so that terminals
// on different machines can share a push session.
package relay

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/identity"
	"github.com/gosuda/roomchat/logstore"
	"github.com/gosuda/roomchat/render"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 64 << 10
)

// Frame is one WebSocket message sent to subscribers. The first frame of a
// connection is a hello carrying the backlog; every later one is a record.
type Frame struct {
	Type    string        `json:"type"`
	Room    string        `json:"room,omitempty"`
	Backlog int           `json:"backlog,omitempty"`
	Message *feed.Message `json:"message,omitempty"`
	Replay  bool          `json:"replay,omitempty"`
}

const (
	FrameHello  = "hello"
	FrameRecord = "record"
)

// AppendRequest is the body of POST /rooms/{room}/messages.
type AppendRequest struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	Kind   feed.Kind `json:"type"`
	Color  string    `json:"color,omitempty"`
}

// Options tunes a Server. Zero values select the defaults.
type Options struct {
	// RPS and Burst bound appends per client address.
	RPS   float64
	Burst int
	// TrustProxy keys the rate limit on X-Forwarded-For. Set it only when
	// every request arrives through a proxy that overwrites the header.
	TrustProxy bool
	// ReplayLimit caps the ?limit= of a subscription.
	ReplayLimit int
	MaxText     int
	// Registry receives the relay metrics and is served on /metrics.
	Registry *prometheus.Registry
}

// Server is the relay HTTP handler.
type Server struct {
	name    string
	store   *logstore.Store
	opts    Options
	limits  *limiterPool
	metrics *metrics
	router  chi.Router

	mu    sync.Mutex
	conns map[*websocket.Conn]*sync.Mutex
	wg    sync.WaitGroup
}

func New(name string, store *logstore.Store, opts Options) *Server {
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = feed.DefaultReplayLimit
	}
	if opts.MaxText <= 0 {
		opts.MaxText = 2000
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	s := &Server{
		name:    name,
		store:   store,
		opts:    opts,
		limits:  newLimiterPool(opts.RPS, opts.Burst),
		metrics: newMetrics(opts.Registry),
		conns:   make(map[*websocket.Conn]*sync.Mutex),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.serveIndex)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	r.Route("/rooms/{room}", func(r chi.Router) {
		r.Get("/", s.serveTranscript)
		r.Get("/messages", s.listMessages)
		r.Post("/messages", s.appendMessage)
		r.Get("/ws", s.handleWS)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := identity.SanitizeRoom(chi.URLParam(r, "room"))
	if room == "" {
		respondError(w, http.StatusBadRequest, "invalid room")
		return "", false
	}
	return room, true
}

func limitParam(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.Recent(r.Context(), room, limitParam(r, defaultListLimit, maxListLimit))
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("[relay] list messages")
		respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	if msgs == nil {
		msgs = []feed.Message{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) appendMessage(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}
	if !s.limits.Allow(clientKey(r, s.opts.TrustProxy)) {
		s.metrics.rejected.WithLabelValues("rate").Inc()
		respondError(w, http.StatusTooManyRequests, "slow down")
		return
	}

	var req AppendRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.metrics.rejected.WithLabelValues("malformed").Inc()
		respondError(w, http.StatusBadRequest, "malformed message")
		return
	}
	m := feed.Message{
		Kind:  feed.KindUser,
		Text:  sanitizeString(req.Text, s.opts.MaxText),
		Color: sanitizeString(req.Color, 16),
	}
	if req.Kind == feed.KindSystem {
		// Only join and leave announcements for a valid nickname are system
		// messages; anything else could impersonate the room.
		name, ok := feed.AnnouncedName(m.Text)
		if id, err := identity.New(name); !ok || err != nil || id.Name != name {
			s.metrics.rejected.WithLabelValues("system").Inc()
			respondError(w, http.StatusBadRequest, "system messages are join or leave announcements")
			return
		}
		m.Kind = feed.KindSystem
	} else {
		m.Author = identity.SanitizeNickname(req.Author)
		if m.Author == "" {
			m.Author = "anon"
		}
	}
	if m.Text == "" {
		s.metrics.rejected.WithLabelValues("empty").Inc()
		respondError(w, http.StatusBadRequest, "empty text")
		return
	}

	stored, err := s.store.Put(r.Context(), room, m)
	if err != nil {
		log.Error().Err(err).Str("room", room).Msg("[relay] append failed")
		respondError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	s.metrics.appended.WithLabelValues(string(stored.Kind)).Inc()
	respondJSON(w, http.StatusCreated, stored)
}

// serveIndex lists the rooms. The room form submits ?room=, which redirects
// to that room's transcript.
func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery != "" {
		if room := identity.RoomFromQuery(r.URL.RawQuery); room != "" {
			http.Redirect(w, r, "/rooms/"+room+"/", http.StatusSeeOther)
			return
		}
	}
	rooms, err := s.store.Rooms(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("[relay] list rooms")
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTmpl.Execute(w, struct {
		Name  string
		Rooms []string
	}{Name: s.name, Rooms: rooms})
}

func (s *Server) serveTranscript(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}
	msgs, err := s.store.Recent(r.Context(), room, limitParam(r, s.opts.ReplayLimit, maxListLimit))
	if err != nil {
		http.Error(w, "storage unavailable", http.StatusInternalServerError)
		return
	}
	view := render.NewHTML(time.UTC)
	view.RenderAll(msgs, "")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = transcriptTmpl.Execute(w, struct {
		Name string
		Room string
		Body template.HTML
	}{Name: s.name, Room: room, Body: template.HTML(view.String())})
}

// CloseAll sends a going-away close frame to every subscriber.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(s.conns))
	for c, mu := range s.conns {
		conns[c] = mu
	}
	s.mu.Unlock()
	for c, mu := range conns {
		mu.Lock()
		_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
		_ = c.Close()
		mu.Unlock()
	}
}

// Wait blocks until every websocket handler goroutine has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}
