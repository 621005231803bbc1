// Package relayclient is a feed.LogStore backed by a remote relay server.
package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/internal/dispatch"
	"github.com/gosuda/roomchat/relay"
)

// Client talks to one relay.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the client used for appends.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDialer replaces the websocket dialer used for subscriptions.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("relay url %q: scheme must be http or https", baseURL)
	}
	c := &Client{
		base:   u,
		http:   &http.Client{Timeout: 10 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) roomURL(room, suffix string) *url.URL {
	u := *c.base
	u.Path = c.base.Path + "/rooms/" + url.PathEscape(room) + suffix
	return &u
}

// Append posts m to the room. The relay assigns id and timestamp; the
// message comes back through subscriptions.
func (c *Client) Append(ctx context.Context, room string, m feed.Message) error {
	body, err := json.Marshal(relay.AppendRequest{Author: m.Author, Text: m.Text, Kind: m.Kind, Color: m.Color})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.roomURL(room, "/messages").String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// StatusError is a non-2xx relay response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay: %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Subscribe opens the room's websocket and waits for the hello frame, so
// Backlog is known when it returns. A connection that drops for any reason
// other than Cancel is passed to onErr.
func (c *Client) Subscribe(ctx context.Context, room string, limit int, fn feed.AppendFunc, onErr feed.ErrorFunc) (feed.Subscription, error) {
	u := c.roomURL(room, "/ws")
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if limit > 0 {
		u.RawQuery = "limit=" + strconv.Itoa(limit)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Redacted(), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello relay.Frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if hello.Type != relay.FrameHello {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q", hello.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	sub := &subscription{
		conn:    conn,
		room:    room,
		backlog: hello.Backlog,
		q:       dispatch.New(),
		done:    make(chan struct{}),
	}
	go sub.read(fn, onErr)
	return sub, nil
}

type subscription struct {
	conn    *websocket.Conn
	room    string
	backlog int
	q       *dispatch.Queue
	once    sync.Once
	done    chan struct{}
}

func (s *subscription) Backlog() int { return s.backlog }

// Cancel closes the connection; the reader goroutine exits on its own.
func (s *subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		s.q.Close()
		_ = s.conn.Close()
	})
}

func (s *subscription) read(fn feed.AppendFunc, onErr feed.ErrorFunc) {
	// Pings from the relay are answered by the default handler while reading.
	for {
		var f relay.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
				s.q.Close()
				return
			default:
			}
			log.Warn().Err(err).Str("room", s.room).Msg("[relayclient] subscription closed")
			if onErr == nil {
				s.q.Close()
				return
			}
			err = fmt.Errorf("relay stream %q: %w", s.room, err)
			s.q.Finish(func() { onErr(err) })
			return
		}
		if f.Type != relay.FrameRecord || f.Message == nil {
			continue
		}
		m := *f.Message
		s.q.Push(func() { fn(m) })
	}
}
