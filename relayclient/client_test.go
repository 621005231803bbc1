package relayclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/logstore"
	"github.com/gosuda/roomchat/relay"
)

func startRelay(t *testing.T) (*Client, *logstore.Store, *relay.Server) {
	t.Helper()
	store, err := logstore.Open(logstore.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	srv := relay.New("test", store, relay.Options{RPS: 1000, Burst: 1000})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.CloseAll()
		ts.Close()
		srv.Wait()
		_ = store.Close()
	})
	c, err := New(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	return c, store, srv
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("ftp://example.com"); err == nil {
		t.Fatal("accepted ftp url")
	}
}

func TestAppendAndSubscribe(t *testing.T) {
	ctx := context.Background()
	c, store, _ := startRelay(t)
	_, _ = store.Put(ctx, "general", feed.Message{Author: "Vega7", Text: "earlier", Kind: feed.KindUser})

	var (
		mu  sync.Mutex
		got []feed.Message
	)
	sub, err := c.Subscribe(ctx, "general", 10, func(m feed.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()
	if sub.Backlog() != 1 {
		t.Fatalf("backlog = %d", sub.Backlog())
	}
	if err := c.Append(ctx, "general", feed.Message{Author: "Nova42", Text: "hello", Kind: feed.KindUser}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Text != "earlier" || got[1].Text != "hello" || got[1].ID == "" {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestAppendStatusError(t *testing.T) {
	c, _, _ := startRelay(t)
	err := c.Append(context.Background(), "general", feed.Message{Author: "Nova42", Text: "  "})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 400 {
		t.Fatalf("Append = %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	c, store, _ := startRelay(t)
	sub, err := c.Subscribe(context.Background(), "general", 10, func(feed.Message) {}, nil)
	if err != nil {
		t.Fatal(err)
	}
	sub.Cancel()
	sub.Cancel()
	deadline := time.Now().Add(2 * time.Second)
	for store.Subscribers("general") != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.Subscribers("general"); n != 0 {
		t.Fatalf("relay still has %d subscribers", n)
	}
}

func TestPushSessionThroughRelay(t *testing.T) {
	ctx := context.Background()
	c, _, _ := startRelay(t)

	alice, err := feed.New(feed.Options{Strategy: feed.Push, Log: c})
	if err != nil {
		t.Fatal(err)
	}
	bob, err := feed.New(feed.Options{Strategy: feed.Push, Log: c})
	if err != nil {
		t.Fatal(err)
	}
	ha, err := alice.Join(ctx, feed.Identity{Name: "Alice"}, "general")
	if err != nil {
		t.Fatal(err)
	}
	defer ha.Leave(ctx)
	hb, err := bob.Join(ctx, feed.Identity{Name: "Bob"}, "general")
	if err != nil {
		t.Fatal(err)
	}
	defer hb.Leave(ctx)
	if err := hb.Send(ctx, "hi alice"); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		feedA := alice.Snapshot()
		if len(feedA) > 0 && feedA[len(feedA)-1].Text == "hi alice" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("alice never saw bob's message: %+v", alice.Snapshot())
}

func TestDroppedStreamCallsOnErr(t *testing.T) {
	c, _, srv := startRelay(t)
	lost := make(chan error, 1)
	sub, err := c.Subscribe(context.Background(), "general", 10, func(feed.Message) {}, func(err error) { lost <- err })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	// The relay registers the connection just after the hello frame.
	deadline := time.After(3 * time.Second)
	for {
		srv.CloseAll()
		select {
		case err := <-lost:
			if err == nil {
				t.Fatal("onErr called with nil")
			}
			return
		case <-deadline:
			t.Fatal("dropped stream never reported")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestCancelDoesNotCallOnErr(t *testing.T) {
	c, _, _ := startRelay(t)
	lost := make(chan error, 1)
	sub, err := c.Subscribe(context.Background(), "general", 10, func(feed.Message) {}, func(err error) { lost <- err })
	if err != nil {
		t.Fatal(err)
	}
	sub.Cancel()
	select {
	case err := <-lost:
		t.Fatalf("onErr after Cancel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPushSessionRecoversAfterRelayDrop(t *testing.T) {
	ctx := context.Background()
	c, store, srv := startRelay(t)

	status := make(chan error, 8)
	fs, err := feed.New(feed.Options{Strategy: feed.Push, Log: c, OnStatus: func(err error) {
		select {
		case status <- err:
		default:
		}
	}})
	if err != nil {
		t.Fatal(err)
	}
	h, err := fs.Join(ctx, feed.Identity{Name: "Nova42"}, "general")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Leave(ctx)

	deadline := time.After(3 * time.Second)
wait:
	for {
		srv.CloseAll()
		select {
		case err := <-status:
			var ioe *feed.IOError
			if !errors.As(err, &ioe) || ioe.Op != "subscribe" || ioe.Room != "general" {
				t.Fatalf("status = %v", err)
			}
			break wait
		case <-deadline:
			t.Fatal("lost stream never reported")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if !h.Active() {
		t.Fatal("session ended after the stream dropped")
	}

	if _, err := store.Put(ctx, "general", feed.Message{Author: "Vega7", Text: "while away", Kind: feed.KindUser}); err != nil {
		t.Fatal(err)
	}
	if err := h.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	until := time.Now().Add(3 * time.Second)
	for time.Now().Before(until) {
		got := fs.Snapshot()
		if len(got) > 0 && got[len(got)-1].Text == "while away" {
			joins := 0
			for _, m := range got {
				if m.Text == feed.JoinedText("Nova42") {
					joins++
				}
			}
			if joins != 1 {
				t.Fatalf("replayed records duplicated: %+v", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("feed never caught up: %+v", fs.Snapshot())
}
