package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/logstore"
)

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *logstore.Store) {
	t.Helper()
	store, err := logstore.Open(logstore.Options{InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	srv := New("test-relay", store, opts)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.CloseAll()
		ts.Close()
		srv.Wait()
		_ = store.Close()
	})
	return ts, store
}

func post(t *testing.T, base, room string, req AppendRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(base+"/rooms/"+room+"/messages", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAppendAssignsIDAndSanitizes(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	resp := post(t, ts.URL, "General", AppendRequest{Author: "<b>Nova42</b>", Text: "  hi\x07 there  ", Kind: feed.KindUser})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var m feed.Message
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || !m.Timestamp.IsServer() {
		t.Fatalf("stored = %+v", m)
	}
	if m.Author != "Nova42" || m.Text != "hi there" || m.Kind != feed.KindUser {
		t.Fatalf("sanitized = %+v", m)
	}
}

func TestAppendRejects(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	if resp := post(t, ts.URL, "general", AppendRequest{Author: "Nova42", Text: "   "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text status = %d", resp.StatusCode)
	}
	if resp := post(t, ts.URL, "---", AppendRequest{Author: "Nova42", Text: "hi"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad room status = %d", resp.StatusCode)
	}
	resp, err := http.Post(ts.URL+"/rooms/general/messages", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d", resp.StatusCode)
	}
}

func TestAppendRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, Options{RPS: 0.001, Burst: 2})
	for i := 0; i < 2; i++ {
		if resp := post(t, ts.URL, "general", AppendRequest{Author: "Nova42", Text: "hi"}); resp.StatusCode != http.StatusCreated {
			t.Fatalf("append %d status = %d", i, resp.StatusCode)
		}
	}
	if resp := post(t, ts.URL, "general", AppendRequest{Author: "Nova42", Text: "hi"}); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third append status = %d", resp.StatusCode)
	}
}

func TestAppendRateLimitIgnoresForwardedHeader(t *testing.T) {
	ts, _ := newTestServer(t, Options{RPS: 0.001, Burst: 1})
	send := func(fwd string) int {
		body, _ := json.Marshal(AppendRequest{Author: "Nova42", Text: "hi"})
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/rooms/general/messages", bytes.NewReader(body))
		req.Header.Set("X-Forwarded-For", fwd)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := send("10.0.0.1"); code != http.StatusCreated {
		t.Fatalf("first append status = %d", code)
	}
	if code := send("10.0.0.2"); code != http.StatusTooManyRequests {
		t.Fatalf("rotated header bypassed the limit: status = %d", code)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "192.0.2.7:4242"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientKey(r, false); got != "192.0.2.7" {
		t.Fatalf("direct key = %q", got)
	}
	if got := clientKey(r, true); got != "203.0.113.9" {
		t.Fatalf("proxied key = %q", got)
	}
}

func TestAppendSystemMessages(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	for _, text := range []string{"server restarting", "<b>x</b> left the chat", " left the chat", "x joined the chat"} {
		resp := post(t, ts.URL, "general", AppendRequest{Text: text, Kind: feed.KindSystem})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("system %q status = %d, want 400", text, resp.StatusCode)
		}
	}
	resp := post(t, ts.URL, "general", AppendRequest{Text: "Nova42 left the chat", Kind: feed.KindSystem})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("announcement status = %d", resp.StatusCode)
	}
	msgs, err := store.Recent(context.Background(), "general", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Kind != feed.KindSystem || msgs[0].Author != "" {
		t.Fatalf("stored = %+v", msgs)
	}
}

func TestIndexRoomFormRedirects(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(ts.URL + "/?room=Team+Lounge")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/rooms/team-lounge/" {
		t.Fatalf("redirect = %d %q", resp.StatusCode, resp.Header.Get("Location"))
	}
	page, err := client.Get(ts.URL + "/?room=%23%23")
	if err != nil {
		t.Fatal(err)
	}
	page.Body.Close()
	if page.StatusCode != http.StatusOK {
		t.Fatalf("unusable room status = %d", page.StatusCode)
	}
}

func TestListMessages(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c"} {
		if _, err := store.Put(ctx, "general", feed.Message{Author: "Nova42", Text: text, Kind: feed.KindUser}); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Get(ts.URL + "/rooms/general/messages?limit=2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var msgs []feed.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Text != "b" || msgs[1].Text != "c" {
		t.Fatalf("messages = %+v", msgs)
	}

	empty, err := http.Get(ts.URL + "/rooms/nobody/messages")
	if err != nil {
		t.Fatal(err)
	}
	defer empty.Body.Close()
	body, _ := io.ReadAll(empty.Body)
	if strings.TrimSpace(string(body)) != "[]" {
		t.Fatalf("empty room body = %q", body)
	}
}

func TestTranscriptEscapes(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	_, _ = store.Put(context.Background(), "general", feed.Message{Author: "Nova42", Text: "<script>alert(1)</script>", Kind: feed.KindUser})
	resp, err := http.Get(ts.URL + "/rooms/general")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "<script>alert") || !strings.Contains(string(body), "&lt;script&gt;") {
		t.Fatalf("transcript not escaped: %s", body)
	}

	idx, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Body.Close()
	page, _ := io.ReadAll(idx.Body)
	if !strings.Contains(string(page), "/rooms/general/") {
		t.Fatalf("index does not list the room: %s", page)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func TestSubscribeReplaysThenStreams(t *testing.T) {
	ts, store := newTestServer(t, Options{})
	ctx := context.Background()
	for _, text := range []string{"old1", "old2", "old3"} {
		_, _ = store.Put(ctx, "general", feed.Message{Author: "Vega7", Text: text, Kind: feed.KindUser})
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rooms/general/ws?limit=2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	hello := readFrame(t, conn)
	if hello.Type != FrameHello || hello.Backlog != 2 || hello.Room != "general" {
		t.Fatalf("hello = %+v", hello)
	}
	for _, want := range []string{"old2", "old3"} {
		f := readFrame(t, conn)
		if f.Type != FrameRecord || !f.Replay || f.Message == nil || f.Message.Text != want {
			t.Fatalf("replayed frame = %+v", f)
		}
	}

	if resp := post(t, ts.URL, "general", AppendRequest{Author: "Nova42", Text: "live <b>"}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	f := readFrame(t, conn)
	if f.Replay || f.Message == nil || f.Message.Text != "live <b>" || f.Message.Author != "Nova42" {
		t.Fatalf("live frame = %+v", f)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, Options{})
	post(t, ts.URL, "general", AppendRequest{Author: "Nova42", Text: "count me"})

	h, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	h.Body.Close()
	if h.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", h.StatusCode)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `roomchat_messages_appended_total{kind="user"} 1`) {
		t.Fatalf("metrics missing append counter:\n%s", body)
	}
}

func TestSanitizeString(t *testing.T) {
	if got := sanitizeString("  a\x00b\tc\n ", 100); got != "ab\tc" {
		t.Fatalf("got %q", got)
	}
	if got := sanitizeString("안녕하세요", 2); got != "안녕" {
		t.Fatalf("got %q", got)
	}
}
