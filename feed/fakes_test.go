package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

var errBackend = errors.New("backend unavailable")

// memKV is a local-storage stand-in.
type memKV struct {
	mu     sync.Mutex
	data   map[string]string
	sets   int
	failOn bool

	// gate, when set, blocks Get until it is closed.
	gate chan struct{}
}

func newMemKV() *memKV { return &memKV{data: map[string]string{}} }

func (kv *memKV) Get(ctx context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	gate := kv.gate
	kv.mu.Unlock()
	if gate != nil {
		<-gate
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.data[key]
	return v, ok, nil
}

func (kv *memKV) Set(ctx context.Context, key, value string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.failOn {
		return errBackend
	}
	kv.sets++
	kv.data[key] = value
	return nil
}

func (kv *memKV) setFail(v bool) {
	kv.mu.Lock()
	kv.failOn = v
	kv.mu.Unlock()
}

func (kv *memKV) writes() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.sets
}

func (kv *memKV) raw(key string) string {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.data[key]
}

func (kv *memKV) put(key, value string) {
	kv.mu.Lock()
	kv.data[key] = value
	kv.mu.Unlock()
}

// fakeLog is a push store whose deliveries are driven by the test.
type fakeLog struct {
	mu        sync.Mutex
	backlog   int
	subErr    error
	appendErr error
	appended  []appendCall
	subs     []*fakeSub
	seq      int
}

type appendCall struct {
	room string
	msg  Message
}

type fakeSub struct {
	room     string
	fn       AppendFunc
	onErr    ErrorFunc
	backlog  int
	canceled bool
}

func (s *fakeSub) Cancel()      { s.canceled = true }
func (s *fakeSub) Backlog() int { return s.backlog }

func (l *fakeLog) Append(ctx context.Context, room string, m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return l.appendErr
	}
	l.appended = append(l.appended, appendCall{room: room, msg: m})
	return nil
}

func (l *fakeLog) Subscribe(ctx context.Context, room string, limit int, fn AppendFunc, onErr ErrorFunc) (Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subErr != nil {
		return nil, l.subErr
	}
	sub := &fakeSub{room: room, fn: fn, onErr: onErr, backlog: l.backlog}
	l.subs = append(l.subs, sub)
	return sub, nil
}

func (l *fakeLog) setErrors(subErr, appendErr error) {
	l.mu.Lock()
	l.subErr, l.appendErr = subErr, appendErr
	l.mu.Unlock()
}

func (l *fakeLog) subCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *fakeLog) lastSub(t *testing.T) *fakeSub {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.subs) == 0 {
		t.Fatal("no subscription")
	}
	return l.subs[len(l.subs)-1]
}

// record stamps m the way a store would.
func (l *fakeLog) record(text string) Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return Message{
		ID:        fmt.Sprintf("rec-%03d", l.seq),
		Author:    "someone",
		Text:      text,
		Kind:      KindUser,
		Timestamp: ServerTime(int64(l.seq)),
	}
}

// echo delivers every appended message for room to the last subscription.
func (l *fakeLog) echo(t *testing.T, room string) {
	t.Helper()
	sub := l.lastSub(t)
	l.mu.Lock()
	calls := append([]appendCall(nil), l.appended...)
	l.appended = nil
	l.mu.Unlock()
	for _, c := range calls {
		if c.room != room {
			continue
		}
		l.mu.Lock()
		l.seq++
		c.msg.ID = fmt.Sprintf("echo-%03d", l.seq)
		c.msg.Timestamp = ServerTime(int64(l.seq))
		l.mu.Unlock()
		sub.fn(c.msg)
	}
}

func (l *fakeLog) appends() []appendCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]appendCall(nil), l.appended...)
}

// recRenderer records render calls.
type recRenderer struct {
	mu      sync.Mutex
	singles []Message
	alls    int
	last    []Message
	scrolls int
	// scrollAfter[i] is true when ScrollToLatest followed singles[i].
	scrollAfter []bool
}

func (r *recRenderer) RenderSingle(m Message, self string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.singles = append(r.singles, m)
	r.scrollAfter = append(r.scrollAfter, false)
}

func (r *recRenderer) RenderAll(msgs []Message, self string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alls++
	r.last = append([]Message(nil), msgs...)
}

func (r *recRenderer) ScrollToLatest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrolls++
	if n := len(r.scrollAfter); n > 0 {
		r.scrollAfter[n-1] = true
	}
}

func (r *recRenderer) renderAllCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
