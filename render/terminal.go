package render

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gosuda/roomchat/feed"
)

// Terminal prints the feed as lines on w. RenderAll only prints what is new
// when the previous output is a prefix of the feed, so a polling refresh
// with no changes prints nothing.
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	loc     *time.Location
	printed []string
}

func NewTerminal(w io.Writer) *Terminal {
	return &Terminal{w: w, loc: time.Local}
}

// SetLocation changes the time zone used for timestamps.
func (t *Terminal) SetLocation(loc *time.Location) {
	t.mu.Lock()
	t.loc = loc
	t.mu.Unlock()
}

func key(m feed.Message) string { return m.ID + "\x00" + m.Text }

// Line formats one message.
func Line(m feed.Message, self string, loc *time.Location) string {
	switch Classify(m, self) {
	case System:
		return fmt.Sprintf("[%s] -- %s --", Clock(m.Timestamp, loc), m.Text)
	case Own:
		return fmt.Sprintf("[%s] %s (you): %s", Clock(m.Timestamp, loc), m.Author, m.Text)
	default:
		return fmt.Sprintf("[%s] %s: %s", Clock(m.Timestamp, loc), m.Author, m.Text)
	}
}

func (t *Terminal) RenderSingle(m feed.Message, self string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, Line(m, self, t.loc))
	t.printed = append(t.printed, key(m))
}

func (t *Terminal) RenderAll(msgs []feed.Message, self string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(msgs) == 0 {
		t.printed = t.printed[:0]
		return
	}
	start := len(t.printed)
	if start > len(msgs) || !t.prefixLocked(msgs) {
		if start > 0 {
			fmt.Fprintln(t.w, "----")
		}
		start = 0
		t.printed = t.printed[:0]
	}
	for _, m := range msgs[start:] {
		fmt.Fprintln(t.w, Line(m, self, t.loc))
		t.printed = append(t.printed, key(m))
	}
}

func (t *Terminal) prefixLocked(msgs []feed.Message) bool {
	for i, k := range t.printed {
		if key(msgs[i]) != k {
			return false
		}
	}
	return true
}

// ScrollToLatest is a no-op: a terminal always shows its newest line.
func (t *Terminal) ScrollToLatest() {}

// Status prints an out-of-band line such as a storage failure.
func (t *Terminal) Status(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "! "+format+"\n", args...)
}
