package render

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gosuda/roomchat/feed"
)

// HTML accumulates the feed as HTML fragments. Every user-supplied string is
// escaped.
type HTML struct {
	mu       sync.Mutex
	loc      *time.Location
	b        strings.Builder
	scrolled int
}

func NewHTML(loc *time.Location) *HTML {
	if loc == nil {
		loc = time.UTC
	}
	return &HTML{loc: loc}
}

func (h *HTML) writeLocked(m feed.Message, self string) {
	switch Classify(m, self) {
	case System:
		fmt.Fprintf(&h.b, "<div class=\"system-message\">%s</div>\n", EscapeHTML(m.Text))
		return
	case Own:
		h.b.WriteString(`<div class="message own">`)
	default:
		h.b.WriteString(`<div class="message other">`)
	}
	color := ""
	if m.Color != "" {
		color = fmt.Sprintf(` style="color: %s"`, EscapeHTML(m.Color))
	}
	fmt.Fprintf(&h.b,
		`<div class="message-bubble"><div class="message-author"%s>%s</div><div class="message-text">%s</div><div class="message-time">%s</div></div></div>`+"\n",
		color, EscapeHTML(m.Author), EscapeHTML(m.Text), Clock(m.Timestamp, h.loc))
}

func (h *HTML) RenderSingle(m feed.Message, self string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeLocked(m, self)
}

func (h *HTML) RenderAll(msgs []feed.Message, self string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.b.Reset()
	for _, m := range msgs {
		h.writeLocked(m, self)
	}
}

func (h *HTML) ScrollToLatest() {
	h.mu.Lock()
	h.scrolled++
	h.mu.Unlock()
}

// String returns the rendered fragments.
func (h *HTML) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.b.String()
}

// Scrolled returns how many times the view was scrolled to the newest entry.
func (h *HTML) Scrolled() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scrolled
}
