package feed

// Renderer draws the feed on a display surface. The Synchronizer is its only
// caller and never calls it concurrently.
type Renderer interface {
	RenderSingle(m Message, self string)
	RenderAll(msgs []Message, self string)
	ScrollToLatest()
}

type nopRenderer struct{}

func (nopRenderer) RenderSingle(Message, string) {}
func (nopRenderer) RenderAll([]Message, string) {}
func (nopRenderer) ScrollToLatest() {}
