// Package feed keeps the message feed of one chat session in step with a
// shared store.
//
// Two strategies are supported. Poll treats the store as a key-value snapshot:
// every PollInterval the whole list is re-read and replaces the feed, and
// local sends are appended and flushed immediately. Push treats the store as
// an append-only log: the Synchronizer subscribes once, receives the most
// recent ReplayLimit records followed by live ones, and renders each record as
// it arrives. Records delivered inside the replay window render without
// scrolling the display; later ones scroll it to the newest message. When a
// push stream ends on its own the failure goes to OnStatus, and the next Send
// or Refresh subscribes again.
//
// A Synchronizer runs at most one session. Every join and room change creates
// a fresh internal session value, and callbacks that arrive for an older one
// are ignored, so nothing from a torn-down subscription reaches the feed.
package feed
