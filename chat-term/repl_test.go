package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/kvsnap"
	"github.com/gosuda/roomchat/render"
)

func TestParseCommand(t *testing.T) {
	cases := []struct{ in, cmd, arg string }{
		{"hello there", "", "hello there"},
		{"  /ROOM  Lobby ", "room", "Lobby"},
		{"/quit", "quit", ""},
		{"/", "", ""},
	}
	for _, tc := range cases {
		cmd, arg := parseCommand(tc.in)
		if cmd != tc.cmd || arg != tc.arg {
			t.Errorf("parseCommand(%q) = %q, %q", tc.in, cmd, arg)
		}
	}
}

func TestREPLDrivesSession(t *testing.T) {
	ctx := context.Background()
	kv := kvsnap.NewMemory()
	defer kv.Close()

	var out bytes.Buffer
	term := render.NewTerminal(&out)
	s, err := feed.New(feed.Options{Strategy: feed.Poll, Snapshots: feed.NewSnapshotStore(kv, 0), Renderer: term, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	self := feed.Identity{Name: "Nova42"}
	h, err := s.Join(ctx, self, "general")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Leave(ctx)

	r := &repl{chat: s, session: h, self: self, term: term}
	in := strings.NewReader("hello\n/room Lobby\nsecond\n/nick\n/quit\nnever sent\n")
	if err := r.run(ctx, in); err != nil {
		t.Fatal(err)
	}

	if h.Room() != "lobby" {
		t.Fatalf("room = %q", h.Room())
	}
	got := s.Snapshot()
	if len(got) != 2 || got[0].Text != "Nova42 joined the chat" || got[1].Text != "second" {
		t.Fatalf("lobby feed = %+v", got)
	}
	general, _ := feed.NewSnapshotStore(kv, 0).ReadSnapshot(ctx, "general")
	var texts []string
	for _, m := range general {
		texts = append(texts, m.Text)
	}
	want := "Nova42 joined the chat|hello|Nova42 left the chat"
	if strings.Join(texts, "|") != want {
		t.Fatalf("general = %v", texts)
	}
	if !strings.Contains(out.String(), "you are Nova42") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestChooseIdentityRemembersNickname(t *testing.T) {
	ctx := context.Background()
	kv := kvsnap.NewMemory()
	defer kv.Close()

	first, err := chooseIdentity(ctx, "Vega7", kv)
	if err != nil {
		t.Fatal(err)
	}
	again, err := chooseIdentity(ctx, "", kv)
	if err != nil {
		t.Fatal(err)
	}
	if again.Name != first.Name {
		t.Fatalf("remembered %q, want %q", again.Name, first.Name)
	}
	if _, err := chooseIdentity(ctx, "x", nil); err == nil {
		t.Fatal("accepted a one-character nickname")
	}
	if gen, err := chooseIdentity(ctx, "", nil); err != nil || gen.Name == "" {
		t.Fatalf("generated = %+v, %v", gen, err)
	}
}

func TestInitialRoom(t *testing.T) {
	cases := []struct {
		in, want string
		ok       bool
	}{
		{"general", "general", true},
		{"  Team Chat ", "team-chat", true},
		{"a/b+c#", "abc", true},
		{"", "", true},
		{"+/#", "", false},
		{"???", "", false},
	}
	for _, tc := range cases {
		got, err := initialRoom(tc.in)
		if got != tc.want || (err == nil) != tc.ok {
			t.Errorf("initialRoom(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestREPLListsRooms(t *testing.T) {
	ctx := context.Background()
	kv := kvsnap.NewMemory()
	defer kv.Close()

	var out bytes.Buffer
	term := render.NewTerminal(&out)
	s, err := feed.New(feed.Options{Strategy: feed.Poll, Snapshots: feed.NewSnapshotStore(kv, 0), Renderer: term, PollInterval: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	self := feed.Identity{Name: "Nova42"}
	h, err := s.Join(ctx, self, "general")
	if err != nil {
		t.Fatal(err)
	}
	defer h.Leave(ctx)
	if err := kv.Set(ctx, "chatNickname", "Nova42"); err != nil {
		t.Fatal(err)
	}

	r := &repl{chat: s, session: h, self: self, term: term, rooms: kv}
	if err := r.run(ctx, strings.NewReader("/room lobby\n/rooms\n")); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "rooms: #general, #lobby") {
		t.Fatalf("output = %q", out.String())
	}

	out.Reset()
	r.rooms = nil
	r.handle(ctx, "/rooms")
	if !strings.Contains(out.String(), "cannot list rooms") {
		t.Fatalf("output = %q", out.String())
	}
}
