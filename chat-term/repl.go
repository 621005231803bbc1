package main

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/gosuda/roomchat/feed"
	"github.com/gosuda/roomchat/identity"
	"github.com/gosuda/roomchat/render"
)

// repl reads input lines and turns them into session operations.
type repl struct {
	chat    *feed.Synchronizer
	session *feed.Session
	self    feed.Identity
	term    *render.Terminal
	// rooms is nil when the backend cannot list rooms.
	rooms keyLister

	// failed is the text of the last send that hit a storage error.
	failed string
}

func parseCommand(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	cmd, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}

// run consumes in until EOF, /quit or ctx is done.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := r.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) (quit bool) {
	cmd, arg := parseCommand(line)
	switch cmd {
	case "":
		if arg != "" {
			r.send(ctx, arg)
		}
	case "quit", "exit":
		return true
	case "room":
		room := identity.SanitizeRoom(arg)
		if room == "" {
			room = identity.NewRoomCode()
		}
		if err := r.session.ChangeRoom(ctx, room); err != nil {
			r.term.Status("could not switch to #%s: %v", room, err)
			return !r.session.Active()
		}
		r.term.Status("now in #%s", r.session.Room())
	case "rooms":
		if r.rooms == nil {
			r.term.Status("this backend cannot list rooms")
			return false
		}
		rooms, err := listRooms(ctx, r.rooms)
		if err != nil {
			r.term.Status("rooms: %v", err)
			return false
		}
		if len(rooms) == 0 {
			r.term.Status("no rooms yet")
			return false
		}
		r.term.Status("rooms: #%s", strings.Join(rooms, ", #"))
	case "nick":
		r.term.Status("you are %s (%s) in #%s", r.self.Name, r.self.Color, r.session.Room())
	case "retry":
		if r.failed == "" {
			r.term.Status("nothing to retry")
			return false
		}
		r.send(ctx, r.failed)
	case "refresh":
		if err := r.session.Refresh(ctx); err != nil {
			r.term.Status("refresh: %v", err)
		}
	case "help":
		r.term.Status("%s feed; commands: /room [name], /rooms, /nick, /retry, /refresh, /quit", r.chat.Strategy())
	default:
		r.term.Status("unknown command /%s", cmd)
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	err := r.session.Send(ctx, text)
	switch {
	case err == nil:
		r.failed = ""
	case feed.IsTransient(err):
		r.failed = text
		r.term.Status("not sent, type /retry to try again")
	default:
		r.term.Status("%v", err)
	}
}
