package bots

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/history"
)

type fixedHistory struct {
	records []history.Record
	err     error
}

func (h fixedHistory) Append(history.Record) {}

func (h fixedHistory) Query(context.Context, string, time.Time, time.Time) ([]history.Record, error) {
	return h.records, h.err
}

func (h fixedHistory) Close() error { return nil }

func invoke(t *testing.T, regs []bot.Registration, text string) []bot.Command {
	t.Helper()

	for _, reg := range regs {
		captures, ok := reg.Grammar.Match(text)
		if !ok {
			continue
		}
		commands, err := reg.Handler(context.Background(), bot.Request{
			SenderID:  "U1",
			ChannelID: "C1",
			Captures:  captures,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("handler error: %v", err)
		}
		return commands
	}

	t.Fatalf("no registration matched %q", text)
	return nil
}

func TestGreeter(t *testing.T) {
	regs, err := Greeter()
	if err != nil {
		t.Fatalf("Greeter error: %v", err)
	}

	commands := invoke(t, regs, "greet Alice")
	if len(commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(commands))
	}
	msg, ok := commands[0].(bot.SendMessage)
	if !ok {
		t.Fatalf("command type = %T, want SendMessage", commands[0])
	}
	if msg.Text != "Hello Alice" {
		t.Fatalf("text = %q, want %q", msg.Text, "Hello Alice")
	}
}

func TestPing(t *testing.T) {
	regs, err := Ping()
	if err != nil {
		t.Fatalf("Ping error: %v", err)
	}

	commands := invoke(t, regs, "ping")
	if len(commands) != 2 {
		t.Fatalf("got %d commands, want 2", len(commands))
	}
	if _, ok := commands[0].(bot.AddReaction); !ok {
		t.Fatalf("first command type = %T, want AddReaction", commands[0])
	}
	if msg, ok := commands[1].(bot.SendMessage); !ok || msg.Text != "pong" {
		t.Fatalf("second command = %#v, want pong message", commands[1])
	}

	// The grammar is end-anchored; trailing words do not match.
	if _, ok := regs[0].Grammar.Match("ping now"); ok {
		t.Fatal("grammar matched text past the end anchor")
	}
}

func TestSeenReportsLastMessage(t *testing.T) {
	when := time.Date(2026, time.August, 30, 12, 0, 0, 0, time.UTC)
	regs, err := Seen(fixedHistory{records: []history.Record{
		{SenderID: "alice", Text: "first", Timestamp: when.Add(-time.Hour)},
		{SenderID: "bob", Text: "hi", Timestamp: when.Add(-30 * time.Minute)},
		{SenderID: "alice", Text: "latest", Timestamp: when},
	}})
	if err != nil {
		t.Fatalf("Seen error: %v", err)
	}

	commands := invoke(t, regs, "seen alice")
	msg, ok := commands[0].(bot.SendMessage)
	if !ok {
		t.Fatalf("command type = %T, want SendMessage", commands[0])
	}
	if !strings.Contains(msg.Text, `"latest"`) {
		t.Fatalf("text = %q, want the most recent line", msg.Text)
	}
	if !strings.Contains(msg.Text, "2026-08-30T12:00:00Z") {
		t.Fatalf("text = %q, want RFC3339 timestamp", msg.Text)
	}
}

func TestSeenUnknownUser(t *testing.T) {
	regs, err := Seen(fixedHistory{})
	if err != nil {
		t.Fatalf("Seen error: %v", err)
	}

	commands := invoke(t, regs, "seen nobody")
	msg, ok := commands[0].(bot.SendMessage)
	if !ok {
		t.Fatalf("command type = %T, want SendMessage", commands[0])
	}
	if !strings.Contains(msg.Text, "No messages on record") {
		t.Fatalf("text = %q, want no-record reply", msg.Text)
	}
}

func TestSeenQueryFailure(t *testing.T) {
	queryErr := errors.New("disk gone")
	regs, err := Seen(fixedHistory{err: queryErr})
	if err != nil {
		t.Fatalf("Seen error: %v", err)
	}

	captures, ok := regs[0].Grammar.Match("seen alice")
	if !ok {
		t.Fatal("grammar did not match")
	}
	_, err = regs[0].Handler(context.Background(), bot.Request{ChannelID: "C1", Captures: captures})
	if !errors.Is(err, queryErr) {
		t.Fatalf("err = %v, want wrapped query error", err)
	}
}
