// Package bots contains the example bots bundled with the framework. Each
// constructor returns explicit (grammar, handler) registrations to be
// collected by the registry before the connection starts.
package bots

import (
	"context"
	"fmt"
	"time"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/grammar"
	"github.com/davisyoshida/asyncbots/pkg/history"
)

// Greeter answers "greet <name>" with a hello message.
func Greeter() ([]bot.Registration, error) {
	g, err := grammar.Compile(grammar.Seq(
		grammar.Lit("greet"),
		grammar.Capture(grammar.Word(), "user"),
	))
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req bot.Request) ([]bot.Command, error) {
		return []bot.Command{
			bot.SendMessage{Text: "Hello " + req.Captures["user"]},
		}, nil
	}

	return []bot.Registration{{
		Bot:      "greeter",
		Name:     "greet",
		Grammar:  g,
		Handler:  handler,
		HelpText: "Greet a user\n\tgreet <name>",
	}}, nil
}

// Ping reacts to "ping" and replies "pong".
func Ping() ([]bot.Registration, error) {
	g, err := grammar.Compile(grammar.Seq(grammar.Lit("ping"), grammar.End()))
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req bot.Request) ([]bot.Command, error) {
		return []bot.Command{
			bot.AddReaction{Emoji: "table_tennis_paddle_and_ball"},
			bot.SendMessage{Text: "pong"},
		}, nil
	}

	return []bot.Registration{{
		Bot:      "ping",
		Name:     "ping",
		Grammar:  g,
		Handler:  handler,
		HelpText: "Check that the bot is alive\n\tping",
	}}, nil
}

// Seen answers "seen <user>" with that user's most recent archived message
// in the channel. It needs history persistence to be useful; with
// persistence disabled it reports that nothing was found.
func Seen(recorder history.Recorder) ([]bot.Registration, error) {
	g, err := grammar.Compile(grammar.Seq(
		grammar.Lit("seen"),
		grammar.Capture(grammar.Word("-_."), "user"),
	))
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, req bot.Request) ([]bot.Command, error) {
		user := req.Captures["user"]

		records, err := recorder.Query(ctx, req.ChannelID, time.Time{}, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("look up history for %q: %w", user, err)
		}

		// Records come back oldest first; walk backwards for the most
		// recent line by the requested user.
		for i := len(records) - 1; i >= 0; i-- {
			if records[i].SenderID != user {
				continue
			}
			text := fmt.Sprintf("%s last said %q at %s",
				user, records[i].Text, records[i].Timestamp.Format(time.RFC3339))
			return []bot.Command{bot.SendMessage{Text: text}}, nil
		}

		return []bot.Command{
			bot.SendMessage{Text: "No messages on record for " + user},
		}, nil
	}

	return []bot.Registration{{
		Bot:      "seen",
		Name:     "seen",
		Grammar:  g,
		Handler:  handler,
		HelpText: "Show a user's last archived message\n\tseen <user>",
	}}, nil
}
