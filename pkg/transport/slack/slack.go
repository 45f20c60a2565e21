// Package slack bridges the Slack RTM connection into the dispatch core.
// The adapter owns connection management and auth; the core sees only
// inbound events and the three outbound calls.
package slack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/davisyoshida/asyncbots/pkg/config"
	"github.com/davisyoshida/asyncbots/pkg/transport"
)

const adapterName = "slack"

// Adapter connects to Slack over RTM and implements both the connector and
// the transport sides of the boundary.
type Adapter struct {
	cfg    config.SlackConfig
	api    *slack.Client
	rtm    *slack.RTM
	log    *slog.Logger
	selfID string
}

// NewAdapter validates Slack configuration and constructs an adapter.
func NewAdapter(cfg config.SlackConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("slack.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	api := slack.New(token)
	return &Adapter{
		cfg: cfg,
		api: api,
		rtm: api.NewRTM(),
		log: log.With("component", "transport.slack"),
	}, nil
}

// Name returns the adapter identifier used in logs and status output.
func (a *Adapter) Name() string {
	return adapterName
}

// Run manages the RTM connection and forwards regular user messages to
// intake in arrival order. Reconnection is handled by the RTM client; Run
// returns only on context cancellation or a fatal auth error.
func (a *Adapter) Run(ctx context.Context, intake transport.Intake) error {
	if intake == nil {
		return errors.New("intake is required")
	}

	go a.rtm.ManageConnection()
	defer a.rtm.Disconnect()

	a.log.Info("Slack channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-a.rtm.IncomingEvents:
			if !ok {
				return errors.New("slack event stream closed")
			}

			switch ev := msg.Data.(type) {
			case *slack.ConnectedEvent:
				a.selfID = ev.Info.User.ID
				a.log.Info("Slack connected", "user_id", a.selfID, "attempt", ev.ConnectionCount)

			case *slack.MessageEvent:
				event, ok := a.inboundEvent(ev)
				if !ok {
					continue
				}
				intake(ctx, event)

			case *slack.RTMError:
				a.log.Error("Slack RTM error", "error", ev.Error())

			case *slack.InvalidAuthEvent:
				return errors.New("slack authentication failed")
			}
		}
	}
}

// inboundEvent filters out everything that is not a plain user message:
// edits and joins (subtypes), messages without a sender, the bot's own
// traffic, and empty texts.
func (a *Adapter) inboundEvent(ev *slack.MessageEvent) (transport.InboundEvent, bool) {
	if ev.SubType != "" || ev.User == "" || ev.Text == "" {
		return transport.InboundEvent{}, false
	}
	if a.selfID != "" && ev.User == a.selfID {
		return transport.InboundEvent{}, false
	}

	return transport.InboundEvent{
		EventID:   ev.Timestamp,
		SenderID:  ev.User,
		ChannelID: ev.Channel,
		Text:      ev.Text,
		Timestamp: parseTimestamp(ev.Timestamp),
		DM:        strings.HasPrefix(ev.Channel, "D"),
	}, true
}

// SendMessage posts text to a channel, group, or DM by ID.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	_, _, err := a.api.PostMessageContext(ctx, channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack send to %s: %w", channelID, err)
	}
	return nil
}

// AddReaction reacts to the message identified by eventID (the Slack
// message timestamp).
func (a *Adapter) AddReaction(ctx context.Context, channelID, eventID, emoji string) error {
	ref := slack.NewRefToMessage(channelID, eventID)
	if err := a.api.AddReactionContext(ctx, strings.Trim(emoji, ":"), ref); err != nil {
		return fmt.Errorf("slack react in %s: %w", channelID, err)
	}
	return nil
}

// UploadFile uploads data into the channel.
func (a *Adapter) UploadFile(ctx context.Context, channelID, name string, data []byte) error {
	title := name
	if a.cfg.BotName != "" {
		title = a.cfg.BotName + " upload"
	}

	_, err := a.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
		Reader:   bytes.NewReader(data),
		Filename: name,
		Title:    title,
		FileSize: len(data),
		Channel:  channelID,
	})
	if err != nil {
		return fmt.Errorf("slack upload to %s: %w", channelID, err)
	}
	return nil
}

// parseTimestamp converts a Slack "seconds.fraction" ts into a time.Time.
// A malformed ts falls back to now; the ts string itself stays the event ID.
func parseTimestamp(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")

	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}

	var micros int64
	if frac != "" {
		if parsed, err := strconv.ParseInt(frac, 10, 64); err == nil {
			micros = parsed
		}
	}

	return time.Unix(s, micros*int64(time.Microsecond)).UTC()
}
