// Package telegram bridges Telegram long polling into the dispatch core.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/davisyoshida/asyncbots/pkg/config"
	"github.com/davisyoshida/asyncbots/pkg/transport"
)

const adapterName = "telegram"

// Adapter connects to Telegram via long polling and implements both the
// connector and transport sides of the boundary.
type Adapter struct {
	cfg config.TelegramConfig
	bot *telego.Bot
	log *slog.Logger
}

// NewAdapter validates Telegram configuration and constructs an adapter.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram.token is required")
	}

	if log == nil {
		log = slog.Default()
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	return &Adapter{
		cfg: cfg,
		bot: bot,
		log: log.With("component", "transport.telegram"),
	}, nil
}

// Name returns the adapter identifier used in logs and status output.
func (a *Adapter) Name() string {
	return adapterName
}

// Run starts long polling and forwards text messages to intake in arrival
// order.
func (a *Adapter) Run(ctx context.Context, intake transport.Intake) error {
	if intake == nil {
		return errors.New("intake is required")
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			message := update.Message
			if message == nil || message.From == nil {
				continue
			}

			content := strings.TrimSpace(message.Text)
			if content == "" {
				continue
			}

			intake(ctx, transport.InboundEvent{
				EventID:   strconv.Itoa(message.MessageID),
				SenderID:  strconv.FormatInt(message.From.ID, 10),
				ChannelID: strconv.FormatInt(message.Chat.ID, 10),
				Text:      content,
				Timestamp: time.Unix(message.Date, 0).UTC(),
				DM:        message.Chat.Type == telego.ChatTypePrivate,
			})
		}
	}
}

// SendMessage posts text to the chat identified by channelID.
func (a *Adapter) SendMessage(ctx context.Context, channelID, text string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}

	if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
		return fmt.Errorf("telegram send to %s: %w", channelID, err)
	}
	return nil
}

// AddReaction reacts to the message identified by eventID (the Telegram
// message ID).
func (a *Adapter) AddReaction(ctx context.Context, channelID, eventID, emoji string) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}
	messageID, err := strconv.Atoi(eventID)
	if err != nil {
		return fmt.Errorf("telegram reaction: bad event id %q: %w", eventID, err)
	}

	err = a.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Reaction: []telego.ReactionType{
			&telego.ReactionTypeEmoji{Type: "emoji", Emoji: emoji},
		},
	})
	if err != nil {
		return fmt.Errorf("telegram react in %s: %w", channelID, err)
	}
	return nil
}

// UploadFile sends data as a document into the chat.
func (a *Adapter) UploadFile(ctx context.Context, channelID, name string, data []byte) error {
	chatID, err := parseChatID(channelID)
	if err != nil {
		return err
	}

	document := tu.Document(tu.ID(chatID), tu.FileFromReader(bytes.NewReader(data), name))
	if _, err := a.bot.SendDocument(ctx, document); err != nil {
		return fmt.Errorf("telegram upload to %s: %w", channelID, err)
	}
	return nil
}

func parseChatID(channelID string) (int64, error) {
	id, err := strconv.ParseInt(channelID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad chat id %q: %w", channelID, err)
	}
	return id, nil
}
