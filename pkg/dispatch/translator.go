package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/transport"
)

// maxMessageRunes is the chat-service message length limit. Longer texts are
// split into consecutive sends.
const maxMessageRunes = 4000

// Translator turns the commands a handler returned into transport calls,
// one case per command variant. It never retries; retry policy lives at the
// transport boundary.
type Translator struct {
	transport transport.Transport
	log       *slog.Logger
}

// NewTranslator builds a translator over the given transport.
func NewTranslator(t transport.Transport, log *slog.Logger) *Translator {
	if log == nil {
		log = slog.Default()
	}
	return &Translator{
		transport: t,
		log:       log.With("component", "dispatch.translator"),
	}
}

// Run executes commands in order against the transport. The triggering
// event supplies fallback targets: a SendMessage without an explicit target
// replies into the event's channel, reactions attach to the event itself.
// The first failure stops the sequence and is returned as a DeliveryError.
func (t *Translator) Run(ctx context.Context, event transport.InboundEvent, cmds []bot.Command) error {
	for _, cmd := range cmds {
		if err := t.translate(ctx, event, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (t *Translator) translate(ctx context.Context, event transport.InboundEvent, cmd bot.Command) error {
	switch c := cmd.(type) {
	case bot.SendMessage:
		target := c.Channel
		if target == "" {
			target = c.User
		}
		if target == "" {
			target = event.ChannelID
		}
		for _, chunk := range splitMessage(c.Text) {
			if err := t.transport.SendMessage(ctx, target, chunk); err != nil {
				return &DeliveryError{Command: "SendMessage", Err: err}
			}
		}
		return nil

	case bot.AddReaction:
		if err := t.transport.AddReaction(ctx, event.ChannelID, event.EventID, c.Emoji); err != nil {
			return &DeliveryError{Command: "AddReaction", Err: err}
		}
		return nil

	case bot.UploadFile:
		if err := t.transport.UploadFile(ctx, event.ChannelID, c.Name, c.Data); err != nil {
			return &DeliveryError{Command: "UploadFile", Err: err}
		}
		return nil

	case bot.Noop:
		return nil

	default:
		return fmt.Errorf("unknown command type %T", cmd)
	}
}

// splitMessage cuts text into chunks the chat service will accept, splitting
// on rune boundaries.
func splitMessage(text string) []string {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	if len(runes) <= maxMessageRunes {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		n := len(runes)
		if n > maxMessageRunes {
			n = maxMessageRunes
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
