package bot

import (
	"context"
	"time"

	"github.com/davisyoshida/asyncbots/pkg/grammar"
)

// Command is a declarative description of one outbound action. Handlers
// return Commands instead of touching the transport; the dispatcher's
// translator turns them into API calls after the handler finishes.
type Command interface {
	isCommand()
}

// SendMessage posts text. Channel targets a channel by ID; User targets a
// direct message. When both are empty the reply goes to the channel the
// triggering message arrived in.
type SendMessage struct {
	Channel string
	User    string
	Text    string
}

// AddReaction attaches an emoji reaction to the triggering message.
type AddReaction struct {
	Emoji string
}

// UploadFile uploads a file into the channel the triggering message arrived
// in.
type UploadFile struct {
	Name string
	Data []byte
}

// Noop does nothing. Handlers that only need side effects of their own may
// return it, or simply return no commands at all.
type Noop struct{}

func (SendMessage) isCommand() {}
func (AddReaction) isCommand() {}
func (UploadFile) isCommand()  {}
func (Noop) isCommand()        {}

// Request carries everything a handler receives about the triggering
// message. Captures belong to this invocation alone; nothing in it is shared
// with other handlers.
type Request struct {
	SenderID  string
	ChannelID string
	Captures  grammar.Captures
	Timestamp time.Time
}

// Handler reacts to one matched message. Returning a nil slice means no
// outbound action. Handlers run concurrently with each other and must not
// share mutable state through the request.
type Handler func(ctx context.Context, req Request) ([]Command, error)
