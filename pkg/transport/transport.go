// Package transport defines the boundary between the dispatch core and the
// chat service. Adapters own the socket lifecycle, reconnection, and auth;
// the core only consumes inbound events and issues the three outbound calls.
package transport

import (
	"context"
	"time"
)

// InboundEvent is one incoming chat message with its metadata. It is created
// by a connector, consumed once by the dispatcher, and never mutated.
type InboundEvent struct {
	EventID   string
	SenderID  string
	ChannelID string
	Text      string
	Timestamp time.Time
	// DM marks events from a direct-message conversation, which bypass
	// the alert-prefix gate.
	DM bool
}

// Intake receives inbound events from a connector, one call per event, in
// arrival order.
type Intake func(ctx context.Context, event InboundEvent)

// Connector feeds inbound events from one chat connection. Run blocks until
// the context is canceled or the connection fails unrecoverably.
type Connector interface {
	Name() string
	Run(ctx context.Context, intake Intake) error
}

// Transport issues outbound calls against the chat service. Concurrent calls
// are serialized by the underlying API client, not by callers.
type Transport interface {
	SendMessage(ctx context.Context, channelID, text string) error
	AddReaction(ctx context.Context, channelID, eventID, emoji string) error
	UploadFile(ctx context.Context, channelID, name string, data []byte) error
}
