package service

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/config"
	"github.com/davisyoshida/asyncbots/pkg/grammar"
	"github.com/davisyoshida/asyncbots/pkg/history"
	"github.com/davisyoshida/asyncbots/pkg/transport"
)

type scriptedConnector struct {
	name   string
	events []transport.InboundEvent
	done   chan struct{}
}

func (c *scriptedConnector) Name() string {
	return c.name
}

func (c *scriptedConnector) Run(ctx context.Context, intake transport.Intake) error {
	for _, event := range c.events {
		intake(ctx, event)
	}
	close(c.done)

	<-ctx.Done()
	return nil
}

type sentMessage struct {
	Kind    string
	Channel string
	Payload string
}

type recordingSender struct {
	mu    sync.Mutex
	calls []sentMessage
}

func (s *recordingSender) SendMessage(_ context.Context, channelID, text string) error {
	return s.record(sentMessage{Kind: "send", Channel: channelID, Payload: text})
}

func (s *recordingSender) AddReaction(_ context.Context, channelID, _, emoji string) error {
	return s.record(sentMessage{Kind: "react", Channel: channelID, Payload: emoji})
}

func (s *recordingSender) UploadFile(_ context.Context, channelID, name string, _ []byte) error {
	return s.record(sentMessage{Kind: "upload", Channel: channelID, Payload: name})
}

func (s *recordingSender) record(m sentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, m)
	return nil
}

func (s *recordingSender) snapshot() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]sentMessage, len(s.calls))
	copy(calls, s.calls)
	return calls
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []history.Record
	closed  bool
}

func (r *recordingRecorder) Append(rec history.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recordingRecorder) Query(context.Context, string, time.Time, time.Time) ([]history.Record, error) {
	return nil, nil
}

func (r *recordingRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingRecorder) snapshot() ([]history.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]history.Record, len(r.records))
	copy(records, r.records)
	return records, r.closed
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Slack:  config.SlackConfig{Alert: "!"},
		Status: config.StatusConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
	}
}

func mustGrammar(t *testing.T, expr grammar.Expr) *grammar.Grammar {
	t.Helper()
	g, err := grammar.Compile(expr)
	require.NoError(t, err)
	return g
}

func channelEvent(id, text string) transport.InboundEvent {
	return transport.InboundEvent{
		EventID:   id,
		SenderID:  "U1",
		ChannelID: "C1",
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

func dmEvent(id, text string) transport.InboundEvent {
	event := channelEvent(id, text)
	event.ChannelID = "D1"
	event.DM = true
	return event
}

// runService starts the service over the scripted events and returns after
// the connector script completes and the service shuts down.
func runService(t *testing.T, cfg *config.Config, registry *bot.Registry, events []transport.InboundEvent, sender *recordingSender, recorder history.Recorder) {
	t.Helper()

	connector := &scriptedConnector{name: "slack", events: events, done: make(chan struct{})}
	svc, err := New(cfg, registry, connector, sender, recorder, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Run(ctx)
	}()

	select {
	case <-connector.done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for scripted events")
	}

	// Shutdown drains in-flight invocations, so every emitted command is
	// delivered before Run returns.
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service to exit")
	}
}

func TestServiceGreetEndToEnd(t *testing.T) {
	registry := bot.NewRegistry()
	require.NoError(t, registry.Register(bot.Registration{
		Bot:     "greeter",
		Name:    "greet",
		Grammar: mustGrammar(t, grammar.Seq(grammar.Lit("greet"), grammar.Capture(grammar.Word(), "user"))),
		Handler: func(_ context.Context, req bot.Request) ([]bot.Command, error) {
			return []bot.Command{bot.SendMessage{Text: "Hello " + req.Captures["user"]}}, nil
		},
	}))

	sender := &recordingSender{}
	runService(t, testConfig(t), registry, []transport.InboundEvent{
		channelEvent("1", "!greet Alice"),
		channelEvent("2", "just chatting, nothing to see"),
	}, sender, nil)

	calls := sender.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, sentMessage{Kind: "send", Channel: "C1", Payload: "Hello Alice"}, calls[0])
}

func TestServiceFirstRegisteredWins(t *testing.T) {
	registry := bot.NewRegistry()
	require.NoError(t, registry.RegisterAll([]bot.Registration{
		{
			Bot:     "short",
			Name:    "ping",
			Grammar: mustGrammar(t, grammar.Lit("ping")),
			Handler: func(context.Context, bot.Request) ([]bot.Command, error) {
				return []bot.Command{bot.SendMessage{Text: "short"}}, nil
			},
		},
		{
			Bot:     "long",
			Name:    "ping-now",
			Grammar: mustGrammar(t, grammar.Seq(grammar.Lit("ping"), grammar.Lit("now"))),
			Handler: func(context.Context, bot.Request) ([]bot.Command, error) {
				return []bot.Command{bot.SendMessage{Text: "long"}}, nil
			},
		},
	}))

	sender := &recordingSender{}
	runService(t, testConfig(t), registry, []transport.InboundEvent{
		channelEvent("1", "!ping now"),
	}, sender, nil)

	calls := sender.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "short", calls[0].Payload)
}

func TestServiceHistoryOrderMatchesArrival(t *testing.T) {
	// The first command's handler outlives the second's; append order must
	// still follow event arrival, not handler completion.
	registry := bot.NewRegistry()
	require.NoError(t, registry.Register(bot.Registration{
		Bot:     "sleeper",
		Name:    "work",
		Grammar: mustGrammar(t, grammar.Seq(grammar.Lit("work"), grammar.Capture(grammar.Int(), "ms"))),
		Handler: func(ctx context.Context, req bot.Request) ([]bot.Command, error) {
			if req.Captures["ms"] == "80" {
				time.Sleep(80 * time.Millisecond)
			}
			return []bot.Command{bot.SendMessage{Text: req.Captures["ms"]}}, nil
		},
	}))

	recorder := &recordingRecorder{}
	sender := &recordingSender{}
	events := []transport.InboundEvent{
		channelEvent("1", "first plain message"),
		channelEvent("2", "!work 80"),
		channelEvent("3", "second plain message"),
		channelEvent("4", "!work 1"),
		channelEvent("5", "third plain message"),
	}
	runService(t, testConfig(t), registry, events, sender, recorder)

	records, closed := recorder.snapshot()
	require.True(t, closed, "recorder should be closed on shutdown")
	require.Len(t, records, 3)
	require.Equal(t, "1", records[0].EventID)
	require.Equal(t, "3", records[1].EventID)
	require.Equal(t, "5", records[2].EventID)
}

func TestServiceSkipsDuplicateEvents(t *testing.T) {
	registry := bot.NewRegistry()
	var invocations int
	var mu sync.Mutex
	require.NoError(t, registry.Register(bot.Registration{
		Bot:     "counter",
		Name:    "count",
		Grammar: mustGrammar(t, grammar.Lit("count")),
		Handler: func(context.Context, bot.Request) ([]bot.Command, error) {
			mu.Lock()
			invocations++
			mu.Unlock()
			return nil, nil
		},
	}))

	sender := &recordingSender{}
	duplicate := channelEvent("same-id", "!count")
	runService(t, testConfig(t), registry, []transport.InboundEvent{duplicate, duplicate, duplicate}, sender, nil)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, invocations)
}

func TestServiceAlertGating(t *testing.T) {
	registry := bot.NewRegistry()
	require.NoError(t, registry.Register(bot.Registration{
		Bot:     "echo",
		Name:    "echo",
		Grammar: mustGrammar(t, grammar.Seq(grammar.Lit("echo"), grammar.Tail("rest"))),
		Handler: func(_ context.Context, req bot.Request) ([]bot.Command, error) {
			return []bot.Command{bot.SendMessage{Text: req.Captures["rest"]}}, nil
		},
	}))

	recorder := &recordingRecorder{}
	sender := &recordingSender{}
	runService(t, testConfig(t), registry, []transport.InboundEvent{
		channelEvent("1", "echo without prefix stays chatter"),
		channelEvent("2", "!echo prefixed"),
		dmEvent("3", "echo direct message needs no prefix"),
	}, sender, recorder)

	calls := sender.snapshot()
	require.Len(t, calls, 2)
	require.Equal(t, "prefixed", calls[0].Payload)
	require.Equal(t, "direct message needs no prefix", calls[1].Payload)

	// The unprefixed channel message was archived, not dispatched; the
	// command and the DM stay out of the archive.
	records, _ := recorder.snapshot()
	require.Len(t, records, 1)
	require.Equal(t, "1", records[0].EventID)
}

func TestServiceDMHelpFallback(t *testing.T) {
	registry := bot.NewRegistry()
	require.NoError(t, registry.Register(bot.Registration{
		Bot:      "greeter",
		Name:     "greet",
		Grammar:  mustGrammar(t, grammar.Seq(grammar.Lit("greet"), grammar.Capture(grammar.Word(), "user"))),
		Handler:  func(context.Context, bot.Request) ([]bot.Command, error) { return nil, nil },
		HelpText: "Greet a user\n\tgreet <name>",
	}))

	sender := &recordingSender{}
	runService(t, testConfig(t), registry, []transport.InboundEvent{
		dmEvent("1", "what can you do?"),
	}, sender, nil)

	calls := sender.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "D1", calls[0].Channel)
	require.Contains(t, calls[0].Payload, "greet:")
}

func TestServiceChannelRestriction(t *testing.T) {
	registry := bot.NewRegistry()
	require.NoError(t, registry.RegisterAll([]bot.Registration{
		{
			Bot:      "restricted",
			Name:     "deploy",
			Grammar:  mustGrammar(t, grammar.Lit("deploy")),
			Channels: []string{"C-ops"},
			Handler: func(context.Context, bot.Request) ([]bot.Command, error) {
				return []bot.Command{bot.SendMessage{Text: "restricted ran"}}, nil
			},
		},
		{
			Bot:     "fallback",
			Name:    "deploy-anywhere",
			Grammar: mustGrammar(t, grammar.Lit("deploy")),
			Handler: func(context.Context, bot.Request) ([]bot.Command, error) {
				return []bot.Command{bot.SendMessage{Text: "fallback ran"}}, nil
			},
		},
	}))

	sender := &recordingSender{}
	runService(t, testConfig(t), registry, []transport.InboundEvent{
		channelEvent("1", "!deploy"),
	}, sender, nil)

	calls := sender.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "fallback ran", calls[0].Payload)
}

func TestServiceValidation(t *testing.T) {
	registry := bot.NewRegistry()
	connector := &scriptedConnector{name: "slack", done: make(chan struct{})}
	sender := &recordingSender{}

	_, err := New(nil, registry, connector, sender, nil, nil)
	require.Error(t, err)

	_, err = New(testConfig(t), nil, connector, sender, nil, nil)
	require.Error(t, err)

	_, err = New(testConfig(t), registry, nil, sender, nil, nil)
	require.Error(t, err)

	_, err = New(testConfig(t), registry, connector, nil, nil, nil)
	require.Error(t, err)
}

func TestDedupeWindowEviction(t *testing.T) {
	t.Parallel()

	w := newDedupeWindow(2)
	require.False(t, w.seen("a"))
	require.False(t, w.seen("b"))
	require.True(t, w.seen("a"))

	// "c" evicts "a"; the window only remembers the last two IDs.
	require.False(t, w.seen("c"))
	require.False(t, w.seen("a"))

	require.False(t, w.seen(""))
	require.False(t, w.seen(""))
}

func TestGateStripsPrefix(t *testing.T) {
	t.Parallel()

	svc := &Service{alert: "!"}

	gated, ok := svc.gate(channelEvent("1", "!cmd arg"))
	require.True(t, ok)
	require.Equal(t, "cmd arg", gated.Text)

	_, ok = svc.gate(channelEvent("2", "cmd arg"))
	require.False(t, ok)

	gated, ok = svc.gate(dmEvent("3", "cmd arg"))
	require.True(t, ok)
	require.Equal(t, "cmd arg", gated.Text)

	gated, ok = svc.gate(dmEvent("4", "!cmd arg"))
	require.True(t, ok)
	require.Equal(t, "cmd arg", gated.Text)

	_, ok = svc.gate(channelEvent("5", "!   "))
	require.False(t, ok)
}
