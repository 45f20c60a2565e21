// Package dispatch matches inbound events against the registry and runs the
// winning handler in isolation. One goroutine per invocation, bounded by a
// configurable in-flight cap; a failing or slow handler never blocks intake
// of further events.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davisyoshida/asyncbots/pkg/bot"
	"github.com/davisyoshida/asyncbots/pkg/transport"
)

const (
	// DefaultHandlerTimeout bounds one handler invocation.
	DefaultHandlerTimeout = 10 * time.Second
	// DefaultMaxInFlight bounds concurrently running invocations.
	DefaultMaxInFlight = 64
)

// Dispatcher turns one inbound event into zero-or-one handler invocation.
type Dispatcher struct {
	registry   *bot.Registry
	translator *Translator
	timeout    time.Duration
	slots      chan struct{}
	wg         sync.WaitGroup
	log        *slog.Logger
}

// Options tune dispatcher behavior. Zero values select the defaults.
type Options struct {
	HandlerTimeout time.Duration
	MaxInFlight    int
}

// New builds a dispatcher over a registry and translator.
func New(registry *bot.Registry, translator *Translator, opts Options, log *slog.Logger) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if translator == nil {
		return nil, fmt.Errorf("translator is required")
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}

	return &Dispatcher{
		registry:   registry,
		translator: translator,
		timeout:    timeout,
		slots:      make(chan struct{}, maxInFlight),
		log:        log.With("component", "dispatch"),
	}, nil
}

// Dispatch resolves event text against the registry, selects the first
// match in registry order, and runs its handler asynchronously. Matching and
// selection happen synchronously before Dispatch returns, so calling it from
// a single intake loop preserves arrival-order matching. Zero matches is the
// steady state for most traffic, not an error; the return value reports
// whether a handler was invoked.
func (d *Dispatcher) Dispatch(ctx context.Context, event transport.InboundEvent) bool {
	matches := d.registry.Resolve(event.Text)
	if len(matches) == 0 {
		return false
	}

	// First-registered-wins on ambiguity. Channel-restricted
	// registrations that exclude this channel are passed over; direct
	// messages are never restricted.
	selected := -1
	for i, m := range matches {
		if event.DM || m.Registration.AllowsChannel(event.ChannelID) {
			selected = i
			break
		}
	}
	if selected < 0 {
		return false
	}

	match := matches[selected]
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.slots }()
		d.invoke(ctx, event, match)
	}()

	return true
}

type invocationResult struct {
	cmds []bot.Command
	err  error
}

// invoke runs one handler under its per-invocation deadline. A handler that
// outlives the deadline is abandoned; its goroutine may finish later but the
// result channel is buffered so it never leaks, and nothing forwards its
// commands.
func (d *Dispatcher) invoke(ctx context.Context, event transport.InboundEvent, match bot.Match) {
	reg := match.Registration
	invocationID := uuid.NewString()
	log := d.log.With("bot", reg.Bot, "handler", reg.Name, "invocation_id", invocationID, "event_id", event.EventID)

	// Shutdown drains in-flight invocations instead of canceling them,
	// so the deadline is detached from the intake context.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	results := make(chan invocationResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- invocationResult{err: fmt.Errorf("panic: %v", r)}
			}
		}()

		cmds, err := reg.Handler(ictx, bot.Request{
			SenderID:  event.SenderID,
			ChannelID: event.ChannelID,
			Captures:  match.Captures,
			Timestamp: event.Timestamp,
		})
		results <- invocationResult{cmds: cmds, err: err}
	}()

	select {
	case <-ictx.Done():
		err := &HandlerTimeoutError{Bot: reg.Bot, Name: reg.Name, InvocationID: invocationID, Timeout: d.timeout}
		log.Warn("Handler abandoned", "error", err)
		return

	case res := <-results:
		if res.err != nil {
			err := &HandlerExecutionError{Bot: reg.Bot, Name: reg.Name, InvocationID: invocationID, Err: res.err}
			log.Error("Handler failed", "error", err)
			return
		}

		if len(res.cmds) == 0 {
			return
		}
		if err := d.translator.Run(ictx, event, res.cmds); err != nil {
			log.Error("Command delivery failed", "error", err)
		}
	}
}

// Drain waits for in-flight invocations to finish, up to the context
// deadline, after which the remainder is abandoned.
func (d *Dispatcher) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn("Abandoning in-flight handler invocations on shutdown")
	}
}
